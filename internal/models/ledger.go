package models

import (
	"time"
)

// Ledger entry kinds.
const (
	EntryKindPurchase = "purchase"
	EntryKindSpend    = "spend"
	EntryKindRefund   = "refund"
)

// Recognised purchase providers.
const (
	ProviderAppStore   = "app_store"
	ProviderPlayStore  = "play_store"
	ProviderRevenueCat = "revenuecat"
	ProviderInApp      = "in_app"
	ProviderUnknown    = "unknown"
)

// EntryStatusSuccess is the only status a written ledger entry can carry.
// Failed attempts never produce an entry.
const EntryStatusSuccess = "success"

// Account holds a user's coin balance and lifetime counters. Created lazily
// on first read or first ledger event, never deleted.
type Account struct {
	UserID            string    `json:"user_id" db:"user_id"`
	Balance           int64     `json:"balance" db:"balance"`
	LifetimePurchased int64     `json:"lifetime_purchased" db:"lifetime_purchased"`
	LifetimeSpent     int64     `json:"lifetime_spent" db:"lifetime_spent"`
	Version           int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is the immutable record of one accepted balance mutation.
// EventKey doubles as the entry's identity: a second write with the same key
// is a no-op, which makes the ledger the sole source of truth for
// "already processed".
type LedgerEntry struct {
	ID           int       `json:"id" db:"id"`
	EventKey     string    `json:"event_key" db:"event_key"`
	UserID       string    `json:"user_id" db:"user_id"`
	Kind         string    `json:"kind" db:"kind"`
	Provider     string    `json:"provider" db:"provider"`
	ProductRef   string    `json:"product_ref" db:"product_ref"`
	Coins        int64     `json:"coins" db:"coins"` // magnitude, always positive
	Status       string    `json:"status" db:"status"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	JobID        *string   `json:"job_id,omitempty" db:"job_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// NormalizeProvider maps a caller-supplied provider name onto the known set.
func NormalizeProvider(provider string) string {
	switch provider {
	case ProviderAppStore, ProviderPlayStore, ProviderRevenueCat, ProviderInApp:
		return provider
	default:
		return ProviderUnknown
	}
}
