package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/pixelmint/backend/internal/models"
)

// Operation outcome statuses. AlreadyProcessed is a successful, idempotent
// outcome, never an error.
const (
	StatusSuccess          = "success"
	StatusAlreadyProcessed = "already_processed"
	StatusIgnored          = "ignored"
)

// errOptimisticLock signals a lost version race on the account row. It never
// leaves the engine; the whole sequence is retried with a fresh read.
var errOptimisticLock = errors.New("optimistic lock failed for account")

const (
	selectEntryByKeySQL = `SELECT id, event_key, user_id, kind, provider, product_ref, coins, status, balance_after, job_id, created_at FROM coin_ledger_entries WHERE event_key = $1`

	selectAccountForUpdateSQL = `SELECT user_id, COALESCE(balance, 0), COALESCE(lifetime_purchased, 0), COALESCE(lifetime_spent, 0), COALESCE(version, 0), created_at, updated_at FROM coin_accounts WHERE user_id = $1 FOR UPDATE`

	selectAccountSQL = `SELECT user_id, COALESCE(balance, 0), COALESCE(lifetime_purchased, 0), COALESCE(lifetime_spent, 0), COALESCE(version, 0), created_at, updated_at FROM coin_accounts WHERE user_id = $1`

	insertAccountSQL = `INSERT INTO coin_accounts (user_id, balance, lifetime_purchased, lifetime_spent, version, created_at, updated_at) VALUES ($1, $2, $3, $4, 1, $5, $5)`

	updateAccountSQL = `UPDATE coin_accounts SET balance = $1, lifetime_purchased = $2, lifetime_spent = $3, version = version + 1, updated_at = $4 WHERE user_id = $5 AND version = $6`

	insertJobSQL = `INSERT INTO generation_jobs (id, user_id, kind, cost_coins, status, input, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

	insertEntrySQL = `INSERT INTO coin_ledger_entries (event_key, user_id, kind, provider, product_ref, coins, status, balance_after, job_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	insertOutboxSQL = `INSERT INTO outbox_messages (message_key, topic, payload, status, retry_count, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, $5, $5)`
)

// EntrySpec describes the ledger entry a mutation wants appended. The engine
// fills in the event key, user, status and balance-after snapshot.
type EntrySpec struct {
	Kind       string
	Provider   string
	ProductRef string
	Coins      int64 // magnitude, must be positive
}

// Mutation is the state change a MutateFunc asks the engine to commit as one
// atomic unit: the new account state, the ledger entry recording it, and
// optionally a generation job and an outbox message.
type Mutation struct {
	Account models.Account
	Entry   EntrySpec
	Job     *models.GenerationJob
	Outbox  *models.OutboxMessage
}

// MutateFunc receives the current account (zero-valued if absent) inside the
// transaction. Returning an error aborts the transaction with no side
// effects; that is the only path that leaves no ledger entry for a valid key.
type MutateFunc func(acct models.Account) (*Mutation, error)

// ApplyResult is the outcome of RunAtomic. For already-processed events the
// balance and entry come from the original application.
type ApplyResult struct {
	Status  string
	Balance int64
	Entry   models.LedgerEntry
}

// LedgerEngine is the only component allowed to mutate balances or append
// ledger entries. All public flows compute a delta and funnel through
// RunAtomic; balance arithmetic anywhere else is a design violation.
type LedgerEngine struct {
	db         *sql.DB
	maxRetries int
	backoff    time.Duration
}

func NewLedgerEngine(db *sql.DB) *LedgerEngine {
	return &LedgerEngine{
		db:         db,
		maxRetries: 5,
		backoff:    20 * time.Millisecond,
	}
}

// VerifyAtomicSupport probes the store for serializable transaction support.
// Without it the read-modify-write would race, so the caller must refuse to
// start rather than degrade.
func (e *LedgerEngine) VerifyAtomicSupport(ctx context.Context) error {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store does not support atomic transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT 1`); err != nil {
		tx.Rollback()
		return fmt.Errorf("store transaction probe failed: %w", err)
	}
	return tx.Rollback()
}

// RunAtomic applies fn exactly once for the given event key. The sequence is:
// check the ledger for the key, read the account, apply fn, write account and
// entry (and job/outbox) as one commit. Write conflicts retry the whole
// sequence up to the bound; a duplicate key resolves to the stored entry.
func (e *LedgerEngine) RunAtomic(ctx context.Context, eventKey, userID string, fn MutateFunc) (*ApplyResult, error) {
	if eventKey == "" {
		return nil, ErrEventKeyRequired
	}
	if userID == "" {
		return nil, ErrUserRequired
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		result, err := e.runOnce(ctx, eventKey, userID, fn)
		if err == nil {
			return result, nil
		}

		// A concurrent delivery of the same key committed first. The
		// stored entry is the authoritative result.
		if isDuplicateEventKey(err) {
			entry, lookupErr := e.GetEntry(ctx, eventKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("resolving duplicate event %s: %w", eventKey, lookupErr)
			}
			return alreadyProcessed(entry), nil
		}

		if !isRetryableTxError(err) {
			return nil, err
		}

		lastErr = err
		log.Printf("[LEDGER] write conflict for event %s (attempt %d/%d): %v", eventKey, attempt, e.maxRetries, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * e.backoff):
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrTxConflict, lastErr)
}

func (e *LedgerEngine) runOnce(ctx context.Context, eventKey, userID string, fn MutateFunc) (*ApplyResult, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency gate. Must run before any balance read is trusted.
	entry, err := scanEntry(tx.QueryRowContext(ctx, selectEntryByKeySQL, eventKey))
	if err == nil {
		return alreadyProcessed(entry), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger gate read: %w", err)
	}

	acct, existed, err := e.readAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	mut, err := fn(acct)
	if err != nil {
		// Domain failure: abort with no side effects.
		return nil, err
	}
	if mut.Entry.Coins <= 0 {
		return nil, fmt.Errorf("ledger entry magnitude must be positive, got %d", mut.Entry.Coins)
	}
	if mut.Account.Balance < 0 || mut.Account.LifetimePurchased < 0 || mut.Account.LifetimeSpent < 0 {
		return nil, fmt.Errorf("mutation would violate non-negative account invariant")
	}

	now := time.Now().UTC()
	if existed {
		res, err := tx.ExecContext(ctx, updateAccountSQL,
			mut.Account.Balance, mut.Account.LifetimePurchased, mut.Account.LifetimeSpent,
			now, userID, acct.Version)
		if err != nil {
			return nil, fmt.Errorf("update account: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, errOptimisticLock
		}
	} else {
		if _, err := tx.ExecContext(ctx, insertAccountSQL,
			userID, mut.Account.Balance, mut.Account.LifetimePurchased, mut.Account.LifetimeSpent, now); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
	}

	var jobID *string
	if mut.Job != nil {
		if _, err := tx.ExecContext(ctx, insertJobSQL,
			mut.Job.ID, mut.Job.UserID, mut.Job.Kind, mut.Job.CostCoins, mut.Job.Status, mut.Job.Input, now); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		jobID = &mut.Job.ID
	}

	newEntry := models.LedgerEntry{
		EventKey:     eventKey,
		UserID:       userID,
		Kind:         mut.Entry.Kind,
		Provider:     mut.Entry.Provider,
		ProductRef:   mut.Entry.ProductRef,
		Coins:        mut.Entry.Coins,
		Status:       models.EntryStatusSuccess,
		BalanceAfter: mut.Account.Balance,
		JobID:        jobID,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, insertEntrySQL,
		newEntry.EventKey, newEntry.UserID, newEntry.Kind, newEntry.Provider, newEntry.ProductRef,
		newEntry.Coins, newEntry.Status, newEntry.BalanceAfter, newEntry.JobID, now); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	if mut.Outbox != nil {
		if _, err := tx.ExecContext(ctx, insertOutboxSQL,
			mut.Outbox.MessageKey, mut.Outbox.Topic, mut.Outbox.Payload, models.OutboxStatusPending, now); err != nil {
			return nil, fmt.Errorf("append outbox message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &ApplyResult{
		Status:  StatusSuccess,
		Balance: mut.Account.Balance,
		Entry:   newEntry,
	}, nil
}

// readAccountForUpdate locks and returns the account row, or a zero-valued
// account when none exists yet. Missing or corrupt numeric fields read as
// zero; this is a defensive read, not a validation gate.
func (e *LedgerEngine) readAccountForUpdate(ctx context.Context, tx *sql.Tx, userID string) (models.Account, bool, error) {
	acct, err := scanAccount(tx.QueryRowContext(ctx, selectAccountForUpdateSQL, userID))
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		return models.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("read account: %w", err)
	}
	return acct, true, nil
}

// GetOrCreateAccount returns the stored account, creating a zeroed one on
// first contact. Never fails on missing data.
func (e *LedgerEngine) GetOrCreateAccount(ctx context.Context, userID string) (*models.Account, error) {
	acct, err := scanAccount(e.db.QueryRowContext(ctx, selectAccountSQL, userID))
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read account: %w", err)
	}

	now := time.Now().UTC()
	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO coin_accounts (user_id, balance, lifetime_purchased, lifetime_spent, version, created_at, updated_at) VALUES ($1, 0, 0, 0, 1, $2, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, now); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	acct, err = scanAccount(e.db.QueryRowContext(ctx, selectAccountSQL, userID))
	if err != nil {
		return nil, fmt.Errorf("reread account: %w", err)
	}
	return &acct, nil
}

// GetEntry returns the ledger entry for an event key, if any.
func (e *LedgerEngine) GetEntry(ctx context.Context, eventKey string) (*models.LedgerEntry, error) {
	entry, err := scanEntry(e.db.QueryRowContext(ctx, selectEntryByKeySQL, eventKey))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries returns a user's most recent ledger entries, newest first.
func (e *LedgerEngine) ListEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, event_key, user_id, kind, provider, product_ref, coins, status, balance_after, job_id, created_at FROM coin_ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.EventKey, &entry.UserID, &entry.Kind, &entry.Provider,
			&entry.ProductRef, &entry.Coins, &entry.Status, &entry.BalanceAfter, &entry.JobID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func alreadyProcessed(entry *models.LedgerEntry) *ApplyResult {
	return &ApplyResult{
		Status:  StatusAlreadyProcessed,
		Balance: entry.BalanceAfter,
		Entry:   *entry,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var acct models.Account
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.LifetimePurchased, &acct.LifetimeSpent,
		&acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return models.Account{}, err
	}
	// Negative counters mean a corrupt row; coerce rather than fail the read.
	acct.Balance = clampNonNegative(acct.Balance)
	acct.LifetimePurchased = clampNonNegative(acct.LifetimePurchased)
	acct.LifetimeSpent = clampNonNegative(acct.LifetimeSpent)
	return acct, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := row.Scan(&entry.ID, &entry.EventKey, &entry.UserID, &entry.Kind, &entry.Provider,
		&entry.ProductRef, &entry.Coins, &entry.Status, &entry.BalanceAfter, &entry.JobID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// isRetryableTxError reports whether the whole sequence should be retried
// with a fresh read: serialization failures, deadlocks, a lost version race,
// or two first-time events racing to create the same account.
func isRetryableTxError(err error) bool {
	if errors.Is(err, errOptimisticLock) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01":
			return true
		case "23505":
			return pqErr.Constraint == "coin_accounts_pkey"
		}
	}
	return false
}

func isDuplicateEventKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) &&
		string(pqErr.Code) == "23505" &&
		pqErr.Constraint == "coin_ledger_entries_event_key_key"
}
