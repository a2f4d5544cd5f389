package models

import "time"

// Outbox message statuses.
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage is written in the same transaction as the ledger mutation
// that produced it and published to Kafka by the dispatcher afterwards.
// Delivery is at-least-once; consumers dedupe on the message key.
type OutboxMessage struct {
	ID         int64     `json:"id" db:"id"`
	MessageKey string    `json:"message_key" db:"message_key"`
	Topic      string    `json:"topic" db:"topic"`
	Payload    string    `json:"payload" db:"payload"`
	Status     string    `json:"status" db:"status"`
	RetryCount int       `json:"retry_count" db:"retry_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
