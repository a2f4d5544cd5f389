package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/pixelmint/backend/internal/models"
)

// NewProducer builds a synchronous Kafka producer that waits for all
// replicas to acknowledge each message.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// Dispatcher publishes committed outbox messages to Kafka. Rows are written
// in the same transaction as the ledger mutation they describe, so delivery
// is at-least-once and consumers dedupe on the message key.
type Dispatcher struct {
	db         *sql.DB
	producer   sarama.SyncProducer
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewDispatcher(db *sql.DB, producer sarama.SyncProducer) *Dispatcher {
	return &Dispatcher{
		db:         db,
		producer:   producer,
		stopCh:     make(chan struct{}),
		interval:   200 * time.Millisecond,
		batchSize:  100,
		maxRetries: 5,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	log.Println("[OUTBOX] dispatcher started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OUTBOX] context cancelled, dispatcher exiting")
			return
		case <-d.stopCh:
			log.Println("[OUTBOX] dispatcher stopped")
			return
		case <-ticker.C:
			d.processPending(ctx)
		}
	}
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) processPending(ctx context.Context) {
	messages, err := d.pendingMessages(ctx)
	if err != nil {
		log.Printf("[OUTBOX] pending query failed: %v", err)
		return
	}

	for i := range messages {
		d.send(ctx, &messages[i])
	}
}

func (d *Dispatcher) pendingMessages(ctx context.Context) ([]models.OutboxMessage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, message_key, topic, payload, retry_count FROM outbox_messages WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		models.OutboxStatusPending, d.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.OutboxMessage{}
	for rows.Next() {
		var msg models.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.MessageKey, &msg.Topic, &msg.Payload, &msg.RetryCount); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (d *Dispatcher) send(ctx context.Context, msg *models.OutboxMessage) {
	_, _, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.MessageKey),
		Value: sarama.StringEncoder(msg.Payload),
	})

	if err == nil {
		if _, err := d.db.ExecContext(ctx,
			`UPDATE outbox_messages SET status = $1, updated_at = NOW() WHERE id = $2`,
			models.OutboxStatusSent, msg.ID); err != nil {
			log.Printf("[OUTBOX] marking message %d sent failed: %v", msg.ID, err)
		}
		return
	}

	log.Printf("[OUTBOX] publish failed for message %d (key=%s): %v", msg.ID, msg.MessageKey, err)

	if msg.RetryCount+1 >= d.maxRetries {
		if _, err := d.db.ExecContext(ctx,
			`UPDATE outbox_messages SET status = $1, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $2`,
			models.OutboxStatusFailed, msg.ID); err != nil {
			log.Printf("[OUTBOX] marking message %d failed errored: %v", msg.ID, err)
		}
		return
	}

	if _, err := d.db.ExecContext(ctx,
		`UPDATE outbox_messages SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1`,
		msg.ID); err != nil {
		log.Printf("[OUTBOX] bumping retry count for message %d failed: %v", msg.ID, err)
	}
}
