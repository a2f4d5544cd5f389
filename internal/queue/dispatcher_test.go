package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pixelmint/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func newDispatcherFixture(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, *mocks.SyncProducer, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	return NewDispatcher(db, producer), mock, producer, func() { db.Close() }
}

var outboxColumns = []string{"id", "message_key", "topic", "payload", "retry_count"}

func TestDispatcher_ProcessPending(t *testing.T) {
	ctx := context.Background()

	t.Run("published messages are marked sent", func(t *testing.T) {
		dispatcher, mock, producer, closeDB := newDispatcherFixture(t)
		defer closeDB()

		mock.ExpectQuery("FROM outbox_messages WHERE status = \\$1").
			WithArgs(models.OutboxStatusPending, 100).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(1, "job-1", "generation.jobs", `{"job_id":"job-1"}`, 0))
		producer.ExpectSendMessageAndSucceed()
		mock.ExpectExec("UPDATE outbox_messages SET status = \\$1").
			WithArgs(models.OutboxStatusSent, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dispatcher.processPending(ctx)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("publish failure bumps the retry count", func(t *testing.T) {
		dispatcher, mock, producer, closeDB := newDispatcherFixture(t)
		defer closeDB()

		mock.ExpectQuery("FROM outbox_messages WHERE status = \\$1").
			WithArgs(models.OutboxStatusPending, 100).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(2, "job-2", "generation.jobs", `{"job_id":"job-2"}`, 1))
		producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
		mock.ExpectExec("UPDATE outbox_messages SET retry_count = retry_count \\+ 1").
			WithArgs(int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dispatcher.processPending(ctx)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted retries park the message as failed", func(t *testing.T) {
		dispatcher, mock, producer, closeDB := newDispatcherFixture(t)
		defer closeDB()

		mock.ExpectQuery("FROM outbox_messages WHERE status = \\$1").
			WithArgs(models.OutboxStatusPending, 100).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(3, "job-3", "generation.jobs", `{"job_id":"job-3"}`, 4))
		producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
		mock.ExpectExec("UPDATE outbox_messages SET status = \\$1, retry_count = retry_count \\+ 1").
			WithArgs(models.OutboxStatusFailed, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dispatcher.processPending(ctx)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("an empty batch does nothing", func(t *testing.T) {
		dispatcher, mock, _, closeDB := newDispatcherFixture(t)
		defer closeDB()

		mock.ExpectQuery("FROM outbox_messages WHERE status = \\$1").
			WithArgs(models.OutboxStatusPending, 100).
			WillReturnRows(sqlmock.NewRows(outboxColumns))

		dispatcher.processPending(ctx)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
