package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/pixelmint/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func newWebhookFixture(t *testing.T, secret string) (*WebhookService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	return NewWebhookService(nil, NewLedgerEngine(db), testPricing, secret), mock, func() { db.Close() }
}

func TestWebhookService_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("purchase event credits the account", func(t *testing.T) {
		service, mock, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM coin_ledger_entries WHERE event_key = \\$1").
			WithArgs("evt1").
			WillReturnRows(sqlmock.NewRows(entryColumns))
		mock.ExpectQuery("FROM coin_accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("user1").
			WillReturnRows(accountRow("user1", 0, 0, 0, 1))
		mock.ExpectExec("UPDATE coin_accounts SET balance = \\$1").
			WithArgs(int64(550), int64(550), int64(0), sqlmock.AnyArg(), "user1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO coin_ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Process(ctx, "revenuecat", &WebhookRequest{
			EventID:    "evt1",
			UserID:     "user1",
			ProductRef: "coins_550",
			Status:     "INITIAL_PURCHASE",
		})
		assert.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, int64(550), *result.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refund is floored at zero", func(t *testing.T) {
		service, mock, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		// Account holds less than the refunded amount; both counters clamp.
		mock.ExpectBegin()
		mock.ExpectQuery("FROM coin_ledger_entries WHERE event_key = \\$1").
			WithArgs("evt2").
			WillReturnRows(sqlmock.NewRows(entryColumns))
		mock.ExpectQuery("FROM coin_accounts WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("user1").
			WillReturnRows(accountRow("user1", 200, 550, 350, 3))
		mock.ExpectExec("UPDATE coin_accounts SET balance = \\$1").
			WithArgs(int64(0), int64(0), int64(350), sqlmock.AnyArg(), "user1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO coin_ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := service.Process(ctx, "revenuecat", &WebhookRequest{
			EventID:    "evt2",
			UserID:     "user1",
			ProductRef: "coins_550",
			Status:     "refund",
		})
		assert.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, int64(0), *result.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		service, mock, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM coin_ledger_entries WHERE event_key = \\$1").
			WithArgs("evt1").
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow(3, "evt1", "user1", models.EntryKindPurchase, models.ProviderRevenueCat, "coins_550",
					550, models.EntryStatusSuccess, 550, nil, time.Now()))
		mock.ExpectRollback()

		result, err := service.Process(ctx, "revenuecat", &WebhookRequest{
			EventID:    "evt1",
			UserID:     "user1",
			ProductRef: "coins_550",
			Status:     "initial_purchase",
		})
		assert.NoError(t, err)
		assert.Equal(t, StatusAlreadyProcessed, result.Status)
		assert.Equal(t, int64(550), *result.Balance)
	})

	t.Run("unactionable status is acknowledged and ignored", func(t *testing.T) {
		service, _, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		result, err := service.Process(ctx, "revenuecat", &WebhookRequest{
			EventID: "evt3",
			UserID:  "user1",
			Status:  "subscription_paused",
		})
		assert.NoError(t, err)
		assert.Equal(t, StatusIgnored, result.Status)
		assert.Equal(t, "event_not_actionable", result.Reason)
	})

	t.Run("missing user id is rejected", func(t *testing.T) {
		service, _, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		_, err := service.Process(ctx, "revenuecat", &WebhookRequest{EventID: "evt4", Status: "purchase"})
		assert.ErrorIs(t, err, ErrUserRequired)
	})

	t.Run("missing event id is rejected", func(t *testing.T) {
		service, _, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		_, err := service.Process(ctx, "revenuecat", &WebhookRequest{UserID: "user1", Status: "purchase"})
		assert.ErrorIs(t, err, ErrEventKeyRequired)
	})
}

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookService_HandleWebhook(t *testing.T) {
	newRouter := func(service *WebhookService) *chi.Mux {
		router := chi.NewRouter()
		router.Post("/webhooks/{provider}", service.HandleWebhook)
		return router
	}

	t.Run("bad signature gets 401 before any processing", func(t *testing.T) {
		service, mock, closeDB := newWebhookFixture(t, "topsecret")
		defer closeDB()

		body := `{"eventId": "evt1", "userId": "user1", "productRef": "coins_100", "status": "purchase"}`
		req := httptest.NewRequest("POST", "/webhooks/revenuecat", strings.NewReader(body))
		req.Header.Set(SignatureHeader, "deadbeef")
		w := httptest.NewRecorder()
		newRouter(service).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("valid signature is accepted", func(t *testing.T) {
		service, mock, closeDB := newWebhookFixture(t, "topsecret")
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM coin_ledger_entries WHERE event_key = \\$1").
			WillReturnRows(sqlmock.NewRows(entryColumns))
		mock.ExpectQuery("FROM coin_accounts WHERE user_id = \\$1 FOR UPDATE").
			WillReturnRows(sqlmock.NewRows(accountColumns))
		mock.ExpectExec("INSERT INTO coin_accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO coin_ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := `{"eventId": "evt1", "userId": "user1", "productRef": "coins_100", "status": "purchase"}`
		req := httptest.NewRequest("POST", "/webhooks/revenuecat", strings.NewReader(body))
		req.Header.Set(SignatureHeader, signBody("topsecret", body))
		w := httptest.NewRecorder()
		newRouter(service).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var result WebhookResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, StatusSuccess, result.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unresolvable amount maps to 400", func(t *testing.T) {
		service, _, closeDB := newWebhookFixture(t, "")
		defer closeDB()

		body := `{"eventId": "evt1", "userId": "user1", "productRef": "mystery", "status": "purchase"}`
		req := httptest.NewRequest("POST", "/webhooks/revenuecat", strings.NewReader(body))
		w := httptest.NewRecorder()
		newRouter(service).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, CodeCoinAmountUnresolved, resp.Code)
	})
}
