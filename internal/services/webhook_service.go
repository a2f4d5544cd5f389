package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/pixelmint/backend/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookService maps payment-provider events onto credit and refund
// operations. Redelivery of the same event id is a guaranteed no-op because
// the event id is the idempotency key.
type WebhookService struct {
	redis   *redis.Client
	engine  *LedgerEngine
	pricing map[string]int64
	secret  string
}

func NewWebhookService(redisClient *redis.Client, engine *LedgerEngine, pricing map[string]int64, secret string) *WebhookService {
	if secret == "" {
		log.Println("[WEBHOOK] no signing secret configured, signature verification disabled")
	}
	return &WebhookService{
		redis:   redisClient,
		engine:  engine,
		pricing: pricing,
		secret:  secret,
	}
}

// WebhookRequest is the normalized body of a provider event.
type WebhookRequest struct {
	EventID       string `json:"eventId"`
	UserID        string `json:"userId"`
	ProductRef    string `json:"productRef"`
	Status        string `json:"status"`
	CoinsOverride int64  `json:"coinsOverride"`
}

type WebhookResult struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Balance *int64 `json:"balance,omitempty"`
}

// Process classifies and applies one provider event. Unactionable statuses
// are accepted but ignored; that is a normal outcome, not a failure.
func (ws *WebhookService) Process(ctx context.Context, provider string, req *WebhookRequest) (*WebhookResult, error) {
	if req.UserID == "" {
		return nil, ErrUserRequired
	}
	if req.EventID == "" {
		// An unidentifiable webhook cannot be ledgered safely.
		return nil, ErrEventKeyRequired
	}

	switch classifyEvent(req.Status) {
	case eventPurchase:
		return ws.applyCredit(ctx, provider, req)
	case eventRefund:
		return ws.applyRefund(ctx, provider, req)
	default:
		return &WebhookResult{Status: StatusIgnored, Reason: "event_not_actionable"}, nil
	}
}

func (ws *WebhookService) applyCredit(ctx context.Context, provider string, req *WebhookRequest) (*WebhookResult, error) {
	coins, err := resolveCoinAmount(ws.pricing, req.ProductRef, req.CoinsOverride)
	if err != nil {
		return nil, err
	}

	normalized := models.NormalizeProvider(provider)
	result, err := ws.engine.RunAtomic(ctx, req.EventID, req.UserID, creditMutation(normalized, req.ProductRef, coins))
	if err != nil {
		return nil, err
	}
	if result.Status == StatusSuccess {
		invalidateBalanceCache(ctx, ws.redis, req.UserID)
	}
	return &WebhookResult{Status: result.Status, Balance: &result.Balance}, nil
}

func (ws *WebhookService) applyRefund(ctx context.Context, provider string, req *WebhookRequest) (*WebhookResult, error) {
	coins, err := resolveCoinAmount(ws.pricing, req.ProductRef, req.CoinsOverride)
	if err != nil {
		return nil, err
	}

	normalized := models.NormalizeProvider(provider)
	result, err := ws.engine.RunAtomic(ctx, req.EventID, req.UserID, func(acct models.Account) (*Mutation, error) {
		// Refunds pull the credited coins back out, floored at zero on
		// both counters. The entry records the requested magnitude; the
		// balance-after snapshot shows what was actually applied.
		acct.Balance = clampNonNegative(acct.Balance - coins)
		acct.LifetimePurchased = clampNonNegative(acct.LifetimePurchased - coins)
		return &Mutation{
			Account: acct,
			Entry: EntrySpec{
				Kind:       models.EntryKindRefund,
				Provider:   normalized,
				ProductRef: req.ProductRef,
				Coins:      coins,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if result.Status == StatusSuccess {
		invalidateBalanceCache(ctx, ws.redis, req.UserID)
	}
	return &WebhookResult{Status: result.Status, Balance: &result.Balance}, nil
}

type eventClass int

const (
	eventOther eventClass = iota
	eventPurchase
	eventRefund
)

func classifyEvent(status string) eventClass {
	switch strings.ToLower(status) {
	case "new", "purchase", "initial_purchase", "renewed", "renewal", "converted", "conversion":
		return eventPurchase
	case "refund", "refunded", "revoked", "revocation", "chargeback":
		return eventRefund
	}
	return eventOther
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// signature header. With no secret configured the check is skipped.
func (ws *WebhookService) verifySignature(body []byte, signature string) bool {
	if ws.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(ws.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook ingests a payment-provider event
// @Summary Ingest a provider webhook
// @Description Applies a payment-provider event exactly once; redeliveries return already_processed
// @Tags webhooks
// @Accept json
// @Produce json
// @Param provider path string true "Provider name"
// @Param event body WebhookRequest true "Provider event"
// @Success 200 {object} WebhookResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /webhooks/{provider} [post]
func (ws *WebhookService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if !ws.verifySignature(body, r.Header.Get(SignatureHeader)) {
		log.Printf("[WEBHOOK] signature verification failed for provider %s", provider)
		SendCodedError(w, "SIGNATURE_INVALID", "Webhook signature verification failed", http.StatusUnauthorized)
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	result, err := ws.Process(r.Context(), provider, &req)
	if err != nil {
		log.Printf("[WEBHOOK] event %s from %s failed: %v", req.EventID, provider, err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
