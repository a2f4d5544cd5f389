package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pixelmint/backend/internal/middleware"
	"github.com/pixelmint/backend/internal/models"
)

const balanceCacheTTL = 30 * time.Second

// CoinService owns the balance read path and the purchase verification flow.
// The pricing table is injected so price changes never touch the engine.
type CoinService struct {
	db        *sql.DB
	redis     *redis.Client
	engine    *LedgerEngine
	validator *ValidationHelper
	pricing   map[string]int64
}

func NewCoinService(db *sql.DB, redisClient *redis.Client, engine *LedgerEngine, pricing map[string]int64) *CoinService {
	return &CoinService{
		db:        db,
		redis:     redisClient,
		engine:    engine,
		validator: NewValidationHelper(),
		pricing:   pricing,
	}
}

// PurchaseRequest is a client-reported purchase receipt. The event key is
// derived from the first stable identifier present: transaction id, provider
// event id, then the raw receipt token.
type PurchaseRequest struct {
	Provider        string `json:"provider"`
	ProductRef      string `json:"productRef" validate:"required"`
	TransactionID   string `json:"transactionId"`
	ProviderEventID string `json:"providerEventId"`
	ReceiptToken    string `json:"receiptToken"`
	CoinsOverride   int64  `json:"coinsOverride" validate:"gte=0"`
}

type PurchaseResult struct {
	Status  string `json:"status"`
	Coins   int64  `json:"coins"`
	Balance int64  `json:"balance"`
}

// Balance returns the caller's account, creating it lazily. Reads go through
// the Redis cache when available; the ledger stays the source of truth.
func (cs *CoinService) Balance(ctx context.Context, userID string) (*models.Account, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}

	if cs.redis != nil {
		if cached, err := cs.redis.Get(ctx, balanceCacheKey(userID)).Bytes(); err == nil {
			var acct models.Account
			if err := json.Unmarshal(cached, &acct); err == nil {
				return &acct, nil
			}
		}
	}

	acct, err := cs.engine.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cs.redis != nil {
		if data, err := json.Marshal(acct); err == nil {
			if err := cs.redis.Set(ctx, balanceCacheKey(userID), data, balanceCacheTTL).Err(); err != nil {
				log.Printf("[COINS] balance cache set failed for %s: %v", userID, err)
			}
		}
	}
	return acct, nil
}

// VerifyPurchase credits the account for a client-reported receipt. Retried
// deliveries of the same receipt return already_processed with the original
// balance, as a normal successful response.
func (cs *CoinService) VerifyPurchase(ctx context.Context, userID string, req *PurchaseRequest) (*PurchaseResult, error) {
	coins, err := resolveCoinAmount(cs.pricing, req.ProductRef, req.CoinsOverride)
	if err != nil {
		return nil, err
	}

	eventKey := derivePurchaseEventKey(req)
	if eventKey == "" {
		return nil, ErrEventKeyRequired
	}

	provider := models.NormalizeProvider(req.Provider)
	result, err := cs.engine.RunAtomic(ctx, eventKey, userID, creditMutation(provider, req.ProductRef, coins))
	if err != nil {
		return nil, err
	}

	if result.Status == StatusSuccess {
		invalidateBalanceCache(ctx, cs.redis, userID)
	}
	return &PurchaseResult{
		Status:  result.Status,
		Coins:   result.Entry.Coins,
		Balance: result.Balance,
	}, nil
}

// creditMutation unconditionally adds coins to balance and lifetime
// purchased. Shared by the purchase verifier and the webhook ingestor.
func creditMutation(provider, productRef string, coins int64) MutateFunc {
	return func(acct models.Account) (*Mutation, error) {
		acct.Balance += coins
		acct.LifetimePurchased += coins
		return &Mutation{
			Account: acct,
			Entry: EntrySpec{
				Kind:       models.EntryKindPurchase,
				Provider:   provider,
				ProductRef: productRef,
				Coins:      coins,
			},
		}, nil
	}
}

func derivePurchaseEventKey(req *PurchaseRequest) string {
	switch {
	case req.TransactionID != "":
		return req.TransactionID
	case req.ProviderEventID != "":
		return req.ProviderEventID
	case req.ReceiptToken != "":
		return req.ReceiptToken
	}
	return ""
}

// resolveCoinAmount resolves the coin amount from an explicit override or the
// injected product table; anything non-positive is unresolved.
func resolveCoinAmount(pricing map[string]int64, productRef string, override int64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	if coins, ok := pricing[productRef]; ok && coins > 0 {
		return coins, nil
	}
	return 0, ErrCoinAmountUnresolved
}

func balanceCacheKey(userID string) string {
	return "coins:balance:" + userID
}

func invalidateBalanceCache(ctx context.Context, client *redis.Client, userID string) {
	if client == nil {
		return
	}
	if err := client.Del(ctx, balanceCacheKey(userID)).Err(); err != nil {
		log.Printf("[COINS] balance cache invalidation failed for %s: %v", userID, err)
	}
}

// GetBalance returns the caller's coin account
// @Summary Get coin balance
// @Description Returns the authenticated user's coin account, creating it on first contact
// @Tags coins
// @Produce json
// @Success 200 {object} models.Account
// @Failure 500 {object} ErrorResponse
// @Router /coins/balance [get]
func (cs *CoinService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	acct, err := cs.Balance(r.Context(), userID)
	if err != nil {
		log.Printf("[COINS] balance read failed for %s: %v", userID, err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// VerifyPurchaseHandler credits coins for a purchase receipt
// @Summary Verify a purchase
// @Description Applies a client-reported purchase receipt exactly once and credits the coin balance
// @Tags coins
// @Accept json
// @Produce json
// @Param purchase body PurchaseRequest true "Purchase receipt"
// @Success 200 {object} PurchaseResult
// @Failure 400 {object} ErrorResponse
// @Router /coins/purchases/verify [post]
func (cs *CoinService) VerifyPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req PurchaseRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := cs.VerifyPurchase(r.Context(), userID, &req)
	if err != nil {
		log.Printf("[COINS] purchase verification failed for %s: %v", userID, err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// LedgerHistory lists the caller's ledger entries
// @Summary List ledger entries
// @Description Returns the authenticated user's recent ledger entries, newest first
// @Tags coins
// @Produce json
// @Param limit query int false "Maximum entries to return (default 50, max 100)"
// @Success 200 {array} models.LedgerEntry
// @Router /coins/ledger [get]
func (cs *CoinService) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := cs.engine.ListEntries(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[COINS] ledger history read failed for %s: %v", userID, err)
		SendCodedError(w, "INTERNAL", "Failed to load ledger history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}
