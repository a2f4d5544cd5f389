package services

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Domain failures surfaced by the ledger engine and its callers.
var (
	ErrInsufficientCoins    = errors.New("insufficient coin balance")
	ErrUserRequired         = errors.New("user id is required")
	ErrEventKeyRequired     = errors.New("no stable event key could be derived from the request")
	ErrCoinAmountUnresolved = errors.New("coin amount could not be resolved for product")
	ErrInvalidJobKind       = errors.New("invalid job kind")
	ErrInvalidJobStatus     = errors.New("invalid job status")
	ErrJobNotFound          = errors.New("job not found")
	ErrJobForbidden         = errors.New("job belongs to another user")
	ErrTerminalJobStatus    = errors.New("job already reached a terminal status")
	ErrTxConflict           = errors.New("transaction conflict, retries exhausted")
)

// Error codes returned in JSON responses.
const (
	CodeValidation           = "VALIDATION"
	CodeEventKeyRequired     = "EVENT_KEY_REQUIRED"
	CodeCoinAmountUnresolved = "COIN_AMOUNT_UNRESOLVED"
	CodeInsufficientCoins    = "INSUFFICIENT_COINS"
	CodeJobForbidden         = "JOB_FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeTxConflict           = "TX_CONFLICT"
)

// respondValidationError writes a validation response for struct-tag or
// enum failures and reports whether it handled the error.
func respondValidationError(w http.ResponseWriter, err error) bool {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, verrs)
		return true
	}
	if errors.Is(err, ErrInvalidJobKind) || errors.Is(err, ErrInvalidJobStatus) {
		SendCodedError(w, CodeValidation, err.Error(), http.StatusBadRequest)
		return true
	}
	return false
}

// RespondDomainError maps a domain error onto its HTTP status and code.
// ErrTxConflict is the only caller-retryable outcome; retrying with the same
// idempotency key is always safe.
func RespondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCoins):
		SendCodedError(w, CodeInsufficientCoins, "Insufficient coin balance", http.StatusPaymentRequired)
	case errors.Is(err, ErrUserRequired):
		SendCodedError(w, CodeValidation, "User id is required", http.StatusBadRequest)
	case errors.Is(err, ErrEventKeyRequired):
		SendCodedError(w, CodeEventKeyRequired, "A stable transaction identifier is required", http.StatusBadRequest)
	case errors.Is(err, ErrCoinAmountUnresolved):
		SendCodedError(w, CodeCoinAmountUnresolved, "Coin amount could not be resolved", http.StatusBadRequest)
	case errors.Is(err, ErrJobForbidden):
		SendCodedError(w, CodeJobForbidden, "Job belongs to another user", http.StatusForbidden)
	case errors.Is(err, ErrJobNotFound):
		SendCodedError(w, CodeNotFound, "Job not found", http.StatusNotFound)
	case errors.Is(err, ErrTerminalJobStatus):
		SendCodedError(w, CodeValidation, "Job already reached a terminal status", http.StatusBadRequest)
	case errors.Is(err, ErrTxConflict):
		SendCodedError(w, CodeTxConflict, "Temporary conflict, safe to retry", http.StatusServiceUnavailable)
	default:
		SendCodedError(w, "INTERNAL", "Failed to process request", http.StatusInternalServerError)
	}
}
