package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pixelmint/backend/internal/middleware"
	"github.com/pixelmint/backend/internal/models"
)

// JobsTopic is the Kafka topic outbox messages for queued jobs are published
// to. Consumers dedupe on the job id.
const JobsTopic = "generation.jobs"

const selectJobSQL = `SELECT id, user_id, kind, cost_coins, status, input, output, created_at, updated_at FROM generation_jobs WHERE id = $1`

// JobService tracks generation jobs. Creation is always paired atomically
// with its debit ledger entry; later status updates come from the worker
// through the owning user.
type JobService struct {
	db        *sql.DB
	redis     *redis.Client
	engine    *LedgerEngine
	validator *ValidationHelper
}

func NewJobService(db *sql.DB, redisClient *redis.Client, engine *LedgerEngine) *JobService {
	return &JobService{
		db:        db,
		redis:     redisClient,
		engine:    engine,
		validator: NewValidationHelper(),
	}
}

// SpendRequest pays for and queues one generation job. Callers that want
// retry-safety must supply a stable requestId.
type SpendRequest struct {
	Kind      string          `json:"kind" validate:"required"`
	CostCoins int64           `json:"costCoins" validate:"required,gt=0"`
	Input     models.Document `json:"input"`
	RequestID string          `json:"requestId"`
}

type SpendResult struct {
	Status  string `json:"status"`
	JobID   string `json:"jobId"`
	Balance int64  `json:"balance"`
}

// UpdateJobRequest merges the provided fields into the job. Absent fields
// are left untouched.
type UpdateJobRequest struct {
	Status *string         `json:"status"`
	Output models.Document `json:"output"`
}

// SpendAndCreateJob debits the account and creates the queued job in one
// atomic unit. Insufficient balance aborts with no ledger entry and no job.
func (js *JobService) SpendAndCreateJob(ctx context.Context, userID string, req *SpendRequest) (*SpendResult, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if err := js.validator.ValidateStruct(req); err != nil {
		return nil, err
	}
	if !models.ValidJobKind(req.Kind) {
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidJobKind, req.Kind)
	}

	jobID := uuid.NewString()
	eventKey := req.RequestID
	if eventKey == "" {
		eventKey = "job:" + jobID
	}

	result, err := js.engine.RunAtomic(ctx, eventKey, userID, func(acct models.Account) (*Mutation, error) {
		if acct.Balance < req.CostCoins {
			return nil, ErrInsufficientCoins
		}

		job := &models.GenerationJob{
			ID:        jobID,
			UserID:    userID,
			Kind:      req.Kind,
			CostCoins: req.CostCoins,
			Status:    models.JobStatusQueued,
			Input:     req.Input,
		}

		payload, err := json.Marshal(map[string]any{
			"job_id":     jobID,
			"user_id":    userID,
			"kind":       req.Kind,
			"cost_coins": req.CostCoins,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal job message: %w", err)
		}

		acct.Balance -= req.CostCoins
		acct.LifetimeSpent += req.CostCoins
		return &Mutation{
			Account: acct,
			Entry: EntrySpec{
				Kind:       models.EntryKindSpend,
				Provider:   models.ProviderInApp,
				ProductRef: "generation:" + req.Kind,
				Coins:      req.CostCoins,
			},
			Job: job,
			Outbox: &models.OutboxMessage{
				MessageKey: jobID,
				Topic:      JobsTopic,
				Payload:    string(payload),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	resultJobID := jobID
	if result.Status == StatusAlreadyProcessed {
		// The original application created the job; return its id.
		resultJobID = ""
		if result.Entry.JobID != nil {
			resultJobID = *result.Entry.JobID
		}
	} else {
		invalidateBalanceCache(ctx, js.redis, userID)
	}

	return &SpendResult{
		Status:  result.Status,
		JobID:   resultJobID,
		Balance: result.Balance,
	}, nil
}

// GetJob returns the job if it exists and belongs to the caller. Ownership
// is an identity comparison only; there is no admin override.
func (js *JobService) GetJob(ctx context.Context, userID, jobID string) (*models.GenerationJob, error) {
	job, err := js.fetchJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobForbidden
	}
	return job, nil
}

// UpdateJob merges status/output into the job after the ownership check.
// Terminal statuses are frozen: no transition out of success or failed.
func (js *JobService) UpdateJob(ctx context.Context, userID, jobID string, upd *UpdateJobRequest) (*models.GenerationJob, error) {
	job, err := js.GetJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	if upd.Status != nil {
		if !models.ValidJobStatus(*upd.Status) {
			return nil, fmt.Errorf("%w: unknown job status %q", ErrInvalidJobStatus, *upd.Status)
		}
		if models.TerminalJobStatus(job.Status) && *upd.Status != job.Status {
			return nil, ErrTerminalJobStatus
		}
		job.Status = *upd.Status
	}
	if upd.Output != nil {
		job.Output = upd.Output
	}

	if _, err := js.db.ExecContext(ctx,
		`UPDATE generation_jobs SET status = $1, output = $2, updated_at = NOW() WHERE id = $3`,
		job.Status, job.Output, jobID); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// ListJobs returns the caller's jobs newest first, optionally filtered by
// status.
func (js *JobService) ListJobs(ctx context.Context, userID, status string, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT id, user_id, kind, cost_coins, status, input, output, created_at, updated_at FROM generation_jobs WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := js.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.GenerationJob{}
	for rows.Next() {
		var job models.GenerationJob
		if err := rows.Scan(&job.ID, &job.UserID, &job.Kind, &job.CostCoins, &job.Status,
			&job.Input, &job.Output, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (js *JobService) fetchJob(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	err := js.db.QueryRowContext(ctx, selectJobSQL, jobID).Scan(
		&job.ID, &job.UserID, &job.Kind, &job.CostCoins, &job.Status,
		&job.Input, &job.Output, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return &job, nil
}

// CreateJob pays for and queues a generation job
// @Summary Spend coins and create a job
// @Description Debits the coin balance and queues a generation job atomically
// @Tags jobs
// @Accept json
// @Produce json
// @Param job body SpendRequest true "Job request"
// @Success 201 {object} SpendResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /jobs [post]
func (js *JobService) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req SpendRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	result, err := js.SpendAndCreateJob(r.Context(), userID, &req)
	if err != nil {
		if respondValidationError(w, err) {
			return
		}
		log.Printf("[JOBS] spend failed for %s: %v", userID, err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status == StatusAlreadyProcessed {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

// GetJobHandler returns one job
// @Summary Get a job
// @Tags jobs
// @Produce json
// @Param jobID path string true "Job ID"
// @Success 200 {object} models.GenerationJob
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{jobID} [get]
func (js *JobService) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")

	job, err := js.GetJob(r.Context(), userID, jobID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// UpdateJobHandler merges status/output into a job
// @Summary Update a job
// @Tags jobs
// @Accept json
// @Produce json
// @Param jobID path string true "Job ID"
// @Param update body UpdateJobRequest true "Fields to merge"
// @Success 200 {object} models.GenerationJob
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /jobs/{jobID} [patch]
func (js *JobService) UpdateJobHandler(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")

	var req UpdateJobRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	job, err := js.UpdateJob(r.Context(), userID, jobID, &req)
	if err != nil {
		if respondValidationError(w, err) {
			return
		}
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// ListJobsHandler lists the caller's jobs
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param status query string false "Filter by status"
// @Param limit query int false "Maximum jobs to return (default 50, max 100)"
// @Success 200 {array} models.GenerationJob
// @Router /jobs [get]
func (js *JobService) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := js.ListJobs(r.Context(), userID, r.URL.Query().Get("status"), limit)
	if err != nil {
		log.Printf("[JOBS] list failed for %s: %v", userID, err)
		SendCodedError(w, "INTERNAL", "Failed to load jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jobs": jobs})
}
