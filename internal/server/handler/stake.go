package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/service"
)

// IdempotencyHeader may carry the idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// StakeService defines the methods that the stake handler requires from the
// service layer.
type StakeService interface {
	PlaceStake(ctx context.Context, req service.StakeRequest) (service.StakeResult, error)
	Reserve(ctx context.Context, req service.StakeRequest) (domain.EscrowLock, error)
	Consume(ctx context.Context, userID, lockID string) (domain.Entry, error)
	Release(ctx context.Context, userID, lockID string) (domain.EscrowLock, error)
	Balance(ctx context.Context, userID string) (service.Balance, error)
	Entries(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Entry, error)
}

// StakeHandler serves stake, lock and account endpoints for the caller.
type StakeHandler struct {
	stakes StakeService
	logger *slog.Logger
}

// NewStakeHandler creates a StakeHandler.
func NewStakeHandler(stakes StakeService, logger *slog.Logger) *StakeHandler {
	return &StakeHandler{
		stakes: stakes,
		logger: logger.With(slog.String("handler", "stake")),
	}
}

type stakeRequest struct {
	PredictionID   string `json:"prediction_id"`
	OptionID       string `json:"option_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *StakeHandler) decodeStake(r *http.Request) (service.StakeRequest, error) {
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		return service.StakeRequest{}, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}
	return service.StakeRequest{
		UserID:         caller(r),
		PredictionID:   req.PredictionID,
		OptionID:       req.OptionID,
		AmountCents:    req.AmountCents,
		IdempotencyKey: key,
	}, nil
}

// PlaceStake reserves and consumes in one call. A replay with the same
// idempotency key returns the original entry with 200 instead of 201.
// POST /api/stakes
func (h *StakeHandler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeStake(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "place stake", err)
		return
	}
	res, err := h.stakes.PlaceStake(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "place stake", err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Reserve holds funds without creating an entry.
// POST /api/locks
func (h *StakeHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeStake(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "reserve", err)
		return
	}
	lock, err := h.stakes.Reserve(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "reserve", err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

// Consume turns the caller's active lock into an entry.
// POST /api/locks/{id}/consume
func (h *StakeHandler) Consume(w http.ResponseWriter, r *http.Request) {
	entry, err := h.stakes.Consume(r.Context(), caller(r), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "consume", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Release frees the caller's active lock.
// DELETE /api/locks/{id}
func (h *StakeHandler) Release(w http.ResponseWriter, r *http.Request) {
	lock, err := h.stakes.Release(r.Context(), caller(r), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

type listEntriesResponse struct {
	Entries []domain.Entry `json:"entries"`
}

// Entries lists the caller's entries.
// GET /api/me/entries?limit=50&offset=0
func (h *StakeHandler) Entries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.stakes.Entries(r.Context(), caller(r), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list entries", err)
		return
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	writeJSON(w, http.StatusOK, listEntriesResponse{Entries: entries})
}

// Balance reports the caller's balance and held funds.
// GET /api/me/balance
func (h *StakeHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.stakes.Balance(r.Context(), caller(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}
