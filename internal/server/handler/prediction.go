package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/odds"
	"github.com/alanyoungcy/stakepool/internal/service"
)

// PredictionService defines the methods that the prediction handler
// requires from the service layer.
type PredictionService interface {
	Create(ctx context.Context, req service.CreatePredictionRequest) (domain.Prediction, error)
	Get(ctx context.Context, id string) (domain.Prediction, error)
	Transition(ctx context.Context, id string, to domain.PredictionStatus, actor string) (domain.Prediction, error)
	Refund(ctx context.Context, id, actor string) (int64, error)
	Preview(ctx context.Context, id, optionID string, stakeCents int64) (odds.Quote, error)
}

// PredictionHandler serves prediction endpoints.
type PredictionHandler struct {
	predictions PredictionService
	logger      *slog.Logger
}

// NewPredictionHandler creates a PredictionHandler.
func NewPredictionHandler(predictions PredictionService, logger *slog.Logger) *PredictionHandler {
	return &PredictionHandler{
		predictions: predictions,
		logger:      logger.With(slog.String("handler", "prediction")),
	}
}

type createPredictionRequest struct {
	Title          string                  `json:"title"`
	EntryDeadline  time.Time               `json:"entry_deadline"`
	PlatformFeeBps int64                   `json:"platform_fee_bps"`
	CreatorFeeBps  int64                   `json:"creator_fee_bps"`
	OddsModel      domain.OddsModel        `json:"odds_model"`
	Options        []string                `json:"options"`
	Status         domain.PredictionStatus `json:"status,omitempty"`
}

// Create stores a new prediction owned by the caller.
// POST /api/predictions
func (h *PredictionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPredictionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create prediction", err)
		return
	}
	p, err := h.predictions.Create(r.Context(), service.CreatePredictionRequest{
		CreatorID:     caller(r),
		Title:         req.Title,
		EntryDeadline: req.EntryDeadline,
		Fees:          domain.FeeSchedule{PlatformBps: req.PlatformFeeBps, CreatorBps: req.CreatorFeeBps},
		OddsModel:     req.OddsModel,
		Options:       req.Options,
		Status:        req.Status,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create prediction", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Get returns the prediction with its options and pool totals.
// GET /api/predictions/{id}
func (h *PredictionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.predictions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type transitionRequest struct {
	Status domain.PredictionStatus `json:"status"`
}

// Transition moves the prediction through its lifecycle.
// POST /api/predictions/{id}/transition
func (h *PredictionHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "transition", err)
		return
	}
	p, err := h.predictions.Transition(r.Context(), pathParam(r, "id"), req.Status, caller(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "transition", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type refundResponse struct {
	PredictionID    string `json:"prediction_id"`
	EntriesRefunded int64  `json:"entries_refunded"`
}

// Refund returns every active stake of a cancelled or disputed prediction.
// POST /api/predictions/{id}/refund
func (h *PredictionHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	n, err := h.predictions.Refund(r.Context(), id, caller(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{PredictionID: id, EntriesRefunded: n})
}

// Preview quotes a hypothetical stake in cents.
// GET /api/predictions/{id}/preview?option_id=...&stake=...
func (h *PredictionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	optionID := q.Get("option_id")
	if optionID == "" {
		writeError(w, http.StatusBadRequest, "option_id query parameter required")
		return
	}
	stake, err := strconv.ParseInt(q.Get("stake"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "stake must be an integer amount in cents")
		return
	}
	quote, err := h.predictions.Preview(r.Context(), pathParam(r, "id"), optionID, stake)
	if err != nil {
		writeServiceError(w, r, h.logger, "preview", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// SettlementService defines the settlement operations the handler needs.
type SettlementService interface {
	Settle(ctx context.Context, predictionID, winningOptionID, actor string) (domain.SettlementRecord, error)
	Get(ctx context.Context, predictionID string) (domain.SettlementRecord, error)
}

// ClaimService defines the claim lookups the handler needs.
type ClaimService interface {
	Get(ctx context.Context, predictionID string) (domain.MerkleClaim, error)
	GetProof(ctx context.Context, predictionID, address string) (domain.ClaimProof, error)
}

// SettlementHandler serves settlement and claim endpoints.
type SettlementHandler struct {
	settlements SettlementService
	claims      ClaimService
	logger      *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlements SettlementService, claims ClaimService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlements: settlements,
		claims:      claims,
		logger:      logger.With(slog.String("handler", "settlement")),
	}
}

type settleRequest struct {
	WinningOptionID string `json:"winning_option_id"`
}

// Settle settles the prediction on the winning option. Repeating the call
// returns the stored record.
// POST /api/predictions/{id}/settle
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	if req.WinningOptionID == "" {
		writeError(w, http.StatusBadRequest, "winning_option_id required")
		return
	}
	rec, err := h.settlements.Settle(r.Context(), pathParam(r, "id"), req.WinningOptionID, caller(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type settlementResponse struct {
	Settlement domain.SettlementRecord `json:"settlement"`
	Claim      *claimSummary           `json:"claim,omitempty"`
}

type claimSummary struct {
	Root      domain.Hash `json:"root"`
	Leaves    int         `json:"leaves"`
	Signature string      `json:"signature,omitempty"`
	PostedAt  time.Time   `json:"posted_at"`
}

// Get returns the settlement record and, once published, a summary of its
// Merkle claim.
// GET /api/predictions/{id}/settlement
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	rec, err := h.settlements.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get settlement", err)
		return
	}
	resp := settlementResponse{Settlement: rec}
	claim, err := h.claims.Get(r.Context(), id)
	switch {
	case err == nil:
		resp.Claim = &claimSummary{
			Root:      claim.Root,
			Leaves:    len(claim.Leaves),
			Signature: claim.Signature,
			PostedAt:  claim.PostedAt,
		}
	case !errors.Is(err, domain.ErrNotFound):
		writeServiceError(w, r, h.logger, "get claim", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Proof returns the Merkle proof and claim calldata for a winning address.
// GET /api/predictions/{id}/claims/{address}
func (h *SettlementHandler) Proof(w http.ResponseWriter, r *http.Request) {
	proof, err := h.claims.GetProof(r.Context(), pathParam(r, "id"), pathParam(r, "address"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get proof", err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}
