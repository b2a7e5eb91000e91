package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unifarm/refdist/pkg/distributor"
	"github.com/unifarm/refdist/pkg/ledger"
	"github.com/unifarm/refdist/pkg/wallet"
)

// DistributionRequest is the body of POST /v1/distributions.
type DistributionRequest struct {
	SourceUserID int64   `json:"source_user_id"`
	Currency     string  `json:"currency"`
	Amount       float64 `json:"amount"`
}

// DistributionResponse reports the outcome of a distribution run.
type DistributionResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// BatchResponse is the read model of one reward batch.
type BatchResponse struct {
	BatchID          string               `json:"batch_id"`
	SourceUserID     int64                `json:"source_user_id"`
	Currency         string               `json:"currency"`
	EarnedAmount     float64              `json:"earned_amount"`
	Status           string               `json:"status"`
	LevelsProcessed  int                  `json:"levels_processed"`
	InviterCount     *int                 `json:"inviter_count,omitempty"`
	TotalDistributed float64              `json:"total_distributed"`
	RecoveryAttempts int                  `json:"recovery_attempts"`
	ErrorMessage     *string              `json:"error_message,omitempty"`
	ProcessedAt      time.Time            `json:"processed_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	Entries          []BatchEntryResponse `json:"entries,omitempty"`
}

// BatchEntryResponse is one credited level of a batch.
type BatchEntryResponse struct {
	Level    int     `json:"level"`
	UserID   int64   `json:"user_id"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

// RecoveryResponse reports the outcome of a manual recovery pass.
type RecoveryResponse struct {
	Resumed int `json:"resumed"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req DistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	batchID, err := s.cfg.Distributor.Distribute(r.Context(), req.SourceUserID, req.Currency, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, distributor.ErrInvalidAmount), errors.Is(err, distributor.ErrInvalidCurrency):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, distributor.ErrAlreadyClaimed):
			s.writeJSON(w, http.StatusConflict, DistributionResponse{
				BatchID: batchID,
				Status:  "claimed",
				Error:   err.Error(),
			})
		default:
			s.log.Error("server: distribution failed", "batch_id", batchID, "error", err)
			// The batch (if created) stays behind for recovery.
			s.writeJSON(w, http.StatusInternalServerError, DistributionResponse{
				BatchID: batchID,
				Status:  string(ledger.StatusFailed),
				Error:   err.Error(),
			})
		}
		return
	}

	s.writeJSON(w, http.StatusOK, DistributionResponse{
		BatchID: batchID,
		Status:  string(ledger.StatusCompleted),
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if batchID == "" {
		s.writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	b, err := s.cfg.Batches.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, ledger.ErrBatchNotFound) {
			s.writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.log.Error("server: failed to get batch", "batch_id", batchID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}

	resp := BatchResponse{
		BatchID:          b.BatchID,
		SourceUserID:     b.SourceUserID,
		Currency:         b.Currency,
		EarnedAmount:     b.EarnedAmount,
		Status:           string(b.Status),
		LevelsProcessed:  b.LevelsProcessed,
		InviterCount:     b.InviterCount,
		TotalDistributed: b.TotalDistributed,
		RecoveryAttempts: b.RecoveryAttempts,
		ErrorMessage:     b.ErrorMessage,
		ProcessedAt:      b.ProcessedAt,
		CompletedAt:      b.CompletedAt,
	}

	if s.cfg.Entries != nil {
		entries, err := s.cfg.Entries.EntriesForBatch(r.Context(), batchID)
		if err != nil {
			s.log.Error("server: failed to get batch entries", "batch_id", batchID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get batch entries")
			return
		}
		resp.Entries = toEntryResponses(entries)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecoveryRun(w http.ResponseWriter, r *http.Request) {
	resumed, err := s.cfg.Recoverer.RecoverIncompleteBatches(r.Context())
	if err != nil {
		s.log.Error("server: recovery pass failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "recovery pass failed")
		return
	}

	s.writeJSON(w, http.StatusOK, RecoveryResponse{Resumed: resumed})
}

func toEntryResponses(entries []wallet.LedgerEntry) []BatchEntryResponse {
	out := make([]BatchEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, BatchEntryResponse{
			Level:    e.Level,
			UserID:   e.UserID,
			Currency: e.Currency,
			Amount:   e.Amount,
		})
	}
	return out
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
