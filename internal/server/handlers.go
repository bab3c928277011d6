package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/resolver"
	"github.com/rudnitski/healthup-resolver/internal/review"
	"github.com/rudnitski/healthup-resolver/internal/storage"
)

// pinger is the slice of the storage layer the health endpoint needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthChecker reports whether the similarity tier can serve queries.
// fuzzy.Matcher satisfies it.
type healthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	resolverSvc *resolver.Service
	reviewSvc   *review.Service
	db          pinger
	matcher     healthChecker
	logger      *slog.Logger
	version     string
}

type resolveRequest struct {
	Requests []model.ResolutionRequest `json:"requests"`
}

type resolveResponse struct {
	Decisions []model.ResolutionDecision `json:"decisions"`
}

// HandleResolve resolves one batch of labels for the ingestion pipeline.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "requests must not be empty")
		return
	}
	for i := range req.Requests {
		if req.Requests[i].RequestID == "" {
			req.Requests[i].RequestID = uuid.New().String()
		}
		switch req.Requests[i].Kind {
		case model.KindAnalyte, model.KindUnit:
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"kind must be \"analyte\" or \"unit\"")
			return
		}
	}

	decisions, err := h.resolverSvc.ResolveBatch(r.Context(), req.Requests)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, resolveResponse{Decisions: decisions})
}

// HandleListReview lists review queue items by status.
func (h *Handlers) HandleListReview(w http.ResponseWriter, r *http.Request) {
	status := model.ReviewStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.StatusPending
	}
	switch status {
	case model.StatusPending, model.StatusApproved, model.StatusRejected:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	items, err := h.reviewSvc.List(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("list review failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list review items")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": items})
}

// HandleGetReview returns one review queue item.
func (h *Handlers) HandleGetReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}
	item, err := h.reviewSvc.Get(r.Context(), id)
	if err != nil {
		h.writeReviewError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

type resolveByRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// HandleApproveReview materializes a pending item's proposal.
func (h *Handlers) HandleApproveReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}
	var body resolveByRequest
	_ = decodeJSON(r, &body)
	if body.ResolvedBy == "" {
		body.ResolvedBy = "admin"
	}

	entry, err := h.reviewSvc.Approve(r.Context(), id, body.ResolvedBy)
	if err != nil {
		h.writeReviewError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}

// HandleRejectReview marks a pending item rejected.
func (h *Handlers) HandleRejectReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}
	var body resolveByRequest
	_ = decodeJSON(r, &body)
	if body.ResolvedBy == "" {
		body.ResolvedBy = "admin"
	}

	if err := h.reviewSvc.Reject(r.Context(), id, body.ResolvedBy); err != nil {
		h.writeReviewError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": string(model.StatusRejected)})
}

// HandleAmendReview replaces a pending item's proposal, clearing the
// needs-correction flag.
func (h *Handlers) HandleAmendReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reviewID(w, r)
	if !ok {
		return
	}
	var proposed model.ReviewProposal
	if err := decodeJSON(r, &proposed); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := h.reviewSvc.Amend(r.Context(), id, proposed); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrTerminalState) {
			h.writeReviewError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "amended"})
}

// HandleHealth reports liveness. An unreachable database fails the check; a
// down fuzzy matcher is only reported, since resolution degrades rather than
// stops without it.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.db == nil || h.db.Ping(r.Context()) != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "database unreachable")
		return
	}
	body := map[string]string{"status": "ok", "version": h.version}
	if h.matcher != nil {
		body["fuzzy"] = "ok"
		if err := h.matcher.Healthy(r.Context()); err != nil {
			body["fuzzy"] = "unavailable"
		}
	}
	writeJSON(w, r, http.StatusOK, body)
}

// writeDecodeError distinguishes a body that tripped the size limit from
// plain malformed JSON.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge,
			"request body exceeds the configured limit")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
}

func (h *Handlers) reviewID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid review item id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeReviewError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "review item not found")
	case errors.Is(err, storage.ErrNeedsCorrection):
		writeError(w, r, http.StatusConflict, model.ErrCodeNeedsCorrection,
			"proposal needs correction before approval")
	case errors.Is(err, storage.ErrTerminalState):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "review item is already resolved")
	default:
		h.logger.Error("review operation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "review operation failed")
	}
}
