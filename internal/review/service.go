// Package review manages the human adjudication queue: durable, deduplicated
// holding records for everything the pipeline could not resolve safely.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/storage"
	"github.com/rudnitski/healthup-resolver/internal/syntax"
)

// Service wraps queue storage with notification and lifecycle rules.
// Lifecycle: pending -> approved or pending -> rejected, both terminal.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a review Service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// Enqueue inserts or bumps a queue item. Repeat occurrences of the same
// (key, issue type) while one is pending collapse into the existing row with
// an incremented occurrence count. A NOTIFY fires for newly created rows so
// admin tooling can react without polling.
func (s *Service) Enqueue(ctx context.Context, item model.ReviewQueueItem) (model.ReviewQueueItem, bool, error) {
	stored, created, err := s.db.EnqueueReview(ctx, item)
	if err != nil {
		return model.ReviewQueueItem{}, false, fmt.Errorf("review: enqueue %q: %w", item.Key, err)
	}
	if created {
		s.notifyCreated(ctx, stored)
	}
	return stored, created, nil
}

func (s *Service) notifyCreated(ctx context.Context, item model.ReviewQueueItem) {
	payload, err := json.Marshal(map[string]string{
		"id":         item.ID.String(),
		"key":        item.Key,
		"issue_type": string(item.IssueType),
	})
	if err != nil {
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelReview, string(payload)); err != nil {
		s.logger.Debug("review notify failed", "id", item.ID, "error", err)
	}
}

// Get returns one queue item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ReviewQueueItem, error) {
	return s.db.GetReviewItem(ctx, id)
}

// List returns queue items with the given status, newest last-seen first.
func (s *Service) List(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]model.ReviewQueueItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListReview(ctx, status, limit, offset)
}

// Approve materializes the item's proposal into a canonical entry plus alias
// and marks the item approved. Items still flagged as needing correction are
// refused with storage.ErrNeedsCorrection until amended; items already
// resolved fail with storage.ErrTerminalState.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, resolvedBy string) (model.CanonicalEntry, error) {
	entry, err := s.db.ApproveReviewTx(ctx, id, resolvedBy)
	if err != nil {
		return model.CanonicalEntry{}, err
	}
	s.logger.Info("review item approved",
		"id", id, "code", entry.Code, "resolved_by", resolvedBy)
	return entry, nil
}

// Reject marks the item rejected. Nothing is written to the vocabulary.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	if err := s.db.RejectReview(ctx, id, resolvedBy); err != nil {
		return err
	}
	s.logger.Info("review item rejected", "id", id, "resolved_by", resolvedBy)
	return nil
}

// Amend replaces a pending item's proposal and clears the needs-correction
// flag, making the item eligible for approval. The corrected proposal must
// itself pass syntactic validation.
func (s *Service) Amend(ctx context.Context, id uuid.UUID, proposed model.ReviewProposal) error {
	if err := syntax.ValidateProposal(proposed.Kind, proposed.Code, proposed.Unit); err != nil {
		return fmt.Errorf("review: amend %s: %w", id, err)
	}
	return s.db.UpdateReviewProposal(ctx, id, proposed, false)
}
