package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rudnitski/healthup-resolver/internal/model"
)

// ErrNeedsCorrection is returned by ApproveReviewTx while an item is still
// flagged as needing a manual fix (e.g. invalid unit syntax). The admin must
// amend the proposal before approval can materialize anything.
var ErrNeedsCorrection = errors.New("storage: review item needs correction before approval")

// EnqueueReview inserts a pending review item, deduplicated by
// (key, issue_type) among pending rows: a repeat occurrence bumps
// occurrence_count and last_seen on the existing row instead of inserting.
// The partial unique index makes concurrent enqueues for the same key
// collapse into the update path. Returns the stored row and whether a new
// row was created.
func (db *DB) EnqueueReview(ctx context.Context, item model.ReviewQueueItem) (model.ReviewQueueItem, bool, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	var proposed []byte
	if item.Proposed != nil {
		var err error
		proposed, err = json.Marshal(item.Proposed)
		if err != nil {
			return model.ReviewQueueItem{}, false, fmt.Errorf("storage: marshal review proposal: %w", err)
		}
	}
	evidence, err := json.Marshal(orEmptyMap(item.Evidence))
	if err != nil {
		return model.ReviewQueueItem{}, false, fmt.Errorf("storage: marshal review evidence: %w", err)
	}

	var storedID uuid.UUID
	var created bool
	err = WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO review_queue
			     (id, key, raw_label, issue_type, proposed, evidence, status, needs_correction)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, 'pending', $7)
			 ON CONFLICT (key, issue_type) WHERE status = 'pending'
			 DO UPDATE SET occurrence_count = review_queue.occurrence_count + 1,
			               last_seen = now()
			 RETURNING id, (xmax = 0)`,
			item.ID, item.Key, item.RawLabel, item.IssueType, proposed, evidence, item.NeedsCorrection,
		).Scan(&storedID, &created)
	})
	if err != nil {
		return model.ReviewQueueItem{}, false, fmt.Errorf("storage: enqueue review: %w", err)
	}

	stored, err := db.GetReviewItem(ctx, storedID)
	if err != nil {
		return model.ReviewQueueItem{}, false, err
	}
	return stored, created, nil
}

// GetReviewItem fetches one review item by id.
func (db *DB) GetReviewItem(ctx context.Context, id uuid.UUID) (model.ReviewQueueItem, error) {
	return scanReviewItem(db.pool.QueryRow(ctx,
		`SELECT id, key, raw_label, issue_type, proposed, evidence, status,
		        needs_correction, occurrence_count, first_seen, last_seen,
		        resolved_at, resolved_by
		 FROM review_queue WHERE id = $1`, id))
}

// ListReview returns review items filtered by status, most recently seen
// first. A zero status lists everything.
func (db *DB) ListReview(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]model.ReviewQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, key, raw_label, issue_type, proposed, evidence, status,
		        needs_correction, occurrence_count, first_seen, last_seen,
		        resolved_at, resolved_by
		 FROM review_queue
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY last_seen DESC
		 LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list review: %w", err)
	}
	defer rows.Close()

	var out []model.ReviewQueueItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ApproveReviewTx atomically approves a pending item: it materializes the
// proposed canonical entry (insert-if-absent by code), appends the alias for
// the item's key, and marks the item approved. Fails with ErrTerminalState if
// the item is no longer pending and ErrNeedsCorrection if it is still flagged.
func (db *DB) ApproveReviewTx(ctx context.Context, id uuid.UUID, resolvedBy string) (model.CanonicalEntry, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: begin approve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	item, err := scanReviewItem(tx.QueryRow(ctx,
		`SELECT id, key, raw_label, issue_type, proposed, evidence, status,
		        needs_correction, occurrence_count, first_seen, last_seen,
		        resolved_at, resolved_by
		 FROM review_queue WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.CanonicalEntry{}, err
	}
	if item.Status != model.StatusPending {
		return model.CanonicalEntry{}, ErrTerminalState
	}
	if item.NeedsCorrection {
		return model.CanonicalEntry{}, ErrNeedsCorrection
	}
	if item.Proposed == nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: approve review: item %s has no proposal", id)
	}

	entryID := uuid.New()
	if _, err := tx.Exec(ctx,
		`INSERT INTO canonical_entries (id, code, display_name, kind, unit, metadata)
		 VALUES ($1, $2, $3, $4, $5, '{}'::jsonb)
		 ON CONFLICT (code) DO NOTHING`,
		entryID, item.Proposed.Code, item.Proposed.DisplayName, item.Proposed.Kind, item.Proposed.Unit,
	); err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: approve review: insert canonical: %w", err)
	}

	var entry model.CanonicalEntry
	if err := tx.QueryRow(ctx,
		`SELECT id, code, display_name, kind, unit, created_at
		 FROM canonical_entries WHERE code = $1`, item.Proposed.Code,
	).Scan(&entry.ID, &entry.Code, &entry.DisplayName, &entry.Kind, &entry.Unit, &entry.CreatedAt); err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: approve review: load canonical: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO aliases (key, canonical_id, source)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		item.Key, entry.ID, model.SourceManual,
	); err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: approve review: insert alias: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE review_queue
		 SET status = 'approved', resolved_at = now(), resolved_by = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, resolvedBy,
	); err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: approve review: mark approved: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.CanonicalEntry{}, fmt.Errorf("storage: commit approve tx: %w", err)
	}
	return entry, nil
}

// RejectReview marks a pending item rejected and writes nothing else.
func (db *DB) RejectReview(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE review_queue
		 SET status = 'rejected', resolved_at = now(), resolved_by = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, resolvedBy,
	)
	if err != nil {
		return fmt.Errorf("storage: reject review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already resolved; distinguish for the caller.
		if _, err := db.GetReviewItem(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminalState
	}
	return nil
}

// UpdateReviewProposal lets an admin amend a pending proposal and clear the
// needs-correction flag once the payload is fixed.
func (db *DB) UpdateReviewProposal(ctx context.Context, id uuid.UUID, proposed model.ReviewProposal, needsCorrection bool) error {
	payload, err := json.Marshal(proposed)
	if err != nil {
		return fmt.Errorf("storage: marshal amended proposal: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE review_queue
		 SET proposed = $2::jsonb, needs_correction = $3, last_seen = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, payload, needsCorrection,
	)
	if err != nil {
		return fmt.Errorf("storage: update review proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminalState
	}
	return nil
}

func scanReviewItem(row rowScanner) (model.ReviewQueueItem, error) {
	var item model.ReviewQueueItem
	var proposed, evidence []byte
	err := row.Scan(&item.ID, &item.Key, &item.RawLabel, &item.IssueType,
		&proposed, &evidence, &item.Status, &item.NeedsCorrection,
		&item.OccurrenceCount, &item.FirstSeen, &item.LastSeen,
		&item.ResolvedAt, &item.ResolvedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReviewQueueItem{}, ErrNotFound
	}
	if err != nil {
		return model.ReviewQueueItem{}, fmt.Errorf("storage: scan review item: %w", err)
	}
	if len(proposed) > 0 {
		item.Proposed = &model.ReviewProposal{}
		if err := json.Unmarshal(proposed, item.Proposed); err != nil {
			return model.ReviewQueueItem{}, fmt.Errorf("storage: unmarshal review proposal: %w", err)
		}
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &item.Evidence); err != nil {
			return model.ReviewQueueItem{}, fmt.Errorf("storage: unmarshal review evidence: %w", err)
		}
	}
	return item, nil
}
