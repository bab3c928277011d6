package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemAuditEntry is one append-only audit row per resolved label.
type ItemAuditEntry struct {
	BatchID       uuid.UUID
	RequestID     string
	RawLabel      string
	NormalizedKey string
	Tiers         map[string]any
	FinalDecision string
	Confidence    float64
	Duration      time.Duration
	Timeout       bool
}

// BatchAuditEntry summarizes one resolved batch.
type BatchAuditEntry struct {
	BatchID        uuid.UUID
	ItemCount      int
	DecisionCounts map[string]int
	Duration       time.Duration
	P50ItemMillis  float64
	P95ItemMillis  float64
}

// InsertItemAudit appends a per-item resolution audit event.
func (db *DB) InsertItemAudit(ctx context.Context, e ItemAuditEntry) error {
	tiers, err := json.Marshal(orEmptyMap(e.Tiers))
	if err != nil {
		return fmt.Errorf("storage: marshal item audit tiers: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO resolution_audit_log
		     (batch_id, request_id, raw_label, normalized_key, tiers,
		      final_decision, confidence, duration_ms, timed_out)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		e.BatchID, e.RequestID, e.RawLabel, e.NormalizedKey, tiers,
		e.FinalDecision, e.Confidence, e.Duration.Milliseconds(), e.Timeout,
	)
	if err != nil {
		return fmt.Errorf("storage: insert item audit: %w", err)
	}
	return nil
}

// InsertBatchAudit appends a per-batch summary row.
func (db *DB) InsertBatchAudit(ctx context.Context, e BatchAuditEntry) error {
	counts, err := json.Marshal(e.DecisionCounts)
	if err != nil {
		return fmt.Errorf("storage: marshal batch audit counts: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO batch_audit_log
		     (batch_id, item_count, decision_counts, duration_ms, p50_item_ms, p95_item_ms)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6)`,
		e.BatchID, e.ItemCount, counts, e.Duration.Milliseconds(), e.P50ItemMillis, e.P95ItemMillis,
	)
	if err != nil {
		return fmt.Errorf("storage: insert batch audit: %w", err)
	}
	return nil
}
