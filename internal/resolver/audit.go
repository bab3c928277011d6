package resolver

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/storage"
)

// ItemEvent is the audit record for one resolved label.
type ItemEvent struct {
	BatchID       uuid.UUID
	RequestID     string
	RawLabel      string
	NormalizedKey string
	Tiers         map[string]model.TierResult
	Decision      model.Decision
	Confidence    float64
	Duration      time.Duration
	Timeout       bool
}

// BatchEvent summarizes one ResolveBatch call.
type BatchEvent struct {
	BatchID        uuid.UUID
	ItemCount      int
	DecisionCounts map[model.Decision]int
	Duration       time.Duration
	P50Item        time.Duration
	P95Item        time.Duration
}

// Emitter receives audit events as an explicit side channel so tier logic
// stays free of logging calls. Implementations must tolerate being called
// concurrently and must not fail the pipeline.
type Emitter interface {
	EmitItem(ctx context.Context, e ItemEvent)
	EmitBatch(ctx context.Context, e BatchEvent)
}

// SlogEmitter writes audit events as structured log records.
type SlogEmitter struct {
	Logger *slog.Logger
}

func (s SlogEmitter) EmitItem(ctx context.Context, e ItemEvent) {
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "resolution",
		slog.String("batch_id", e.BatchID.String()),
		slog.String("request_id", e.RequestID),
		slog.String("key", e.NormalizedKey),
		slog.String("decision", string(e.Decision)),
		slog.Float64("confidence", e.Confidence),
		slog.Duration("duration", e.Duration),
		slog.Bool("timeout", e.Timeout),
	)
}

func (s SlogEmitter) EmitBatch(ctx context.Context, e BatchEvent) {
	counts := make([]any, 0, len(e.DecisionCounts))
	for d, n := range e.DecisionCounts {
		counts = append(counts, slog.Int(string(d), n))
	}
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "batch resolved",
		slog.String("batch_id", e.BatchID.String()),
		slog.Int("items", e.ItemCount),
		slog.Duration("duration", e.Duration),
		slog.Duration("p50_item", e.P50Item),
		slog.Duration("p95_item", e.P95Item),
		slog.Group("decisions", counts...),
	)
}

// StoreEmitter appends audit events to the audit tables. Insert failures are
// logged and swallowed; auditing never fails a resolution.
type StoreEmitter struct {
	DB     *storage.DB
	Logger *slog.Logger
}

func (s StoreEmitter) EmitItem(ctx context.Context, e ItemEvent) {
	tiers := make(map[string]any, len(e.Tiers))
	for name, tr := range e.Tiers {
		tiers[name] = tr
	}
	err := s.DB.InsertItemAudit(ctx, storage.ItemAuditEntry{
		BatchID:       e.BatchID,
		RequestID:     e.RequestID,
		RawLabel:      e.RawLabel,
		NormalizedKey: e.NormalizedKey,
		Tiers:         tiers,
		FinalDecision: string(e.Decision),
		Confidence:    e.Confidence,
		Duration:      e.Duration,
		Timeout:       e.Timeout,
	})
	if err != nil {
		s.Logger.Warn("item audit insert failed", "request_id", e.RequestID, "error", err)
	}
}

func (s StoreEmitter) EmitBatch(ctx context.Context, e BatchEvent) {
	counts := make(map[string]int, len(e.DecisionCounts))
	for d, n := range e.DecisionCounts {
		counts[string(d)] = n
	}
	err := s.DB.InsertBatchAudit(ctx, storage.BatchAuditEntry{
		BatchID:        e.BatchID,
		ItemCount:      e.ItemCount,
		DecisionCounts: counts,
		Duration:       e.Duration,
		P50ItemMillis:  float64(e.P50Item.Microseconds()) / 1000,
		P95ItemMillis:  float64(e.P95Item.Microseconds()) / 1000,
	})
	if err != nil {
		s.Logger.Warn("batch audit insert failed", "batch_id", e.BatchID, "error", err)
	}
}

// MultiEmitter fans one event out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) EmitItem(ctx context.Context, e ItemEvent) {
	for _, em := range m {
		em.EmitItem(ctx, e)
	}
}

func (m MultiEmitter) EmitBatch(ctx context.Context, e BatchEvent) {
	for _, em := range m {
		em.EmitBatch(ctx, e)
	}
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) EmitItem(context.Context, ItemEvent)   {}
func (NoopEmitter) EmitBatch(context.Context, BatchEvent) {}
