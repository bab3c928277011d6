package resolver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/telemetry"
)

type pipelineMetrics struct {
	exactDuration    metric.Float64Histogram
	fuzzyDuration    metric.Float64Histogram
	semanticDuration metric.Float64Histogram
	itemDuration     metric.Float64Histogram
	batchDuration    metric.Float64Histogram
	decisions        metric.Int64Counter
	batchSize        metric.Int64Histogram
}

func newPipelineMetrics() (*pipelineMetrics, error) {
	meter := telemetry.Meter("resolver/pipeline")
	exact, _ := meter.Float64Histogram("resolver.tier.exact.duration",
		metric.WithDescription("Exact lookup latency (ms)"),
		metric.WithUnit("ms"),
	)
	fz, _ := meter.Float64Histogram("resolver.tier.fuzzy.duration",
		metric.WithDescription("Fuzzy search latency (ms)"),
		metric.WithUnit("ms"),
	)
	sem, _ := meter.Float64Histogram("resolver.tier.semantic.duration",
		metric.WithDescription("Semantic batch call latency (ms)"),
		metric.WithUnit("ms"),
	)
	item, _ := meter.Float64Histogram("resolver.item.duration",
		metric.WithDescription("Per-item resolution latency (ms)"),
		metric.WithUnit("ms"),
	)
	batch, _ := meter.Float64Histogram("resolver.batch.duration",
		metric.WithDescription("Batch resolution latency (ms)"),
		metric.WithUnit("ms"),
	)
	decisions, _ := meter.Int64Counter("resolver.decisions",
		metric.WithDescription("Resolutions by final decision"),
	)
	size, _ := meter.Int64Histogram("resolver.batch.size",
		metric.WithDescription("Items per resolved batch"),
	)
	return &pipelineMetrics{
		exactDuration:    exact,
		fuzzyDuration:    fz,
		semanticDuration: sem,
		itemDuration:     item,
		batchDuration:    batch,
		decisions:        decisions,
		batchSize:        size,
	}, nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (m *pipelineMetrics) recordExact(ctx context.Context, d time.Duration) {
	if m.exactDuration != nil {
		m.exactDuration.Record(ctx, ms(d))
	}
}

func (m *pipelineMetrics) recordFuzzy(ctx context.Context, d time.Duration) {
	if m.fuzzyDuration != nil {
		m.fuzzyDuration.Record(ctx, ms(d))
	}
}

func (m *pipelineMetrics) recordSemantic(ctx context.Context, d time.Duration) {
	if m.semanticDuration != nil {
		m.semanticDuration.Record(ctx, ms(d))
	}
}

func (m *pipelineMetrics) recordDecision(ctx context.Context, d model.Decision, dur time.Duration) {
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
	}
	if m.itemDuration != nil {
		m.itemDuration.Record(ctx, ms(dur))
	}
}

func (m *pipelineMetrics) recordBatch(ctx context.Context, d time.Duration, items int) {
	if m.batchDuration != nil {
		m.batchDuration.Record(ctx, ms(d))
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(items))
	}
}
