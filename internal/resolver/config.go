package resolver

import (
	"fmt"
	"time"
)

// Config carries every threshold and deadline the pipeline consults. It is
// copied by value into the Service at construction and never mutated after.
type Config struct {
	// AcceptThreshold is the minimum fuzzy score for auto-acceptance.
	AcceptThreshold float64
	// AmbiguityDelta marks the top two fuzzy candidates ambiguous when their
	// scores are at most this far apart, regardless of the top score.
	AmbiguityDelta float64
	// QueueLowerThreshold is the minimum fuzzy score still worth carrying to
	// the semantic tier as context.
	QueueLowerThreshold float64
	// LearnThreshold is the minimum confidence for auto-learning an alias
	// from a semantic outcome.
	LearnThreshold float64
	// MaxBatchSize caps how many items one ResolveBatch call accepts.
	MaxBatchSize int
	// FuzzyTimeout bounds each Tier B search.
	FuzzyTimeout time.Duration
	// SemanticTimeout bounds the single Tier C call per batch.
	SemanticTimeout time.Duration
	// FuzzyTopK is how many ranked candidates Tier B returns.
	FuzzyTopK int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:     0.80,
		AmbiguityDelta:      0.05,
		QueueLowerThreshold: 0.60,
		LearnThreshold:      0.85,
		MaxBatchSize:        100,
		FuzzyTimeout:        50 * time.Millisecond,
		SemanticTimeout:     12 * time.Second,
		FuzzyTopK:           2,
	}
}

// Validate rejects configurations that would make arbitration incoherent.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"accept_threshold":      c.AcceptThreshold,
		"ambiguity_delta":       c.AmbiguityDelta,
		"queue_lower_threshold": c.QueueLowerThreshold,
		"learn_threshold":       c.LearnThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("resolver: %s %f out of [0,1]", name, v)
		}
	}
	if c.QueueLowerThreshold > c.AcceptThreshold {
		return fmt.Errorf("resolver: queue_lower_threshold %f above accept_threshold %f",
			c.QueueLowerThreshold, c.AcceptThreshold)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("resolver: max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.FuzzyTimeout <= 0 || c.SemanticTimeout <= 0 {
		return fmt.Errorf("resolver: tier timeouts must be positive")
	}
	if c.FuzzyTopK < 2 {
		return fmt.Errorf("resolver: fuzzy_top_k must be at least 2, got %d", c.FuzzyTopK)
	}
	return nil
}
