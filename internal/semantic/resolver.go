// Package semantic models the reasoning tier of the resolution cascade as an
// injected capability: a function from a batch of unresolved labels plus a
// candidate vocabulary to a batch of schema-constrained proposals. The rest
// of the pipeline stays deterministic and unit-testable with a fake Resolver.
package semantic

import (
	"context"
	"errors"
	"net"

	"github.com/rudnitski/healthup-resolver/internal/model"
)

// ProposalDecision is the constrained decision vocabulary the reasoning tier
// may answer with.
type ProposalDecision string

const (
	ProposalMatch   ProposalDecision = "MATCH"
	ProposalNew     ProposalDecision = "NEW"
	ProposalAbstain ProposalDecision = "ABSTAIN"
)

// Item is one unresolved label sent to the reasoning tier, with whatever
// context the earlier tiers produced for it.
type Item struct {
	RequestID       string
	Key             string
	RawLabel        string
	Kind            model.EntryKind
	UnitHint        *string
	FuzzyCandidates []model.Candidate
	Siblings        []model.Resolved
}

// VocabularyEntry is one allowed MATCH target.
type VocabularyEntry struct {
	Code        string
	DisplayName string
}

// Batch is one logical unit of work: all open items from one ingested
// document, resolved in a single round-trip.
type Batch struct {
	Items      []Item
	Vocabulary []VocabularyEntry
}

// Proposal is the reasoning tier's answer for one item. MATCH proposals
// whose code is outside the supplied vocabulary are demoted by arbitration
// to UNKNOWN_CODE; they are never trusted.
type Proposal struct {
	RequestID  string           `json:"request_id"`
	Decision   ProposalDecision `json:"decision"`
	Code       string           `json:"code,omitempty"`
	Name       string           `json:"name,omitempty"`
	Unit       *string          `json:"unit,omitempty"`
	Confidence float64          `json:"confidence"`
	Rationale  string           `json:"rationale,omitempty"`
}

// Resolver is the reasoning capability. One Propose call per unit of work;
// implementations own their retry policy (at most one retry, transient
// errors only) but never retry indefinitely.
type Resolver interface {
	Propose(ctx context.Context, batch Batch) ([]Proposal, error)
}

// ErrMalformedOutput indicates the provider returned output that failed
// schema validation. Permanent: retrying the same request is pointless.
var ErrMalformedOutput = errors.New("semantic: malformed provider output")

// IsTransient classifies an error from Propose. Timeouts and network
// failures are worth one retry; malformed output and context cancellation
// are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedOutput) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transient *TransientError
	return errors.As(err, &transient)
}

// TransientError wraps provider-side failures known to be retriable
// (rate limits, 5xx responses).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NoopResolver abstains from every item. Used when no provider is
// configured; standalone Tier C outcomes then arbitrate to ABSTAIN.
type NoopResolver struct{}

// Propose returns an ABSTAIN proposal per item.
func (NoopResolver) Propose(_ context.Context, batch Batch) ([]Proposal, error) {
	out := make([]Proposal, len(batch.Items))
	for i, item := range batch.Items {
		out[i] = Proposal{RequestID: item.RequestID, Decision: ProposalAbstain}
	}
	return out, nil
}
