package model

import (
	"time"

	"github.com/google/uuid"
)

// IssueType classifies why an item landed in the review queue.
type IssueType string

const (
	IssueAmbiguous     IssueType = "ambiguous"
	IssueUnknownCode   IssueType = "unknown_code"
	IssueInvalidSyntax IssueType = "invalid_syntax"
	IssueUnresolved    IssueType = "unresolved"
	IssueLowConfidence IssueType = "low_confidence"
)

// ReviewStatus is the review item lifecycle state.
// Transitions: pending -> approved, pending -> rejected. Both terminal.
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
)

// ReviewProposal is what approval would materialize: a canonical entry (when
// Code names a new one) plus an alias for Key.
type ReviewProposal struct {
	Code        string    `json:"code"`
	DisplayName string    `json:"display_name"`
	Kind        EntryKind `json:"kind"`
	Unit        *string   `json:"unit,omitempty"`
}

// ReviewQueueItem is a durable, deduplicated holding record for a resolution
// that needs human adjudication. (Key, IssueType) is unique among pending
// items only; a resolved pair may resurface as a fresh pending row later.
type ReviewQueueItem struct {
	ID              uuid.UUID       `json:"id"`
	Key             string          `json:"key"`
	RawLabel        string          `json:"raw_label"`
	IssueType       IssueType       `json:"issue_type"`
	Proposed        *ReviewProposal `json:"proposed,omitempty"`
	Evidence        map[string]any  `json:"evidence,omitempty"`
	Status          ReviewStatus    `json:"status"`
	NeedsCorrection bool            `json:"needs_correction"`
	OccurrenceCount int             `json:"occurrence_count"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      *string         `json:"resolved_by,omitempty"`
}
