package model

import "time"

// Error codes returned by the HTTP surface.
const (
	ErrCodeInvalidInput     = "invalid_input"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeNeedsCorrection  = "needs_correction"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeInternal         = "internal_error"
	ErrCodeUnavailable      = "unavailable"
)

// ResponseMeta accompanies every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail describes one API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}
