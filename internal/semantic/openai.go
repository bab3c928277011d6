package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"

	retryBackoff = 500 * time.Millisecond
)

// OpenAIResolver proposes resolutions via the OpenAI chat completions API
// with a schema-constrained JSON response. One API call per batch.
type OpenAIResolver struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIResolver builds a resolver. model and baseURL fall back to
// sensible defaults when empty.
func NewOpenAIResolver(apiKey, modelName, baseURL string, logger *slog.Logger) (*OpenAIResolver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("semantic: OpenAI API key is required")
	}
	if modelName == "" {
		modelName = defaultOpenAIModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIResolver{
		apiKey:  apiKey,
		model:   modelName,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat any           `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type proposalEnvelope struct {
	Proposals []Proposal `json:"proposals"`
}

// Propose issues one chat completion for the whole batch. Transient failures
// (timeouts, 429, 5xx) get exactly one retry after a short fixed backoff.
func (r *OpenAIResolver) Propose(ctx context.Context, batch Batch) ([]Proposal, error) {
	if len(batch.Items) == 0 {
		return nil, nil
	}

	proposals, err := r.propose(ctx, batch)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		r.logger.Warn("semantic propose failed, retrying once", "error", err)
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		proposals, err = r.propose(ctx, batch)
	}
	if err != nil {
		return nil, err
	}
	return proposals, nil
}

func (r *OpenAIResolver) propose(ctx context.Context, batch Batch) ([]Proposal, error) {
	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(batch)},
		},
		Temperature:    0,
		ResponseFormat: responseFormat(),
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("semantic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic: call chat completions: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("semantic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("semantic: chat completions returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &TransientError{Err: apiErr}
		}
		return nil, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("semantic: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrMalformedOutput)
	}

	var envelope proposalEnvelope
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := validateProposals(batch, envelope.Proposals); err != nil {
		return nil, err
	}
	return envelope.Proposals, nil
}

// validateProposals checks the structural contract: one proposal per item,
// known decisions, confidence in range. Vocabulary membership is not checked
// here; arbitration demotes out-of-vocabulary matches to UNKNOWN_CODE.
func validateProposals(batch Batch, proposals []Proposal) error {
	byID := make(map[string]bool, len(batch.Items))
	for _, item := range batch.Items {
		byID[item.RequestID] = true
	}
	seen := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		if !byID[p.RequestID] {
			return fmt.Errorf("%w: proposal for unknown request %q", ErrMalformedOutput, p.RequestID)
		}
		if seen[p.RequestID] {
			return fmt.Errorf("%w: duplicate proposal for request %q", ErrMalformedOutput, p.RequestID)
		}
		seen[p.RequestID] = true
		switch p.Decision {
		case ProposalMatch, ProposalNew, ProposalAbstain:
		default:
			return fmt.Errorf("%w: unknown decision %q", ErrMalformedOutput, p.Decision)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("%w: confidence %f out of range", ErrMalformedOutput, p.Confidence)
		}
		if p.Decision == ProposalMatch && p.Code == "" {
			return fmt.Errorf("%w: MATCH proposal without code for request %q", ErrMalformedOutput, p.RequestID)
		}
	}
	if len(seen) != len(batch.Items) {
		return fmt.Errorf("%w: got proposals for %d of %d items", ErrMalformedOutput, len(seen), len(batch.Items))
	}
	return nil
}

const systemPrompt = `You resolve laboratory test labels and measurement units to canonical codes.
For each item, answer with exactly one of:
- MATCH: the label denotes an entry in the provided vocabulary. Set "code" to that entry's code. Never invent codes outside the vocabulary.
- NEW: the label denotes a real analyte or unit that is absent from the vocabulary. Propose "code" (uppercase, digits and underscores allowed), "name", and for analytes a typical "unit".
- ABSTAIN: the label is not confidently interpretable.
Set "confidence" between 0 and 1. Keep "rationale" to one short sentence.
Return a JSON object with a "proposals" array containing one entry per item, keyed by "request_id".`

func buildUserPrompt(batch Batch) string {
	var b strings.Builder
	b.WriteString("Vocabulary:\n")
	for _, v := range batch.Vocabulary {
		fmt.Fprintf(&b, "- %s: %s\n", v.Code, v.DisplayName)
	}
	b.WriteString("\nItems:\n")
	for _, item := range batch.Items {
		fmt.Fprintf(&b, "- request_id=%s label=%q kind=%s", item.RequestID, item.RawLabel, item.Kind)
		if item.UnitHint != nil {
			fmt.Fprintf(&b, " unit_hint=%q", *item.UnitHint)
		}
		if len(item.FuzzyCandidates) > 0 {
			b.WriteString(" near:")
			for _, c := range item.FuzzyCandidates {
				fmt.Fprintf(&b, " %s(%.2f)", c.Code, c.Score)
			}
		}
		if len(item.Siblings) > 0 {
			b.WriteString(" same_document:")
			for _, s := range item.Siblings {
				fmt.Fprintf(&b, " %s", s.Code)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func responseFormat() any {
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "resolution_proposals",
			"strict": true,
			"schema": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"proposals"},
				"properties": map[string]any{
					"proposals": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"required":             []string{"request_id", "decision", "confidence"},
							"properties": map[string]any{
								"request_id": map[string]any{"type": "string"},
								"decision":   map[string]any{"type": "string", "enum": []string{"MATCH", "NEW", "ABSTAIN"}},
								"code":       map[string]any{"type": "string"},
								"name":       map[string]any{"type": "string"},
								"unit":       map[string]any{"type": "string"},
								"confidence": map[string]any{"type": "number"},
								"rationale":  map[string]any{"type": "string"},
							},
						},
					},
				},
			},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Resolver = (*OpenAIResolver)(nil)
