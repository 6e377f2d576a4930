// Package ai routes completion requests across multiple LLM providers with
// key rotation, rate-limit backoff, provider fallback, and cost accounting.
package ai

import (
	"context"
	"errors"
	"time"
)

// OutcomeKind classifies a single wire attempt. The set is closed: every
// response a provider can produce collapses to one of these four.
type OutcomeKind int

const (
	// OutcomeOK carries usable text.
	OutcomeOK OutcomeKind = iota
	// OutcomeRateLimited means back off and rotate credentials.
	OutcomeRateLimited
	// OutcomeAuthFailed means the credential is bad; retrying is pointless.
	OutcomeAuthFailed
	// OutcomeTransient covers network errors, 5xx, and other retryables.
	OutcomeTransient
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthFailed:
		return "auth_failed"
	default:
		return "transient"
	}
}

// Usage is the token accounting for one completed call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Outcome is the result of one wire attempt. Text and Usage are meaningful
// only when Kind is OutcomeOK; Err carries the detail otherwise.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	Usage      Usage
	RetryAfter time.Duration // server hint from a 429, zero if absent
	Err        error
}

// wireClient sends one completion request to one provider with one
// credential. Implementations never retry; the router owns that policy.
type wireClient interface {
	Complete(ctx context.Context, apiKey, model, system, user string) Outcome
}

var (
	// ErrAuthFailure aborts a request without retries: the credential was
	// rejected upstream and rotation cannot help.
	ErrAuthFailure = errors.New("ai: provider rejected credentials")

	// ErrProvidersExhausted means the primary and every alternate provider
	// were tried without success.
	ErrProvidersExhausted = errors.New("ai: all providers exhausted")

	// ErrNoCredentials means no usable key exists for the provider.
	ErrNoCredentials = errors.New("ai: no credentials configured")
)
