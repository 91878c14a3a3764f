package providers

import (
	"fmt"
	"strings"
)

// FailureClass categorizes provider errors for retry decisions, fallback
// routing, and usage records.
type FailureClass string

const (
	// FailureBilling indicates quota or payment issues with the upstream
	// account.
	FailureBilling FailureClass = "billing"

	// FailureRateLimit indicates the provider rejected the request for rate
	// limiting. Retryable.
	FailureRateLimit FailureClass = "rate_limit"

	// FailureAuth indicates invalid or missing credentials.
	FailureAuth FailureClass = "auth"

	// FailureTimeout indicates the request timed out. Retryable.
	FailureTimeout FailureClass = "timeout"

	// FailureServer indicates a 5xx from the provider. Retryable.
	FailureServer FailureClass = "server_error"

	// FailureInvalidRequest indicates a malformed request. Not retryable.
	FailureInvalidRequest FailureClass = "invalid_request"

	// FailureModelUnavailable indicates the requested model does not exist,
	// is deprecated, or is overloaded. Triggers model fallback.
	FailureModelUnavailable FailureClass = "model_unavailable"

	// FailureContentFilter indicates the content was blocked upstream.
	FailureContentFilter FailureClass = "content_filter"

	// FailureUnknown is the default for unclassifiable errors.
	FailureUnknown FailureClass = "unknown"
)

// IsRetryable reports whether a retry against the same provider and model is
// worthwhile.
func (c FailureClass) IsRetryable() bool {
	switch c {
	case FailureRateLimit, FailureTimeout, FailureServer:
		return true
	}
	return false
}

// ProviderError wraps an upstream failure with its classification so callers
// can decide between retry, fallback, and surfacing to the user.
type ProviderError struct {
	Class    FailureClass
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s provider error (%s)", e.Provider, e.Class)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError classifies err and wraps it with provider and model
// attribution.
func NewProviderError(provider, model string, err error) *ProviderError {
	return &ProviderError{
		Class:    Classify(err),
		Provider: provider,
		Model:    model,
		Cause:    err,
	}
}

// Classify maps an upstream error to a FailureClass by message inspection.
// Provider SDKs do not expose a common error taxonomy, so string matching
// against known phrasings is the portable option.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	if pe, ok := err.(*ProviderError); ok {
		return pe.Class
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "insufficient_quota", "billing", "payment required", "402"):
		return FailureBilling
	case containsAny(msg, "rate limit", "rate_limit", "429", "too many requests"):
		return FailureRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "invalid x-api-key", "authentication", "401", "403", "permission"):
		return FailureAuth
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return FailureTimeout
	case containsAny(msg, "model_not_found", "model not found", "unknown model", "deprecated", "overloaded", "capacity", "model_unavailable"):
		return FailureModelUnavailable
	case containsAny(msg, "content_filter", "content policy", "blocked by"):
		return FailureContentFilter
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "connection refused", "connection reset"):
		return FailureServer
	case containsAny(msg, "invalid_request", "invalid request", "400", "bad request", "max_tokens"):
		return FailureInvalidRequest
	}
	return FailureUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
