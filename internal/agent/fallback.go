package agent

import (
	"context"
	"fmt"
	"strings"
)

// MaxFallbackModels caps the fallback list. The downstream model APIs accept
// at most a primary plus two alternates.
const MaxFallbackModels = 3

// FallbackProvider wraps a provider with an ordered model-fallback list.
//
// When the primary model is unavailable (deprecated id, capacity overload),
// the next model in the list is tried. Fallback only happens when the failure
// arrives before any content was streamed; once tokens have been emitted the
// turn is committed to the model that produced them.
type FallbackProvider struct {
	inner  LLMProvider
	models []string
}

// NewFallbackProvider wraps inner with the given ordered model list. The list
// is truncated to MaxFallbackModels entries.
func NewFallbackProvider(inner LLMProvider, fallbackModels []string) *FallbackProvider {
	if len(fallbackModels) > MaxFallbackModels {
		fallbackModels = fallbackModels[:MaxFallbackModels]
	}
	return &FallbackProvider{inner: inner, models: fallbackModels}
}

// Name returns the wrapped provider's name.
func (p *FallbackProvider) Name() string { return p.inner.Name() }

// Models returns the wrapped provider's models.
func (p *FallbackProvider) Models() []Model { return p.inner.Models() }

// SupportsTools returns whether the wrapped provider supports tool use.
func (p *FallbackProvider) SupportsTools() bool { return p.inner.SupportsTools() }

// Complete tries each candidate model in order until one produces output.
func (p *FallbackProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	candidates := p.candidateModels(req.Model)

	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)

		var lastErr error
		for _, model := range candidates {
			attempt := *req
			attempt.Model = model

			chunks, err := p.inner.Complete(ctx, &attempt)
			if err != nil {
				lastErr = err
				if modelUnavailable(err) {
					continue
				}
				out <- &CompletionChunk{Error: err}
				return
			}

			// Peek at the first chunk: an immediate unavailable error moves
			// on to the next model, anything else commits this stream.
			first, ok := <-chunks
			if !ok {
				out <- &CompletionChunk{Done: true}
				return
			}
			if first.Error != nil && modelUnavailable(first.Error) {
				lastErr = first.Error
				continue
			}

			out <- first
			for chunk := range chunks {
				select {
				case out <- chunk:
				case <-ctx.Done():
					out <- &CompletionChunk{Error: ctx.Err()}
					return
				}
			}
			return
		}

		if lastErr == nil {
			lastErr = fmt.Errorf("no candidate models configured")
		}
		out <- &CompletionChunk{Error: fmt.Errorf("all fallback models failed: %w", lastErr)}
	}()

	return out, nil
}

// candidateModels returns the ordered models to try: the requested model
// first, then the configured fallbacks, deduplicated, capped at three.
func (p *FallbackProvider) candidateModels(requested string) []string {
	candidates := make([]string, 0, MaxFallbackModels)
	seen := make(map[string]bool, MaxFallbackModels)

	add := func(model string) {
		if model == "" || seen[model] || len(candidates) >= MaxFallbackModels {
			return
		}
		seen[model] = true
		candidates = append(candidates, model)
	}

	add(requested)
	for _, m := range p.models {
		add(m)
	}
	if len(candidates) == 0 {
		candidates = append(candidates, "")
	}
	return candidates
}

// modelUnavailable reports whether an error means this particular model
// cannot serve the request right now. Auth and validation failures are not
// model-specific and never trigger fallback.
func modelUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"model_unavailable",
		"model not found",
		"model_not_found",
		"unknown model",
		"deprecated",
		"overloaded",
		"overloaded_error",
		"capacity",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
