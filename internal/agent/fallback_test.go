package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fallbackTestProvider fails for listed models and succeeds otherwise.
type fallbackTestProvider struct {
	mu          sync.Mutex
	unavailable map[string]bool
	tried       []string
}

func (p *fallbackTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.tried = append(p.tried, req.Model)
	bad := p.unavailable[req.Model]
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, 4)
	go func() {
		defer close(ch)
		if bad {
			ch <- &CompletionChunk{Error: errors.New("model_unavailable: " + req.Model)}
			return
		}
		ch <- &CompletionChunk{Text: "from " + req.Model}
		ch <- &CompletionChunk{Done: true}
	}()
	return ch, nil
}

func (p *fallbackTestProvider) Name() string        { return "fallback-test" }
func (p *fallbackTestProvider) Models() []Model     { return nil }
func (p *fallbackTestProvider) SupportsTools() bool { return true }

func collectChunks(t *testing.T, ch <-chan *CompletionChunk) (string, error) {
	t.Helper()
	var text string
	for chunk := range ch {
		if chunk.Error != nil {
			return text, chunk.Error
		}
		text += chunk.Text
	}
	return text, nil
}

func TestFallbackUsesNextModelWhenPrimaryUnavailable(t *testing.T) {
	inner := &fallbackTestProvider{unavailable: map[string]bool{"primary": true}}
	provider := NewFallbackProvider(inner, []string{"primary", "backup"})

	ch, err := provider.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text, streamErr := collectChunks(t, ch)
	if streamErr != nil {
		t.Fatal(streamErr)
	}
	if text != "from backup" {
		t.Errorf("text = %q, want from backup", text)
	}
	if len(inner.tried) != 2 {
		t.Errorf("tried = %v, want primary then backup", inner.tried)
	}
}

func TestFallbackDoesNotRetryAuthFailures(t *testing.T) {
	inner := &fallbackTestProvider{}
	authErr := errors.New("401 unauthorized: invalid api key")
	failing := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
			inner.mu.Lock()
			inner.tried = append(inner.tried, req.Model)
			inner.mu.Unlock()
			return nil, authErr
		},
	}
	provider := NewFallbackProvider(failing, []string{"a", "b", "c"})

	ch, err := provider.Complete(context.Background(), &CompletionRequest{Model: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, streamErr := collectChunks(t, ch); streamErr == nil {
		t.Fatal("expected the auth error to surface")
	}
	if len(inner.tried) != 1 {
		t.Errorf("tried %d models for a non-model failure, want 1", len(inner.tried))
	}
}

func TestFallbackListCappedAtThree(t *testing.T) {
	inner := &fallbackTestProvider{unavailable: map[string]bool{
		"m1": true, "m2": true, "m3": true, "m4": true, "m5": true,
	}}
	provider := NewFallbackProvider(inner, []string{"m1", "m2", "m3", "m4", "m5"})

	ch, err := provider.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if _, streamErr := collectChunks(t, ch); streamErr == nil {
		t.Fatal("expected failure when every candidate is unavailable")
	}
	if len(inner.tried) > 3 {
		t.Errorf("tried %d models, cap is 3", len(inner.tried))
	}
}

func TestFallbackPrefersRequestedModel(t *testing.T) {
	inner := &fallbackTestProvider{}
	provider := NewFallbackProvider(inner, []string{"default-a", "default-b"})

	ch, err := provider.Complete(context.Background(), &CompletionRequest{Model: "requested"})
	if err != nil {
		t.Fatal(err)
	}
	text, streamErr := collectChunks(t, ch)
	if streamErr != nil {
		t.Fatal(streamErr)
	}
	if text != "from requested" {
		t.Errorf("text = %q, want the requested model served first", text)
	}
}
