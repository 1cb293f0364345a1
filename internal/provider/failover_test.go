package provider

import (
	"context"
	"errors"
	"testing"
)

// fakeLLM is a scripted provider: it returns each queued response in order,
// then repeats the last one.
type fakeLLM struct {
	name    string
	results []*GenerateResult
	errs    []error
	calls   int
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	i := f.calls
	if i >= len(f.errs) {
		i = len(f.errs) - 1
	}
	f.calls++
	if err := f.errs[i]; err != nil {
		return nil, err
	}
	return f.results[i], nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	res, err := f.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Token: res.Text}
	ch <- StreamChunk{Done: true, Usage: &res.Usage}
	close(ch)
	return ch, nil
}

func ok(name, text string) *fakeLLM {
	return &fakeLLM{
		name:    name,
		results: []*GenerateResult{{Text: text, Provider: name, Model: "m"}},
		errs:    []error{nil},
	}
}

func failing(name string, err error) *fakeLLM {
	return &fakeLLM{name: name, results: []*GenerateResult{nil}, errs: []error{err}}
}

func TestChain_FailoverToNextProvider(t *testing.T) {
	primary := failing("primary", NewError(KindUnavailable, "primary", "down", nil))
	backup := ok("backup", "answer")
	chain := NewChain(nil, []LLM{primary, backup})

	res, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{})
	if err != nil {
		t.Fatalf("expected failover success, got %v", err)
	}
	if res.Provider != "backup" {
		t.Errorf("expected backup provider, got %s", res.Provider)
	}
}

func TestChain_QuotaErrorSurfacesImmediately(t *testing.T) {
	quota := failing("primary", NewError(KindQuota, "primary", "billing", nil))
	backup := ok("backup", "answer")
	chain := NewChain(nil, []LLM{quota, backup})

	_, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{})
	if err == nil {
		t.Fatal("expected quota error to surface without failover")
	}
	if ErrorKind(err) != KindQuota {
		t.Errorf("expected quota kind, got %s", ErrorKind(err))
	}
	if backup.calls != 0 {
		t.Errorf("backup should not have been called, got %d calls", backup.calls)
	}
}

func TestChain_AllFailedReturnsSentinel(t *testing.T) {
	a := failing("a", NewError(KindUnavailable, "a", "down", nil))
	b := failing("b", NewError(KindUnavailable, "b", "down", nil))
	chain := NewChain(nil, []LLM{a, b})

	_, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Errorf("expected ErrAllProvidersFailed, got %v", err)
	}
}

func TestChain_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := failing("flaky", NewError(KindUnavailable, "flaky", "down", nil))
	backup := ok("backup", "answer")
	chain := NewChain(nil, []LLM{flaky, backup}, WithFailureThreshold(3))

	for i := 0; i < 5; i++ {
		if _, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{}); err != nil {
			t.Fatalf("call %d: expected backup to answer, got %v", i, err)
		}
	}

	// After the threshold the breaker skips the flaky provider entirely.
	if flaky.calls > 3 {
		t.Errorf("expected the breaker to stop probing after 3 failures, got %d calls", flaky.calls)
	}
}

func TestChain_AuthErrorsDoNotTripBreaker(t *testing.T) {
	badKey := failing("badkey", NewError(KindAuth, "badkey", "invalid key", nil))
	backup := ok("backup", "answer")
	chain := NewChain(nil, []LLM{badKey, backup}, WithFailureThreshold(2))

	for i := 0; i < 6; i++ {
		if _, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{}); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}

	// Auth failures are not provider-health signals, so the chain keeps
	// consulting the provider in case the key is fixed.
	if badKey.calls != 6 {
		t.Errorf("expected auth-failing provider consulted every call, got %d", badKey.calls)
	}
}

func TestChain_RecoveryAfterTransientFailures(t *testing.T) {
	recovering := &fakeLLM{
		name: "recovering",
		errs: []error{
			NewError(KindUnavailable, "recovering", "down", nil),
			nil,
		},
		results: []*GenerateResult{
			nil,
			{Text: "back", Provider: "recovering", Model: "m"},
		},
	}
	chain := NewChain(nil, []LLM{recovering}, WithFailureThreshold(5))

	if _, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{}); err == nil {
		t.Fatal("expected first call to fail")
	}
	res, err := chain.Generate(context.Background(), Meta{}, "q", GenerateOptions{})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if res.Text != "back" {
		t.Errorf("unexpected result %q", res.Text)
	}
}

func TestChain_GenerateStreamSkipsFailedSetup(t *testing.T) {
	primary := failing("primary", NewError(KindUnavailable, "primary", "down", nil))
	backup := ok("backup", "streamed")
	chain := NewChain(nil, []LLM{primary, backup})

	stream, err := chain.GenerateStream(context.Background(), Meta{}, "q", GenerateOptions{})
	if err != nil {
		t.Fatalf("expected stream from backup, got %v", err)
	}

	var text string
	for chunk := range stream {
		text += chunk.Token
	}
	if text != "streamed" {
		t.Errorf("expected streamed text, got %q", text)
	}
}
