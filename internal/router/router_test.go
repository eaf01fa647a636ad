package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"scalping-ai/internal/ai"
	"scalping-ai/internal/config"
	"scalping-ai/internal/market"
)

type scriptedProvider struct {
	name     string
	calls    int
	decision ai.Decision
	errs     []error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Decide(ctx context.Context, snapshot market.Snapshot) (ai.Decision, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return ai.Decision{}, p.errs[idx]
	}
	return p.decision, nil
}

func validDecision() ai.Decision {
	return ai.Decision{
		Action:     ai.ActionBuy,
		Confidence: 0.8,
		EntryPrice: 50000,
		StopLoss:   49500,
		TakeProfit: 51000,
	}
}

func healthByName(t *testing.T, r *Router, name string) Health {
	t.Helper()
	for _, h := range r.Status() {
		if h.Provider == name {
			return h
		}
	}
	t.Fatalf("provider %s not found in status", name)
	return Health{}
}

func TestObtainDecision_FailoverToNextProvider(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{ai.ErrUnavailable}}
	b := &scriptedProvider{name: "b", decision: validDecision()}
	c := &scriptedProvider{name: "c", decision: validDecision()}

	r, err := New(config.RouterConfig{MaxAttempts: 3, DisableAfter: 5}, []Registration{
		{Provider: c, Priority: 3},
		{Provider: a, Priority: 1},
		{Provider: b, Priority: 2},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	decision, err := r.ObtainDecision(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("ObtainDecision returned error: %v", err)
	}
	if decision.Action != ai.ActionBuy {
		t.Errorf("unexpected decision: %+v", decision)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("expected a and b called once, got a=%d b=%d", a.calls, b.calls)
	}
	if c.calls != 0 {
		t.Errorf("lower-priority provider must not be invoked after success, got %d calls", c.calls)
	}

	ha := healthByName(t, r, "a")
	if ha.FailureCount != 1 || ha.ConsecutiveFailures != 1 {
		t.Errorf("provider a counters: %+v", ha)
	}
	hb := healthByName(t, r, "b")
	if hb.SuccessCount != 1 || hb.ConsecutiveFailures != 0 {
		t.Errorf("provider b counters: %+v", hb)
	}
	if r.LastSuccessful() != "b" {
		t.Errorf("expected last successful b, got %s", r.LastSuccessful())
	}
}

func TestObtainDecision_AllFail(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{ai.ErrUnavailable}}
	b := &scriptedProvider{name: "b", errs: []error{ai.ErrMalformedOutput}}

	r, err := New(config.RouterConfig{MaxAttempts: 3, DisableAfter: 5}, []Registration{
		{Provider: a, Priority: 1},
		{Provider: b, Priority: 2},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = r.ObtainDecision(context.Background(), market.Snapshot{})
	if !errors.Is(err, ErrAllProvidersExhausted) {
		t.Fatalf("expected ErrAllProvidersExhausted, got %v", err)
	}

	for _, name := range []string{"a", "b"} {
		h := healthByName(t, r, name)
		if h.FailureCount != 1 {
			t.Errorf("provider %s: failure count incremented %d times, want 1", name, h.FailureCount)
		}
	}
}

func TestObtainDecision_AttemptCap(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{ai.ErrUnavailable}}
	b := &scriptedProvider{name: "b", errs: []error{ai.ErrUnavailable}}
	c := &scriptedProvider{name: "c", decision: validDecision()}

	r, err := New(config.RouterConfig{MaxAttempts: 2, DisableAfter: 5}, []Registration{
		{Provider: a, Priority: 1},
		{Provider: b, Priority: 2},
		{Provider: c, Priority: 3},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = r.ObtainDecision(context.Background(), market.Snapshot{})
	if !errors.Is(err, ErrAllProvidersExhausted) {
		t.Fatalf("expected exhaustion at attempt cap, got %v", err)
	}
	if c.calls != 0 {
		t.Errorf("provider c beyond attempt cap must not be invoked, got %d calls", c.calls)
	}
}

func TestObtainDecision_InvalidDecisionCountsAsFailure(t *testing.T) {
	bad := validDecision()
	bad.StopLoss = 0
	a := &scriptedProvider{name: "a", decision: bad}
	b := &scriptedProvider{name: "b", decision: validDecision()}

	r, err := New(config.RouterConfig{}, []Registration{
		{Provider: a, Priority: 1},
		{Provider: b, Priority: 2},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	decision, err := r.ObtainDecision(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("ObtainDecision returned error: %v", err)
	}
	if decision.Action != ai.ActionBuy {
		t.Errorf("unexpected decision: %+v", decision)
	}

	ha := healthByName(t, r, "a")
	if ha.FailureCount != 1 {
		t.Errorf("invalid decision must count as failure, got %+v", ha)
	}
}

func TestObtainDecision_NormalizesConfidence(t *testing.T) {
	d := validDecision()
	d.Confidence = 85
	a := &scriptedProvider{name: "a", decision: d}

	r, err := New(config.RouterConfig{}, []Registration{{Provider: a, Priority: 1}}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	decision, err := r.ObtainDecision(context.Background(), market.Snapshot{})
	if err != nil {
		t.Fatalf("ObtainDecision returned error: %v", err)
	}
	if decision.Confidence != 0.85 {
		t.Errorf("expected normalized confidence 0.85, got %f", decision.Confidence)
	}
}

// blockingProvider 在 Decide 中阻塞，直到测试放行。
type blockingProvider struct {
	name    string
	started chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Name() string { return p.name }

func (p *blockingProvider) Decide(ctx context.Context, snapshot market.Snapshot) (ai.Decision, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-p.release
	return validDecision(), nil
}

func TestObtainDecision_SlowProviderDoesNotBlockStatus(t *testing.T) {
	p := &blockingProvider{
		name:    "slow",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r, err := New(config.RouterConfig{}, []Registration{{Provider: p, Priority: 1}}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	obtained := make(chan ai.Decision, 1)
	go func() {
		d, err := r.ObtainDecision(context.Background(), market.Snapshot{})
		if err != nil {
			t.Errorf("ObtainDecision returned error: %v", err)
		}
		obtained <- d
	}()
	<-p.started

	// 决策调用进行中，状态查询与启停操作不得被阻塞。
	statusDone := make(chan []Health, 1)
	go func() { statusDone <- r.Status() }()
	select {
	case health := <-statusDone:
		if len(health) != 1 {
			t.Errorf("expected 1 health entry, got %d", len(health))
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked while a provider call was in flight")
	}

	toggled := make(chan struct{})
	go func() {
		r.Disable("slow")
		r.Enable("slow")
		close(toggled)
	}()
	select {
	case <-toggled:
	case <-time.After(time.Second):
		t.Fatal("Enable/Disable blocked while a provider call was in flight")
	}

	close(p.release)
	select {
	case d := <-obtained:
		if d.Action != ai.ActionBuy {
			t.Errorf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("ObtainDecision did not return after the provider unblocked")
	}
	if r.LastSuccessful() != "slow" {
		t.Errorf("expected last successful slow, got %s", r.LastSuccessful())
	}
}

func TestObtainDecision_DisablesAfterConsecutiveFailures(t *testing.T) {
	a := &scriptedProvider{name: "a", errs: []error{
		ai.ErrUnavailable, ai.ErrUnavailable, ai.ErrUnavailable,
	}}
	b := &scriptedProvider{name: "b", decision: validDecision()}

	r, err := New(config.RouterConfig{MaxAttempts: 3, DisableAfter: 2}, []Registration{
		{Provider: a, Priority: 1},
		{Provider: b, Priority: 2},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.ObtainDecision(context.Background(), market.Snapshot{}); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}

	ha := healthByName(t, r, "a")
	if !ha.Disabled {
		t.Fatalf("expected provider a disabled after %d consecutive failures, got %+v", 3, ha)
	}
	if a.calls != 3 {
		t.Errorf("expected 3 calls before disable, got %d", a.calls)
	}

	// 停用后不再被尝试。
	if _, err := r.ObtainDecision(context.Background(), market.Snapshot{}); err != nil {
		t.Fatalf("ObtainDecision returned error: %v", err)
	}
	if a.calls != 3 {
		t.Errorf("disabled provider must be skipped, got %d calls", a.calls)
	}

	if !r.Enable("a") {
		t.Fatalf("Enable returned false")
	}
	ha = healthByName(t, r, "a")
	if ha.Disabled || ha.ConsecutiveFailures != 0 {
		t.Errorf("Enable must reset disable state, got %+v", ha)
	}
}
