package guardrails

import (
	"context"
	"testing"

	gateway "github.com/eugener/gandalf/internal"
)

func TestStreamFilter_FinalOnlyDefersEvaluation(t *testing.T) {
	p := &fakeProvider{name: "test", violations: []gateway.Violation{{Category: "x", Severity: "high"}}}
	e := NewEvaluator([]PolicyConfig{
		{Name: "p1", Provider: p, Direction: gateway.DirectionOutput, SeverityActions: map[string]gateway.GuardrailsActionKind{"high": gateway.ActionBlock}},
	})
	f := NewStreamFilter(e, "gpt-4", StreamFinalOnly, 0)

	action := f.Feed(context.Background(), "some output")
	if action.Kind != gateway.ActionAllow {
		t.Fatalf("expected no evaluation mid-stream for StreamFinalOnly, got %s", action.Kind)
	}
	if p.calls != 0 {
		t.Fatalf("expected provider not called until Finish, got %d calls", p.calls)
	}

	final := f.Finish(context.Background())
	if final.Kind != gateway.ActionBlock {
		t.Fatalf("expected ActionBlock at Finish, got %s", final.Kind)
	}
}

func TestStreamFilter_PerChunkEvaluatesEveryFeed(t *testing.T) {
	p := &fakeProvider{name: "test"}
	e := NewEvaluator([]PolicyConfig{{Name: "p1", Provider: p, Direction: gateway.DirectionOutput}})
	f := NewStreamFilter(e, "gpt-4", StreamPerChunk, 0)

	f.Feed(context.Background(), "a")
	f.Feed(context.Background(), "b")
	if p.calls != 2 {
		t.Fatalf("expected 2 evaluations for 2 chunks, got %d", p.calls)
	}
}

func TestStreamFilter_BufferedWaitsForThreshold(t *testing.T) {
	p := &fakeProvider{name: "test"}
	e := NewEvaluator([]PolicyConfig{{Name: "p1", Provider: p, Direction: gateway.DirectionOutput}})
	f := NewStreamFilter(e, "gpt-4", StreamBuffered, 3)

	f.Feed(context.Background(), "a")
	f.Feed(context.Background(), "b")
	if p.calls != 0 {
		t.Fatalf("expected no evaluation before buffer threshold, got %d calls", p.calls)
	}
	f.Feed(context.Background(), "c")
	if p.calls != 1 {
		t.Fatalf("expected 1 evaluation once threshold reached, got %d calls", p.calls)
	}
}

func TestStreamFilter_OnceBlockedStaysBlocked(t *testing.T) {
	p := &fakeProvider{name: "test", violations: []gateway.Violation{{Category: "x", Severity: "high"}}}
	e := NewEvaluator([]PolicyConfig{
		{Name: "p1", Provider: p, Direction: gateway.DirectionOutput, SeverityActions: map[string]gateway.GuardrailsActionKind{"high": gateway.ActionBlock}},
	})
	f := NewStreamFilter(e, "gpt-4", StreamPerChunk, 0)

	f.Feed(context.Background(), "bad")
	action := f.Feed(context.Background(), "more")
	if action.Kind != gateway.ActionBlock {
		t.Fatalf("expected block to latch across subsequent Feed calls, got %s", action.Kind)
	}
	if p.calls != 1 {
		t.Fatalf("expected provider not re-invoked once blocked, got %d calls", p.calls)
	}
}
