package guardrails

import (
	"context"
	"sync"

	gateway "github.com/eugener/gandalf/internal"
)

// StreamMode controls how often a StreamFilter re-evaluates accumulated
// output against the configured output policies.
type StreamMode int

const (
	// StreamFinalOnly evaluates once, after the stream completes.
	StreamFinalOnly StreamMode = iota
	// StreamBuffered evaluates every BufferTokens tokens of accumulated output.
	StreamBuffered
	// StreamPerChunk evaluates after every chunk.
	StreamPerChunk
)

// StreamFilter wraps output guardrails around a streamed response, buffering
// content and token counts so it can re-run the evaluator at the configured
// cadence instead of per-byte. Not safe for concurrent use by multiple
// goroutines on the same stream; a single producer is expected to call
// Feed sequentially.
type StreamFilter struct {
	evaluator *Evaluator
	model     string
	mode      StreamMode
	bufTokens int

	mu                     sync.Mutex
	contentBuffer          string
	tokenCount             int
	blocked                bool
	blockErr               *gateway.GuardrailsAction
	violations             []gateway.Violation
	lastEvaluatedPosition  int
}

// NewStreamFilter returns a StreamFilter running evaluator's output policies
// in the given mode. bufTokens is only consulted when mode is StreamBuffered.
func NewStreamFilter(evaluator *Evaluator, model string, mode StreamMode, bufTokens int) *StreamFilter {
	return &StreamFilter{evaluator: evaluator, model: model, mode: mode, bufTokens: bufTokens}
}

// Feed appends a chunk of streamed text and, depending on the configured
// mode, re-evaluates the accumulated buffer. It returns the resolved action
// for this call: ActionAllow unless a new violation (or a previously
// recorded block) now applies.
func (f *StreamFilter) Feed(ctx context.Context, chunk string) gateway.GuardrailsAction {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.blocked {
		return *f.blockErr
	}

	f.contentBuffer += chunk
	f.tokenCount++

	switch f.mode {
	case StreamPerChunk:
		// always re-evaluate
	case StreamBuffered:
		if f.bufTokens <= 0 || f.tokenCount-f.lastEvaluatedPosition < f.bufTokens {
			return gateway.GuardrailsAction{Kind: gateway.ActionAllow}
		}
	case StreamFinalOnly:
		return gateway.GuardrailsAction{Kind: gateway.ActionAllow}
	}

	f.lastEvaluatedPosition = f.tokenCount
	action := f.evaluator.Evaluate(ctx, gateway.DirectionOutput, f.contentBuffer, f.model)
	f.violations = append(f.violations, action.Violations...)
	if action.Kind == gateway.ActionBlock {
		f.blocked = true
		f.blockErr = &action
	}
	return action
}

// Finish runs a final evaluation over the full accumulated buffer,
// regardless of mode, and returns the resolved action. Call this once the
// upstream stream has ended so StreamFinalOnly and partially-buffered
// StreamBuffered filters still get evaluated.
func (f *StreamFilter) Finish(ctx context.Context) gateway.GuardrailsAction {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.blocked {
		return *f.blockErr
	}
	action := f.evaluator.Evaluate(ctx, gateway.DirectionOutput, f.contentBuffer, f.model)
	f.violations = append(f.violations, action.Violations...)
	if action.Kind == gateway.ActionBlock {
		f.blocked = true
		f.blockErr = &action
	}
	return action
}

// Violations returns every violation accumulated across Feed/Finish calls.
func (f *StreamFilter) Violations() []gateway.Violation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}
