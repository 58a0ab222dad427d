package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedTool is returned when invoking a tool the wrapper does not know.
var ErrUnsupportedTool = errors.New("tool is not registered with the wrapper")

type (
	// ToolFunc is the native tool invocation shape the wrapper instruments.
	ToolFunc func(ctx context.Context, inputs map[string]any) (any, error)

	// OutcomeClassifier maps a tool result to an outcome. Only invoked for
	// calls that returned no error; errors always classify as failure.
	OutcomeClassifier func(output any) Outcome

	// Wrapper instruments a set of tools against one observation context.
	//
	// Each invocation is timed, forwarded to the underlying tool unchanged,
	// and recorded as an event. The wrapper is transparent: the caller sees
	// exactly the output and error the tool produced, and telemetry failures
	// never surface through it.
	Wrapper struct {
		obs      *ObservationContext
		tools    map[string]ToolFunc
		classify OutcomeClassifier
	}

	// WrapperOption configures optional Wrapper behavior.
	WrapperOption func(*Wrapper)
)

// WithOutcomeClassifier sets a classifier for non-error results, allowing
// callers to report partial outcomes. Without one, every non-error result
// records as success.
func WithOutcomeClassifier(classify OutcomeClassifier) WrapperOption {
	return func(w *Wrapper) {
		w.classify = classify
	}
}

// NewWrapper creates a wrapper emitting into the given observation context.
func NewWrapper(obs *ObservationContext, opts ...WrapperOption) *Wrapper {
	w := &Wrapper{
		obs:   obs,
		tools: make(map[string]ToolFunc),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Register adds a tool under the given identifier, replacing any previous
// registration for the same identifier.
func (w *Wrapper) Register(toolID string, fn ToolFunc) {
	w.tools[toolID] = fn
}

// Invoke calls a registered tool, timing and recording the call.
//
// The underlying output and error pass through unchanged. An error result
// records as a failure event; a non-error result records with the classifier
// outcome (success by default). Unknown tools return ErrUnsupportedTool
// without recording an event.
func (w *Wrapper) Invoke(ctx context.Context, toolID string, inputs map[string]any) (any, error) {
	fn, ok := w.tools[toolID]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedTool, toolID)
	}

	return w.invoke(ctx, toolID, fn, inputs)
}

// Wrap returns an instrumented version of a single tool function. The
// returned function can replace the original in the agent's tool table.
func (w *Wrapper) Wrap(toolID string, fn ToolFunc) ToolFunc {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		return w.invoke(ctx, toolID, fn, inputs)
	}
}

func (w *Wrapper) invoke(ctx context.Context, toolID string, fn ToolFunc, inputs map[string]any) (any, error) {
	start := time.Now()
	output, err := fn(ctx, inputs)
	latency := int32(time.Since(start).Milliseconds())

	if err != nil {
		w.obs.RecordFailure(ctx, toolID, inputs, err, WithLatency(latency))

		return output, err
	}

	outcome := OutcomeSuccess
	if w.classify != nil {
		outcome = w.classify(output)
	}

	w.obs.Record(ctx, toolID, inputs, output, outcome, WithLatency(latency))

	return output, err
}
