package synthesis

import (
	"reflect"
	"testing"

	"github.com/twinraven-io/twinraven/internal/telemetry"
)

func outcomeSample(sessionID string, outcomes ...telemetry.Outcome) *Sample {
	events := make([]*telemetry.Event, len(outcomes))
	for i, outcome := range outcomes {
		events[i] = &telemetry.Event{ToolID: "tool", Outcome: outcome}
	}

	return &Sample{SessionID: sessionID, Events: events}
}

func TestDeriveErrorStrategyNoFailures(t *testing.T) {
	samples := []*Sample{
		outcomeSample("s1", telemetry.OutcomeSuccess, telemetry.OutcomeSuccess),
		outcomeSample("s2", telemetry.OutcomeSuccess, telemetry.OutcomeSuccess),
	}

	strategy := DeriveErrorStrategy(2, samples)

	if strategy.DefaultBehavior != "abort" {
		t.Errorf("default behavior = %q, want abort", strategy.DefaultBehavior)
	}

	if len(strategy.RetryPolicies) != 0 || len(strategy.Fallbacks) != 0 || len(strategy.AbortConditions) != 0 {
		t.Errorf("clean samples produced strategy %+v, want empty", strategy)
	}
}

func TestDeriveErrorStrategyAbortConditionForFatalStep(t *testing.T) {
	// Step 1 fails only in samples where the whole chain failed.
	samples := []*Sample{
		outcomeSample("s1", telemetry.OutcomeSuccess, telemetry.OutcomeFailure, telemetry.OutcomeFailure),
		outcomeSample("s2", telemetry.OutcomeSuccess, telemetry.OutcomeFailure, telemetry.OutcomeFailure),
		outcomeSample("s3", telemetry.OutcomeSuccess, telemetry.OutcomeSuccess, telemetry.OutcomeSuccess),
	}

	strategy := DeriveErrorStrategy(3, samples)

	want := []string{"wiring.1.error != null"}
	if !reflect.DeepEqual(strategy.AbortConditions, want) {
		t.Errorf("abort conditions = %v, want %v", strategy.AbortConditions, want)
	}

	if _, ok := strategy.Fallbacks[1]; ok {
		t.Error("fatal step must not get a skip fallback")
	}
}

func TestDeriveErrorStrategySkipFallbackWhenChainRecovers(t *testing.T) {
	// Step 1 fails in one sample but the chain still succeeds.
	samples := []*Sample{
		outcomeSample("s1", telemetry.OutcomeSuccess, telemetry.OutcomeFailure, telemetry.OutcomeSuccess),
		outcomeSample("s2", telemetry.OutcomeSuccess, telemetry.OutcomeSuccess, telemetry.OutcomeSuccess),
		outcomeSample("s3", telemetry.OutcomeSuccess, telemetry.OutcomeSuccess, telemetry.OutcomeSuccess),
	}

	strategy := DeriveErrorStrategy(3, samples)

	fallback, ok := strategy.Fallbacks[1]
	if !ok {
		t.Fatal("expected a skip fallback for step 1")
	}

	if len(fallback) != 0 {
		t.Errorf("skip fallback = %v, want empty alternative sequence", fallback)
	}

	if len(strategy.AbortConditions) != 0 {
		t.Errorf("recoverable step produced abort conditions %v", strategy.AbortConditions)
	}

	// One failure out of three appearances is sporadic: retry applies too.
	policy, ok := strategy.RetryPolicies[1]
	if !ok {
		t.Fatal("expected a retry policy for the sporadically failing step")
	}

	if policy.Backoff != "exponential" || policy.MaxAttempts != retryMaxAttempts {
		t.Errorf("retry policy = %+v", policy)
	}
}

func TestDeriveErrorStrategyNoRetryForPersistentFailure(t *testing.T) {
	// Step 0 fails in every sample: not sporadic, no retry policy.
	samples := []*Sample{
		outcomeSample("s1", telemetry.OutcomeFailure, telemetry.OutcomeFailure),
		outcomeSample("s2", telemetry.OutcomeFailure, telemetry.OutcomeFailure),
	}

	strategy := DeriveErrorStrategy(2, samples)

	if _, ok := strategy.RetryPolicies[0]; ok {
		t.Error("persistently failing step must not get a retry policy")
	}
}

func TestDeriveErrorStrategyPartialIsNotFailure(t *testing.T) {
	samples := []*Sample{
		outcomeSample("s1", telemetry.OutcomePartial, telemetry.OutcomeSuccess),
		outcomeSample("s2", telemetry.OutcomePartial, telemetry.OutcomeSuccess),
	}

	strategy := DeriveErrorStrategy(2, samples)

	if len(strategy.RetryPolicies) != 0 || len(strategy.Fallbacks) != 0 || len(strategy.AbortConditions) != 0 {
		t.Errorf("partial outcomes produced strategy %+v, want empty", strategy)
	}
}
