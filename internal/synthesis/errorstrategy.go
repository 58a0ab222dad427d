package synthesis

import "github.com/twinraven-io/twinraven/internal/telemetry"

// Retry defaults applied when a step shows sporadic failures.
const (
	retryMaxAttempts = 3
	retryBaseDelayMS = 500
)

// DeriveErrorStrategy inspects failure patterns across sample executions and
// derives a per-step strategy:
//
//   - A step that failed only in samples where the whole chain failed gets a
//     matching abort condition (the chain cannot recover from it).
//   - A step that failed while the chain still succeeded gets a skip
//     fallback (recorded as an empty alternative sequence).
//   - A step that failed in fewer than half of the samples where it appears
//     gets a retry policy with exponential backoff.
//   - Steps with no observed failures contribute nothing; the default
//     behavior is abort.
func DeriveErrorStrategy(chainLength int, samples []*Sample) ErrorStrategy {
	strategy := ErrorStrategy{DefaultBehavior: "abort"}

	for step := 0; step < chainLength; step++ {
		var appeared, failed, failedInFailedChain, failedInSuccessChain int

		for _, sample := range samples {
			if step >= len(sample.Events) {
				continue
			}

			appeared++

			if sample.Events[step].Outcome != telemetry.OutcomeFailure {
				continue
			}

			failed++

			final := sample.Events[len(sample.Events)-1]
			if final.Outcome == telemetry.OutcomeFailure {
				failedInFailedChain++
			} else {
				failedInSuccessChain++
			}
		}

		if failed == 0 {
			continue
		}

		switch {
		case failedInFailedChain == failed:
			// Every observed failure of this step sank the whole chain.
			strategy.AbortConditions = append(strategy.AbortConditions,
				WiringRef(step, "error")+" != null")
		case failedInSuccessChain > 0:
			if strategy.Fallbacks == nil {
				strategy.Fallbacks = make(map[int][]string)
			}

			// Empty alternative sequence: skip the step and continue.
			strategy.Fallbacks[step] = []string{}
		}

		if appeared > 0 && float64(failed)/float64(appeared) < 0.5 {
			if strategy.RetryPolicies == nil {
				strategy.RetryPolicies = make(map[int]RetryPolicy)
			}

			strategy.RetryPolicies[step] = RetryPolicy{
				MaxAttempts: retryMaxAttempts,
				Backoff:     "exponential",
				BaseDelayMS: retryBaseDelayMS,
			}
		}
	}

	return strategy
}
