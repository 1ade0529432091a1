// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"time"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/types"
)

// finishStartStep is the step at which a round's finish/finish-polling
// ladder always begins (spec.md §4.2: states run 1 -> 2 -> 3 -> 4 -> 5 ->
// 4 -> 5 -> ...).
const finishStartStep types.PbftStep = 4

// stepDuration returns how long step is allotted relative to its own
// start, per spec.md §4.2's "Timing" paragraph:
//   - steps 1 and 2 each run 2*lambda
//   - step 3 runs up to 4*lambda
//   - finish/finish-polling steps (>=4) expand as
//     (1 + step - finishStartStep) * lambda
//
// When params.StepBackoffEnabled, the result is scaled by the round's
// current backoff multiplier (spec.md §9: "this hook is present but may
// be inert").
func stepDuration(params config.Parameters, step types.PbftStep, stepsInRound uint64) time.Duration {
	var base time.Duration
	switch {
	case step == 1, step == 2:
		base = 2 * params.LambdaMin
	case step == 3:
		base = 4 * params.LambdaMin
	default:
		slots := 1 + int64(step) - int64(finishStartStep)
		if slots < 1 {
			slots = 1
		}
		base = time.Duration(slots) * params.LambdaMin
	}
	if !params.StepBackoffEnabled {
		return base
	}
	mult := params.StepBackoffMultiplier(stepsInRound)
	return time.Duration(float64(base) * mult)
}

// certifyLateDeadline is the point within step 3 after which Certify must
// give up and transition to Finish without cert-voting (spec.md §4.2
// Certify: "If elapsed > 4λ − POLL, transition to Finish").
func certifyLateDeadline(params config.Parameters) time.Duration {
	d := 4*params.LambdaMin - params.PollInterval
	if d < 0 {
		return 0
	}
	return d
}

// certifyEarlyAnomaly is the minimum elapsed time below which Certify
// logs a timing anomaly (spec.md §4.2 Certify: "If elapsed < 2λ log an
// anomaly").
func certifyEarlyAnomaly(params config.Parameters) time.Duration {
	return 2 * params.LambdaMin
}
