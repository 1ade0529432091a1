// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"time"

	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

// roundState is the mutable per-round scratch space reset on every round
// or period advance (spec.md §4.2 "Round entry invariants").
type roundState struct {
	period types.PbftPeriod
	round  types.PbftRound
	step   types.PbftStep

	roundStartedAt time.Time
	stepStartedAt  time.Time
	stepsInRound   uint64

	startingValue types.Hash

	nextVotedSoft bool
	nextVotedNull bool

	lastCertVotedValue    types.Hash
	haveLastCertVoted     bool
	lastSoftVotedValue    types.Hash
	haveLastSoftVoted     bool
	lastSoftVotedAt       time.Time
	certVotedThisStep     bool

	// previousRoundNextVotes and previousRoundNextVotedValue are loaded
	// from NextVotesManager on round entry (spec.md §4.2
	// "previous_round_next_votes is loaded from NextVotesManager and
	// determines round-2+ behavior").
	previousRoundNextVotes         []vote.Vote
	previousRoundNextVotedValue    types.Hash
	havePreviousRoundNextVotedValue bool
	previousRoundHasNullTwoTPlusOne bool
}

// resetForNewRound applies spec.md §4.2's round-entry invariants: step
// resets to 1, starting_value/next-vote flags/last-cert-voted clear, and
// the previous round's next-vote carry-over is loaded.
func (rs *roundState) resetForNewRound(now time.Time, round types.PbftRound, prevNextVotes []vote.Vote, prevNextVotedValue types.Hash, havePrevNextVotedValue bool, prevHasNullTwoTPlusOne bool) {
	rs.round = round
	rs.step = 1
	rs.stepsInRound = 0
	rs.roundStartedAt = now
	rs.stepStartedAt = now
	rs.startingValue = types.ZeroHash
	rs.nextVotedSoft = false
	rs.nextVotedNull = false
	rs.haveLastCertVoted = false
	rs.lastCertVotedValue = types.ZeroHash
	rs.haveLastSoftVoted = false
	rs.lastSoftVotedValue = types.ZeroHash
	rs.certVotedThisStep = false
	rs.previousRoundNextVotes = prevNextVotes
	rs.previousRoundNextVotedValue = prevNextVotedValue
	rs.havePreviousRoundNextVotedValue = havePrevNextVotedValue
	rs.previousRoundHasNullTwoTPlusOne = prevHasNullTwoTPlusOne
}

// resetForNewPeriod applies the round reset plus clears the period-scoped
// fields (spec.md §4.2 "Period advance").
func (rs *roundState) resetForNewPeriod(now time.Time, period types.PbftPeriod) {
	rs.period = period
	rs.resetForNewRound(now, 1, nil, types.ZeroHash, false, false)
}

// advanceStep moves to step+1, restarting the step timer, incrementing
// stepsInRound for the backoff hook (spec.md §4.2 Timing).
func (rs *roundState) advanceStep(now time.Time) {
	rs.step++
	rs.stepsInRound++
	rs.stepStartedAt = now
	rs.certVotedThisStep = false
}

// giveUpSoftVotedValue implements spec.md §4.2's give-up policy for the
// soft-voted value: the value must be set, the wait deadline must have
// passed, and either the block failed validation or never arrived.
func giveUpSoftVotedValue(rs *roundState, now time.Time, maxWait time.Duration, haveBlock, blockValid bool) bool {
	if !rs.haveLastSoftVoted {
		return false
	}
	if now.Sub(rs.lastSoftVotedAt) <= maxWait {
		return false
	}
	if haveBlock && !blockValid {
		return true
	}
	return !haveBlock
}

// giveUpNextVotedValue implements spec.md §4.2's give-up policy for the
// previous round's next-voted value.
func giveUpNextVotedValue(rs *roundState, alreadyInChain, haveBlock, blockValid bool) bool {
	if !rs.havePreviousRoundNextVotedValue {
		return true
	}
	if rs.previousRoundHasNullTwoTPlusOne {
		return true
	}
	if alreadyInChain {
		return true
	}
	if haveBlock && !blockValid {
		return true
	}
	return false
}
