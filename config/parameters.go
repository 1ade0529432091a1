// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the tunable parameters of the consensus core:
// PBFT round timing, committee sizing, DoS acceptance windows and sync
// batching, mirroring the Parameters+Verify idiom used throughout the
// teacher's own consensus packages.
package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidLambda             = errors.New("invalid lambda")
	ErrInvalidCommitteeSize      = errors.New("invalid committee size")
	ErrInvalidMaxSteps           = errors.New("invalid max steps")
	ErrInvalidAcceptingWindow    = errors.New("invalid accepting window")
	ErrInvalidSyncLevelSize      = errors.New("invalid sync level size")
	ErrInvalidRewardWindow       = errors.New("invalid reward window")
	ErrInvalidStepBackoffFactor  = errors.New("invalid step backoff factor")
	ErrInvalidMaxWaitMultipliers = errors.New("invalid max wait multipliers")
)

// Parameters holds every tunable constant the consensus core needs: PBFT
// step timing, committee/quorum sizing, the DoS acceptance window used by
// votestore.Store, and sync/pillar batching sizes.
type Parameters struct {
	// LambdaMin is the base step duration; all PBFT step timeouts are
	// expressed as a multiple of it (spec.md §4.2).
	LambdaMin time.Duration `json:"lambdaMin" yaml:"lambdaMin"`

	// PollInterval is the polling resolution used by finish-polling
	// steps and by DPOS-view retry waits.
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`

	// CommitteeSize is the committee cap θ used by sortition (see
	// sortition.Weight): θ = min(CommitteeSize, totalStake).
	CommitteeSize uint64 `json:"committeeSize" yaml:"committeeSize"`

	// MaxSteps is the step count after which a round is considered
	// pathological: sync requests and (optionally) backoff engage.
	MaxSteps uint64 `json:"maxSteps" yaml:"maxSteps"`

	// AcceptingPeriods/AcceptingRounds/AcceptingSteps bound how far
	// ahead of the local tip an incoming vote may be before votestore
	// rejects it as OutOfBounds (DoS cap, spec.md §4.3).
	AcceptingPeriods uint64 `json:"acceptingPeriods" yaml:"acceptingPeriods"`
	AcceptingRounds  uint64 `json:"acceptingRounds" yaml:"acceptingRounds"`
	AcceptingSteps   uint64 `json:"acceptingSteps" yaml:"acceptingSteps"`

	// RewardVotesWindow is the number of periods behind the tip for
	// which a cert-vote is still accepted as a reward-vote candidate.
	RewardVotesWindow uint64 `json:"rewardVotesWindow" yaml:"rewardVotesWindow"`

	// MaxWaitForSoftVotedBlockMultiplier and
	// MaxWaitForNextVotedBlockMultiplier scale LambdaMin to produce the
	// give-up deadlines of spec.md §4.2/§5.
	MaxWaitForSoftVotedBlockMultiplier uint64 `json:"maxWaitForSoftVotedBlockMultiplier" yaml:"maxWaitForSoftVotedBlockMultiplier"`
	MaxWaitForNextVotedBlockMultiplier uint64 `json:"maxWaitForNextVotedBlockMultiplier" yaml:"maxWaitForNextVotedBlockMultiplier"`

	// SyncLevelSize caps how many PeriodData blocks SyncPipeline will
	// push to the finalizer per burst (spec.md §4.6).
	SyncLevelSize uint64 `json:"syncLevelSize" yaml:"syncLevelSize"`

	// PeerSyncRequestCooldown is the minimum interval between two sync
	// requests for the same reason (spec.md §5). The state machine tracks
	// it per reason only; it does not pick the peer.
	PeerSyncRequestCooldown time.Duration `json:"peerSyncRequestCooldown" yaml:"peerSyncRequestCooldown"`

	// StepBackoffEnabled gates the present-but-inert exponential
	// backoff hook described in spec.md §9's open question; the
	// multiplier function is implemented but never invoked
	// unless this is true.
	StepBackoffEnabled bool    `json:"stepBackoffEnabled" yaml:"stepBackoffEnabled"`
	StepBackoffFactor  float64 `json:"stepBackoffFactor" yaml:"stepBackoffFactor"`
	StepBackoffCap     float64 `json:"stepBackoffCap" yaml:"stepBackoffCap"`
}

// Verify checks that every parameter is in a usable range.
func (p Parameters) Verify() error {
	if p.LambdaMin <= 0 {
		return fmt.Errorf("%w: lambdaMin=%s", ErrInvalidLambda, p.LambdaMin)
	}
	if p.CommitteeSize == 0 {
		return fmt.Errorf("%w: committeeSize=%d", ErrInvalidCommitteeSize, p.CommitteeSize)
	}
	if p.MaxSteps == 0 {
		return fmt.Errorf("%w: maxSteps=%d", ErrInvalidMaxSteps, p.MaxSteps)
	}
	if p.AcceptingPeriods == 0 || p.AcceptingRounds == 0 || p.AcceptingSteps == 0 {
		return fmt.Errorf("%w: periods=%d rounds=%d steps=%d", ErrInvalidAcceptingWindow,
			p.AcceptingPeriods, p.AcceptingRounds, p.AcceptingSteps)
	}
	if p.SyncLevelSize == 0 {
		return fmt.Errorf("%w: syncLevelSize=%d", ErrInvalidSyncLevelSize, p.SyncLevelSize)
	}
	if p.MaxWaitForSoftVotedBlockMultiplier == 0 || p.MaxWaitForNextVotedBlockMultiplier == 0 {
		return fmt.Errorf("%w: soft=%d next=%d", ErrInvalidMaxWaitMultipliers,
			p.MaxWaitForSoftVotedBlockMultiplier, p.MaxWaitForNextVotedBlockMultiplier)
	}
	if p.StepBackoffEnabled && (p.StepBackoffFactor <= 1 || p.StepBackoffCap <= 1) {
		return fmt.Errorf("%w: factor=%f cap=%f", ErrInvalidStepBackoffFactor, p.StepBackoffFactor, p.StepBackoffCap)
	}
	return nil
}

// DefaultParameters returns a reasonable default parameter set, matching
// the literal constants named in spec.md (POLL=100ms, backoff cap 8x).
func DefaultParameters() Parameters {
	return Parameters{
		LambdaMin:                          1500 * time.Millisecond,
		PollInterval:                       100 * time.Millisecond,
		CommitteeSize:                      1000,
		MaxSteps:                           13,
		AcceptingPeriods:                   2,
		AcceptingRounds:                    2,
		AcceptingSteps:                     2,
		RewardVotesWindow:                  1,
		MaxWaitForSoftVotedBlockMultiplier: 2,
		MaxWaitForNextVotedBlockMultiplier: 2,
		SyncLevelSize:                      10,
		PeerSyncRequestCooldown:            10 * time.Second,
		StepBackoffEnabled:                 false,
		StepBackoffFactor:                  2,
		StepBackoffCap:                     8,
	}
}

// StepBackoffMultiplier returns the multiplicative backoff factor for a
// round currently at stepsInRound steps, capped at StepBackoffCap. It is
// only ever applied by callers that first check StepBackoffEnabled.
func (p Parameters) StepBackoffMultiplier(stepsInRound uint64) float64 {
	if stepsInRound <= p.MaxSteps {
		return 1
	}
	over := stepsInRound - p.MaxSteps
	mult := 1.0
	for i := uint64(0); i < over; i++ {
		mult *= p.StepBackoffFactor
		if mult >= p.StepBackoffCap {
			return p.StepBackoffCap
		}
	}
	return mult
}
