// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pbft implements the five-step PBFT round state machine
// (spec.md §4.2), grounded on
// original_source/libraries/core_libs/consensus/src/pbft/pbft_manager.cpp.
// The run loop follows the teacher's engine/chain.Engine shape (a
// Parameters+mutable-state-struct+sync.RWMutex engine driven by an
// explicit Start/Stop and a step function), but replaces its condition-
// variable suspension points with a context.Context/time.Timer select
// loop, the idiomatic Go analogue spec.md §9 sanctions ("implementations
// may use either blocking threads plus condition variables or a
// cooperative task runtime, provided §5 ordering guarantees hold").
package pbft

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	gethcrypto "github.com/luxfi/geth/crypto"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/nextvotes"
	"github.com/dagbft/core/rewardsvotes"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
	"github.com/dagbft/core/votestore"
)

// ErrShutdown is returned by Run when ctx is cancelled (spec.md §7
// Shutdown: "Graceful stop requested" / "Silent exit").
var ErrShutdown = errors.New("pbft: shutdown requested")

// dposView is the subset of external.DposView the state machine needs on
// every step: its own and the committee's eligible stake, and the
// derived 2t+1 threshold (spec.md §4.7 step 7: "2t+1 = floor(committee/3)*2 + 1
// where committee = min(COMMITTEE_SIZE, total_stake)").
type dposView struct {
	period         types.PbftPeriod
	totalStake     uint64
	ownStake       uint64
	committee      uint64
	twoTPlusOne    uint64
	sortitionThreshold uint64
}

func computeDposView(params config.Parameters, period types.PbftPeriod, total, own uint64) dposView {
	committee := params.CommitteeSize
	if total < committee {
		committee = total
	}
	twoTPlusOne := (committee/3)*2 + 1
	return dposView{
		period:             period,
		totalStake:         total,
		ownStake:           own,
		committee:          committee,
		twoTPlusOne:        twoTPlusOne,
		sortitionThreshold: committee,
	}
}

// StateMachine drives one node's PBFT round loop (spec.md §4.2).
type StateMachine struct {
	params config.Parameters
	log    log.Logger
	clock  *clock

	sk   *ecdsa.PrivateKey
	self types.Address

	votes     *votestore.Store
	nextVotes *nextvotes.Manager
	rewards   *rewardsvotes.Tracker

	exec external.ExecutionEngine
	dag  external.DagOrder
	net  external.Network

	// onTwoTPlusOne, if set, is invoked synchronously whenever a locally
	// cast vote is the one that first crosses 2t+1 for its (period,
	// round, kind) cell (spec.md §2 "on 2t+1 cert-votes invokes
	// Finalizer"). consensuscore wires this to assemble and commit a
	// PeriodData; the state machine itself has no notion of Finalizer.
	onTwoTPlusOne func(period types.PbftPeriod, round types.PbftRound, kind votestore.TwoTPlusOneKind, vb votestore.VotedBlock)

	mu    sync.RWMutex
	state roundState
	view  dposView

	lastSyncRequestAt map[external.SyncRequestReason]time.Time
}

// Deps bundles StateMachine's collaborators (spec.md §9 "ConsensusCore
// aggregate owning all stores, passed by shared reference").
type Deps struct {
	Votes     *votestore.Store
	NextVotes *nextvotes.Manager
	Rewards   *rewardsvotes.Tracker
	Exec      external.ExecutionEngine
	Dag       external.DagOrder
	Net       external.Network
	Log       log.Logger

	// OnTwoTPlusOne is an optional hook consensuscore installs to learn
	// about locally-observed 2t+1 crossings as they happen, the same
	// onDone-style completion callback shape the teacher's syncer uses.
	OnTwoTPlusOne func(period types.PbftPeriod, round types.PbftRound, kind votestore.TwoTPlusOneKind, vb votestore.VotedBlock)
}

// New constructs a StateMachine for the given signing key and starting
// period, with the DPOS view it must be seeded with before Run is called
// (normally supplied by ExecutionEngine.DposEligible*).
func New(params config.Parameters, sk *ecdsa.PrivateKey, startPeriod types.PbftPeriod, deps Deps) (*StateMachine, error) {
	if err := params.Verify(); err != nil {
		return nil, err
	}
	lg := deps.Log
	if lg == nil {
		lg = log.NewNoOpLogger()
	}
	addr := addressFromKey(sk)
	sm := &StateMachine{
		params:            params,
		log:               lg,
		clock:             newClock(),
		sk:                sk,
		self:              addr,
		votes:             deps.Votes,
		nextVotes:         deps.NextVotes,
		rewards:           deps.Rewards,
		exec:              deps.Exec,
		dag:               deps.Dag,
		net:               deps.Net,
		onTwoTPlusOne:     deps.OnTwoTPlusOne,
		lastSyncRequestAt: make(map[external.SyncRequestReason]time.Time),
	}
	sm.state.resetForNewPeriod(sm.clock.Now(), startPeriod)
	return sm, nil
}

func addressFromKey(sk *ecdsa.PrivateKey) types.Address {
	return types.Address(gethcrypto.PubkeyToAddress(sk.PublicKey))
}

// Snapshot is a read-only view of the current round position, for
// metrics/logging callers that should not take the internal lock.
type Snapshot struct {
	Period types.PbftPeriod
	Round  types.PbftRound
	Step   types.PbftStep
}

// Current returns the state machine's current round position.
func (sm *StateMachine) Current() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return Snapshot{Period: sm.state.period, Round: sm.state.round, Step: sm.state.step}
}

// SetDposView installs the stake distribution Finalizer reported for
// period (spec.md §4.7 step 7); it is idempotent for the same period.
func (sm *StateMachine) SetDposView(period types.PbftPeriod, total, own uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.view = computeDposView(sm.params, period, total, own)
}

// Bounds returns the votestore.Bounds an ingress thread should validate an
// externally received vote against, matching the window proposeVote uses
// for the state machine's own votes (spec.md §5: "Vote stores are shared
// read/write by the state machine and by the packet-ingress threads").
func (sm *StateMachine) Bounds() votestore.Bounds {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return votestore.Bounds{
		TipPeriod:        sm.state.period,
		TipRound:         sm.state.round,
		TipStep:          sm.state.step,
		AcceptingPeriods: sm.params.AcceptingPeriods,
		AcceptingRounds:  sm.params.AcceptingRounds,
		AcceptingSteps:   sm.params.AcceptingSteps,
		RewardWindow:     sm.params.RewardVotesWindow,
	}
}

// StakeInfo returns the current DPOS view's total eligible stake,
// sortition committee threshold and 2t+1 quorum weight, for ingress
// threads computing an externally received vote's weight the same way
// proposeVote computes it for locally cast votes.
func (sm *StateMachine) StakeInfo() (total, sortitionThreshold, twoTPlusOne uint64) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.view.totalStake, sm.view.sortitionThreshold, sm.view.twoTPlusOne
}

// UpdateNextVotes merges newly verified next-votes into the next-votes
// manager, recording their weight against the current DPOS view.
func (sm *StateMachine) UpdateNextVotes(votesIn []vote.Vote) {
	sm.mu.RLock()
	threshold := sm.view.twoTPlusOne
	total := sm.view.totalStake
	sortitionThreshold := sm.view.sortitionThreshold
	sm.mu.RUnlock()

	vw := make([]nextvotes.VoteWeight, 0, len(votesIn))
	for i := range votesIn {
		v := votesIn[i]
		w, ok := v.Weight()
		if !ok {
			stakeW, werr := v.CalculateWeight(1, total, sortitionThreshold)
			if werr != nil {
				continue
			}
			w = stakeW
		}
		vw = append(vw, nextvotes.VoteWeight{Vote: v, Weight: w})
	}
	sm.nextVotes.Update(vw, threshold)
}

// Run drives the step loop until ctx is cancelled (ErrShutdown) or a
// fatal error occurs (spec.md §5 "Cancellation": "A global stop flag ...
// causes all threads to exit their loops on next wake").
func (sm *StateMachine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return ErrShutdown
		}
		if err := sm.runOneStep(ctx); err != nil {
			if errors.Is(err, ErrShutdown) {
				return err
			}
			sm.log.Error("pbft step failed", "err", err)
		}
		if err := sm.maybeAdvanceRound(); err != nil {
			sm.log.Warn("round advance failed", "err", err)
		}
		if err := sm.waitForNextStep(ctx); err != nil {
			return err
		}
	}
}

// waitForNextStep sleeps for the remainder of the current step's budget
// (spec.md §5 "condvar.wait_for(lambda) at end of each step"), or returns
// ErrShutdown if ctx is cancelled first.
func (sm *StateMachine) waitForNextStep(ctx context.Context) error {
	sm.mu.RLock()
	step := sm.state.step
	stepsInRound := sm.state.stepsInRound
	started := sm.state.stepStartedAt
	sm.mu.RUnlock()

	budget := stepDuration(sm.params, step, stepsInRound)
	remaining := budget - sm.clock.Now().Sub(started)
	if remaining <= 0 {
		remaining = sm.params.PollInterval
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrShutdown
	case <-t.C:
	}

	sm.mu.Lock()
	sm.state.advanceStep(sm.clock.Now())
	next := sm.state.step
	sm.mu.Unlock()
	if types.IsFinishStep(next) {
		// finish ladder continues even/odd alternation; nothing special
		// to do here beyond the step number already having advanced.
	}
	return nil
}

// runOneStep executes the handler for the current step.
func (sm *StateMachine) runOneStep(ctx context.Context) error {
	sm.mu.RLock()
	step := sm.state.step
	sm.mu.RUnlock()

	switch {
	case step == 1:
		return sm.runValueProposal(ctx)
	case step == 2:
		return sm.runFilter(ctx)
	case step == 3:
		return sm.runCertify(ctx)
	case types.IsFinishStep(step):
		return sm.runFinish(ctx)
	case types.IsFinishPollingStep(step):
		return sm.runFinishPolling(ctx)
	default:
		return fmt.Errorf("pbft: unreachable step %d", step)
	}
}

// maybeAdvanceRound checks VoteStore::determine_round and, if a later
// round has 2t+1 next-votes, performs the round advance described in
// spec.md §4.2 "Round advance".
func (sm *StateMachine) maybeAdvanceRound() error {
	sm.mu.RLock()
	period := sm.state.period
	round := sm.state.round
	threshold := sm.view.twoTPlusOne
	sm.mu.RUnlock()

	next := sm.votes.DetermineRound(period, round, threshold)
	if next <= round {
		return nil
	}
	return sm.advanceToRound(next)
}

func (sm *StateMachine) advanceToRound(round types.PbftRound) error {
	prevVotes := sm.nextVotes.Bundle()
	votedValue, haveVotedValue := sm.nextVotes.VotedValue()
	hasNull := sm.nextVotes.HaveEnoughVotesForNullBlockHash()

	sm.mu.Lock()
	sm.state.resetForNewRound(sm.clock.Now(), round, prevVotes, votedValue, haveVotedValue, hasNull)
	sm.mu.Unlock()
	sm.nextVotes.Clear()
	sm.log.Debug("pbft round advance", "round", round)
	return nil
}

// AdvancePeriod is invoked by the finalizer once a block at newPeriod has
// been committed (spec.md §4.2 "Period advance"): the state machine
// resets to round 1/step 1 of the new period and the next-votes manager
// clears.
func (sm *StateMachine) AdvancePeriod(newPeriod types.PbftPeriod) {
	sm.mu.Lock()
	sm.state.resetForNewPeriod(sm.clock.Now(), newPeriod)
	sm.mu.Unlock()
	sm.nextVotes.Clear()
}
