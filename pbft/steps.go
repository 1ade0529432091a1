// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"bytes"
	"context"
	"time"

	"github.com/dagbft/core/external"
	"github.com/dagbft/core/sortition"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
	"github.com/dagbft/core/votestore"
)

// proposeVote signs, inserts locally and broadcasts a vote for msg/value,
// the common tail of every step handler (spec.md §4.2's per-step
// paragraphs each end in "place a ... vote").
func (sm *StateMachine) proposeVote(ctx context.Context, msg sortition.Message, value types.Hash) (vote.Vote, error) {
	v, err := vote.New(sm.sk, msg, value)
	if err != nil {
		return vote.Vote{}, err
	}

	sm.mu.RLock()
	total := sm.view.totalStake
	threshold := sm.view.sortitionThreshold
	bounds := votestore.Bounds{
		TipPeriod:        sm.state.period,
		TipRound:         sm.state.round,
		TipStep:          sm.state.step,
		AcceptingPeriods: sm.params.AcceptingPeriods,
		AcceptingRounds:  sm.params.AcceptingRounds,
		AcceptingSteps:   sm.params.AcceptingSteps,
		RewardWindow:     sm.params.RewardVotesWindow,
	}
	twoTPlusOne := sm.view.twoTPlusOne
	sm.mu.RUnlock()

	stake := uint64(1)
	if msg.Step != 1 {
		var err error
		stake, err = sm.exec.DposEligibleVoteCount(ctx, msg.Period, sm.self)
		if err != nil {
			return vote.Vote{}, err
		}
	}
	weight, err := v.CalculateWeight(stake, total, threshold)
	if err != nil {
		return vote.Vote{}, err
	}
	if weight == 0 {
		return v, nil
	}

	result, err := sm.votes.Insert(v, weight, bounds, twoTPlusOne)
	if err != nil {
		return vote.Vote{}, err
	}
	if result.NewTwoTPlusOne != nil && sm.onTwoTPlusOne != nil {
		sm.onTwoTPlusOne(msg.Period, msg.Round, result.NewTwoTPlusOneKind, *result.NewTwoTPlusOne)
	}
	if err := sm.net.BroadcastVote(ctx, v); err != nil {
		sm.log.Warn("broadcast vote failed", "err", err)
	}
	return v, nil
}

// runValueProposal implements spec.md §4.2 ValueProposal (step 1).
func (sm *StateMachine) runValueProposal(ctx context.Context) error {
	sm.mu.RLock()
	period := sm.state.period
	round := sm.state.round
	step := sm.state.step
	havePrevValue := sm.state.havePreviousRoundNextVotedValue
	prevValue := sm.state.previousRoundNextVotedValue
	sm.mu.RUnlock()

	msg := sortition.Message{Type: types.ProposeVote, Period: period, Round: round, Step: step}

	if round == 1 {
		_, err := sm.proposeVote(ctx, msg, types.ZeroHash)
		return err
	}

	if havePrevValue && prevValue != types.ZeroHash {
		inChain, err := sm.blockInChain(ctx, prevValue)
		if err != nil {
			return err
		}
		if !inChain {
			if err := sm.net.BroadcastPbftBlock(ctx, external.PbftBlock{Hash: prevValue, Period: period}); err != nil {
				sm.log.Warn("rebroadcast previous-round value failed", "err", err)
			}
		}
		_, err = sm.proposeVote(ctx, msg, prevValue)
		return err
	}

	sm.mu.RLock()
	giveUp := giveUpNextVotedValue(&sm.state, false, false, true)
	sm.mu.RUnlock()
	if !giveUp {
		_, err := sm.proposeVote(ctx, msg, types.ZeroHash)
		return err
	}

	own, err := sm.proposeOwnBlock(ctx, period, round, step)
	if err != nil {
		return err
	}
	if own == types.ZeroHash {
		return nil
	}
	_, err = sm.proposeVote(ctx, msg, own)
	return err
}

// proposeOwnBlock runs the VRF sortition leader-election check (spec.md
// §4.1 "Proposal sortition": stake is pinned to 1 so every eligible
// voter has an equal, independent chance) and, if elected, derives a
// pivot from DagOrder's ghost path and returns a placeholder block hash
// for it; block construction/assembly belongs to the ExecutionEngine,
// not the core (spec.md §1 scope).
func (sm *StateMachine) proposeOwnBlock(ctx context.Context, period types.PbftPeriod, round types.PbftRound, step types.PbftStep) (types.Hash, error) {
	msg := sortition.Message{Type: types.ProposeVote, Period: period, Round: round, Step: step}
	_, output, err := sortition.Prove(sm.sk, msg)
	if err != nil {
		return types.ZeroHash, err
	}

	sm.mu.RLock()
	total := sm.view.totalStake
	threshold := sm.view.sortitionThreshold
	sm.mu.RUnlock()

	weight := sortition.Weight(output, sm.self, 1, total, threshold)
	if weight == 0 {
		return types.ZeroHash, nil
	}

	path, err := sm.dag.GhostPath(ctx, types.ZeroHash)
	if err != nil {
		return types.ZeroHash, err
	}
	if len(path) == 0 {
		return types.ZeroHash, nil
	}
	return path[len(path)-1], nil
}

func (sm *StateMachine) blockInChain(ctx context.Context, hash types.Hash) (bool, error) {
	_, ok, err := sm.dag.Block(ctx, hash)
	return ok, err
}

// runFilter implements spec.md §4.2 Filter (step 2).
func (sm *StateMachine) runFilter(ctx context.Context) error {
	sm.mu.RLock()
	period := sm.state.period
	round := sm.state.round
	step := sm.state.step
	havePrevValue := sm.state.havePreviousRoundNextVotedValue
	prevValue := sm.state.previousRoundNextVotedValue
	sm.mu.RUnlock()

	// A candidate equal to the soft-voted value this node has already
	// decided to abandon is excluded from leader selection (spec.md §4.1
	// "Candidates whose voted value equals the last_soft_voted_value the
	// node has chosen to abandon ... are excluded").
	excluded := types.ZeroHash
	if sm.checkGiveUpSoft(ctx) {
		sm.mu.RLock()
		excluded = sm.state.lastSoftVotedValue
		sm.mu.RUnlock()
	}

	leader, err := sm.leaderBlock(ctx, period, round, excluded)
	if err != nil {
		return err
	}

	target := leader
	if havePrevValue && prevValue != types.ZeroHash {
		target = prevValue
	}

	sm.mu.Lock()
	changed := !sm.state.haveLastSoftVoted || sm.state.lastSoftVotedValue != target
	if changed {
		sm.state.lastSoftVotedValue = target
		sm.state.haveLastSoftVoted = true
		sm.state.lastSoftVotedAt = sm.clock.Now()
	}
	sm.mu.Unlock()

	msg := sortition.Message{Type: types.SoftVote, Period: period, Round: round, Step: step}
	_, err = sm.proposeVote(ctx, msg, target)
	return err
}

// leaderBlock implements spec.md §4.1 "Leader selection": among the
// round's propose-votes for a non-null block that the DAG reports as
// known (blockInChain), the leader is the candidate minimizing vrf_output as a big-endian integer
// (original_source's identifyLeaderBlock_). excluded names a value this
// node has already chosen to abandon (its own last soft-voted block,
// when the give-up-soft-voted-block policy currently holds), which is
// never eligible regardless of its VRF output.
func (sm *StateMachine) leaderBlock(ctx context.Context, period types.PbftPeriod, round types.PbftRound, excluded types.Hash) (types.Hash, error) {
	candidates := sm.votes.StepVotes(period, round, 1)

	var leader vote.Vote
	haveLeader := false
	for _, v := range candidates {
		hash := v.BlockHash()
		if hash == types.ZeroHash || hash == excluded {
			continue
		}
		known, err := sm.blockInChain(ctx, hash)
		if err != nil {
			return types.ZeroHash, err
		}
		if !known {
			continue
		}
		out := v.Output()
		if !haveLeader || bytes.Compare(out[:], leader.Output()[:]) < 0 {
			leader = v
			haveLeader = true
		}
	}
	if !haveLeader {
		return types.ZeroHash, nil
	}
	return leader.BlockHash(), nil
}

// runCertify implements spec.md §4.2 Certify (step 3).
func (sm *StateMachine) runCertify(ctx context.Context) error {
	sm.mu.RLock()
	period := sm.state.period
	round := sm.state.round
	step := sm.state.step
	started := sm.state.stepStartedAt
	sm.mu.RUnlock()

	elapsed := sm.clock.Now().Sub(started)
	if elapsed < certifyEarlyAnomaly(sm.params) {
		sm.log.Warn("certify ran early", "elapsed", elapsed)
	}
	if elapsed > certifyLateDeadline(sm.params) {
		sm.log.Debug("certify deadline passed, deferring to finish", "elapsed", elapsed)
		return nil
	}

	sm.mu.RLock()
	already := sm.state.certVotedThisStep
	sm.mu.RUnlock()
	if already {
		return nil
	}

	vb, ok := sm.votes.TwoTPlusOneVotedBlock(period, round, votestore.KindSoft)
	if !ok || vb.BlockHash == types.ZeroHash {
		return nil
	}

	order, err := sm.dag.DagBlockOrder(ctx, vb.BlockHash, period)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return sm.requestSync(ctx, external.SyncReasonMissingDag)
	}

	msg := sortition.Message{Type: types.CertVote, Period: period, Round: round, Step: step}
	v, err := sm.proposeVote(ctx, msg, vb.BlockHash)
	if err != nil {
		return err
	}
	sm.mu.Lock()
	sm.state.lastCertVotedValue = v.BlockHash()
	sm.state.haveLastCertVoted = true
	sm.state.certVotedThisStep = true
	sm.mu.Unlock()
	return nil
}

// runFinish implements spec.md §4.2 Finish (even >= 4, "first finish").
func (sm *StateMachine) runFinish(ctx context.Context) error {
	sm.mu.RLock()
	period := sm.state.period
	round := sm.state.round
	step := sm.state.step
	haveCert := sm.state.haveLastCertVoted
	certValue := sm.state.lastCertVotedValue
	sm.mu.RUnlock()

	msg := sortition.Message{Type: types.NextVote, Period: period, Round: round, Step: step}

	if haveCert {
		_, err := sm.proposeVote(ctx, msg, certValue)
		if err == nil && step%20 == 0 {
			if berr := sm.net.BroadcastPbftBlock(ctx, external.PbftBlock{Hash: certValue, Period: period}); berr != nil {
				sm.log.Warn("rebroadcast cert-voted block failed", "err", berr)
			}
		}
		return err
	}

	giveUpSoft := sm.checkGiveUpSoft(ctx)
	giveUpNext := sm.checkGiveUpNext(ctx)
	if round >= 2 && (giveUpSoft || giveUpNext) {
		_, err := sm.proposeVote(ctx, msg, types.ZeroHash)
		return err
	}

	sm.mu.Lock()
	target := sm.state.startingValue
	if !sm.state.havePreviousRoundNextVotedValue {
		// nothing to adopt
	} else if inChain, err := sm.blockInChainLocked(ctx, sm.state.previousRoundNextVotedValue); err == nil && !inChain {
		sm.state.startingValue = sm.state.previousRoundNextVotedValue
		target = sm.state.startingValue
	}
	sm.mu.Unlock()

	_, err := sm.proposeVote(ctx, msg, target)
	return err
}

func (sm *StateMachine) blockInChainLocked(ctx context.Context, hash types.Hash) (bool, error) {
	return sm.blockInChain(ctx, hash)
}

func (sm *StateMachine) checkGiveUpSoft(ctx context.Context) bool {
	sm.mu.RLock()
	soft := sm.state.lastSoftVotedValue
	haveSoft := sm.state.haveLastSoftVoted
	maxWait := time.Duration(sm.params.MaxWaitForSoftVotedBlockMultiplier) * 2 * sm.params.LambdaMin
	rs := &sm.state
	sm.mu.RUnlock()
	if !haveSoft {
		return false
	}
	haveBlock, blockValid := sm.validateBlock(ctx, soft)
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return giveUpSoftVotedValue(rs, sm.clock.Now(), maxWait, haveBlock, blockValid)
}

func (sm *StateMachine) checkGiveUpNext(ctx context.Context) bool {
	sm.mu.RLock()
	havePrev := sm.state.havePreviousRoundNextVotedValue
	prevValue := sm.state.previousRoundNextVotedValue
	rs := &sm.state
	sm.mu.RUnlock()
	if !havePrev {
		return true
	}
	alreadyInChain, err := sm.blockInChain(ctx, prevValue)
	if err != nil {
		alreadyInChain = false
	}
	haveBlock, blockValid := sm.validateBlock(ctx, prevValue)
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return giveUpNextVotedValue(rs, alreadyInChain, haveBlock, blockValid)
}

func (sm *StateMachine) validateBlock(ctx context.Context, hash types.Hash) (haveBlock, valid bool) {
	if hash == types.ZeroHash {
		return false, false
	}
	blk, ok, err := sm.dag.Block(ctx, hash)
	if err != nil || !ok {
		return false, false
	}
	return true, blk.Hash == hash
}

// runFinishPolling implements spec.md §4.2 FinishPolling (odd >= 5,
// "second finish").
func (sm *StateMachine) runFinishPolling(ctx context.Context) error {
	sm.mu.RLock()
	period := sm.state.period
	round := sm.state.round
	step := sm.state.step
	nextVotedSoft := sm.state.nextVotedSoft
	nextVotedNull := sm.state.nextVotedNull
	sm.mu.RUnlock()

	msg := sortition.Message{Type: types.NextVote, Period: period, Round: round, Step: step}

	if vb, ok := sm.votes.TwoTPlusOneVotedBlock(period, round, votestore.KindSoft); ok && !nextVotedSoft {
		giveUp := sm.checkGiveUpSoft(ctx)
		if !giveUp {
			if _, err := sm.proposeVote(ctx, msg, vb.BlockHash); err != nil {
				return err
			}
			sm.mu.Lock()
			sm.state.nextVotedSoft = true
			sm.mu.Unlock()
		}
	}

	if round >= 2 && !nextVotedNull {
		giveUpSoft := sm.checkGiveUpSoft(ctx)
		giveUpNext := sm.checkGiveUpNext(ctx)
		if giveUpSoft || giveUpNext {
			if _, err := sm.proposeVote(ctx, msg, types.ZeroHash); err != nil {
				return err
			}
			sm.mu.Lock()
			sm.state.nextVotedNull = true
			sm.mu.Unlock()
		}
	}

	sm.mu.RLock()
	stepsInRound := sm.state.stepsInRound
	sm.mu.RUnlock()
	if stepsInRound > sm.params.MaxSteps && (stepsInRound-sm.params.MaxSteps)%100 == 0 {
		if err := sm.requestSync(ctx, external.SyncReasonExceededMaxSteps); err != nil {
			sm.log.Warn("sync request failed", "err", err)
		}
		bundle := sm.nextVotes.Bundle()
		if len(bundle) > 0 {
			if err := sm.net.BroadcastVotesBundle(ctx, bundle); err != nil {
				sm.log.Warn("broadcast next-votes bundle failed", "err", err)
			}
		}
	}
	return nil
}

// requestSync emits at most one sync request per reason within each
// PeerSyncRequestCooldown interval (spec.md §5 Timeouts). The cooldown is
// tracked per reason only, not per step or per peer. The core has no
// peer selection policy of its own;
// it asks the Network adapter to pick a peer by passing an empty PeerID.
func (sm *StateMachine) requestSync(ctx context.Context, reason external.SyncRequestReason) error {
	sm.mu.Lock()
	now := sm.clock.Now()
	last, ok := sm.lastSyncRequestAt[reason]
	if ok && now.Sub(last) < sm.params.PeerSyncRequestCooldown {
		sm.mu.Unlock()
		return nil
	}
	sm.lastSyncRequestAt[reason] = now
	period := sm.state.period
	round := sm.state.round
	sm.mu.Unlock()

	switch reason {
	case external.SyncReasonMissingDag, external.SyncReasonInvalidCertVotedBlock:
		return sm.net.RequestPbftSync(ctx, "", period)
	case external.SyncReasonExceededMaxSteps:
		return sm.net.RequestNextVotesSync(ctx, "", period, round)
	default:
		return nil
	}
}
