// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package finalize implements the single-threaded commit path described
// by spec.md §4.7, grounded on
// original_source/libraries/core_libs/full_node/src/{node.cpp,pbft/pbft_manager.cpp}'s
// pushPbftBlock_/finalize_ sequence: stage a storage batch, invoke the
// execution engine, commit the batch, rotate RewardsVotes, and notify the
// PBFT state machine of the new DPOS view. Finalizer owns no lock of its
// own (spec.md §5: "no lock; only the finalizer thread mutates the chain
// head") beyond the minimum needed to let Head be read from other
// goroutines.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/rewardsvotes"
	"github.com/dagbft/core/storage"
	"github.com/dagbft/core/types"
)

var (
	// ErrPeriodGap is returned when an incoming PeriodData's period does
	// not immediately follow the current tip (spec.md §7 PeriodGap:
	// "Fatal assertion (programming error)"). Callers must treat any
	// error out of Finalize as fatal to the finalizer's goroutine
	// (spec.md §4.7: "A finalize failure is fatal").
	ErrPeriodGap = errors.New("finalize: period is not tip+1")
)

// logger is the minimal structured-logging surface, satisfied by
// github.com/luxfi/log.Logger (the same shape as sync.logger and
// consensuscore.logger).
type logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// PeriodAdvancer is the subset of pbft.StateMachine's exported surface
// Finalizer needs to notify on a successful commit (spec.md §4.7 step 7).
// Declared locally rather than importing package pbft, since pbft never
// needs to know about Finalizer (consensuscore wires the two together).
type PeriodAdvancer interface {
	AdvancePeriod(newPeriod types.PbftPeriod)
	SetDposView(period types.PbftPeriod, total, own uint64)
}

// Finalizer serializes commits of PeriodData to storage and the execution
// engine (spec.md §4.7), whether they arrive from the local PBFT round
// (a freshly 2t+1 cert-voted block) or from sync.Pipeline (peer-supplied
// already-finalized blocks) — both paths converge here.
type Finalizer struct {
	params config.Parameters
	store  *storage.Store
	exec   external.ExecutionEngine
	rewards *rewardsvotes.Tracker
	advancer PeriodAdvancer
	self   types.Address
	log    logger

	mu        sync.RWMutex
	tipPeriod types.PbftPeriod
	head      storage.PbftHead
}

// New constructs a Finalizer seeded at startPeriod/startHash (the chain's
// current tip before this Finalizer's lifetime begins).
func New(params config.Parameters, store *storage.Store, exec external.ExecutionEngine, rewards *rewardsvotes.Tracker, advancer PeriodAdvancer, self types.Address, startPeriod types.PbftPeriod, startHash types.Hash, log logger) *Finalizer {
	if log == nil {
		log = noopLogger{}
	}
	return &Finalizer{
		params:    params,
		store:     store,
		exec:      exec,
		rewards:   rewards,
		advancer:  advancer,
		self:      self,
		log:       log,
		tipPeriod: startPeriod,
		head:      storage.PbftHead{Period: startPeriod, Hash: startHash},
	}
}

// Head returns the in-memory PBFT chain head (spec.md §4.7 step 3),
// safe to call concurrently with Finalize.
func (f *Finalizer) Head() storage.PbftHead {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.head
}

// TipPeriod returns the most recently finalized period.
func (f *Finalizer) TipPeriod() types.PbftPeriod {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tipPeriod
}

// Finalize commits data as the next period, following spec.md §4.7's
// seven-step sequence exactly: stage the batch, update the in-memory
// head, invoke the execution engine, commit the batch, rotate
// RewardsVotes, and notify the state machine's DPOS view. Any returned
// error is fatal; callers must not retry or skip ahead.
func (f *Finalizer) Finalize(ctx context.Context, data external.PeriodData) (external.FinalizationResult, error) {
	f.mu.RLock()
	expected := f.tipPeriod + 1
	f.mu.RUnlock()
	if data.Block.Period != expected {
		return external.FinalizationResult{}, fmt.Errorf("%w: got=%d want=%d", ErrPeriodGap, data.Block.Period, expected)
	}

	// Locally produced PeriodData (a freshly 2t+1 cert-voted block) never
	// carries reward candidates of its own; attach the extra-candidate
	// votes accumulated since the previous rotation here, before the
	// tracker's extra set is cleared in step 6 below (original_source's
	// rewards_votes.hpp: "these votes will be added to the ...
	// period_data db column once ... finalized, otherwise sync data
	// would be incomplete"). Sync-supplied PeriodData already carries the
	// originating node's own set and is left untouched.
	if len(data.RewardVoteCandidates) == 0 {
		data.RewardVoteCandidates = f.rewards.ExtraCandidates()
	}

	// Step 1-2: begin a storage write batch and stage PeriodData, the
	// head pointer and the cert-voted block (period->block mapping, DAG
	// hashes and the cert vote set all live inside the PeriodData
	// encoding itself — see storage.PutPeriodData).
	batch := f.store.Batch()
	if err := storage.PutPeriodData(batch, data.Block.Period, data); err != nil {
		return external.FinalizationResult{}, fmt.Errorf("staging period data: %w", err)
	}
	newHead := storage.PbftHead{Period: data.Block.Period, Hash: data.Block.Hash}
	if err := storage.PutPbftHead(batch, newHead); err != nil {
		return external.FinalizationResult{}, fmt.Errorf("staging pbft head: %w", err)
	}
	if err := storage.PutCertVotedBlock(batch, data.Block); err != nil {
		return external.FinalizationResult{}, fmt.Errorf("staging cert voted block: %w", err)
	}

	// Step 3: update the in-memory chain head ahead of the batch commit,
	// matching the original's pushPbftBlock_ ordering (the in-memory
	// pointer moves before the engine call returns).
	f.mu.Lock()
	f.head = newHead
	f.mu.Unlock()

	// Step 4: invoke the execution engine and await its state root.
	result, err := f.exec.Finalize(ctx, data)
	if err != nil {
		f.log.Error("execution engine finalize failed", "period", data.Block.Period, "err", err)
		return external.FinalizationResult{}, fmt.Errorf("execution engine finalize: %w", err)
	}

	// Step 5: commit the batch now that the engine has accepted the period.
	if err := batch.Write(); err != nil {
		f.log.Error("committing finalize batch failed", "period", data.Block.Period, "err", err)
		return external.FinalizationResult{}, fmt.Errorf("committing finalize batch: %w", err)
	}

	f.mu.Lock()
	f.tipPeriod = data.Block.Period
	f.mu.Unlock()

	// Step 6: rotate RewardsVotes. The just-committed block's cert votes
	// become the new canonical 2t+1 set; the extra_candidates set just
	// persisted above has now been claimed by this period, so it resets
	// to empty for upstream DAG-block ingestion to refill before the
	// next rotation (spec.md §3, §4.7 step 6).
	f.rewards.Rotate(data.PreviousBlockVotes, nil)

	// Step 7: notify the state machine of the new period and DPOS view.
	f.advancer.AdvancePeriod(data.Block.Period)
	f.advancer.SetDposView(data.Block.Period, result.NewDposView.TotalEligibleVotes, result.NewDposView.OwnEligibleVotes)

	f.log.Debug("finalized period", "period", data.Block.Period, "hash", data.Block.Hash)
	return result, nil
}

// RefreshDposView queries the execution engine's DPOS view for period
// directly, retrying at config.Parameters.PollInterval while the engine
// reports ErrFutureExecution (spec.md §4.7: "retried on ErrFutureExecution
// with the POLL interval"). Callers that already have a FinalizationResult
// from Finalize should prefer its NewDposView instead of calling this.
func (f *Finalizer) RefreshDposView(ctx context.Context, period types.PbftPeriod) (total, own uint64, err error) {
	for {
		total, err = f.exec.DposEligibleTotalVoteCount(ctx, period)
		if err == nil {
			own, err = f.exec.DposEligibleVoteCount(ctx, period, f.self)
		}
		if err == nil {
			return total, own, nil
		}
		if !errors.Is(err, external.ErrFutureExecution) {
			return 0, 0, err
		}
		timer := time.NewTimer(f.params.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, 0, ctx.Err()
		case <-timer.C:
		}
	}
}
