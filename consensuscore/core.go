// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensuscore wires the independent pieces of the consensus
// core into the single aggregate object spec.md §9's design notes call
// for: it owns every store, the PBFT state machine, the sync pipeline
// and the finalizer, and is the one object ingress goroutines and the
// state-machine goroutine share by pointer. Grounded on the teacher's
// own top-level aggregate (engine.Node wiring engine/chain, engine/dag
// and the VM together behind one constructor and one Run).
package consensuscore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/finalize"
	"github.com/dagbft/core/nextvotes"
	"github.com/dagbft/core/pbft"
	"github.com/dagbft/core/pillarvotes"
	"github.com/dagbft/core/rewardsvotes"
	"github.com/dagbft/core/storage"
	syncpipeline "github.com/dagbft/core/sync"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
	"github.com/dagbft/core/votestore"
)

// logger is the minimal structured-logging surface, satisfied by
// github.com/luxfi/log.Logger (same pattern as every other package
// here); one concrete logger value is handed to every sub-package's own
// identically-shaped interface.
type logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// Deps bundles the collaborators Core does not itself implement.
type Deps struct {
	Store      *storage.Store
	Exec       external.ExecutionEngine
	Dag        external.DagOrder
	Net        external.Network
	Log        logger
	Registerer prometheus.Registerer
}

// Core is the ConsensusCore aggregate: every store plus the three
// goroutine roles (state machine, sync pipeline, finalizer) described by
// spec.md §5's scheduling model.
type Core struct {
	params config.Parameters
	log    logger
	self   types.Address

	votes       *votestore.Store
	nextVotes   *nextvotes.Manager
	rewards     *rewardsvotes.Tracker
	pillarVotes *pillarvotes.Store

	exec external.ExecutionEngine
	dag  external.DagOrder
	net  external.Network

	sm        *pbft.StateMachine
	pipeline  *syncpipeline.Pipeline
	finalizer *finalize.Finalizer
}

// New constructs a fully wired Core seeded at startPeriod/startHash (the
// chain tip before this Core's lifetime begins).
func New(params config.Parameters, sk *ecdsa.PrivateKey, self types.Address, startPeriod types.PbftPeriod, startHash types.Hash, deps Deps) (*Core, error) {
	log := deps.Log
	if log == nil {
		log = noopLogger{}
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	votes, err := votestore.New(log, reg)
	if err != nil {
		return nil, fmt.Errorf("constructing vote store: %w", err)
	}
	nextVotes := nextvotes.New()
	rewards := rewardsvotes.New()
	pillarVotes := pillarvotes.New()

	c := &Core{
		params:      params,
		log:         log,
		self:        self,
		votes:       votes,
		nextVotes:   nextVotes,
		rewards:     rewards,
		pillarVotes: pillarVotes,
		exec:        deps.Exec,
		dag:         deps.Dag,
		net:         deps.Net,
	}

	sm, err := pbft.New(params, sk, startPeriod, pbft.Deps{
		Votes:         votes,
		NextVotes:     nextVotes,
		Rewards:       rewards,
		Exec:          deps.Exec,
		Dag:           deps.Dag,
		Net:           deps.Net,
		Log:           log,
		OnTwoTPlusOne: c.onLocalTwoTPlusOne,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing state machine: %w", err)
	}
	c.sm = sm

	fin := finalize.New(params, deps.Store, deps.Exec, rewards, sm, self, startPeriod, startHash, log)
	c.finalizer = fin

	c.pipeline = syncpipeline.New(params, fin, sm, deps.Net, log)

	return c, nil
}

// Run drives the state-machine and sync-pipeline goroutines until ctx is
// cancelled, returning the first non-shutdown error either reports
// (spec.md §5 "A global stop flag ... causes all threads to exit their
// loops on next wake").
func (c *Core) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.sm.Run(ctx) }()
	go func() { errCh <- c.pipeline.Run(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err == nil || errors.Is(err, pbft.ErrShutdown) || errors.Is(err, syncpipeline.ErrShutdown) {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PushSync enqueues a peer-supplied PeriodData for validation and commit
// (spec.md §4.6); it is the entry point p2p ingress goroutines use for
// already-finalized blocks received from peers.
func (c *Core) PushSync(ctx context.Context, item syncpipeline.Item) error {
	return c.pipeline.Push(ctx, item)
}

// IngestVote validates and inserts an externally received vote the same
// way the state machine inserts its own votes (spec.md §5: "Vote stores
// are shared read/write by the state machine and by the packet-ingress
// threads of the external network layer"). Unlike proposeVote, it also
// submits a double-voting proof on a DoubleVote outcome and feeds
// accepted next-votes to the next-votes manager; a fresh 2t+1 crossing
// goes to the same onLocalTwoTPlusOne hook that proposeVote fires.
func (c *Core) IngestVote(ctx context.Context, v vote.Vote) error {
	voter, err := v.VoterAddress()
	if err != nil {
		return fmt.Errorf("recovering voter address: %w", err)
	}

	total, sortitionThreshold, twoTPlusOne := c.sm.StakeInfo()
	stake := uint64(1)
	if v.Type() != types.ProposeVote {
		stake, err = c.exec.DposEligibleVoteCount(ctx, v.Period(), voter)
		if err != nil {
			return fmt.Errorf("querying voter stake: %w", err)
		}
	}
	weight, err := v.CalculateWeight(stake, total, sortitionThreshold)
	if err != nil {
		return fmt.Errorf("computing vote weight: %w", err)
	}

	result, err := c.votes.Insert(v, weight, c.sm.Bounds(), twoTPlusOne)
	if err != nil {
		return err
	}

	switch result.Kind {
	case votestore.DoubleVote:
		if result.ExistingVote != nil {
			if serr := c.net.SubmitDoubleVotingProof(ctx, v, *result.ExistingVote); serr != nil {
				c.log.Error("consensuscore: submitting double-voting proof failed", "err", serr)
			}
		}
		return nil
	case votestore.Duplicate:
		return nil
	}

	if types.IsNextVoteStep(v.Step()) {
		c.nextVotes.Update([]nextvotes.VoteWeight{{Vote: v, Weight: weight}}, twoTPlusOne)
	}
	if result.NewTwoTPlusOne != nil {
		c.onLocalTwoTPlusOne(v.Period(), v.Round(), result.NewTwoTPlusOneKind, *result.NewTwoTPlusOne)
	}
	return nil
}

// onLocalTwoTPlusOne is pbft.Deps.OnTwoTPlusOne's callback, and is also
// invoked directly by IngestVote: whenever a cert-vote first crosses
// 2t+1, assemble the corresponding PeriodData and hand it to Finalizer
// (spec.md §2 "on 2t+1 cert-votes invokes Finalizer").
func (c *Core) onLocalTwoTPlusOne(period types.PbftPeriod, round types.PbftRound, kind votestore.TwoTPlusOneKind, vb votestore.VotedBlock) {
	if kind != votestore.KindCert {
		return
	}
	ctx := context.Background()
	if err := c.finalizeCertVotedBlock(ctx, period, round, vb.BlockHash); err != nil {
		c.log.Error("consensuscore: finalizing cert-voted block failed", "period", period, "round", round, "err", err)
	}
}

// finalizeCertVotedBlock reconstructs a PeriodData for a freshly
// 2t+1 cert-voted block and commits it. The PBFT block's hash doubles
// as its own DAG anchor (proposeOwnBlock never constructs a separate
// PbftBlock identity distinct from the pivot it sortitioned onto); the
// proposer field is left zero since the core does not track which
// validator originated a given propose-vote once the round has moved on.
func (c *Core) finalizeCertVotedBlock(ctx context.Context, period types.PbftPeriod, round types.PbftRound, blockHash types.Hash) error {
	_, _, twoTPlusOne := c.sm.StakeInfo()
	bundle, ok := c.votes.Bundle(period, round, 3, blockHash, twoTPlusOne, func(v vote.Vote) uint64 {
		w, _ := v.Weight()
		return w
	})
	if !ok {
		return fmt.Errorf("cert vote bundle missing for period=%d round=%d", period, round)
	}

	dagHashes, err := c.dag.DagBlockOrder(ctx, blockHash, period)
	if err != nil {
		return fmt.Errorf("resolving dag block order: %w", err)
	}
	if len(dagHashes) == 0 {
		return fmt.Errorf("missing dag order for period=%d", period)
	}

	txHashes := make([]types.Hash, 0, len(dagHashes))
	for _, h := range dagHashes {
		blk, ok, err := c.dag.Block(ctx, h)
		if err != nil {
			return fmt.Errorf("resolving dag block %s: %w", h, err)
		}
		if !ok {
			continue
		}
		txHashes = append(txHashes, blk.TransactionHashes...)
	}

	orderHash, err := syncpipeline.ComputeOrderHash(dagHashes, txHashes)
	if err != nil {
		return fmt.Errorf("computing order hash: %w", err)
	}

	head := c.finalizer.Head()
	data := external.PeriodData{
		Block: external.PbftBlock{
			Period:       period,
			Hash:         blockHash,
			PreviousHash: head.Hash,
			DagAnchor:    blockHash,
			OrderHash:    orderHash,
			Timestamp:    uint64(time.Now().Unix()),
		},
		PreviousBlockVotes: bundle.Votes,
		DagBlockHashes:     dagHashes,
		TransactionHashes:  txHashes,
	}

	_, err = c.finalizer.Finalize(ctx, data)
	return err
}

// InitializePillarPeriod opens per-period bookkeeping in the pillar vote
// store (spec.md §4.5 "per-period data is created by explicit
// initialize(period, threshold) before any insert").
func (c *Core) InitializePillarPeriod(period types.PbftPeriod, threshold uint64) {
	c.pillarVotes.Initialize(period, threshold)
}

// IngestPillarVote inserts a checkpoint vote into the pillar vote store.
func (c *Core) IngestPillarVote(v vote.PillarVote, validatorStake uint64) error {
	return c.pillarVotes.Insert(v, validatorStake)
}

// PillarVerifiedVotes returns a period's checkpoint votes for blockHash,
// optionally trimmed to the minimum stake-sorted prefix crossing 2t+1
// (spec.md §4.5 verified_votes).
func (c *Core) PillarVerifiedVotes(period types.PbftPeriod, blockHash types.Hash, aboveThreshold bool) []vote.PillarVote {
	return c.pillarVotes.VerifiedVotes(period, blockHash, aboveThreshold)
}

// Current returns the state machine's current round position.
func (c *Core) Current() pbft.Snapshot {
	return c.sm.Current()
}

// Head returns the in-memory PBFT chain head.
func (c *Core) Head() storage.PbftHead {
	return c.finalizer.Head()
}
