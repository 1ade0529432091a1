// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package external defines the collaborator interfaces the consensus core
// consumes but does not implement: the EVM-equivalent execution engine,
// the DAG anchor/ordering algorithm and the p2p network adapter. spec.md
// §1 places all three out of scope for this repository; the core only
// ever depends on these interfaces.
package external

import (
	"context"
	"errors"

	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

// ErrFutureExecution is returned by ExecutionEngine methods when asked
// about a period the execution engine has not caught up to yet; callers
// retry after config.Parameters.PollInterval.
var ErrFutureExecution = errors.New("execution engine has not reached requested period")

// PbftBlock is the minimal PBFT block payload the core operates on: a
// period, the DAG anchor/pivot it certifies, and the order hash binding
// it to an exact DAG+tx content set (spec.md §3, §6 glossary "Order hash").
type PbftBlock struct {
	Period       types.PbftPeriod `rlp:"-"`
	Hash         types.Hash
	PreviousHash types.Hash
	DagAnchor    types.Hash
	OrderHash    types.Hash
	Timestamp    uint64
	Proposer     types.Address
}

// PeriodData bundles everything SyncPipeline and Finalizer need to
// validate and commit one period (spec.md §4.6).
type PeriodData struct {
	Block                PbftBlock
	PreviousBlockVotes   []vote.Vote
	DagBlockHashes       []types.Hash
	TransactionHashes    []types.Hash
	PillarVotes          []vote.PillarVote
	// RewardVoteCandidates carries the reward-vote tracker's
	// extra_candidates set accumulated since the previous period's
	// rotation, so it is not lost on restart before the period that
	// will reward them is itself finalized (spec.md §4.7 step 6;
	// original_source's rewards_votes.hpp: "these votes will be added
	// to the current_pbft_period - 1 period_data db column once
	// current_pbft_period is finalized").
	RewardVoteCandidates []vote.Vote
}

// FinalizationResult is ExecutionEngine.Finalize's outcome.
type FinalizationResult struct {
	StateRoot  types.Hash
	ReceiptsRoot types.Hash
	NewDposView DposView
}

// DposView is the stake distribution valid for a given period (glossary
// "DPOS view").
type DposView struct {
	Period           types.PbftPeriod
	TotalEligibleVotes uint64
	OwnEligibleVotes   uint64
}

// ExecutionEngine is the collaborator that finalizes block contents and
// reports the stake distribution (DPOS view) used by sortition and 2t+1
// thresholds.
type ExecutionEngine interface {
	// Finalize commits a period's content and returns its new state
	// root. Implementations must be idempotent under at-least-once
	// delivery of the same period (Finalizer never retries, but callers
	// upstream of it may).
	Finalize(ctx context.Context, data PeriodData) (FinalizationResult, error)

	// DposEligibleTotalVoteCount returns the total eligible stake for
	// period, or ErrFutureExecution if period is ahead of the engine's
	// own state.
	DposEligibleTotalVoteCount(ctx context.Context, period types.PbftPeriod) (uint64, error)

	// DposEligibleVoteCount returns addr's eligible stake for period, or
	// ErrFutureExecution under the same condition.
	DposEligibleVoteCount(ctx context.Context, period types.PbftPeriod, addr types.Address) (uint64, error)
}

// DagBlock is the minimal DAG block view the core needs to reconstruct a
// PBFT block's content (spec.md §6).
type DagBlock struct {
	Hash             types.Hash
	Pivot            types.Hash
	TransactionHashes []types.Hash
}

// DagOrder is the collaborator that supplies the DAG anchor/ordering
// algorithm: the ghost path used by leader sortition and the
// deterministic hash order used to reconstruct a block's content.
type DagOrder interface {
	// GhostPath returns the heaviest-subtree path from anchor, used to
	// pick a pivot for a freshly proposed block.
	GhostPath(ctx context.Context, anchor types.Hash) ([]types.Hash, error)

	// DagBlockOrder returns the deterministic hash order of DAG blocks
	// under anchor for period. An empty slice is the "missing DAG"
	// signal (spec.md §4.6 step 3, §7 MissingDag).
	DagBlockOrder(ctx context.Context, anchor types.Hash, period types.PbftPeriod) ([]types.Hash, error)

	// Block looks up a single DAG block by hash.
	Block(ctx context.Context, hash types.Hash) (DagBlock, bool, error)
}

// SyncRequestReason names why the state machine or sync pipeline is
// asking peers for help (spec.md §4.2 Failures, §5 Timeouts).
type SyncRequestReason uint8

const (
	SyncReasonMissingDag SyncRequestReason = iota
	SyncReasonInvalidCertVotedBlock
	SyncReasonExceededMaxSteps
)

func (r SyncRequestReason) String() string {
	switch r {
	case SyncReasonMissingDag:
		return "missing_dag"
	case SyncReasonInvalidCertVotedBlock:
		return "invalid_cert_voted_block"
	case SyncReasonExceededMaxSteps:
		return "exceeded_max_steps"
	default:
		return "unknown"
	}
}

// PeerID identifies a network peer; the core treats it opaquely.
type PeerID string

// Network is the collaborator that moves votes, blocks and sync requests
// across the wire. The core never touches a socket directly (spec.md §9:
// the state machine only emits events; a network adapter consumes them).
type Network interface {
	BroadcastVote(ctx context.Context, v vote.Vote) error
	BroadcastVotesBundle(ctx context.Context, votes []vote.Vote) error
	BroadcastPbftBlock(ctx context.Context, block PbftBlock) error

	RequestPbftSync(ctx context.Context, peer PeerID, fromPeriod types.PbftPeriod) error
	RequestNextVotesSync(ctx context.Context, peer PeerID, period types.PbftPeriod, round types.PbftRound) error
	RestartSyncingPbft(ctx context.Context, force bool) error

	HandleMaliciousPeer(ctx context.Context, peer PeerID) error
	SubmitDoubleVotingProof(ctx context.Context, v1, v2 vote.Vote) error
}
