// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sync implements SyncPipeline (spec.md §4.6): the validation
// cascade and in-order commit path for peer-supplied already-finalized
// blocks, grounded on
// original_source/libraries/core_libs/network/src/pbft_syncing_state.cpp
// and .../pbft_sync_packet_handler.cpp. The queue/burst/completion shape
// follows the teacher's engine/chain/syncer.Syncer: a bounded channel
// sized to the burst limit, drained by one goroutine, with malformed or
// malicious input clearing the queue and forcing a resync rather than
// trying to repair it in place.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/luxfi/geth/rlp"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/storage"
	"github.com/dagbft/core/types"
)

var (
	// ErrShutdown is returned by Run when ctx is cancelled.
	ErrShutdown = errors.New("sync: shutdown requested")
	// ErrCertVoteBlockMismatch is returned when a bundled cert-vote does
	// not target the block it was shipped alongside (spec.md §4.6 step 2).
	ErrCertVoteBlockMismatch = errors.New("sync: cert vote targets a different block")
	// ErrOrderHashMismatch is returned when the recomputed order hash
	// disagrees with the block's declared one (spec.md §7 OrderHashMismatch).
	ErrOrderHashMismatch = errors.New("sync: order hash mismatch")
	// ErrInvalidPreviousHash is returned when a block's previous_hash does
	// not chain onto the current tip (spec.md §4.6 step 1).
	ErrInvalidPreviousHash = errors.New("sync: previous hash does not match tip")
	// ErrCertVotesShort is returned when a bootstrap block's cert-vote set
	// fails individual VRF/signature verification or does not aggregate
	// to 2t+1 (spec.md §4.6 step 4, §7 CertVotesShort).
	ErrCertVotesShort = errors.New("sync: cert votes do not reach 2t+1")

	// errAlreadySynced is the internal signal for step 5's "treat as
	// already-synced and exit" outcome: not a peer fault, just a stale
	// redelivery, so it is swallowed rather than surfaced as malicious.
	errAlreadySynced = errors.New("sync: period already synced")
)

// logger is the minimal structured-logging surface, satisfied by
// github.com/luxfi/log.Logger (the same shape as finalize.logger and
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

// Finalizer is the subset of *finalize.Finalizer's exported surface
// Pipeline needs. Declared locally, matching the finalize.PeriodAdvancer
// pattern, so neither package needs to import the other; consensuscore
// wires them together.
type Finalizer interface {
	Finalize(ctx context.Context, data external.PeriodData) (external.FinalizationResult, error)
	Head() storage.PbftHead
	TipPeriod() types.PbftPeriod
}

// CommitteeView is the subset of *pbft.StateMachine's exported surface
// Pipeline needs to recompute cert-vote weight during bootstrap
// revalidation (spec.md §4.6 step 4).
type CommitteeView interface {
	StakeInfo() (total, sortitionThreshold, twoTPlusOne uint64)
}

// Item is one queued unit of work: a peer-supplied PeriodData and the
// peer that supplied it, needed for penalty attribution on failure.
type Item struct {
	Data external.PeriodData
	Peer external.PeerID
}

// Pipeline implements SyncPipeline (spec.md §4.6). Construct with New and
// drive with Run in its own goroutine; feed it with Push from ingress
// threads.
type Pipeline struct {
	params    config.Parameters
	finalizer Finalizer
	committee CommitteeView
	net       external.Network
	log       logger

	queue chan Item

	mu      sync.Mutex
	pending map[types.PbftPeriod]Item
}

// New constructs a Pipeline whose incoming queue holds up to
// params.SyncLevelSize items before Push blocks.
func New(params config.Parameters, finalizer Finalizer, committee CommitteeView, net external.Network, log logger) *Pipeline {
	if log == nil {
		log = noopLogger{}
	}
	size := params.SyncLevelSize
	if size == 0 {
		size = 1
	}
	return &Pipeline{
		params:    params,
		finalizer: finalizer,
		committee: committee,
		net:       net,
		log:       log,
		queue:     make(chan Item, size),
		pending:   make(map[types.PbftPeriod]Item),
	}
}

// Push enqueues item for validation and eventual commit, blocking until
// room is available or ctx is cancelled.
func (p *Pipeline) Push(ctx context.Context, item Item) error {
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of periods currently buffered awaiting a
// missing predecessor, for metrics/tests.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run drains the queue until ctx is cancelled (spec.md §5 "Cancellation").
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ErrShutdown
		case item := <-p.queue:
			if err := p.ingest(ctx, item); err != nil {
				return err
			}
		}
	}
}

// ingest validates the ordering-independent parts of item's cascade,
// buffers it, and then drains whatever run of consecutive periods is now
// committable (spec.md §4.6, §8 scenario 5).
func (p *Pipeline) ingest(ctx context.Context, item Item) error {
	p.mu.Lock()
	isFirstAfterBootstrap := len(p.pending) == 0
	p.mu.Unlock()

	if err := p.validateContent(item.Data, isFirstAfterBootstrap); err != nil {
		p.handleMalicious(ctx, item.Peer, err)
		return nil
	}

	p.mu.Lock()
	p.pending[item.Data.Block.Period] = item
	p.mu.Unlock()

	return p.drainBurst(ctx)
}

// validateContent runs the steps of the cascade that do not depend on
// the current chain tip (spec.md §4.6 steps 2-4): cert-vote/block-hash
// agreement, the order hash, and, for the first block following an empty
// queue, full per-vote VRF/signature/weight reverification aggregated to
// 2t+1.
func (p *Pipeline) validateContent(data external.PeriodData, isFirstAfterBootstrap bool) error {
	for i := range data.PreviousBlockVotes {
		if data.PreviousBlockVotes[i].BlockHash() != data.Block.Hash {
			return fmt.Errorf("%w: vote_block=%s block=%s", ErrCertVoteBlockMismatch,
				data.PreviousBlockVotes[i].BlockHash(), data.Block.Hash)
		}
	}

	computed, err := ComputeOrderHash(data.DagBlockHashes, data.TransactionHashes)
	if err != nil {
		return fmt.Errorf("computing order hash: %w", err)
	}
	if computed != data.Block.OrderHash {
		return fmt.Errorf("%w: computed=%s declared=%s", ErrOrderHashMismatch, computed, data.Block.OrderHash)
	}

	if isFirstAfterBootstrap {
		total, sortitionThreshold, twoTPlusOne := p.committee.StakeInfo()
		var sum uint64
		for i := range data.PreviousBlockVotes {
			v := data.PreviousBlockVotes[i]
			pub, err := v.RecoverPublicKey()
			if err != nil {
				return fmt.Errorf("%w: recovering signer: %v", ErrCertVotesShort, err)
			}
			if err := v.VerifyVrf(pub); err != nil {
				return fmt.Errorf("%w: vrf verification: %v", ErrCertVotesShort, err)
			}
			w, err := v.CalculateWeight(1, total, sortitionThreshold)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCertVotesShort, err)
			}
			sum += w
		}
		if sum < twoTPlusOne {
			return fmt.Errorf("%w: weight=%d threshold=%d", ErrCertVotesShort, sum, twoTPlusOne)
		}
	}
	return nil
}

// orderHashPayload is RLP-encoded exactly the way the original computes
// the order hash: a two-element list, each element itself a list of
// hashes (spec.md §4.6 step 3, glossary "Order hash").
type orderHashPayload struct {
	DagBlockHashes    []types.Hash
	TransactionHashes []types.Hash
}

// ComputeOrderHash computes spec.md §4.6 step 3 / glossary "Order hash":
// Keccak256 of the RLP encoding of (dag_block_hashes, non_finalized_tx_hashes)
// as a two-element list, each element itself a list of hashes. Exported so
// consensuscore can compute the same hash when assembling a PeriodData
// for a locally cert-voted block.
func ComputeOrderHash(dagHashes, txHashes []types.Hash) (types.Hash, error) {
	b, err := rlp.EncodeToBytes(orderHashPayload{DagBlockHashes: dagHashes, TransactionHashes: txHashes})
	if err != nil {
		return types.Hash{}, err
	}
	return types.Hash(gethcrypto.Keccak256Hash(b)), nil
}

// drainBurst commits every consecutive period starting at tip+1 that is
// currently buffered, up to params.SyncLevelSize per call (spec.md §4.6
// "batches at most sync_level_size blocks per burst").
func (p *Pipeline) drainBurst(ctx context.Context) error {
	for committed := uint64(0); committed < p.params.SyncLevelSize; {
		tip := p.finalizer.TipPeriod()
		next := tip + 1

		p.mu.Lock()
		item, ok := p.pending[next]
		p.mu.Unlock()
		if !ok {
			return nil
		}

		if err := p.validateOrdered(item.Data, tip); err != nil {
			if errors.Is(err, errAlreadySynced) {
				p.mu.Lock()
				delete(p.pending, next)
				p.mu.Unlock()
				continue
			}
			p.handleMalicious(ctx, item.Peer, err)
			return nil
		}

		p.mu.Lock()
		delete(p.pending, next)
		p.mu.Unlock()

		if _, err := p.finalizer.Finalize(ctx, item.Data); err != nil {
			return fmt.Errorf("sync: finalizing period %d: %w", next, err)
		}
		committed++
	}
	return nil
}

// validateOrdered runs the steps of the cascade that depend on knowing
// the current tip (spec.md §4.6 steps 1 and 5): the previous-hash chain
// check, and the stale-redelivery short-circuit for already-synced
// reward-window periods.
func (p *Pipeline) validateOrdered(data external.PeriodData, tip types.PbftPeriod) error {
	head := p.finalizer.Head()
	if data.Block.PreviousHash != head.Hash {
		return fmt.Errorf("%w: declared=%s tip=%s", ErrInvalidPreviousHash, data.Block.PreviousHash, head.Hash)
	}

	_, _, twoTPlusOne := p.committee.StakeInfo()
	var voteWeight uint64
	for i := range data.PreviousBlockVotes {
		if w, ok := data.PreviousBlockVotes[i].Weight(); ok {
			voteWeight += w
		}
	}
	if voteWeight < twoTPlusOne && data.Block.Period+types.PbftPeriod(p.params.RewardVotesWindow) < tip {
		return errAlreadySynced
	}
	return nil
}

// handleMalicious applies spec.md §4.6's uniform penalty for any cascade
// failure: clear the whole buffered queue (not just the offending item,
// since later-buffered periods may depend on chain state this peer also
// supplied), mark the peer malicious, and force a resync.
func (p *Pipeline) handleMalicious(ctx context.Context, peer external.PeerID, cause error) {
	p.mu.Lock()
	p.pending = make(map[types.PbftPeriod]Item)
	p.mu.Unlock()

	p.log.Warn("sync: peer penalized", "peer", peer, "cause", cause)
	if err := p.net.HandleMaliciousPeer(ctx, peer); err != nil {
		p.log.Error("sync: marking peer malicious failed", "peer", peer, "err", err)
	}
	if err := p.net.RestartSyncingPbft(ctx, true); err != nil {
		p.log.Error("sync: restarting sync failed", "err", err)
	}
}
