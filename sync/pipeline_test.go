// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/sortition"
	"github.com/dagbft/core/storage"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

func mustVote(t *testing.T, period types.PbftPeriod, round types.PbftRound, step types.PbftStep, blockHash types.Hash) vote.Vote {
	t.Helper()
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	msg := sortition.Message{Type: types.StepToType(step), Period: period, Round: round, Step: step}
	v, err := vote.New(sk, msg, blockHash)
	require.NoError(t, err)
	_, err = v.CalculateWeight(1, 1, 1)
	require.NoError(t, err)
	return v
}

type fakeFinalizer struct {
	mu        sync.Mutex
	tip       types.PbftPeriod
	head      storage.PbftHead
	finalized []types.PbftPeriod
}

func (f *fakeFinalizer) Finalize(_ context.Context, data external.PeriodData) (external.FinalizationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip = data.Block.Period
	f.head = storage.PbftHead{Period: data.Block.Period, Hash: data.Block.Hash}
	f.finalized = append(f.finalized, data.Block.Period)
	return external.FinalizationResult{}, nil
}

func (f *fakeFinalizer) Head() storage.PbftHead {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func (f *fakeFinalizer) TipPeriod() types.PbftPeriod {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip
}

func (f *fakeFinalizer) order() []types.PbftPeriod {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.PbftPeriod, len(f.finalized))
	copy(out, f.finalized)
	return out
}

type fakeCommittee struct {
	total, sortitionThreshold, twoTPlusOne uint64
}

func (c fakeCommittee) StakeInfo() (uint64, uint64, uint64) {
	return c.total, c.sortitionThreshold, c.twoTPlusOne
}

type fakeNetwork struct {
	mu              sync.Mutex
	maliciousCalls  []external.PeerID
	restartForced   []bool
}

func (n *fakeNetwork) BroadcastVote(context.Context, vote.Vote) error             { return nil }
func (n *fakeNetwork) BroadcastVotesBundle(context.Context, []vote.Vote) error    { return nil }
func (n *fakeNetwork) BroadcastPbftBlock(context.Context, external.PbftBlock) error { return nil }
func (n *fakeNetwork) RequestPbftSync(context.Context, external.PeerID, types.PbftPeriod) error {
	return nil
}
func (n *fakeNetwork) RequestNextVotesSync(context.Context, external.PeerID, types.PbftPeriod, types.PbftRound) error {
	return nil
}
func (n *fakeNetwork) RestartSyncingPbft(_ context.Context, force bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restartForced = append(n.restartForced, force)
	return nil
}
func (n *fakeNetwork) HandleMaliciousPeer(_ context.Context, peer external.PeerID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maliciousCalls = append(n.maliciousCalls, peer)
	return nil
}
func (n *fakeNetwork) SubmitDoubleVotingProof(context.Context, vote.Vote, vote.Vote) error { return nil }

func (n *fakeNetwork) maliciousCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.maliciousCalls)
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeFinalizer, *fakeNetwork) {
	t.Helper()
	fin := &fakeFinalizer{}
	net := &fakeNetwork{}
	committee := fakeCommittee{total: 1, sortitionThreshold: 1, twoTPlusOne: 1}
	p := New(config.DefaultParameters(), fin, committee, net, nil)
	return p, fin, net
}

func blockAt(period types.PbftPeriod, prevHash types.Hash) (external.PbftBlock, []types.Hash, []types.Hash) {
	dagHashes := []types.Hash{{byte(period), 0x01}}
	txHashes := []types.Hash{{byte(period), 0x02}}
	orderHash, _ := ComputeOrderHash(dagHashes, txHashes)
	block := external.PbftBlock{
		Period:       period,
		Hash:         types.Hash{byte(period), 0xAA},
		PreviousHash: prevHash,
		OrderHash:    orderHash,
	}
	return block, dagHashes, txHashes
}

func periodDataAt(t *testing.T, period types.PbftPeriod, prevHash types.Hash) external.PeriodData {
	t.Helper()
	block, dagHashes, txHashes := blockAt(period, prevHash)
	v := mustVote(t, period, 1, 3, block.Hash)
	return external.PeriodData{
		Block:              block,
		PreviousBlockVotes: []vote.Vote{v},
		DagBlockHashes:     dagHashes,
		TransactionHashes:  txHashes,
	}
}

func TestPipelineOrderHashMismatchTriggersMalicious(t *testing.T) {
	p, fin, net := newTestPipeline(t)
	data := periodDataAt(t, 1, types.Hash{})
	data.Block.OrderHash = types.Hash{0xFF}

	ctx := context.Background()
	require.NoError(t, p.Push(ctx, Item{Data: data, Peer: "peer-1"}))
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return net.maliciousCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, types.PbftPeriod(0), fin.TipPeriod())
	require.Equal(t, 0, p.Pending())
}

func TestPipelinePreviousHashMismatchRejected(t *testing.T) {
	p, fin, net := newTestPipeline(t)
	data := periodDataAt(t, 1, types.Hash{0x99})

	ctx := context.Background()
	require.NoError(t, p.Push(ctx, Item{Data: data, Peer: "peer-2"}))
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return net.maliciousCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, types.PbftPeriod(0), fin.TipPeriod())
}

func TestPipelineCommitsOutOfOrderBurstInOrder(t *testing.T) {
	p, fin, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	items := make([]external.PeriodData, 0, 5)
	prev := types.Hash{}
	for period := types.PbftPeriod(1); period <= 5; period++ {
		d := periodDataAt(t, period, prev)
		items = append(items, d)
		prev = d.Block.Hash
	}

	go func() { _ = p.Run(ctx) }()

	order := []int{2, 0, 4, 1, 3}
	for _, idx := range order {
		require.NoError(t, p.Push(ctx, Item{Data: items[idx], Peer: "peer"}))
	}

	require.Eventually(t, func() bool { return fin.TipPeriod() == 5 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []types.PbftPeriod{1, 2, 3, 4, 5}, fin.order())
}

func TestPipelineBlocksOnMissingPredecessor(t *testing.T) {
	p, fin, _ := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = p.Run(ctx) }()

	six := periodDataAt(t, 6, types.Hash{0xAA, 0xAA})
	seven := periodDataAt(t, 7, six.Block.Hash)

	require.NoError(t, p.Push(ctx, Item{Data: seven, Peer: "peer"}))
	require.Never(t, func() bool { return fin.TipPeriod() == 7 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 1, p.Pending())
}

func TestPipelineBootstrapCertVoteFullValidation(t *testing.T) {
	p, fin, net := newTestPipeline(t)
	ctx := context.Background()

	data := periodDataAt(t, 1, types.Hash{})
	require.NoError(t, p.Push(ctx, Item{Data: data, Peer: "peer"}))
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return fin.TipPeriod() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, net.maliciousCount())
}
