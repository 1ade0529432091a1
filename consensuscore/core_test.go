// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package consensuscore

import (
	"context"
	"testing"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/storage"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

type fakeExec struct {
	stake uint64
	total uint64
}

func (e *fakeExec) Finalize(context.Context, external.PeriodData) (external.FinalizationResult, error) {
	return external.FinalizationResult{}, nil
}

func (e *fakeExec) DposEligibleTotalVoteCount(context.Context, types.PbftPeriod) (uint64, error) {
	return e.total, nil
}

func (e *fakeExec) DposEligibleVoteCount(context.Context, types.PbftPeriod, types.Address) (uint64, error) {
	return e.stake, nil
}

type fakeDag struct{}

func (fakeDag) GhostPath(context.Context, types.Hash) ([]types.Hash, error) {
	return nil, nil
}

func (fakeDag) DagBlockOrder(context.Context, types.Hash, types.PbftPeriod) ([]types.Hash, error) {
	return []types.Hash{{0x01}}, nil
}

func (fakeDag) Block(_ context.Context, hash types.Hash) (external.DagBlock, bool, error) {
	return external.DagBlock{Hash: hash, TransactionHashes: []types.Hash{{0x02}}}, true, nil
}

type fakeNetwork struct{}

func (fakeNetwork) BroadcastVote(context.Context, vote.Vote) error                  { return nil }
func (fakeNetwork) BroadcastVotesBundle(context.Context, []vote.Vote) error         { return nil }
func (fakeNetwork) BroadcastPbftBlock(context.Context, external.PbftBlock) error    { return nil }
func (fakeNetwork) RequestPbftSync(context.Context, external.PeerID, types.PbftPeriod) error {
	return nil
}
func (fakeNetwork) RequestNextVotesSync(context.Context, external.PeerID, types.PbftPeriod, types.PbftRound) error {
	return nil
}
func (fakeNetwork) RestartSyncingPbft(context.Context, bool) error { return nil }
func (fakeNetwork) HandleMaliciousPeer(context.Context, external.PeerID) error { return nil }
func (fakeNetwork) SubmitDoubleVotingProof(context.Context, vote.Vote, vote.Vote) error {
	return nil
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	db := memdb.New()
	store := storage.New(db)
	exec := &fakeExec{stake: 1, total: 1}
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	self := types.Address(gethcrypto.PubkeyToAddress(sk.PublicKey))

	c, err := New(config.DefaultParameters(), sk, self, 1, types.Hash{0xAA}, Deps{
		Store: store,
		Exec:  exec,
		Dag:   fakeDag{},
		Net:   fakeNetwork{},
	})
	require.NoError(t, err)
	return c
}

func TestNewWiresAggregateRoot(t *testing.T) {
	c := newTestCore(t)
	require.NotNil(t, c.sm)
	require.NotNil(t, c.pipeline)
	require.NotNil(t, c.finalizer)
	require.Equal(t, types.PbftPeriod(1), c.Head().Period)
}

func TestCurrentReflectsStartingPeriod(t *testing.T) {
	c := newTestCore(t)
	snap := c.Current()
	require.Equal(t, types.PbftPeriod(1), snap.Period)
}

func TestInitializePillarPeriodAllowsInsert(t *testing.T) {
	c := newTestCore(t)
	c.InitializePillarPeriod(1, 1)

	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	v, err := vote.NewPillarVote(sk, 1, types.Hash{0x01})
	require.NoError(t, err)

	require.NoError(t, c.IngestPillarVote(v, 1))
	got := c.PillarVerifiedVotes(1, types.Hash{0x01}, false)
	require.Len(t, got, 1)
}
