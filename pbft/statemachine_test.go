// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"context"
	"testing"
	"time"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/config"
	"github.com/dagbft/core/external"
	"github.com/dagbft/core/nextvotes"
	"github.com/dagbft/core/rewardsvotes"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
	"github.com/dagbft/core/votestore"
)

type fakeExec struct {
	eligible uint64
}

func (f *fakeExec) Finalize(context.Context, external.PeriodData) (external.FinalizationResult, error) {
	return external.FinalizationResult{}, nil
}
func (f *fakeExec) DposEligibleTotalVoteCount(context.Context, types.PbftPeriod) (uint64, error) {
	return f.eligible, nil
}
func (f *fakeExec) DposEligibleVoteCount(context.Context, types.PbftPeriod, types.Address) (uint64, error) {
	return 1, nil
}

type fakeDag struct {
	blocks map[types.Hash]external.DagBlock
}

func newFakeDag() *fakeDag { return &fakeDag{blocks: make(map[types.Hash]external.DagBlock)} }

func (f *fakeDag) GhostPath(context.Context, types.Hash) ([]types.Hash, error) {
	return []types.Hash{{0x01}}, nil
}
func (f *fakeDag) DagBlockOrder(context.Context, types.Hash, types.PbftPeriod) ([]types.Hash, error) {
	return []types.Hash{{0x01}}, nil
}
func (f *fakeDag) Block(_ context.Context, hash types.Hash) (external.DagBlock, bool, error) {
	b, ok := f.blocks[hash]
	return b, ok, nil
}

type fakeNet struct {
	votesBroadcast int
	syncRequests   int
}

func (f *fakeNet) BroadcastVote(context.Context, vote.Vote) error { f.votesBroadcast++; return nil }
func (f *fakeNet) BroadcastVotesBundle(context.Context, []vote.Vote) error { return nil }
func (f *fakeNet) BroadcastPbftBlock(context.Context, external.PbftBlock) error { return nil }
func (f *fakeNet) RequestPbftSync(context.Context, external.PeerID, types.PbftPeriod) error {
	f.syncRequests++
	return nil
}
func (f *fakeNet) RequestNextVotesSync(context.Context, external.PeerID, types.PbftPeriod, types.PbftRound) error {
	f.syncRequests++
	return nil
}
func (f *fakeNet) RestartSyncingPbft(context.Context, bool) error { return nil }
func (f *fakeNet) HandleMaliciousPeer(context.Context, external.PeerID) error { return nil }
func (f *fakeNet) SubmitDoubleVotingProof(context.Context, vote.Vote, vote.Vote) error { return nil }

func newTestMachine(t *testing.T) (*StateMachine, *fakeNet) {
	t.Helper()
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	vs, err := votestore.New(nil, prometheus.NewRegistry())
	require.NoError(t, err)

	net := &fakeNet{}
	deps := Deps{
		Votes:     vs,
		NextVotes: nextvotes.New(),
		Rewards:   rewardsvotes.New(),
		Exec:      &fakeExec{eligible: 1},
		Dag:       newFakeDag(),
		Net:       net,
	}
	params := config.DefaultParameters()
	params.LambdaMin = 10 * time.Millisecond
	params.PollInterval = 2 * time.Millisecond

	sm, err := New(params, sk, 1, deps)
	require.NoError(t, err)
	sm.SetDposView(1, 1, 1)
	return sm, net
}

func TestRunValueProposalRoundOneProposesNull(t *testing.T) {
	sm, net := newTestMachine(t)
	err := sm.runValueProposal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, net.votesBroadcast)
}

func TestRunFilterSoftVotesLeader(t *testing.T) {
	sm, _ := newTestMachine(t)
	ctx := context.Background()
	require.NoError(t, sm.runValueProposal(ctx))
	sm.mu.Lock()
	sm.state.step = 2
	sm.mu.Unlock()
	require.NoError(t, sm.runFilter(ctx))
}

func TestComputeDposViewCommitteeCap(t *testing.T) {
	params := config.DefaultParameters()
	params.CommitteeSize = 7
	v := computeDposView(params, 1, 100, 1)
	require.Equal(t, uint64(7), v.committee)
	require.Equal(t, uint64(5), v.twoTPlusOne) // floor(7/3)*2+1 = 2*2+1 = 5
}

func TestGiveUpSoftVotedValuePolicy(t *testing.T) {
	now := time.Now()
	rs := &roundState{
		haveLastSoftVoted: true,
		lastSoftVotedValue: types.Hash{0x01},
		lastSoftVotedAt:    now.Add(-time.Hour),
	}
	// Deadline passed, block never arrived -> give up.
	require.True(t, giveUpSoftVotedValue(rs, now, time.Minute, false, false))
	// Deadline not passed -> do not give up.
	require.False(t, giveUpSoftVotedValue(&roundState{haveLastSoftVoted: true, lastSoftVotedAt: now}, now, time.Minute, false, false))
}

func TestGiveUpNextVotedValuePolicy(t *testing.T) {
	rs := &roundState{havePreviousRoundNextVotedValue: false}
	require.True(t, giveUpNextVotedValue(rs, false, false, true))

	rs2 := &roundState{havePreviousRoundNextVotedValue: true, previousRoundHasNullTwoTPlusOne: true}
	require.True(t, giveUpNextVotedValue(rs2, false, false, true))

	rs3 := &roundState{havePreviousRoundNextVotedValue: true}
	require.False(t, giveUpNextVotedValue(rs3, false, false, true))
	require.True(t, giveUpNextVotedValue(rs3, true, false, true))
}

func TestStepDurationLadder(t *testing.T) {
	params := config.DefaultParameters()
	params.LambdaMin = time.Second
	require.Equal(t, 2*time.Second, stepDuration(params, 1, 0))
	require.Equal(t, 2*time.Second, stepDuration(params, 2, 0))
	require.Equal(t, 4*time.Second, stepDuration(params, 3, 0))
	require.Equal(t, time.Second, stepDuration(params, 4, 0))
	require.Equal(t, 2*time.Second, stepDuration(params, 5, 0))
}

func TestAdvanceToRoundResetsState(t *testing.T) {
	sm, _ := newTestMachine(t)
	sm.mu.Lock()
	sm.state.step = 5
	sm.mu.Unlock()
	require.NoError(t, sm.advanceToRound(2))
	snap := sm.Current()
	require.Equal(t, types.PbftRound(2), snap.Round)
	require.Equal(t, types.PbftStep(1), snap.Step)
}
