// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package votestore

import (
	"testing"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/sortition"
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

func resignVote(t *testing.T, v vote.Vote, blockHash types.Hash) vote.Vote {
	t.Helper()
	// Same coordinates, different block hash, signed by a fresh key so
	// it is treated as "a different voter's vote" when we need two
	// distinct voters; for same-voter double-vote tests we instead reuse
	// one signer directly (see TestDoubleVoteDetection).
	return mustVote(t, v.Period(), v.Round(), v.Step(), blockHash)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	reg := newIsolatedRegistry()
	s, err := New(nil, reg)
	require.NoError(t, err)
	return s
}

func defaultBounds() Bounds {
	return Bounds{
		TipPeriod:        1,
		TipRound:         1,
		TipStep:          1,
		AcceptingPeriods: 2,
		AcceptingRounds:  2,
		AcceptingSteps:   5,
		RewardWindow:     1,
	}
}

func TestInsertUniquenessExactlyOneInserted(t *testing.T) {
	s := newTestStore(t)
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	msg := sortition.Message{Type: types.SoftVote, Period: 1, Round: 1, Step: 2}
	v, err := vote.New(sk, msg, types.Hash{1})
	require.NoError(t, err)
	_, err = v.CalculateWeight(1, 1, 1)
	require.NoError(t, err)

	bounds := defaultBounds()
	var insertedCount int
	for i := 0; i < 3; i++ {
		res, err := s.Insert(v, 1, bounds, 1)
		require.NoError(t, err)
		switch res.Kind {
		case Inserted:
			insertedCount++
		case Duplicate:
		default:
			t.Fatalf("unexpected kind %v", res.Kind)
		}
	}
	require.Equal(t, 1, insertedCount)
}

func TestDoubleVoteDetection(t *testing.T) {
	s := newTestStore(t)
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	bounds := defaultBounds()

	msgA := sortition.Message{Type: types.SoftVote, Period: 5, Round: 2, Step: 2}
	vA, err := vote.New(sk, msgA, types.Hash{0xAA})
	require.NoError(t, err)
	_, err = vA.CalculateWeight(1, 1, 1)
	require.NoError(t, err)

	vB, err := vote.New(sk, msgA, types.Hash{0xBB})
	require.NoError(t, err)
	_, err = vB.CalculateWeight(1, 1, 1)
	require.NoError(t, err)

	b5 := Bounds{TipPeriod: 5, TipRound: 2, TipStep: 2, AcceptingPeriods: 2, AcceptingRounds: 2, AcceptingSteps: 5, RewardWindow: 1}
	_ = bounds

	resA, err := s.Insert(vA, 1, b5, 1)
	require.NoError(t, err)
	require.Equal(t, Inserted, resA.Kind)

	resB, err := s.Insert(vB, 1, b5, 1)
	require.NoError(t, err)
	require.Equal(t, DoubleVote, resB.Kind)
	require.NotNil(t, resB.ExistingVote)
	require.Equal(t, vA.Hash(), resB.ExistingVote.Hash())
}

func TestNextVoteNullBlockPairAccepted(t *testing.T) {
	s := newTestStore(t)
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	bounds := Bounds{TipPeriod: 1, TipRound: 1, TipStep: 5, AcceptingPeriods: 2, AcceptingRounds: 2, AcceptingSteps: 5, RewardWindow: 1}

	msg := sortition.Message{Type: types.NextVote, Period: 1, Round: 1, Step: 5}
	vNull, err := vote.New(sk, msg, types.ZeroHash)
	require.NoError(t, err)
	_, err = vNull.CalculateWeight(1, 1, 1)
	require.NoError(t, err)

	vBlock, err := vote.New(sk, msg, types.Hash{0x42})
	require.NoError(t, err)
	_, err = vBlock.CalculateWeight(1, 1, 1)
	require.NoError(t, err)

	res1, err := s.Insert(vNull, 1, bounds, 10)
	require.NoError(t, err)
	require.Equal(t, Inserted, res1.Kind)

	res2, err := s.Insert(vBlock, 1, bounds, 10)
	require.NoError(t, err)
	require.Equal(t, Inserted, res2.Kind, "one null + one specific-block next-vote from the same voter must both be accepted")

	// A third, differing vote from the same voter must now be a double vote.
	vThird, err := vote.New(sk, msg, types.Hash{0x43})
	require.NoError(t, err)
	_, err = vThird.CalculateWeight(1, 1, 1)
	require.NoError(t, err)
	res3, err := s.Insert(vThird, 1, bounds, 10)
	require.NoError(t, err)
	require.Equal(t, DoubleVote, res3.Kind)
}

func TestTwoTPlusOneEdgeTriggered(t *testing.T) {
	s := newTestStore(t)
	bounds := defaultBounds()
	threshold := uint64(3)

	var crossings int
	for i := 0; i < 5; i++ {
		v := mustVote(t, 1, 1, 3, types.Hash{0x01})
		res, err := s.Insert(v, 1, bounds, threshold)
		require.NoError(t, err)
		require.Equal(t, Inserted, res.Kind)
		if res.NewTwoTPlusOne != nil {
			crossings++
			require.Equal(t, KindCert, res.NewTwoTPlusOneKind)
		}
	}
	require.Equal(t, 1, crossings, "exactly one insert should report the 2t+1 crossing")
}

func TestOutOfBoundsRejected(t *testing.T) {
	s := newTestStore(t)
	bounds := defaultBounds()
	v := mustVote(t, 1, 1, 3, types.Hash{0x01})
	// Period far behind tip, not a cert-vote-in-reward-window case.
	badBounds := bounds
	badBounds.TipPeriod = 10
	_, err := s.Insert(v, 1, badBounds, 1)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestRewardVoteCertWindowAccepted(t *testing.T) {
	bounds := Bounds{TipPeriod: 5, TipRound: 1, TipStep: 1, AcceptingPeriods: 2, AcceptingRounds: 2, AcceptingSteps: 2, RewardWindow: 1}
	require.True(t, bounds.InBounds(4, 1, 3, types.CertVote), "period=tip-1 cert vote must be accepted as a reward vote")
	require.False(t, bounds.InBounds(4, 1, 3, types.SoftVote), "period=tip-1 non-cert vote must be rejected")
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	bounds := defaultBounds()
	v1 := mustVote(t, 1, 1, 2, types.Hash{1})
	v2 := mustVote(t, 2, 1, 2, types.Hash{1})
	bounds2 := bounds
	bounds2.TipPeriod = 2
	_, err := s.Insert(v1, 1, bounds, 1)
	require.NoError(t, err)
	_, err = s.Insert(v2, 1, bounds2, 1)
	require.NoError(t, err)
	require.Equal(t, 2, s.Size())
	s.Prune(2)
	require.Equal(t, 1, s.Size())
}
