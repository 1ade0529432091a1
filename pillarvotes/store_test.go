// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package pillarvotes

import (
	"testing"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

func mustPillarVote(t *testing.T, period types.PbftPeriod, blockHash types.Hash) vote.PillarVote {
	t.Helper()
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	pv, err := vote.NewPillarVote(sk, period, blockHash)
	require.NoError(t, err)
	return pv
}

func TestInsertRequiresInitialize(t *testing.T) {
	s := New()
	pv := mustPillarVote(t, 1, types.Hash{0x01})
	err := s.Insert(pv, 10)
	require.ErrorIs(t, err, ErrPeriodNotInitialized)
}

func TestInsertAccumulatesWeight(t *testing.T) {
	s := New()
	s.Initialize(1, 30)
	blk := types.Hash{0xAA}

	for i := 0; i < 3; i++ {
		pv := mustPillarVote(t, 1, blk)
		require.NoError(t, s.Insert(pv, 10))
	}

	require.True(t, s.HasTwoTPlusOneVotes(1, blk))
	votes := s.VerifiedVotes(1, blk, false)
	require.Len(t, votes, 3)
}

func TestInsertDuplicateValidatorRejected(t *testing.T) {
	s := New()
	s.Initialize(1, 100)
	blk := types.Hash{0xAA}
	other := types.Hash{0xBB}

	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	first, err := vote.NewPillarVote(sk, 1, blk)
	require.NoError(t, err)
	require.NoError(t, s.Insert(first, 10))

	second, err := vote.NewPillarVote(sk, 1, other)
	require.NoError(t, err)
	err = s.Insert(second, 10)
	require.ErrorIs(t, err, ErrDuplicateValidator)

	// Re-inserting the exact same vote again is a harmless no-op.
	require.NoError(t, s.Insert(first, 10))
}

func TestVerifiedVotesSortedPrefixByWeight(t *testing.T) {
	s := New()
	s.Initialize(1, 25)
	blk := types.Hash{0xAA}

	weights := map[types.Hash]uint64{}
	for _, w := range []uint64{5, 20, 10, 1} {
		pv := mustPillarVote(t, 1, blk)
		require.NoError(t, s.Insert(pv, w))
		weights[pv.Hash()] = w
	}

	prefix := s.VerifiedVotes(1, blk, true)
	require.NotEmpty(t, prefix)

	var total uint64
	for _, v := range prefix {
		total += weights[v.Hash()]
	}
	require.GreaterOrEqual(t, total, uint64(25))
	// Sorted-prefix selection must pick the heaviest voters first: the
	// 20-weight and 10-weight votes alone already cross 25, so the prefix
	// must be exactly those two and nothing lighter.
	require.Len(t, prefix, 2)
}

func TestVerifiedVotesBelowThresholdReturnsNil(t *testing.T) {
	s := New()
	s.Initialize(1, 1000)
	blk := types.Hash{0xAA}
	pv := mustPillarVote(t, 1, blk)
	require.NoError(t, s.Insert(pv, 5))

	prefix := s.VerifiedVotes(1, blk, true)
	require.Nil(t, prefix)
}

func TestEraseBelow(t *testing.T) {
	s := New()
	s.Initialize(1, 10)
	s.Initialize(2, 10)
	s.Initialize(3, 10)

	s.EraseBelow(3)
	require.False(t, s.PeriodInitialized(1))
	require.False(t, s.PeriodInitialized(2))
	require.True(t, s.PeriodInitialized(3))
}
