// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package nextvotes

import (
	"testing"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/sortition"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

func mustNextVote(t *testing.T, round types.PbftRound, step types.PbftStep, blockHash types.Hash) vote.Vote {
	t.Helper()
	sk, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	msg := sortition.Message{Type: types.NextVote, Period: 1, Round: round, Step: step}
	v, err := vote.New(sk, msg, blockHash)
	require.NoError(t, err)
	return v
}

func TestUpdateBothNullAndBlockSimultaneously(t *testing.T) {
	m := New()
	var votes []VoteWeight
	for i := 0; i < 2; i++ {
		votes = append(votes, VoteWeight{Vote: mustNextVote(t, 1, 5, types.ZeroHash), Weight: 2})
	}
	for i := 0; i < 2; i++ {
		votes = append(votes, VoteWeight{Vote: mustNextVote(t, 1, 5, types.Hash{0x42}), Weight: 2})
	}
	ok := m.Update(votes, 4)
	require.True(t, ok)
	require.True(t, m.HaveEnoughVotesForNullBlockHash())
	v, has := m.VotedValue()
	require.True(t, has)
	require.Equal(t, types.Hash{0x42}, v)
	require.Equal(t, uint64(8), m.Weight())
}

func TestUpdateNoOpBelowThreshold(t *testing.T) {
	m := New()
	votes := []VoteWeight{{Vote: mustNextVote(t, 1, 5, types.Hash{0x01}), Weight: 1}}
	ok := m.Update(votes, 10)
	require.False(t, ok)
	require.Equal(t, uint64(0), m.Weight())
}

func TestClearResets(t *testing.T) {
	m := New()
	votes := []VoteWeight{{Vote: mustNextVote(t, 1, 5, types.ZeroHash), Weight: 5}}
	require.True(t, m.Update(votes, 5))
	m.Clear()
	require.Equal(t, uint64(0), m.Weight())
	require.False(t, m.HaveEnoughVotesForNullBlockHash())
	_, has := m.VotedValue()
	require.False(t, has)
}
