// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"testing"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/dagbft/core/external"
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

func TestPutGetPbftHead(t *testing.T) {
	s := New(memdb.New())
	b := s.Batch()
	require.NoError(t, PutPbftHead(b, PbftHead{Period: 5, Hash: types.Hash{0xaa}}))
	require.NoError(t, b.Write())

	head, ok, err := s.GetPbftHead()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.PbftPeriod(5), head.Period)
	require.Equal(t, types.Hash{0xaa}, head.Hash)
}

func TestPutGetPeriodData(t *testing.T) {
	s := New(memdb.New())
	v := mustVote(t, 3, 1, 3, types.Hash{0x02})
	data := external.PeriodData{
		Block: external.PbftBlock{
			Period:       3,
			Hash:         types.Hash{0x02},
			PreviousHash: types.Hash{0x01},
			DagAnchor:    types.Hash{0x03},
			OrderHash:    types.Hash{0x04},
			Timestamp:    1700000000,
			Proposer:     types.Address{0x05},
		},
		PreviousBlockVotes: []vote.Vote{v},
		DagBlockHashes:     []types.Hash{{0x06}, {0x07}},
		TransactionHashes:  []types.Hash{{0x08}},
	}

	b := s.Batch()
	require.NoError(t, PutPeriodData(b, 3, data))
	require.NoError(t, b.Write())

	got, ok, err := s.GetPeriodData(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, data.Block.Hash, got.Block.Hash)
	require.Equal(t, data.Block.Proposer, got.Block.Proposer)
	require.Len(t, got.PreviousBlockVotes, 1)
	require.Equal(t, data.DagBlockHashes, got.DagBlockHashes)
}

func TestPutGetMgrField(t *testing.T) {
	s := New(memdb.New())
	b := s.Batch()
	require.NoError(t, PutMgrField(b, 1, MgrField{Round: 4, Step: 6}))
	require.NoError(t, b.Write())

	f, ok, err := s.GetMgrField(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.PbftRound(4), f.Round)
	require.Equal(t, types.PbftStep(6), f.Step)
}

func TestPutGetNextVotes(t *testing.T) {
	s := New(memdb.New())
	v := mustVote(t, 1, 2, 5, types.Hash{0x09})
	b := s.Batch()
	require.NoError(t, PutNextVotes(b, 2, []vote.Vote{v}))
	require.NoError(t, b.Write())

	got, ok, err := s.GetNextVotes(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
}

func TestPutGetTwoTPlusOne(t *testing.T) {
	s := New(memdb.New())
	b := s.Batch()
	require.NoError(t, PutTwoTPlusOne(b, 7, 42))
	require.NoError(t, b.Write())

	got, ok, err := s.GetTwoTPlusOne(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), got)
}

func TestPutGetCertVotedBlock(t *testing.T) {
	s := New(memdb.New())
	block := external.PbftBlock{
		Period:       9,
		Hash:         types.Hash{0x0a},
		PreviousHash: types.Hash{0x0b},
		DagAnchor:    types.Hash{0x0c},
		OrderHash:    types.Hash{0x0d},
		Timestamp:    42,
		Proposer:     types.Address{0x0e},
	}
	b := s.Batch()
	require.NoError(t, PutCertVotedBlock(b, block))
	require.NoError(t, b.Write())

	got, ok, err := s.GetCertVotedBlock(block.Hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, block.Proposer, got.Proposer)
}

func TestPutGetVerifiedVote(t *testing.T) {
	s := New(memdb.New())
	v := mustVote(t, 1, 1, 1, types.Hash{0x0f})
	b := s.Batch()
	require.NoError(t, PutVerifiedVote(b, v))
	require.NoError(t, b.Write())

	got, ok, err := s.GetVerifiedVote(v.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v.BlockHash(), got.BlockHash())
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := New(memdb.New())
	_, ok, err := s.GetPbftHead()
	require.NoError(t, err)
	require.False(t, ok)
}
