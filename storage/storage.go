// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage implements the persisted key layout spec.md §6
// describes ("Persisted state layout") over github.com/luxfi/database,
// the same key-value abstraction used throughout this codebase (see e.g.
// engine/dag/state.SerializerConfig.DB, engine/chain/block.go). A single
// database.Database handle backs every key group below; Finalizer
// commits one database.Batch per period so the seven-step commit
// sequence of spec.md §4.7 is atomic.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/rlp"

	"github.com/dagbft/core/external"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

// Store wraps a database.Database with the consensus core's key layout.
type Store struct {
	db database.Database
}

// New wraps db.
func New(db database.Database) *Store {
	return &Store{db: db}
}

// Batch starts a new write batch, the unit Finalizer commits atomically.
func (s *Store) Batch() database.Batch {
	return s.db.NewBatch()
}

// Key group prefixes, matching spec.md §6's "Persisted state layout"
// logical key groups one-for-one.
var (
	prefixPbftHead         = []byte("pbft_head")
	prefixPeriodData       = []byte("period_data")
	prefixMgrField         = []byte("pbft_mgr_field")
	prefixMgrStatus        = []byte("pbft_mgr_status")
	prefixMgrVotedValue    = []byte("pbft_mgr_voted_value")
	prefixNextVotes        = []byte("next_votes")
	prefixTwoTPlusOne      = []byte("pbft_2t1")
	prefixSoftVotes        = []byte("soft_votes")
	prefixCertVotedBlock   = []byte("pbft_cert_voted_block")
	prefixVerifiedVotes    = []byte("verified_votes")
)

func uint64Key(prefix []byte, n uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], n)
	return key
}

func hashKey(prefix []byte, h types.Hash) []byte {
	key := make([]byte, len(prefix)+len(h))
	copy(key, prefix)
	copy(key[len(prefix):], h[:])
	return key
}

// PbftHead is the JSON-encoded tip descriptor (spec.md §6:
// "pbft_head -> JSON descriptor of tip").
type PbftHead struct {
	Period types.PbftPeriod `json:"period"`
	Hash   types.Hash       `json:"hash"`
}

// PutPbftHead persists the tip descriptor as JSON, matching spec.md §6's
// literal "JSON descriptor" (every other key group is RLP; this one
// stays JSON for small, human-inspectable head pointers rather than
// being normalized to RLP).
func PutPbftHead(w database.Writer, head PbftHead) error {
	b, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("marshaling pbft head: %w", err)
	}
	return w.Put(prefixPbftHead, b)
}

// GetPbftHead reads the tip descriptor.
func (s *Store) GetPbftHead() (PbftHead, bool, error) {
	b, err := s.db.Get(prefixPbftHead)
	if err != nil {
		return PbftHead{}, false, nil
	}
	var head PbftHead
	if err := json.Unmarshal(b, &head); err != nil {
		return PbftHead{}, false, fmt.Errorf("unmarshaling pbft head: %w", err)
	}
	return head, true, nil
}

// rlpPeriodData is PeriodData's storage layout (spec.md §6:
// "period_data[period] -> RLP(PbftBlock, cert_votes, dag_blocks, txs,
// [pillar_votes])").
type rlpPeriodData struct {
	Block                rlpPbftBlock
	CertVotes            [][]byte
	DagBlockHashes       []types.Hash
	TransactionHashes    []types.Hash
	PillarVotes          [][]byte
	RewardVoteCandidates [][]byte
}

type rlpPbftBlock struct {
	Hash         types.Hash
	PreviousHash types.Hash
	DagAnchor    types.Hash
	OrderHash    types.Hash
	Timestamp    uint64
	Proposer     types.Address
}

// PutPeriodData encodes and stages data under period_data[period].
func PutPeriodData(w database.Writer, period types.PbftPeriod, data external.PeriodData) error {
	enc, err := encodePeriodData(data)
	if err != nil {
		return err
	}
	return w.Put(uint64Key(prefixPeriodData, uint64(period)), enc)
}

func encodePeriodData(data external.PeriodData) ([]byte, error) {
	certVotes := make([][]byte, 0, len(data.PreviousBlockVotes))
	for _, v := range data.PreviousBlockVotes {
		b, err := v.Encode()
		if err != nil {
			return nil, fmt.Errorf("encoding cert vote: %w", err)
		}
		certVotes = append(certVotes, b)
	}
	pillarVotes := make([][]byte, 0, len(data.PillarVotes))
	for _, pv := range data.PillarVotes {
		b, err := pv.Encode()
		if err != nil {
			return nil, fmt.Errorf("encoding pillar vote: %w", err)
		}
		pillarVotes = append(pillarVotes, b)
	}
	rewardCandidates := make([][]byte, 0, len(data.RewardVoteCandidates))
	for _, v := range data.RewardVoteCandidates {
		b, err := v.Encode()
		if err != nil {
			return nil, fmt.Errorf("encoding reward vote candidate: %w", err)
		}
		rewardCandidates = append(rewardCandidates, b)
	}
	r := rlpPeriodData{
		Block: rlpPbftBlock{
			Hash:         data.Block.Hash,
			PreviousHash: data.Block.PreviousHash,
			DagAnchor:    data.Block.DagAnchor,
			OrderHash:    data.Block.OrderHash,
			Timestamp:    data.Block.Timestamp,
			Proposer:     data.Block.Proposer,
		},
		CertVotes:            certVotes,
		DagBlockHashes:       data.DagBlockHashes,
		TransactionHashes:    data.TransactionHashes,
		PillarVotes:          pillarVotes,
		RewardVoteCandidates: rewardCandidates,
	}
	return rlp.EncodeToBytes(r)
}

// GetPeriodData reads and decodes period_data[period].
func (s *Store) GetPeriodData(period types.PbftPeriod) (external.PeriodData, bool, error) {
	b, err := s.db.Get(uint64Key(prefixPeriodData, uint64(period)))
	if err != nil {
		return external.PeriodData{}, false, nil
	}
	var r rlpPeriodData
	if err := rlp.DecodeBytes(b, &r); err != nil {
		return external.PeriodData{}, false, fmt.Errorf("decoding period data: %w", err)
	}
	votes := make([]vote.Vote, 0, len(r.CertVotes))
	for _, vb := range r.CertVotes {
		v, err := vote.Decode(vb)
		if err != nil {
			return external.PeriodData{}, false, err
		}
		votes = append(votes, v)
	}
	pillarVotes := make([]vote.PillarVote, 0, len(r.PillarVotes))
	for _, pvb := range r.PillarVotes {
		pv, err := vote.DecodePillarVote(pvb)
		if err != nil {
			return external.PeriodData{}, false, err
		}
		pillarVotes = append(pillarVotes, pv)
	}
	rewardCandidates := make([]vote.Vote, 0, len(r.RewardVoteCandidates))
	for _, vb := range r.RewardVoteCandidates {
		v, err := vote.Decode(vb)
		if err != nil {
			return external.PeriodData{}, false, err
		}
		rewardCandidates = append(rewardCandidates, v)
	}
	return external.PeriodData{
		Block: external.PbftBlock{
			Period:       period,
			Hash:         r.Block.Hash,
			PreviousHash: r.Block.PreviousHash,
			DagAnchor:    r.Block.DagAnchor,
			OrderHash:    r.Block.OrderHash,
			Timestamp:    r.Block.Timestamp,
			Proposer:     r.Block.Proposer,
		},
		PreviousBlockVotes:   votes,
		DagBlockHashes:       r.DagBlockHashes,
		TransactionHashes:    r.TransactionHashes,
		PillarVotes:          pillarVotes,
		RewardVoteCandidates: rewardCandidates,
	}, true, nil
}

// MgrField persists (round, step) for warm restart (spec.md §6
// "pbft_mgr_field[{Round, Step}]").
type MgrField struct {
	Round types.PbftRound
	Step  types.PbftStep
}

// PutMgrField stages the round/step pair.
func PutMgrField(w database.Writer, period types.PbftPeriod, f MgrField) error {
	b, err := rlp.EncodeToBytes(struct {
		Round uint64
		Step  uint64
	}{uint64(f.Round), uint64(f.Step)})
	if err != nil {
		return err
	}
	return w.Put(uint64Key(prefixMgrField, uint64(period)), b)
}

// GetMgrField reads back (round, step) for period.
func (s *Store) GetMgrField(period types.PbftPeriod) (MgrField, bool, error) {
	b, err := s.db.Get(uint64Key(prefixMgrField, uint64(period)))
	if err != nil {
		return MgrField{}, false, nil
	}
	var r struct {
		Round uint64
		Step  uint64
	}
	if err := rlp.DecodeBytes(b, &r); err != nil {
		return MgrField{}, false, fmt.Errorf("decoding mgr field: %w", err)
	}
	return MgrField{Round: types.PbftRound(r.Round), Step: types.PbftStep(r.Step)}, true, nil
}

// PutNextVotes stages a period+round's 2t+1 next-vote bundle (spec.md §6
// "next_votes[round] -> RLP vote bundle"). The bundle is encoded with
// vote.EncodeBundle under the first vote's (block hash, period, round,
// step) coordinate, so every vote must share that block hash: a set that
// mixes null and specific-block next-votes (the exception of spec.md
// §4.3) returns vote.ErrBundleMismatch and nothing is staged.
func PutNextVotes(w database.Writer, round types.PbftRound, bundle []vote.Vote) error {
	if len(bundle) == 0 {
		return w.Put(uint64Key(prefixNextVotes, uint64(round)), nil)
	}
	b, err := vote.EncodeBundle(vote.Bundle{
		BlockHash: bundle[0].BlockHash(),
		Period:    bundle[0].Period(),
		Round:     bundle[0].Round(),
		Step:      bundle[0].Step(),
		Votes:     bundle,
	})
	if err != nil {
		return err
	}
	return w.Put(uint64Key(prefixNextVotes, uint64(round)), b)
}

// GetNextVotes reads a round's persisted next-vote bundle.
func (s *Store) GetNextVotes(round types.PbftRound) ([]vote.Vote, bool, error) {
	b, err := s.db.Get(uint64Key(prefixNextVotes, uint64(round)))
	if err != nil {
		return nil, false, nil
	}
	bundle, err := vote.DecodeBundle(b)
	if err != nil {
		return nil, false, err
	}
	return bundle.Votes, true, nil
}

// PutTwoTPlusOne stages a round's 2t+1 stake threshold (spec.md §6
// "pbft_2t1[round] -> u64").
func PutTwoTPlusOne(w database.Writer, round types.PbftRound, threshold uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], threshold)
	return w.Put(uint64Key(prefixTwoTPlusOne, uint64(round)), buf[:])
}

// GetTwoTPlusOne reads a round's persisted 2t+1 threshold.
func (s *Store) GetTwoTPlusOne(round types.PbftRound) (uint64, bool, error) {
	b, err := s.db.Get(uint64Key(prefixTwoTPlusOne, uint64(round)))
	if err != nil {
		return 0, false, nil
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("pbft_2t1: bad value length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), true, nil
}

// PutCertVotedBlock stages a cert-voted PbftBlock keyed by hash, for
// resume (spec.md §6 "pbft_cert_voted_block[hash] -> RLP PbftBlock").
func PutCertVotedBlock(w database.Writer, block external.PbftBlock) error {
	b, err := rlp.EncodeToBytes(rlpPbftBlock{
		Hash:         block.Hash,
		PreviousHash: block.PreviousHash,
		DagAnchor:    block.DagAnchor,
		OrderHash:    block.OrderHash,
		Timestamp:    block.Timestamp,
		Proposer:     block.Proposer,
	})
	if err != nil {
		return err
	}
	return w.Put(hashKey(prefixCertVotedBlock, block.Hash), b)
}

// GetCertVotedBlock reads back a cert-voted block by hash.
func (s *Store) GetCertVotedBlock(hash types.Hash) (external.PbftBlock, bool, error) {
	b, err := s.db.Get(hashKey(prefixCertVotedBlock, hash))
	if err != nil {
		return external.PbftBlock{}, false, nil
	}
	var r rlpPbftBlock
	if err := rlp.DecodeBytes(b, &r); err != nil {
		return external.PbftBlock{}, false, fmt.Errorf("decoding cert voted block: %w", err)
	}
	return external.PbftBlock{
		Hash:         r.Hash,
		PreviousHash: r.PreviousHash,
		DagAnchor:    r.DagAnchor,
		OrderHash:    r.OrderHash,
		Timestamp:    r.Timestamp,
		Proposer:     r.Proposer,
	}, true, nil
}

// PutVerifiedVote stages a single verified vote by hash for warm restart
// (spec.md §6 "verified_votes -> vote hash -> RLP Vote").
func PutVerifiedVote(w database.Writer, v vote.Vote) error {
	b, err := v.Encode()
	if err != nil {
		return err
	}
	return w.Put(hashKey(prefixVerifiedVotes, v.Hash()), b)
}

// GetVerifiedVote reads back a single verified vote by hash.
func (s *Store) GetVerifiedVote(hash types.Hash) (vote.Vote, bool, error) {
	b, err := s.db.Get(hashKey(prefixVerifiedVotes, hash))
	if err != nil {
		return vote.Vote{}, false, nil
	}
	v, err := vote.Decode(b)
	if err != nil {
		return vote.Vote{}, false, err
	}
	return v, true, nil
}

// unused silences "declared but not used" linting for the three key
// prefixes (mgr_status, mgr_voted_value, soft_votes) that no Put/Get
// helper in this package reads or writes.
var (
	_ = prefixMgrStatus
	_ = prefixMgrVotedValue
	_ = prefixSoftVotes
)
