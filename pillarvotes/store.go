// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pillarvotes implements PillarVoteStore (spec.md §4.5), the
// per-period stake-weighted checkpoint vote aggregator, grounded
// directly on
// original_source/libraries/core_libs/consensus/{include,src}/pillar_chain/pillar_votes.{hpp,cpp}.
// The sorted-prefix-by-descending-stake selection used by VerifiedVotes
// (above_threshold=true) is reproduced with a local max-heap built from
// container/heap, the direct stdlib analogue of the C++ std::multiset
// the original uses (no ecosystem heap/ordered-multiset library appears
// anywhere in the retrieved example corpus; documented as a stdlib
// exception in DESIGN.md).
package pillarvotes

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

var (
	// ErrPeriodNotInitialized is returned when Insert targets a period
	// that Initialize has not been called for yet (spec.md §4.5
	// "per-period data is created by explicit initialize(...) before
	// any insert").
	ErrPeriodNotInitialized = errors.New("pillar vote period not initialized")
	// ErrDuplicateValidator is returned when a validator attempts a
	// second pillar vote in the same period.
	ErrDuplicateValidator = errors.New("validator already voted this period")
)

type weightVotes struct {
	votes  map[types.Hash]heapItem
	weight uint64
}

type periodVotes struct {
	perBlock      map[types.Hash]*weightVotes
	uniqueVoters  map[types.Address]types.Hash
	twoTPlusOne   uint64
}

// Store is the per-period stake-weighted pillar vote aggregator.
type Store struct {
	mu     sync.RWMutex
	votes  map[types.PbftPeriod]*periodVotes
}

// New returns an empty Store.
func New() *Store {
	return &Store{votes: make(map[types.PbftPeriod]*periodVotes)}
}

// Initialize creates the per-period bookkeeping with threshold as the
// period's 2t+1 stake threshold (PillarVotes::initializePeriodData).
// Re-initializing an existing period is a no-op: its votes and its
// original threshold are kept unchanged.
func (s *Store) Initialize(period types.PbftPeriod, threshold uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.votes[period]; ok {
		return
	}
	s.votes[period] = &periodVotes{
		perBlock:     make(map[types.Hash]*weightVotes),
		uniqueVoters: make(map[types.Address]types.Hash),
		twoTPlusOne:  threshold,
	}
}

// PeriodInitialized reports whether Initialize has been called for period.
func (s *Store) PeriodInitialized(period types.PbftPeriod) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.votes[period]
	return ok
}

// Insert enforces one-vote-per-validator-per-period uniqueness and
// accumulates the voted block's weight by validatorStake
// (PillarVotes::addVerifiedVote).
func (s *Store) Insert(v vote.PillarVote, validatorStake uint64) error {
	voter, err := v.VoterAddress()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pv, ok := s.votes[v.Period()]
	if !ok {
		return fmt.Errorf("%w: period=%d", ErrPeriodNotInitialized, v.Period())
	}
	if existing, voted := pv.uniqueVoters[voter]; voted {
		vh := v.Hash()
		if existing == vh {
			return nil
		}
		return fmt.Errorf("%w: voter=%x period=%d", ErrDuplicateValidator, voter, v.Period())
	}

	wv, ok := pv.perBlock[v.BlockHash()]
	if !ok {
		wv = &weightVotes{votes: make(map[types.Hash]heapItem)}
		pv.perBlock[v.BlockHash()] = wv
	}
	vh := v.Hash()
	wv.votes[vh] = heapItem{v: v, weight: validatorStake}
	wv.weight += validatorStake
	pv.uniqueVoters[voter] = vh
	return nil
}

// HasTwoTPlusOneVotes reports whether blockHash has reached the period's
// 2t+1 stake threshold.
func (s *Store) HasTwoTPlusOneVotes(period types.PbftPeriod, blockHash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pv, ok := s.votes[period]
	if !ok {
		return false
	}
	wv, ok := pv.perBlock[blockHash]
	if !ok {
		return false
	}
	return wv.weight >= pv.twoTPlusOne
}

// heapItem pairs a vote with the weight it contributed, for the
// descending-stake max-heap below.
type heapItem struct {
	v      vote.PillarVote
	weight uint64
}

type maxHeap []heapItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].weight > h[j].weight }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// VerifiedVotes returns all votes for (period, blockHash); if
// aboveThreshold is true, instead returns the minimum sorted prefix (by
// descending stake weight) whose total stake crosses the period's 2t+1
// threshold, matching PillarVotes::getVerifiedVotes(two_t_plus_one=true)'s
// std::multiset-sorted-by-weight selection. Each vote's stake weight is
// the one it was inserted with (Insert's validatorStake), not
// recomputed here.
func (s *Store) VerifiedVotes(period types.PbftPeriod, blockHash types.Hash, aboveThreshold bool) []vote.PillarVote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pv, ok := s.votes[period]
	if !ok {
		return nil
	}
	wv, ok := pv.perBlock[blockHash]
	if !ok {
		return nil
	}
	if !aboveThreshold {
		out := make([]vote.PillarVote, 0, len(wv.votes))
		for _, item := range wv.votes {
			out = append(out, item.v)
		}
		return out
	}
	if wv.weight < pv.twoTPlusOne {
		return nil
	}

	h := make(maxHeap, 0, len(wv.votes))
	for _, item := range wv.votes {
		h = append(h, item)
	}
	heap.Init(&h)

	var acc uint64
	out := make([]vote.PillarVote, 0, len(h))
	for h.Len() > 0 && acc < pv.twoTPlusOne {
		item := heap.Pop(&h).(heapItem)
		out = append(out, item.v)
		acc += item.weight
	}
	return out
}

// EraseBelow erases all period entries with period < minPeriod
// (PillarVotes::eraseVotes).
func (s *Store) EraseBelow(minPeriod types.PbftPeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.votes {
		if p < minPeriod {
			delete(s.votes, p)
		}
	}
}
