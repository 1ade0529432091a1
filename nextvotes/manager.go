// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package nextvotes implements NextVotesManager (spec.md §4.4): it
// remembers the 2t+1 next-votes from the most recently completed round
// so the following round can respect them. Reconstructed from spec.md
// directly, since original_source exposes only call sites
// (NextVotesManager::updateNextVotes/getVotedValue/
// haveEnoughVotesForNullBlockHash/getNextVotesWeight in
// pbft_manager.cpp) rather than an implementation file; the lock is its
// own sync.Mutex, following the teacher's single-purpose-lock style
// (spec.md §5 calls this store's lock out as independent of VoteStore's).
package nextvotes

import (
	"sync"

	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

// Manager carries one round's 2t+1 next-votes forward into the next
// round's starting conditions (spec.md §4.4).
type Manager struct {
	mu sync.Mutex

	votes         map[types.Hash]vote.Vote
	weightForHash map[types.Hash]uint64
	totalWeight   uint64

	votedValue        types.Hash
	haveVotedValue    bool
	haveEnoughForNull bool
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		votes:         make(map[types.Hash]vote.Vote),
		weightForHash: make(map[types.Hash]uint64),
	}
}

// VoteWeight is one next-vote paired with its pre-computed sortition
// weight, since Manager has no DPOS view of its own.
type VoteWeight struct {
	Vote   vote.Vote
	Weight uint64
}

// Update merges newVotes into the manager (votes already uniqueness-
// checked upstream by votestore.Store, whose Bundle only ever returns at
// most one vote per voter per block hash, plus the null/specific-block
// exception) and recomputes the aggregate voted value per spec.md §4.4:
// if total weight on the null block >= twoTPlusOne, VotedValue()==null
// and HaveEnoughForNull()==true; if total weight on exactly one non-null
// hash h >= twoTPlusOne, VotedValue()==h. Both may hold simultaneously.
// Update is a no-op (returns false) if, after merging, total weight is
// still below twoTPlusOne.
func (m *Manager) Update(newVotes []VoteWeight, twoTPlusOne uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	votes := make(map[types.Hash]vote.Vote, len(m.votes)+len(newVotes))
	for h, v := range m.votes {
		votes[h] = v
	}
	weightForHash := make(map[types.Hash]uint64, len(m.weightForHash))
	for h, w := range m.weightForHash {
		weightForHash[h] = w
	}
	total := m.totalWeight

	for _, nv := range newVotes {
		vh := nv.Vote.Hash()
		if _, dup := votes[vh]; dup {
			continue
		}
		votes[vh] = nv.Vote
		weightForHash[nv.Vote.BlockHash()] += nv.Weight
		total += nv.Weight
	}

	if total < twoTPlusOne {
		return false
	}

	m.votes = votes
	m.weightForHash = weightForHash
	m.totalWeight = total

	m.haveVotedValue = false
	m.haveEnoughForNull = false
	if w := weightForHash[types.ZeroHash]; w >= twoTPlusOne {
		m.haveEnoughForNull = true
	}
	for h, w := range weightForHash {
		if h == types.ZeroHash {
			continue
		}
		if w >= twoTPlusOne {
			m.votedValue = h
			m.haveVotedValue = true
			break
		}
	}
	return true
}

// VotedValue returns the non-null hash with >= 2t+1 next-vote weight, if
// any.
func (m *Manager) VotedValue() (types.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.votedValue, m.haveVotedValue
}

// HaveEnoughVotesForNullBlockHash reports whether the null block has
// >= 2t+1 next-vote weight.
func (m *Manager) HaveEnoughVotesForNullBlockHash() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haveEnoughForNull
}

// Weight returns the total next-vote weight merged so far.
func (m *Manager) Weight() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalWeight
}

// Bundle returns every next-vote currently held, for propagation to a
// round-N+1 peer that is missing them (spec.md §4.2 "previous_round_next_votes").
func (m *Manager) Bundle() []vote.Vote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vote.Vote, 0, len(m.votes))
	for _, v := range m.votes {
		out = append(out, v)
	}
	return out
}

// Clear resets the manager on period advance (spec.md §4.4 clear()).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = make(map[types.Hash]vote.Vote)
	m.weightForHash = make(map[types.Hash]uint64)
	m.totalWeight = 0
	m.votedValue = types.Hash{}
	m.haveVotedValue = false
	m.haveEnoughForNull = false
}
