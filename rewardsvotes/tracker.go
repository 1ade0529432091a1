// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rewardsvotes tracks which cert-votes from the previously
// finalized period have been claimed as DAG-block reward candidates
// (spec.md §3 RewardsVotes state), grounded directly on
// original_source/libraries/core_libs/consensus/{include,src}/votes/rewards_votes.{hpp,cpp}.
// Each of the three disjoint sets gets its own reader-writer lock, per
// spec.md §5 ("three independent reader-writer locks over three sets").
package rewardsvotes

import (
	"sync"

	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

// Tracker holds the canonical 2t+1 cert-votes that finalized the
// previous block, the subset still unrewarded, and any extra candidate
// cert-votes DAG blocks have included beyond the canonical set.
type Tracker struct {
	canonicalMu sync.RWMutex
	canonical   map[types.Hash]struct{}

	unrewardedMu sync.RWMutex
	unrewarded   map[types.Hash]struct{}

	extraMu sync.RWMutex
	extra   map[types.Hash]vote.Vote
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		canonical:  make(map[types.Hash]struct{}),
		unrewarded: make(map[types.Hash]struct{}),
		extra:      make(map[types.Hash]vote.Vote),
	}
}

// IsNewVote reports whether voteHash is absent from both the canonical
// 2t+1 set and the extra-candidates set (RewardsVotes::isNewVote).
func (t *Tracker) IsNewVote(voteHash types.Hash) bool {
	t.canonicalMu.RLock()
	_, inCanonical := t.canonical[voteHash]
	t.canonicalMu.RUnlock()
	if inCanonical {
		return false
	}
	t.extraMu.RLock()
	_, inExtra := t.extra[voteHash]
	t.extraMu.RUnlock()
	return !inExtra
}

// InsertExtraCandidate records v as a reward candidate a DAG block
// included beyond the canonical 2t+1 set (RewardsVotes::insertNewVote).
// Callers should check IsNewVote first to avoid redundant storage.
func (t *Tracker) InsertExtraCandidate(v vote.Vote) {
	t.extraMu.Lock()
	defer t.extraMu.Unlock()
	t.extra[v.Hash()] = v
}

// MarkRewarded removes voteHash from the unrewarded set: a DAG block has
// now included it as a reward candidate.
func (t *Tracker) MarkRewarded(voteHash types.Hash) {
	t.unrewardedMu.Lock()
	defer t.unrewardedMu.Unlock()
	delete(t.unrewarded, voteHash)
}

// Unrewarded returns the vote hashes still awaiting inclusion in a DAG
// block as a reward candidate.
func (t *Tracker) Unrewarded() []types.Hash {
	t.unrewardedMu.RLock()
	defer t.unrewardedMu.RUnlock()
	out := make([]types.Hash, 0, len(t.unrewarded))
	for h := range t.unrewarded {
		out = append(out, h)
	}
	return out
}

// ExtraCandidates returns the reward-candidate votes a DAG block
// included beyond the canonical 2t+1 set; these are persisted alongside
// the next period's PeriodData so sync stays complete (original_source
// comment: "otherwise sync data would be incomplete").
func (t *Tracker) ExtraCandidates() []vote.Vote {
	t.extraMu.RLock()
	defer t.extraMu.RUnlock()
	out := make([]vote.Vote, 0, len(t.extra))
	for _, v := range t.extra {
		out = append(out, v)
	}
	return out
}

// Rotate is called by Finalizer once a new block is committed
// (spec.md §4.7 step 6): the just-committed block's cert-votes become
// the new canonical_2t1/unrewarded sets, and extraCandidates becomes the
// new extra_candidates set (votes the just-finalized DAG blocks included
// as reward candidates).
func (t *Tracker) Rotate(canonical2t1 []vote.Vote, extraCandidates []vote.Vote) {
	canonicalSet := make(map[types.Hash]struct{}, len(canonical2t1))
	unrewardedSet := make(map[types.Hash]struct{}, len(canonical2t1))
	for _, v := range canonical2t1 {
		h := v.Hash()
		canonicalSet[h] = struct{}{}
		unrewardedSet[h] = struct{}{}
	}
	extraSet := make(map[types.Hash]vote.Vote, len(extraCandidates))
	for _, v := range extraCandidates {
		extraSet[v.Hash()] = v
	}

	t.canonicalMu.Lock()
	t.canonical = canonicalSet
	t.canonicalMu.Unlock()

	t.unrewardedMu.Lock()
	t.unrewarded = unrewardedSet
	t.unrewardedMu.Unlock()

	t.extraMu.Lock()
	t.extra = extraSet
	t.extraMu.Unlock()
}
