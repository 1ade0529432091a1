// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package votestore implements the shared vote store (spec.md §4.3): vote
// insertion, per-voter uniqueness enforcement, cumulative weight
// tallying, edge-triggered 2t+1 detection, previous-round-aware round
// determination and period-based cleanup. The insertion/uniqueness logic
// is a direct port of
// original_source/libraries/core_libs/consensus/src/vote_manager/verified_votes.cpp's
// insertUniqueVoter/insertVotedValue; locking and metrics follow the
// teacher's engine/chain/poll.Set (one coarse RWMutex, short critical
// sections, a Prometheus gauge and counter registered at construction).
package votestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dagbft/core/metrics"
	"github.com/dagbft/core/types"
	"github.com/dagbft/core/vote"
)

var (
	// ErrOutOfBounds is returned when a vote's (period, round, step) is
	// outside the locally accepted window (spec.md §4.3 Validation
	// bounds, §7 OutOfBounds).
	ErrOutOfBounds = errors.New("vote out of accepting bounds")
	// ErrInsufficientStake is returned when a vote's computed weight is
	// zero (spec.md §7 InsufficientStake).
	ErrInsufficientStake = errors.New("vote has insufficient stake")
	// ErrDuplicateVote is returned when the exact same vote hash is
	// already present in its cell (spec.md §7 DuplicateVote).
	ErrDuplicateVote = errors.New("duplicate vote")
)

// TwoTPlusOneKind enumerates the four quorum kinds tracked per round
// (spec.md §3, §4.3): Soft is step 2, Cert is step 3, and Next splits
// into NextForBlock/NextForNull by the voted block hash.
type TwoTPlusOneKind uint8

const (
	KindSoft TwoTPlusOneKind = iota
	KindCert
	KindNextForBlock
	KindNextForNull
)

func (k TwoTPlusOneKind) String() string {
	switch k {
	case KindSoft:
		return "soft"
	case KindCert:
		return "cert"
	case KindNextForBlock:
		return "next_for_block"
	case KindNextForNull:
		return "next_for_null"
	default:
		return "unknown"
	}
}

// VotedBlock records which block (and at which step) first crossed 2t+1
// for a given kind (spec.md §3 two_t_plus_one_voted).
type VotedBlock struct {
	BlockHash types.Hash
	Step      types.PbftStep
}

// VoteBundle is the set of votes whose cumulative weight crosses 2t+1 for
// a (period, round, step, block_hash) cell, chosen greedily by
// descending single-vote weight for compact propagation (spec.md §4.3
// bundle).
type VoteBundle struct {
	BlockHash types.Hash
	Votes     []vote.Vote
}

// InsertResult is the outcome of Store.Insert.
type InsertResult struct {
	// Kind distinguishes Inserted/Duplicate/DoubleVote.
	Kind InsertResultKind
	// NewTwoTPlusOne is set only for Kind==Inserted when this insert
	// was the first to cross 2t+1 for its (period, round, kind) cell.
	NewTwoTPlusOne *VotedBlock
	NewTwoTPlusOneKind TwoTPlusOneKind
	// ExistingVote is set for Kind==DoubleVote (the conflicting vote
	// already on file) and for Kind==Duplicate (the one already there).
	ExistingVote *vote.Vote
}

// InsertResultKind enumerates Store.Insert's outcome cases (spec.md §4.3).
type InsertResultKind uint8

const (
	Inserted InsertResultKind = iota
	Duplicate
	DoubleVote
)

type votedValue struct {
	weightTotal uint64
	votes       map[types.Hash]vote.Vote
}

type voterCell struct {
	primary   vote.Vote
	secondary *vote.Vote
}

type stepVotes struct {
	votes        map[types.Hash]*votedValue
	uniqueVoters map[types.Address]*voterCell
}

func newStepVotes() *stepVotes {
	return &stepVotes{
		votes:        make(map[types.Hash]*votedValue),
		uniqueVoters: make(map[types.Address]*voterCell),
	}
}

type roundVotes struct {
	stepVotes            map[types.PbftStep]*stepVotes
	twoTPlusOneVoted     map[TwoTPlusOneKind]VotedBlock
	networkTPlusOneStep types.PbftStep
}

func newRoundVotes() *roundVotes {
	return &roundVotes{
		stepVotes:        make(map[types.PbftStep]*stepVotes),
		twoTPlusOneVoted: make(map[TwoTPlusOneKind]VotedBlock),
	}
}

// Bounds describes the local tip coordinate and the DoS acceptance
// window Insert validates against (spec.md §4.3 Validation bounds).
type Bounds struct {
	TipPeriod        types.PbftPeriod
	TipRound         types.PbftRound
	TipStep          types.PbftStep
	AcceptingPeriods uint64
	AcceptingRounds  uint64
	AcceptingSteps   uint64
	RewardWindow     uint64
}

// InBounds reports whether a vote at (period, round, step) is within the
// accepting window relative to b, per spec.md §4.3:
//   - period >= tip OR (period + rewardWindow == tip AND type==cert)
//   - period - 1 <= tip + acceptingPeriods
//   - round >= tip.round - 1, round <= tip.round + acceptingRounds
//   - step <= tip.step + acceptingSteps, when period and round match tip
func (b Bounds) InBounds(period types.PbftPeriod, round types.PbftRound, step types.PbftStep, voteType types.VoteType) bool {
	isRewardVote := voteType == types.CertVote && period+types.PbftPeriod(b.RewardWindow) == b.TipPeriod
	if period < b.TipPeriod && !isRewardVote {
		return false
	}
	var periodFloor types.PbftPeriod
	if period > 0 {
		periodFloor = period - 1
	}
	if uint64(periodFloor) > uint64(b.TipPeriod)+b.AcceptingPeriods {
		return false
	}
	if period == b.TipPeriod {
		if b.TipRound > 0 && round+1 < b.TipRound {
			return false
		}
		if uint64(round) > uint64(b.TipRound)+b.AcceptingRounds {
			return false
		}
		if round == b.TipRound && uint64(step) > uint64(b.TipStep)+b.AcceptingSteps {
			return false
		}
	}
	return true
}

// Store is the shared, thread-safe vote store described by spec.md §4.3.
// A single sync.RWMutex protects the whole nested structure: critical
// sections are short hash lookups and small map inserts, matching the
// teacher's poll.Set texture.
type Store struct {
	mu       sync.RWMutex
	verified map[types.PbftPeriod]map[types.PbftRound]*roundVotes

	log          log.Logger
	pendingCells metrics.Gauge
	verifiedVotes metrics.Counter
}

// New constructs an empty Store, registering its Prometheus metrics
// ("votestore_pending_cells", "votes_verified_total") the way
// engine/chain/poll.NewSet registers its own gauge and averager.
func New(lg log.Logger, reg prometheus.Registerer) (*Store, error) {
	if lg == nil {
		lg = log.NewNoOpLogger()
	}
	pending, err := metrics.NewGauge("votestore_pending_cells", "number of (period,round,step,block) cells with votes", reg)
	if err != nil {
		return nil, fmt.Errorf("registering votestore_pending_cells: %w", err)
	}
	verifiedCounter, err := metrics.NewCounter("votes_verified_total", "total votes accepted into the store", reg)
	if err != nil {
		return nil, fmt.Errorf("registering votes_verified_total: %w", err)
	}
	return &Store{
		verified:      make(map[types.PbftPeriod]map[types.PbftRound]*roundVotes),
		log:           lg,
		pendingCells:  pending,
		verifiedVotes: verifiedCounter,
	}, nil
}

func twoTPlusOneKindFor(step types.PbftStep, blockHash types.Hash) TwoTPlusOneKind {
	switch {
	case step == 2:
		return KindSoft
	case step == 3:
		return KindCert
	case blockHash == types.ZeroHash:
		return KindNextForNull
	default:
		return KindNextForBlock
	}
}

// insertUniqueVoter resolves a conflicting insert against an existing
// voterCell, mirroring
// VerifiedVotes::insertUniqueVoter's conflict-resolution path exactly:
// the odd-step->=5 next-vote null/block exception may claim the second
// slot; any other conflict is a DoubleVote against the most specific
// existing vote (the secondary, if one was already claimed, else the
// primary). handled==false means v was accepted as the cell's secondary
// vote and the caller should continue on to record its voted value.
func insertUniqueVoter(cell *voterCell, v vote.Vote, vhash types.Hash) (InsertResult, bool) {
	if cell.primary.Hash() == vhash {
		return InsertResult{Kind: Duplicate, ExistingVote: &cell.primary}, true
	}

	if types.IsFinishPollingStep(v.Step()) {
		primaryIsNull := cell.primary.BlockHash() == types.ZeroHash
		vIsNull := v.BlockHash() == types.ZeroHash
		if cell.secondary == nil {
			if primaryIsNull != vIsNull {
				second := v
				cell.secondary = &second
				return InsertResult{}, false
			}
		} else if cell.secondary.Hash() == vhash {
			return InsertResult{Kind: Duplicate, ExistingVote: cell.secondary}, true
		}
	}

	if cell.secondary != nil && cell.secondary.Hash() != vhash {
		existing := *cell.secondary
		return InsertResult{Kind: DoubleVote, ExistingVote: &existing}, true
	}
	existing := cell.primary
	return InsertResult{Kind: DoubleVote, ExistingVote: &existing}, true
}

// Insert validates and inserts v, enforcing per-(period,round,step,voter)
// uniqueness with the odd-step->=5 null/block exception, and returns the
// edge-triggered 2t+1 notice if this insert is the first to cross the
// threshold for its (period, round, kind) cell (spec.md §4.3).
//
// weight must already have been computed (vote.Vote.CalculateWeight) and
// is passed explicitly so Store never needs a DPOS view of its own.
func (s *Store) Insert(v vote.Vote, weight uint64, bounds Bounds, twoTPlusOneThreshold uint64) (InsertResult, error) {
	if !bounds.InBounds(v.Period(), v.Round(), v.Step(), v.Type()) {
		return InsertResult{}, fmt.Errorf("%w: period=%d round=%d step=%d", ErrOutOfBounds, v.Period(), v.Round(), v.Step())
	}
	if weight == 0 {
		return InsertResult{}, fmt.Errorf("%w: voter cell period=%d round=%d step=%d", ErrInsufficientStake, v.Period(), v.Round(), v.Step())
	}
	voter, err := v.VoterAddress()
	if err != nil {
		return InsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	period, ok := s.verified[v.Period()]
	if !ok {
		period = make(map[types.PbftRound]*roundVotes)
		s.verified[v.Period()] = period
	}
	round, ok := period[v.Round()]
	if !ok {
		round = newRoundVotes()
		period[v.Round()] = round
	}
	step, ok := round.stepVotes[v.Step()]
	if !ok {
		step = newStepVotes()
		round.stepVotes[v.Step()] = step
	}

	vhash := v.Hash()

	cell, exists := step.uniqueVoters[voter]
	if !exists {
		step.uniqueVoters[voter] = &voterCell{primary: v}
	} else if res, handled := insertUniqueVoter(cell, v, vhash); handled {
		return res, nil
	}

	vv, ok := step.votes[v.BlockHash()]
	if !ok {
		vv = &votedValue{votes: make(map[types.Hash]vote.Vote)}
		step.votes[v.BlockHash()] = vv
		s.pendingCells.Inc()
	}
	if _, already := vv.votes[vhash]; already {
		return InsertResult{Kind: Duplicate}, nil
	}
	vv.votes[vhash] = v
	vv.weightTotal += weight
	s.verifiedVotes.Inc()

	result := InsertResult{Kind: Inserted}
	kind := twoTPlusOneKindFor(v.Step(), v.BlockHash())
	if v.Type() != types.ProposeVote && vv.weightTotal >= twoTPlusOneThreshold {
		if _, already := round.twoTPlusOneVoted[kind]; !already {
			vb := VotedBlock{BlockHash: v.BlockHash(), Step: v.Step()}
			round.twoTPlusOneVoted[kind] = vb
			result.NewTwoTPlusOne = &vb
			result.NewTwoTPlusOneKind = kind
		}
	}
	if v.Step() > round.networkTPlusOneStep {
		round.networkTPlusOneStep = v.Step()
	}
	return result, nil
}

// TwoTPlusOneVotedBlock returns the block (if any) that first crossed
// 2t+1 for (period, round, kind).
func (s *Store) TwoTPlusOneVotedBlock(period types.PbftPeriod, round types.PbftRound, kind TwoTPlusOneKind) (VotedBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roundLocked(period, round)
	if !ok {
		return VotedBlock{}, false
	}
	vb, ok := r.twoTPlusOneVoted[kind]
	return vb, ok
}

func (s *Store) roundLocked(period types.PbftPeriod, round types.PbftRound) (*roundVotes, bool) {
	p, ok := s.verified[period]
	if !ok {
		return nil, false
	}
	r, ok := p[round]
	return r, ok
}

// DetermineRound scans verified next-vote cells in descending round order
// within period and returns the largest round with >= 2t+1 next-vote
// weight for either NextForBlock or NextForNull, or fallback if no such
// round exists (spec.md §4.2 "Round advance").
func (s *Store) DetermineRound(period types.PbftPeriod, fallback types.PbftRound, twoTPlusOneThreshold uint64) types.PbftRound {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.verified[period]
	if !ok {
		return fallback
	}
	rounds := make([]types.PbftRound, 0, len(p))
	for r := range p {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] > rounds[j] })
	for _, r := range rounds {
		rv := p[r]
		if _, ok := rv.twoTPlusOneVoted[KindNextForBlock]; ok {
			return r
		}
		if _, ok := rv.twoTPlusOneVoted[KindNextForNull]; ok {
			return r
		}
	}
	return fallback
}

// StepVotes returns every unique vote recorded for (period, round, step),
// e.g. the round's propose-votes for leader selection (spec.md §4.1
// "Leader selection": "among proposal-vote candidates for a round").
func (s *Store) StepVotes(period types.PbftPeriod, round types.PbftRound, step types.PbftStep) []vote.Vote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roundLocked(period, round)
	if !ok {
		return nil
	}
	sv, ok := r.stepVotes[step]
	if !ok {
		return nil
	}
	out := make([]vote.Vote, 0, len(sv.votes))
	for _, vv := range sv.votes {
		for _, v := range vv.votes {
			out = append(out, v)
		}
	}
	return out
}

// Bundle returns the votes whose cumulative weight first crosses 2t+1
// for (period, round, step, blockHash), chosen greedily by descending
// single-vote weight for compact propagation (spec.md §4.3 bundle).
// weightOf is supplied by the caller since Store does not itself know
// the DPOS view.
func (s *Store) Bundle(period types.PbftPeriod, round types.PbftRound, step types.PbftStep, blockHash types.Hash, twoTPlusOneThreshold uint64, weightOf func(vote.Vote) uint64) (VoteBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roundLocked(period, round)
	if !ok {
		return VoteBundle{}, false
	}
	sv, ok := r.stepVotes[step]
	if !ok {
		return VoteBundle{}, false
	}
	vv, ok := sv.votes[blockHash]
	if !ok {
		return VoteBundle{}, false
	}
	if vv.weightTotal < twoTPlusOneThreshold {
		return VoteBundle{}, false
	}
	all := make([]vote.Vote, 0, len(vv.votes))
	for _, v := range vv.votes {
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool { return weightOf(all[i]) > weightOf(all[j]) })
	var acc uint64
	chosen := make([]vote.Vote, 0, len(all))
	for _, v := range all {
		if acc >= twoTPlusOneThreshold {
			break
		}
		chosen = append(chosen, v)
		acc += weightOf(v)
	}
	return VoteBundle{BlockHash: blockHash, Votes: chosen}, true
}

// Prune erases all entries with period < minPeriod (spec.md §4.3 prune,
// "Lifecycle"), matching VerifiedVotes::cleanupVotesByPeriod's
// ascending-walk erase.
func (s *Store) Prune(minPeriod types.PbftPeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.verified {
		if p < minPeriod {
			delete(s.verified, p)
		}
	}
}

// Size returns the total number of votes held across all cells.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.verified {
		for _, r := range p {
			for _, sv := range r.stepVotes {
				for _, vv := range sv.votes {
					n += len(vv.votes)
				}
			}
		}
	}
	return n
}
