// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package vote

import (
	"errors"
	"fmt"

	"github.com/luxfi/geth/rlp"

	"github.com/dagbft/core/sortition"
	"github.com/dagbft/core/types"
)

// ErrEmptyBundle is returned when a bundle carries no votes.
var ErrEmptyBundle = errors.New("vote bundle is empty")

// ErrBundleMismatch is returned when the votes in a bundle do not share
// the bundle's common (block_hash, period, round, step) prefix.
var ErrBundleMismatch = errors.New("vote does not match bundle coordinates")

// proofSigPair is one entry of OptimizedVoteBundle's per-vote tail
// (spec.md §6 wire envelope): the part of a Vote not shared across the
// bundle.
type proofSigPair struct {
	VrfProof  []byte
	Signature []byte
}

// rlpBundle is the exact wire shape of spec.md §6's OptimizedVoteBundle:
// [block_hash, period, round, step, [ {vrf_proof, signature} ... ]].
type rlpBundle struct {
	BlockHash types.Hash
	Period    uint64
	Round     uint64
	Step      uint64
	Pairs     []proofSigPair
}

// Bundle is the in-memory form of an OptimizedVoteBundle: a set of votes
// that all share the same (block_hash, period, round, step) coordinate,
// differing only in voter/proof/signature. storage.PutNextVotes builds one
// to persist a round's next-votes in this compact form (spec.md §4.3
// bundle, §6).
type Bundle struct {
	BlockHash types.Hash
	Period    types.PbftPeriod
	Round     types.PbftRound
	Step      types.PbftStep
	Votes     []Vote
}

// EncodeBundle renders votes sharing a common coordinate as the
// OptimizedVoteBundle wire format, factoring out the shared prefix.
func EncodeBundle(b Bundle) ([]byte, error) {
	if len(b.Votes) == 0 {
		return nil, ErrEmptyBundle
	}
	pairs := make([]proofSigPair, len(b.Votes))
	for i, v := range b.Votes {
		if v.blockHash != b.BlockHash || v.message.Period != b.Period ||
			v.message.Round != b.Round || v.message.Step != b.Step {
			return nil, fmt.Errorf("%w: index=%d", ErrBundleMismatch, i)
		}
		pairs[i] = proofSigPair{VrfProof: v.proof, Signature: v.signature[:]}
	}
	return rlp.EncodeToBytes(rlpBundle{
		BlockHash: b.BlockHash,
		Period:    uint64(b.Period),
		Round:     uint64(b.Round),
		Step:      uint64(b.Step),
		Pairs:     pairs,
	})
}

// DecodeBundle reconstructs a Bundle, pairing the common prefix with each
// proof/signature pair to rebuild each individual Vote (spec.md §6:
// "Receivers reconstruct each vote by pairing the common prefix with
// each proof/sig pair"). The wire format carries no VRF output, so every
// rebuilt Vote has a zero Output().
func DecodeBundle(data []byte) (Bundle, error) {
	var r rlpBundle
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return Bundle{}, fmt.Errorf("decoding vote bundle: %w", err)
	}
	if len(r.Pairs) == 0 {
		return Bundle{}, ErrEmptyBundle
	}
	msgType := types.StepToType(types.PbftStep(r.Step))
	votes := make([]Vote, len(r.Pairs))
	for i, pair := range r.Pairs {
		sig, ok := types.SignatureFromBytes(pair.Signature)
		if !ok {
			return Bundle{}, fmt.Errorf("%w: bad signature length at index %d", ErrInvalidSignature, i)
		}
		var output sortition.Output
		votes[i] = Vote{
			blockHash: r.BlockHash,
			message: sortition.Message{
				Type:   msgType,
				Period: types.PbftPeriod(r.Period),
				Round:  types.PbftRound(r.Round),
				Step:   types.PbftStep(r.Step),
			},
			proof:     pair.VrfProof,
			output:    output,
			signature: sig,
		}
	}
	return Bundle{
		BlockHash: r.BlockHash,
		Period:    types.PbftPeriod(r.Period),
		Round:     types.PbftRound(r.Round),
		Step:      types.PbftStep(r.Step),
		Votes:     votes,
	}, nil
}
