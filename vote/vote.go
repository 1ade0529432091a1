// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vote implements the immutable signed vote record (spec.md §3),
// grounded on original_source/libraries/types/vote/include/vote/vote.hpp
// and pillar_vote.hpp, collapsing the original's Vote/PbftVote duality
// into the single type spec.md §9 directs. RLP encoding uses the
// teacher's own geth fork, github.com/luxfi/geth/rlp, and signatures use
// github.com/luxfi/geth/crypto's secp256k1 sign/recover, matching the
// "one curve end to end" choice already made for sortition.
package vote

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/luxfi/geth/rlp"

	"github.com/dagbft/core/sortition"
	"github.com/dagbft/core/types"
)

var (
	// ErrInvalidSignature is returned when a vote's signature does not
	// recover to a valid public key (spec.md §7 InvalidSignature).
	ErrInvalidSignature = errors.New("invalid vote signature")
	// ErrNullBlockInPropose rejects a propose-step vote for the null
	// block (spec.md §3 invariants).
	ErrNullBlockInPropose = errors.New("propose vote cannot target the null block")
	// ErrVoteTypeMismatch is returned when vote_type != StepToType(step).
	ErrVoteTypeMismatch = errors.New("vote type does not match step")
)

// sortitionPayload is the on-wire shape of a vote's VRF sortition data
// (VrfPbftSortition: pbft_msg_, proof_, output_ are all carried; output_
// is recomputed/verified rather than trusted on decode in the strict
// paths, but is also shipped to avoid a second VRF verification round
// trip on every hop — original_source ships proof_ only and recomputes
// output via Verify; we keep both so callers may choose either).
type sortitionPayload struct {
	Type   uint8
	Period uint64
	Round  uint64
	Step   uint64
	Proof  []byte
	Output [64]byte
}

// rlpVote is the exact wire/storage layout of a Vote, matching Vote::rlp.
type rlpVote struct {
	BlockHash types.Hash
	Sortition sortitionPayload
	Signature []byte
}

// Vote is an immutable signed record of a single PBFT step participation
// (spec.md §3). Construct with New or Decode; all fields besides the
// lazily-cached ones are fixed at construction.
type Vote struct {
	blockHash types.Hash
	message   sortition.Message
	proof     sortition.Proof
	output    sortition.Output
	signature types.Signature

	mu          sync.Mutex
	hash        *types.Hash
	voterCached bool
	voter       types.Address
	weight      *uint64
}

// New builds and signs a new Vote for blockHash under sk, computing the
// VRF proof/output for msg (Vote's (node_sk, vrf_sortition, blockhash)
// constructor). The null-block/propose-step invariant is enforced here.
func New(sk *ecdsa.PrivateKey, msg sortition.Message, blockHash types.Hash) (Vote, error) {
	if msg.Type != types.StepToType(msg.Step) {
		return Vote{}, fmt.Errorf("%w: step=%d type=%s", ErrVoteTypeMismatch, msg.Step, msg.Type)
	}
	if msg.Step == 1 && blockHash == types.ZeroHash {
		return Vote{}, ErrNullBlockInPropose
	}
	proof, output, err := sortition.Prove(sk, msg)
	if err != nil {
		return Vote{}, err
	}
	v := Vote{
		blockHash: blockHash,
		message:   msg,
		proof:     proof,
		output:    output,
	}
	digest := v.signingHash()
	sig, err := gethcrypto.Sign(digest[:], sk)
	if err != nil {
		return Vote{}, fmt.Errorf("signing vote: %w", err)
	}
	copy(v.signature[:], sig)
	return v, nil
}

// signingHash is Keccak256(block_hash, sortition), the payload the vote
// signature covers (spec.md §3 "signature: signs Keccak256(block_hash,
// sortition)").
func (v Vote) signingHash() types.Hash {
	buf := append(append([]byte{}, v.blockHash[:]...), v.sortitionBytes()...)
	return types.Hash(gethcrypto.Keccak256Hash(buf))
}

func (v Vote) sortitionBytes() []byte {
	buf := make([]byte, 0, 1+24+len(v.proof)+64)
	buf = append(buf, byte(v.message.Type))
	buf = appendUint64(buf, uint64(v.message.Period))
	buf = appendUint64(buf, uint64(v.message.Round))
	buf = appendUint64(buf, uint64(v.message.Step))
	buf = append(buf, v.proof...)
	buf = append(buf, v.output[:]...)
	return buf
}

func appendUint64(buf []byte, x uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(x)
		x >>= 8
	}
	return append(buf, b[:]...)
}

// BlockHash returns the voted value; types.ZeroHash denotes the null block.
func (v Vote) BlockHash() types.Hash { return v.blockHash }

// Message returns the sortition seed tuple.
func (v Vote) Message() sortition.Message { return v.message }

// Type returns the vote's semantic category, derived from its step.
func (v Vote) Type() types.VoteType { return v.message.Type }

// Period, Round, Step are convenience accessors onto the embedded message.
func (v Vote) Period() types.PbftPeriod { return v.message.Period }
func (v Vote) Round() types.PbftRound   { return v.message.Round }
func (v Vote) Step() types.PbftStep     { return v.message.Step }

// Proof returns the VRF proof bytes.
func (v Vote) Proof() sortition.Proof { return v.proof }

// Output returns the VRF output.
func (v Vote) Output() sortition.Output { return v.output }

// Signature returns the raw 65-byte recoverable signature.
func (v Vote) Signature() types.Signature { return v.signature }

// Hash returns the vote's own cached content hash (of the full signed
// payload), computing it on first call.
func (v *Vote) Hash() types.Hash {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hash == nil {
		h := gethcrypto.Keccak256Hash(v.encodeBytes())
		hh := types.Hash(h)
		v.hash = &hh
	}
	return *v.hash
}

// VoterAddress recovers and caches the signer's address from the
// signature (Vote::getVoterAddr).
func (v *Vote) VoterAddress() (types.Address, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.voterCached {
		return v.voter, nil
	}
	digest := v.signingHash()
	pub, err := gethcrypto.SigToPub(digest[:], v.signature[:])
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	addr := gethcrypto.PubkeyToAddress(*pub)
	v.voter = types.Address(addr)
	v.voterCached = true
	return v.voter, nil
}

// Weight returns the previously computed weight, if any (assigned lazily
// by CalculateWeight on first computation, per spec.md §3).
func (v *Vote) Weight() (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.weight == nil {
		return 0, false
	}
	return *v.weight, true
}

// CalculateWeight computes and caches this vote's sortition weight under
// the given stake distribution, matching Vote::calculateWeight. The
// propose step always passes stake=1 regardless of actual stake (spec.md
// §4.1 "Proposal sortition"); callers are responsible for that override.
func (v *Vote) CalculateWeight(stake, totalStake, threshold uint64) (uint64, error) {
	addr, err := v.VoterAddress()
	if err != nil {
		return 0, err
	}
	w := sortition.Weight(v.output, addr, stake, totalStake, threshold)
	v.mu.Lock()
	v.weight = &w
	v.mu.Unlock()
	return w, nil
}

// RecoverPublicKey recovers the signer's full public key from the
// signature, for callers that need the key itself rather than just the
// derived address (e.g. sync.Pipeline's bootstrap-block full VRF
// reverification, which VerifyVrf needs a *ecdsa.PublicKey for).
func (v Vote) RecoverPublicKey() (*ecdsa.PublicKey, error) {
	digest := v.signingHash()
	pub, err := gethcrypto.SigToPub(digest[:], v.signature[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return pub, nil
}

// VerifyVrf checks the vote's VRF proof against pk and the vote's own
// sortition message, caching nothing (verification is cheap relative to
// signature recovery and callers may verify against rotating keys).
func (v Vote) VerifyVrf(pk *ecdsa.PublicKey) error {
	out, err := sortition.Verify(pk, v.message, v.proof)
	if err != nil {
		return err
	}
	if out != v.output {
		return sortition.ErrInvalidVrfProof
	}
	return nil
}

// Encode returns the canonical RLP encoding of the vote.
func (v Vote) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(v.toRLP())
}

func (v Vote) encodeBytes() []byte {
	b, err := v.Encode()
	if err != nil {
		// Encoding a well-formed Vote never fails; a failure here means
		// a construction invariant was violated upstream.
		panic(fmt.Sprintf("vote: encoding failed: %v", err))
	}
	return b
}

func (v Vote) toRLP() rlpVote {
	return rlpVote{
		BlockHash: v.blockHash,
		Sortition: sortitionPayload{
			Type:   uint8(v.message.Type),
			Period: uint64(v.message.Period),
			Round:  uint64(v.message.Round),
			Step:   uint64(v.message.Step),
			Proof:  v.proof,
			Output: v.output,
		},
		Signature: v.signature[:],
	}
}

// Decode reconstructs a Vote from its RLP encoding (Vote::Vote(RLP)).
func Decode(data []byte) (Vote, error) {
	var r rlpVote
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return Vote{}, fmt.Errorf("decoding vote: %w", err)
	}
	sig, ok := types.SignatureFromBytes(r.Signature)
	if !ok {
		return Vote{}, fmt.Errorf("%w: bad signature length %d", ErrInvalidSignature, len(r.Signature))
	}
	return Vote{
		blockHash: r.BlockHash,
		message: sortition.Message{
			Type:   types.VoteType(r.Sortition.Type),
			Period: types.PbftPeriod(r.Sortition.Period),
			Round:  types.PbftRound(r.Sortition.Round),
			Step:   types.PbftStep(r.Sortition.Step),
		},
		proof:     r.Sortition.Proof,
		output:    r.Sortition.Output,
		signature: sig,
	}, nil
}
