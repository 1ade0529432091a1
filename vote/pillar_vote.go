// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package vote

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	gethcrypto "github.com/luxfi/geth/crypto"
	"github.com/luxfi/geth/rlp"

	"github.com/dagbft/core/types"
)

// rlpPillarVote is PillarVote's wire/storage layout
// (PillarVote::kStandardRlpSize == 3: period, block_hash, signature).
type rlpPillarVote struct {
	Period    uint64
	BlockHash types.Hash
	Signature []byte
}

// PillarVote is a stake-weighted checkpoint certification vote (spec.md
// §3), grounded on
// original_source/libraries/types/vote/include/vote/pillar_vote.hpp. It
// does not carry a VRF sortition credential: pillar vote weight comes
// from validator stake, looked up externally, not from a binomial draw.
type PillarVote struct {
	period    types.PbftPeriod
	blockHash types.Hash
	signature types.Signature

	mu          sync.Mutex
	hash        *types.Hash
	voterCached bool
	voter       types.Address
}

// NewPillarVote builds and signs a new PillarVote for (period, blockHash).
func NewPillarVote(sk *ecdsa.PrivateKey, period types.PbftPeriod, blockHash types.Hash) (PillarVote, error) {
	pv := PillarVote{period: period, blockHash: blockHash}
	digest := pv.signingHash()
	sig, err := gethcrypto.Sign(digest[:], sk)
	if err != nil {
		return PillarVote{}, fmt.Errorf("signing pillar vote: %w", err)
	}
	copy(pv.signature[:], sig)
	return pv, nil
}

func (pv PillarVote) signingHash() types.Hash {
	buf := make([]byte, 0, 8+32)
	buf = appendUint64(buf, uint64(pv.period))
	buf = append(buf, pv.blockHash[:]...)
	return types.Hash(gethcrypto.Keccak256Hash(buf))
}

// Period returns the checkpoint period this vote certifies.
func (pv PillarVote) Period() types.PbftPeriod { return pv.period }

// BlockHash returns the voted checkpoint block hash.
func (pv PillarVote) BlockHash() types.Hash { return pv.blockHash }

// Signature returns the raw signature.
func (pv PillarVote) Signature() types.Signature { return pv.signature }

// Hash returns the vote's cached content hash.
func (pv *PillarVote) Hash() types.Hash {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if pv.hash == nil {
		b, err := pv.Encode()
		if err != nil {
			panic(fmt.Sprintf("pillar vote: encoding failed: %v", err))
		}
		h := types.Hash(gethcrypto.Keccak256Hash(b))
		pv.hash = &h
	}
	return *pv.hash
}

// VoterAddress recovers and caches the signer's address.
func (pv *PillarVote) VoterAddress() (types.Address, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	if pv.voterCached {
		return pv.voter, nil
	}
	digest := pv.signingHash()
	pub, err := gethcrypto.SigToPub(digest[:], pv.signature[:])
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	addr := gethcrypto.PubkeyToAddress(*pub)
	pv.voter = types.Address(addr)
	pv.voterCached = true
	return pv.voter, nil
}

// Encode returns the canonical RLP encoding.
func (pv PillarVote) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(rlpPillarVote{
		Period:    uint64(pv.period),
		BlockHash: pv.blockHash,
		Signature: pv.signature[:],
	})
}

// DecodePillarVote reconstructs a PillarVote from its RLP encoding.
func DecodePillarVote(data []byte) (PillarVote, error) {
	var r rlpPillarVote
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return PillarVote{}, fmt.Errorf("decoding pillar vote: %w", err)
	}
	sig, ok := types.SignatureFromBytes(r.Signature)
	if !ok {
		return PillarVote{}, fmt.Errorf("%w: bad signature length %d", ErrInvalidSignature, len(r.Signature))
	}
	return PillarVote{
		period:    types.PbftPeriod(r.Period),
		blockHash: r.BlockHash,
		signature: sig,
	}, nil
}
