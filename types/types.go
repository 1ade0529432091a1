// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the primitive value types shared across the
// consensus core: hashes, addresses, signatures and the period/round/step
// coordinates that index PBFT votes.
package types

import (
	"github.com/luxfi/geth/common"
)

// Hash is a 32-byte opaque identifier (block hash, vote hash, tx hash, ...).
type Hash = common.Hash

// Address is a 20-byte account/validator address, the Keccak256 hash of an
// uncompressed secp256k1 public key's last 20 bytes.
type Address = common.Address

// ZeroHash is the null-block sentinel: a vote for ZeroHash is a vote for
// "no block" rather than for a specific, known block.
var ZeroHash = Hash{}

// Signature is a 65-byte recoverable ECDSA signature: r (32) || s (32) || v (1).
type Signature [65]byte

// Bytes returns the raw signature bytes.
func (s Signature) Bytes() []byte { return s[:] }

// SignatureFromBytes builds a Signature from a 65-byte slice.
func SignatureFromBytes(b []byte) (Signature, bool) {
	var sig Signature
	if len(b) != len(sig) {
		return sig, false
	}
	copy(sig[:], b)
	return sig, true
}

// PbftPeriod indexes the linear chain slot currently being agreed upon.
type PbftPeriod uint64

// PbftRound indexes one attempt, within a period, at agreeing on a block.
type PbftRound uint64

// PbftStep indexes one step within a round: 1=propose, 2=soft, 3=cert,
// even >=4 = finish, odd >=5 = finish-polling.
type PbftStep uint64

// VoteType enumerates the semantic category of a vote, derived deterministically
// from its step via StepToType.
type VoteType uint8

const (
	InvalidVote VoteType = iota
	ProposeVote
	SoftVote
	CertVote
	NextVote
)

func (t VoteType) String() string {
	switch t {
	case ProposeVote:
		return "propose"
	case SoftVote:
		return "soft"
	case CertVote:
		return "cert"
	case NextVote:
		return "next"
	default:
		return "invalid"
	}
}

// StepToType maps a step number to its vote type, per spec.md §3:
// 1 -> propose, 2 -> soft, 3 -> cert, >=4 -> next (both finish and
// finish-polling steps carry next-votes).
func StepToType(step PbftStep) VoteType {
	switch {
	case step == 1:
		return ProposeVote
	case step == 2:
		return SoftVote
	case step == 3:
		return CertVote
	case step >= 4:
		return NextVote
	default:
		return InvalidVote
	}
}

// IsFinishStep reports whether step is an even "first finish" step (>=4).
func IsFinishStep(step PbftStep) bool {
	return step >= 4 && step%2 == 0
}

// IsFinishPollingStep reports whether step is an odd "second finish" step (>=5).
func IsFinishPollingStep(step PbftStep) bool {
	return step >= 5 && step%2 == 1
}

// IsNextVoteStep reports whether step carries next-votes at all (>=4).
func IsNextVoteStep(step PbftStep) bool {
	return step >= 4
}
