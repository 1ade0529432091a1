// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sortition implements VRF-based deterministic eligibility and
// vote-weight sortition (spec.md §4.1), grounded on
// original_source/libraries/types/vote/{include,src}/vote/vrf_sortition.{hpp,cpp}
// and built over the ECVRF-SECP256K1-SHA256-TAI construction from
// github.com/vechain/go-ecvrf, the same curve already used for vote
// signatures elsewhere in this module.
package sortition

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/vechain/go-ecvrf"

	gethcrypto "github.com/luxfi/geth/crypto"

	"github.com/dagbft/core/types"
)

// ErrInvalidVrfProof is returned when a VRF proof fails verification
// against the claimed public key and message (spec.md §4.1 Failures,
// §7 InvalidVrfProof).
var ErrInvalidVrfProof = errors.New("invalid vrf proof")

// Message is the tuple a vote's VRF is seeded with (spec.md §3
// SortitionMessage): vote type, period, round and step.
type Message struct {
	Type   types.VoteType
	Period types.PbftPeriod
	Round  types.PbftRound
	Step   types.PbftStep
}

// Bytes renders the message the way VrfPbftMsg::getRlpBytes orders its
// fields (type, round, step) plus the period, used as the VRF input
// string (alpha). The core never round-trips this value so a flat,
// deterministic big-endian encoding stands in for the original's RLP
// stream without pulling RLP into a leaf package.
func (m Message) Bytes() []byte {
	buf := make([]byte, 0, 1+8+8+8)
	buf = append(buf, byte(m.Type))
	buf = appendUint64(buf, uint64(m.Period))
	buf = appendUint64(buf, uint64(m.Round))
	buf = appendUint64(buf, uint64(m.Step))
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return append(buf, b[:]...)
}

// Proof is a VRF proof bound to a secret key and a Message.
type Proof []byte

// Output is the 64-byte deterministic pseudorandom output of a VRF proof.
type Output [64]byte

// Prove computes the VRF proof and output for msg under sk, matching
// VrfPbftSortition's constructor (sk, pbft_msg) -> (proof_, output_).
func Prove(sk *ecdsa.PrivateKey, msg Message) (Proof, Output, error) {
	beta, pi, err := ecvrf.Secp256k1Sha256Tai.Prove(sk, msg.Bytes())
	if err != nil {
		return nil, Output{}, fmt.Errorf("%w: %w", ErrInvalidVrfProof, err)
	}
	var out Output
	copy(out[:], beta)
	return pi, out, nil
}

// Verify checks that proof is a valid VRF proof for msg under pk, and
// returns the resulting output (VrfPbftSortition::verify).
func Verify(pk *ecdsa.PublicKey, msg Message, proof Proof) (Output, error) {
	beta, err := ecvrf.Secp256k1Sha256Tai.Verify(pk, msg.Bytes(), proof)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrInvalidVrfProof, err)
	}
	var out Output
	copy(out[:], beta)
	return out, nil
}

// max256 is 2^256, the normalization denominator for the address-mixed
// hash ratio (spec.md §4.1: ratio = H / 2^256).
var max256 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 256))

// Weight computes a vote's weight in [0, stake] following the binomial
// sortition of spec.md §4.1 / VrfPbftSortition::calculateWeight:
// p = threshold/totalStake, ratio = H/2^256 where H mixes the VRF output
// with the voter address, and weight is the smallest k in [0, stake] such
// that BinomialCDF(k; stake, p) >= ratio (stake if no such k exists).
//
// The caller passes stake=1 for propose-step sortition (spec.md §4.1
// "Proposal sortition"), turning this into a 0/1 Bernoulli trial.
func Weight(out Output, addr types.Address, stake, totalStake, threshold uint64) uint64 {
	if stake == 0 {
		return 0
	}
	if totalStake == 0 {
		return 0
	}
	h := voterIndexHash(out, addr, 0)
	ratio := ratioOf(h)
	p := float64(threshold) / float64(totalStake)
	return binomialSmallestK(stake, p, ratio)
}

// voterIndexHash mixes the VRF output with the voter address and an
// index (always 0 for weight computation, per spec.md §4.1), matching
// getVoterIndexHash's Keccak256(output || address || index).
func voterIndexHash(out Output, addr types.Address, index uint64) *big.Int {
	buf := make([]byte, 0, len(out)+len(addr)+8)
	buf = append(buf, out[:]...)
	buf = append(buf, addr[:]...)
	buf = appendUint64(buf, index)
	digest := gethcrypto.Keccak256(buf)
	return new(big.Int).SetBytes(digest)
}

// ratioOf converts H into H/2^256 as a float64, using big.Float for the
// division so the 256-bit numerator does not lose precision before the
// final narrowing (SPEC_FULL.md: "math/big.Float for the H/2^256 ratio").
func ratioOf(h *big.Int) float64 {
	num := new(big.Float).SetInt(h)
	ratio := new(big.Float).Quo(num, max256)
	f, _ := ratio.Float64()
	return f
}

// binomialSmallestK finds the smallest k in [0, stake] with
// BinomialCDF(k; stake, p) >= ratio via binary search over [0, stake-1]
// plus endpoint checks, matching
// VrfPbftSortition::getBinominalDistribution byte-for-byte.
func binomialSmallestK(stake uint64, p, ratio float64) uint64 {
	start, end := uint64(0), stake-1
	for start+1 < end {
		mid := start + (end-start)/2
		if ratio <= binomialCDF(mid, stake, p) {
			end = mid
		} else {
			start = mid
		}
	}
	if ratio <= binomialCDF(start, stake, p) {
		return start
	}
	if ratio <= binomialCDF(end, stake, p) {
		return end
	}
	return stake
}

// binomialCDF computes P(X <= k) for X ~ Binomial(n, p) by summing terms
// that are each computed independently in log space, stable for the committee sizes this core
// operates at (n bounded by total eligible stake, p := threshold/n).
func binomialCDF(k, n uint64, p float64) float64 {
	if p <= 0 {
		return 1
	}
	if p >= 1 {
		if k >= n {
			return 1
		}
		return 0
	}
	sum := 0.0
	logQ := math.Log(1 - p)
	// term(i) = C(n,i) p^i (1-p)^(n-i); accumulate via log-gamma to
	// avoid overflow for large n.
	for i := uint64(0); i <= k; i++ {
		logTerm := logBinomialCoefficient(n, i) + float64(i)*math.Log(p) + float64(n-i)*logQ
		sum += math.Exp(logTerm)
	}
	if sum > 1 {
		return 1
	}
	return sum
}

func logBinomialCoefficient(n, k uint64) float64 {
	lgN1, _ := math.Lgamma(float64(n) + 1)
	lgK1, _ := math.Lgamma(float64(k) + 1)
	lgNK1, _ := math.Lgamma(float64(n-k) + 1)
	return lgN1 - lgK1 - lgNK1
}
