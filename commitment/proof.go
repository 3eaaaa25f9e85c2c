// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commitment

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// EqualityProof shows that a source commitment equals the sum of a set of
// part commitments without revealing any quantity. Since quantities are
// conserved across a split, the difference between the source and the
// summed parts is a pure blinding term d*H; the proof is a Schnorr proof
// of knowledge of d relative to H.
type EqualityProof struct {
	R []byte `json:"r"` // commitment to the proof nonce
	S []byte `json:"s"` // response scalar
}

// RangeProof attests that a commitment opens to a quantity within the
// legal non-negative range. The prover fails closed when the quantity is
// outside the range, then proves knowledge of the opening with a Schnorr
// proof over both generators.
type RangeProof struct {
	R  []byte `json:"r"`
	S1 []byte `json:"s1"`
	S2 []byte `json:"s2"`
}

// challengeScalar derives the Fiat-Shamir challenge from the context and
// transcript elements
func challengeScalar(context []byte, elements ...[]byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write([]byte("gcwallet/proof/challenge"))
	var lenBuf [8]byte
	writeElement := func(element []byte) {
		// Length-prefix each element so transcripts cannot collide
		for i := range lenBuf {
			lenBuf[i] = byte(len(element) >> (8 * (7 - i)))
		}
		h.Write(lenBuf[:])
		h.Write(element)
	}
	writeElement(context)
	for _, element := range elements {
		writeElement(element)
	}
	e := &secp256k1.ModNScalar{}
	e.SetByteSlice(h.Sum(nil))
	return e
}

// ProveEquality produces an equality proof tying the source commitment
// to the sum of the part commitments. The caller must hold the openings
// of all commitments involved.
func ProveEquality(
	sourceBlinding []byte,
	partBlindings [][]byte,
	source *Commitment,
	parts []*Commitment,
	context []byte,
) (*EqualityProof, error) {
	d, err := scalarFromBlinding(sourceBlinding)
	if err != nil {
		return nil, err
	}
	for _, blinding := range partBlindings {
		r, err := scalarFromBlinding(blinding)
		if err != nil {
			return nil, err
		}
		d.Add(r.Negate())
	}
	nonceKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	k := nonceKey.Key
	var noncePoint secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&k, &generatorH, &noncePoint)
	nonceCommitment := &Commitment{point: noncePoint}
	transcript := [][]byte{source.Bytes()}
	for _, part := range parts {
		transcript = append(transcript, part.Bytes())
	}
	transcript = append(transcript, nonceCommitment.Bytes())
	e := challengeScalar(context, transcript...)
	// s = k + e*d
	s := new(secp256k1.ModNScalar).Mul2(e, d).Add(&k)
	return &EqualityProof{
		R: nonceCommitment.Bytes(),
		S: scalarBytes(s),
	}, nil
}

// VerifyEquality checks an equality proof against the source and part
// commitments under the given context
func VerifyEquality(
	proof *EqualityProof,
	source *Commitment,
	parts []*Commitment,
	context []byte,
) bool {
	if proof == nil {
		return false
	}
	nonceCommitment, err := Parse(proof.R)
	if err != nil {
		return false
	}
	s, err := scalarFromBlinding(proof.S)
	if err != nil {
		return false
	}
	transcript := [][]byte{source.Bytes()}
	for _, part := range parts {
		transcript = append(transcript, part.Bytes())
	}
	transcript = append(transcript, proof.R)
	e := challengeScalar(context, transcript...)
	// delta = source - sum(parts), expected to be d*H
	delta := subtract(source, Sum(parts...))
	// Check s*H == R + e*delta
	var lhs, scaled secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(s, &generatorH, &lhs)
	secp256k1.ScalarMultNonConst(e, &delta.point, &scaled)
	var rhs secp256k1.JacobianPoint
	secp256k1.AddNonConst(&nonceCommitment.point, &scaled, &rhs)
	return (&Commitment{point: lhs}).Equal(&Commitment{point: rhs})
}

// ProveRange produces a range attestation for a commitment opening. The
// quantity is checked against the legal range before any proof material
// is generated.
func ProveRange(
	quantity uint64,
	blinding []byte,
	c *Commitment,
	context []byte,
) (*RangeProof, error) {
	if quantity > MaxQuantity {
		return nil, ErrQuantityOutOfRange
	}
	r, err := scalarFromBlinding(blinding)
	if err != nil {
		return nil, err
	}
	nonce1, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	nonce2, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	k1 := nonce1.Key
	k2 := nonce2.Key
	nonceCommitment := commitScalars(&k1, &k2)
	e := challengeScalar(context, c.Bytes(), nonceCommitment.Bytes())
	s1 := new(secp256k1.ModNScalar).Mul2(e, scalarFromQuantity(quantity)).Add(&k1)
	s2 := new(secp256k1.ModNScalar).Mul2(e, r).Add(&k2)
	return &RangeProof{
		R:  nonceCommitment.Bytes(),
		S1: scalarBytes(s1),
		S2: scalarBytes(s2),
	}, nil
}

// VerifyRange checks a range attestation against a commitment under the
// given context
func VerifyRange(
	proof *RangeProof,
	c *Commitment,
	context []byte,
) bool {
	if proof == nil {
		return false
	}
	nonceCommitment, err := Parse(proof.R)
	if err != nil {
		return false
	}
	s1, err := scalarFromBlinding(proof.S1)
	if err != nil {
		return false
	}
	s2, err := scalarFromBlinding(proof.S2)
	if err != nil {
		return false
	}
	e := challengeScalar(context, c.Bytes(), proof.R)
	// Check s1*G + s2*H == R + e*C
	lhs := commitScalars(s1, s2)
	var scaled, rhs secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(e, &c.point, &scaled)
	secp256k1.AddNonConst(&nonceCommitment.point, &scaled, &rhs)
	return lhs.Equal(&Commitment{point: rhs})
}
