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

// Package commitment implements the Pedersen commitment primitive used
// to hide slice quantities on the registry: blinded commitments over
// secp256k1, sum-equality proofs for splits, and range attestations.
// All proofs are domain-separated by a caller-provided context, normally
// the certificate's stream id.
package commitment

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MaxQuantity is the upper bound of the legal quantity range
const MaxQuantity = uint64(1)<<32 - 1

var (
	ErrQuantityOutOfRange = errors.New("quantity out of range")
	ErrInvalidCommitment  = errors.New("invalid commitment encoding")
	ErrInvalidProof       = errors.New("invalid proof encoding")
)

// generatorH is the secondary Pedersen generator, derived from a fixed
// domain tag by hashing to a curve point so its discrete log relative to
// G is unknown
var generatorH secp256k1.JacobianPoint

func init() {
	seed := []byte("gcwallet/pedersen/generator/H")
	for i := uint32(0); ; i++ {
		data := binary.BigEndian.AppendUint32(seed, i)
		digest := sha256.Sum256(data)
		candidate := make([]byte, 0, 33)
		candidate = append(candidate, 0x02)
		candidate = append(candidate, digest[:]...)
		pubKey, err := secp256k1.ParsePubKey(candidate)
		if err != nil {
			continue
		}
		pubKey.AsJacobian(&generatorH)
		return
	}
}

// Commitment is a Pedersen commitment C = q*G + r*H binding a hidden
// quantity q under blinding factor r
type Commitment struct {
	point secp256k1.JacobianPoint
}

// Bytes returns the 33-byte compressed encoding of the commitment
func (c *Commitment) Bytes() []byte {
	point := c.point
	point.ToAffine()
	return secp256k1.NewPublicKey(&point.X, &point.Y).SerializeCompressed()
}

// Equal compares two commitments
func (c *Commitment) Equal(other *Commitment) bool {
	a := c.Bytes()
	b := other.Bytes()
	return string(a) == string(b)
}

// Parse decodes a compressed commitment encoding
func Parse(data []byte) (*Commitment, error) {
	pubKey, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommitment, err)
	}
	ret := &Commitment{}
	pubKey.AsJacobian(&ret.point)
	return ret, nil
}

// scalarFromQuantity converts a quantity to a curve scalar
func scalarFromQuantity(quantity uint64) *secp256k1.ModNScalar {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], quantity)
	s := &secp256k1.ModNScalar{}
	s.SetByteSlice(buf[:])
	return s
}

// scalarFromBlinding converts a stored 32-byte blinding factor to a
// curve scalar
func scalarFromBlinding(blinding []byte) (*secp256k1.ModNScalar, error) {
	if len(blinding) != 32 {
		return nil, fmt.Errorf(
			"blinding factor must be 32 bytes, got %d",
			len(blinding),
		)
	}
	s := &secp256k1.ModNScalar{}
	s.SetByteSlice(blinding)
	return s, nil
}

func scalarBytes(s *secp256k1.ModNScalar) []byte {
	var buf [32]byte
	s.PutBytes(&buf)
	return buf[:]
}

// commitScalars computes q*G + r*H
func commitScalars(
	quantity *secp256k1.ModNScalar,
	blinding *secp256k1.ModNScalar,
) *Commitment {
	var qg, rh secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(quantity, &qg)
	secp256k1.ScalarMultNonConst(blinding, &generatorH, &rh)
	ret := &Commitment{}
	secp256k1.AddNonConst(&qg, &rh, &ret.point)
	return ret
}

// Commit produces a fresh blinded commitment to the given quantity and
// returns it with the 32-byte blinding factor that opens it
func Commit(quantity uint64) (*Commitment, []byte, error) {
	if quantity > MaxQuantity {
		return nil, nil, ErrQuantityOutOfRange
	}
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate blinding factor: %w", err)
	}
	blinding := key.Key
	c := commitScalars(scalarFromQuantity(quantity), &blinding)
	return c, scalarBytes(&blinding), nil
}

// CommitWith recomputes the commitment for a known opening
func CommitWith(quantity uint64, blinding []byte) (*Commitment, error) {
	r, err := scalarFromBlinding(blinding)
	if err != nil {
		return nil, err
	}
	return commitScalars(scalarFromQuantity(quantity), r), nil
}

// Verify checks that the commitment opens to the given quantity and
// blinding factor
func Verify(c *Commitment, quantity uint64, blinding []byte) bool {
	expected, err := CommitWith(quantity, blinding)
	if err != nil {
		return false
	}
	return c.Equal(expected)
}

// Sum adds a set of commitments, exploiting the additive homomorphism
func Sum(commitments ...*Commitment) *Commitment {
	ret := &Commitment{}
	// Point at infinity
	ret.point.X.SetInt(0)
	ret.point.Y.SetInt(0)
	ret.point.Z.SetInt(0)
	for _, c := range commitments {
		var sum secp256k1.JacobianPoint
		secp256k1.AddNonConst(&ret.point, &c.point, &sum)
		ret.point = sum
	}
	return ret
}

// subtract computes a - b
func subtract(a, b *Commitment) *Commitment {
	neg := b.point
	neg.Y.Normalize()
	neg.Y.Negate(1)
	neg.Y.Normalize()
	ret := &Commitment{}
	secp256k1.AddNonConst(&a.point, &neg, &ret.point)
	return ret
}
