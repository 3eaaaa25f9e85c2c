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
	"errors"
	"fmt"
)

// ErrQuantityMismatch means the target quantities of a split do not sum
// to the source quantity. This is a programming error in the caller, not
// a user error, and the splitter fails closed before generating any
// proof material.
var ErrQuantityMismatch = errors.New("split quantities do not sum to source quantity")

// Opening is a commitment opening held by the wallet
type Opening struct {
	Quantity uint64
	Blinding []byte
}

// Piece is one output of a split: a fresh blinded commitment, its
// opening, and its range proof
type Piece struct {
	Quantity   uint64
	Blinding   []byte
	Commitment []byte
	RangeProof *RangeProof
}

// SplitResult carries the split outputs and the sum-equality proof tying
// them back to the source commitment
type SplitResult struct {
	Pieces        []Piece
	EqualityProof *EqualityProof
}

// Split divides a source opening into fresh blinded commitments for the
// given target quantities. It produces a range proof per piece and one
// equality proof showing the source commitment equals the sum of the
// piece commitments, all domain-separated by the given context.
//
// The target quantities must sum exactly to the source quantity; any
// violation is rejected before proof generation.
func Split(
	source Opening,
	targetQuantities []uint64,
	context []byte,
) (*SplitResult, error) {
	if len(targetQuantities) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrQuantityMismatch)
	}
	var targetSum uint64
	for _, quantity := range targetQuantities {
		if quantity == 0 || quantity > MaxQuantity {
			return nil, ErrQuantityOutOfRange
		}
		next := targetSum + quantity
		if next < targetSum {
			return nil, ErrQuantityOutOfRange
		}
		targetSum = next
	}
	if targetSum != source.Quantity {
		return nil, fmt.Errorf(
			"%w: targets sum to %d, source is %d",
			ErrQuantityMismatch,
			targetSum,
			source.Quantity,
		)
	}
	sourceCommitment, err := CommitWith(source.Quantity, source.Blinding)
	if err != nil {
		return nil, err
	}
	pieces := make([]Piece, 0, len(targetQuantities))
	pieceCommitments := make([]*Commitment, 0, len(targetQuantities))
	pieceBlindings := make([][]byte, 0, len(targetQuantities))
	for _, quantity := range targetQuantities {
		c, blinding, err := Commit(quantity)
		if err != nil {
			return nil, err
		}
		rangeProof, err := ProveRange(quantity, blinding, c, context)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, Piece{
			Quantity:   quantity,
			Blinding:   blinding,
			Commitment: c.Bytes(),
			RangeProof: rangeProof,
		})
		pieceCommitments = append(pieceCommitments, c)
		pieceBlindings = append(pieceBlindings, blinding)
	}
	equalityProof, err := ProveEquality(
		source.Blinding,
		pieceBlindings,
		sourceCommitment,
		pieceCommitments,
		context,
	)
	if err != nil {
		return nil, err
	}
	return &SplitResult{
		Pieces:        pieces,
		EqualityProof: equalityProof,
	}, nil
}
