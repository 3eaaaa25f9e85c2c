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

package pipeline

import (
	"fmt"

	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/registry"
)

// sideSlicePlan describes how one reserved slice participates in a
// claim: the exact-quantity pieces it must be split into, one per claim
// pair it covers, plus a remainder when the reservation over-covered.
// A slice covering exactly one pair with its whole quantity is used
// directly and needs no split.
type sideSlicePlan struct {
	slice             models.Slice
	pieces            []SlicePiece
	remainderID       string
	remainderQuantity uint64
	whole             bool
}

// pairPlan is one production/consumption slice pair retired by a claim
type pairPlan struct {
	claimID     string
	prodSliceID string
	consSliceID string
	quantity    uint64
}

// claimPlan is the full plan for a claim pipeline
type claimPlan struct {
	prod  []sideSlicePlan
	cons  []sideSlicePlan
	pairs []pairPlan
}

// buildClaimPlan aligns the reserved production and consumption slices
// into equal-quantity pairs. Both sides are walked in reservation order;
// each chunk is the largest quantity both current slices can still cover,
// so the pairing is deterministic for a given reservation.
func buildClaimPlan(
	pipelineID string,
	prod []models.Slice,
	cons []models.Slice,
	quantity uint64,
) *claimPlan {
	plan := &claimPlan{
		prod: make([]sideSlicePlan, len(prod)),
		cons: make([]sideSlicePlan, len(cons)),
	}
	for i := range prod {
		plan.prod[i].slice = prod[i]
	}
	for i := range cons {
		plan.cons[i].slice = cons[i]
	}
	var pi, ci int
	var prodUsed, consUsed uint64
	remaining := quantity
	for remaining > 0 && pi < len(prod) && ci < len(cons) {
		prodLeft := prod[pi].Quantity - prodUsed
		consLeft := cons[ci].Quantity - consUsed
		chunk := min(remaining, prodLeft, consLeft)
		prodPieceID := childID(
			pipelineID,
			fmt.Sprintf("claim/prod/%d/%d", pi, len(plan.prod[pi].pieces)),
		)
		consPieceID := childID(
			pipelineID,
			fmt.Sprintf("claim/cons/%d/%d", ci, len(plan.cons[ci].pieces)),
		)
		plan.prod[pi].pieces = append(
			plan.prod[pi].pieces,
			SlicePiece{SliceID: prodPieceID, Quantity: chunk},
		)
		plan.cons[ci].pieces = append(
			plan.cons[ci].pieces,
			SlicePiece{SliceID: consPieceID, Quantity: chunk},
		)
		plan.pairs = append(plan.pairs, pairPlan{
			claimID: childID(
				pipelineID,
				fmt.Sprintf("claim/%d", len(plan.pairs)),
			),
			prodSliceID: prodPieceID,
			consSliceID: consPieceID,
			quantity:    chunk,
		})
		prodUsed += chunk
		consUsed += chunk
		remaining -= chunk
		if prodUsed == prod[pi].Quantity {
			pi++
			prodUsed = 0
		}
		if consUsed == cons[ci].Quantity {
			ci++
			consUsed = 0
		}
	}
	// Only the last reserved slice on a side can over-cover
	if pi < len(prod) && prodUsed > 0 {
		plan.prod[pi].remainderQuantity = prod[pi].Quantity - prodUsed
		plan.prod[pi].remainderID = childID(
			pipelineID,
			fmt.Sprintf("claim/prod/%d/remainder", pi),
		)
	}
	if ci < len(cons) && consUsed > 0 {
		plan.cons[ci].remainderQuantity = cons[ci].Quantity - consUsed
		plan.cons[ci].remainderID = childID(
			pipelineID,
			fmt.Sprintf("claim/cons/%d/remainder", ci),
		)
	}
	// A slice fully consumed by a single pair is claimed directly
	plan.collapseWholeSlices()
	return plan
}

// collapseWholeSlices replaces the generated piece id with the slice's
// own id wherever a slice is consumed whole by exactly one pair, so no
// split transaction is issued for it
func (p *claimPlan) collapseWholeSlices() {
	replaced := make(map[string]string)
	for _, side := range [][]sideSlicePlan{p.prod, p.cons} {
		for i := range side {
			sp := &side[i]
			if len(sp.pieces) == 1 &&
				sp.pieces[0].Quantity == sp.slice.Quantity {
				replaced[sp.pieces[0].SliceID] = sp.slice.ID
				sp.pieces[0].SliceID = sp.slice.ID
				sp.whole = true
			}
		}
	}
	for i := range p.pairs {
		if id, ok := replaced[p.pairs[i].prodSliceID]; ok {
			p.pairs[i].prodSliceID = id
		}
		if id, ok := replaced[p.pairs[i].consSliceID]; ok {
			p.pairs[i].consSliceID = id
		}
	}
}

// itinerary lays the plan out as an ordered activity list plus the claim
// rows to insert. Split steps for both sides come first, then one claim
// sequence per pair, then the terminal request completion.
func (p *claimPlan) itinerary(
	pipelineID string,
	needsNotary bool,
) ([]models.Activity, []models.Claim, error) {
	var activities []models.Activity
	appendActivity := func(kind string, args any) error {
		activity, err := newActivity(
			pipelineID,
			len(activities),
			kind,
			args,
		)
		if err != nil {
			return err
		}
		activities = append(activities, activity)
		return nil
	}
	for _, side := range [][]sideSlicePlan{p.prod, p.cons} {
		for _, sp := range side {
			if sp.whole {
				continue
			}
			pieceIDs := make([]string, 0, len(sp.pieces))
			for _, piece := range sp.pieces {
				pieceIDs = append(pieceIDs, piece.SliceID)
			}
			prepareIndex := len(activities)
			steps := []struct {
				kind string
				args any
			}{
				{KindPrepareSlice, PrepareSliceArgs{
					SourceSliceID:     sp.slice.ID,
					Pieces:            sp.pieces,
					RemainderSliceID:  sp.remainderID,
					RemainderQuantity: sp.remainderQuantity,
				}},
				{KindSubmitTx, SubmitTxArgs{TxIndex: prepareIndex}},
				{KindAwaitCommit, AwaitCommitArgs{TxIndex: prepareIndex}},
				{KindFinalizeSlice, FinalizeSliceArgs{
					SourceSliceID:    sp.slice.ID,
					PieceSliceIDs:    pieceIDs,
					RemainderSliceID: sp.remainderID,
				}},
			}
			for _, step := range steps {
				if err := appendActivity(step.kind, step.args); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	claims := make([]models.Claim, 0, len(p.pairs))
	for _, pair := range p.pairs {
		claims = append(claims, models.Claim{
			ID:                 pair.claimID,
			ProductionSliceID:  pair.prodSliceID,
			ConsumptionSliceID: pair.consSliceID,
			Quantity:           pair.quantity,
			State:              models.ClaimStateCreated,
		})
		notarizeIndex := -1
		if needsNotary {
			notarizeIndex = len(activities)
			err := appendActivity(
				KindNotarizeIntent,
				NotarizeIntentArgs{SliceID: pair.prodSliceID},
			)
			if err != nil {
				return nil, nil, err
			}
		}
		prodPrepare := len(activities)
		steps := []struct {
			kind string
			args any
		}{
			{KindPrepareClaimSide, PrepareClaimSideArgs{
				ClaimID:       pair.claimID,
				SliceID:       pair.prodSliceID,
				OtherSliceID:  pair.consSliceID,
				EventType:     registry.EventTypeAllocated,
				NotarizeIndex: notarizeIndex,
			}},
			{KindSubmitTx, SubmitTxArgs{TxIndex: prodPrepare}},
			{KindAwaitCommit, AwaitCommitArgs{TxIndex: prodPrepare}},
		}
		for _, step := range steps {
			if err := appendActivity(step.kind, step.args); err != nil {
				return nil, nil, err
			}
		}
		consPrepare := len(activities)
		steps = []struct {
			kind string
			args any
		}{
			{KindPrepareClaimSide, PrepareClaimSideArgs{
				ClaimID:       pair.claimID,
				SliceID:       pair.consSliceID,
				OtherSliceID:  pair.prodSliceID,
				EventType:     registry.EventTypeClaimed,
				NotarizeIndex: -1,
			}},
			{KindSubmitTx, SubmitTxArgs{TxIndex: consPrepare}},
			{KindAwaitCommit, AwaitCommitArgs{TxIndex: consPrepare}},
			{KindFinalizeClaim, FinalizeClaimArgs{ClaimID: pair.claimID}},
		}
		for _, step := range steps {
			if err := appendActivity(step.kind, step.args); err != nil {
				return nil, nil, err
			}
		}
	}
	err := appendActivity(KindCompleteRequest, CompleteRequestArgs{})
	if err != nil {
		return nil, nil, err
	}
	return activities, claims, nil
}
