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
	"encoding/json"
	"testing"

	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reservedSlices(quantities ...uint64) []models.Slice {
	ret := make([]models.Slice, 0, len(quantities))
	for i, quantity := range quantities {
		ret = append(ret, models.Slice{
			ID:       string(rune('a' + i)),
			Quantity: quantity,
			State:    models.SliceStateReserved,
		})
	}
	return ret
}

func TestChildIDDeterministic(t *testing.T) {
	a := childID("pipeline-1", "claim/0")
	b := childID("pipeline-1", "claim/0")
	c := childID("pipeline-1", "claim/1")
	d := childID("pipeline-2", "claim/0")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestBuildClaimPlanWholeSlices(t *testing.T) {
	prod := reservedSlices(100)
	cons := reservedSlices(100)
	plan := buildClaimPlan("pipeline-1", prod, cons, 100)
	require.Len(t, plan.pairs, 1)
	// Both slices are consumed whole, so the pair references the slices
	// directly and no split is planned
	assert.Equal(t, prod[0].ID, plan.pairs[0].prodSliceID)
	assert.Equal(t, cons[0].ID, plan.pairs[0].consSliceID)
	assert.Equal(t, uint64(100), plan.pairs[0].quantity)
	assert.True(t, plan.prod[0].whole)
	assert.True(t, plan.cons[0].whole)
	assert.Empty(t, plan.prod[0].remainderID)
	assert.Empty(t, plan.cons[0].remainderID)
}

func TestBuildClaimPlanChunking(t *testing.T) {
	prod := reservedSlices(10)
	cons := reservedSlices(4, 6)
	plan := buildClaimPlan("pipeline-1", prod, cons, 10)
	// The pairing follows the smaller consumption slices, so the single
	// production slice is split into matching pieces
	require.Len(t, plan.pairs, 2)
	assert.Equal(t, uint64(4), plan.pairs[0].quantity)
	assert.Equal(t, uint64(6), plan.pairs[1].quantity)
	require.Len(t, plan.prod[0].pieces, 2)
	assert.False(t, plan.prod[0].whole)
	assert.Equal(t, plan.prod[0].pieces[0].SliceID, plan.pairs[0].prodSliceID)
	assert.Equal(t, plan.prod[0].pieces[1].SliceID, plan.pairs[1].prodSliceID)
	// Both consumption slices are consumed whole
	assert.True(t, plan.cons[0].whole)
	assert.True(t, plan.cons[1].whole)
	assert.Equal(t, cons[0].ID, plan.pairs[0].consSliceID)
	assert.Equal(t, cons[1].ID, plan.pairs[1].consSliceID)
}

func TestBuildClaimPlanRemainder(t *testing.T) {
	prod := reservedSlices(10)
	cons := reservedSlices(7)
	plan := buildClaimPlan("pipeline-1", prod, cons, 7)
	require.Len(t, plan.pairs, 1)
	assert.Equal(t, uint64(7), plan.pairs[0].quantity)
	// The over-covering production slice is split into the claimed piece
	// and a remainder that stays with the wallet
	require.Len(t, plan.prod[0].pieces, 1)
	assert.False(t, plan.prod[0].whole)
	assert.Equal(t, uint64(7), plan.prod[0].pieces[0].Quantity)
	assert.NotEmpty(t, plan.prod[0].remainderID)
	assert.Equal(t, uint64(3), plan.prod[0].remainderQuantity)
	assert.True(t, plan.cons[0].whole)
}

func activityKinds(activities []models.Activity) []string {
	ret := make([]string, 0, len(activities))
	for _, activity := range activities {
		ret = append(ret, activity.Kind)
	}
	return ret
}

func TestClaimItineraryWholeUse(t *testing.T) {
	plan := buildClaimPlan(
		"pipeline-1",
		reservedSlices(50),
		reservedSlices(50),
		50,
	)
	activities, claims, err := plan.itinerary("pipeline-1", false)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, models.ClaimStateCreated, claims[0].State)
	assert.Equal(t, []string{
		KindPrepareClaimSide,
		KindSubmitTx,
		KindAwaitCommit,
		KindPrepareClaimSide,
		KindSubmitTx,
		KindAwaitCommit,
		KindFinalizeClaim,
		KindCompleteRequest,
	}, activityKinds(activities))
}

func TestClaimItineraryWithSplitAndNotary(t *testing.T) {
	plan := buildClaimPlan(
		"pipeline-1",
		reservedSlices(10),
		reservedSlices(7),
		7,
	)
	activities, claims, err := plan.itinerary("pipeline-1", true)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, []string{
		KindPrepareSlice,
		KindSubmitTx,
		KindAwaitCommit,
		KindFinalizeSlice,
		KindNotarizeIntent,
		KindPrepareClaimSide,
		KindSubmitTx,
		KindAwaitCommit,
		KindPrepareClaimSide,
		KindSubmitTx,
		KindAwaitCommit,
		KindFinalizeClaim,
		KindCompleteRequest,
	}, activityKinds(activities))
	// The submit and await steps reference their prepare step, and the
	// allocation references its notarize step
	var submitArgs SubmitTxArgs
	require.NoError(t, json.Unmarshal(activities[1].Args, &submitArgs))
	assert.Equal(t, 0, submitArgs.TxIndex)
	var prepareArgs PrepareClaimSideArgs
	require.NoError(t, json.Unmarshal(activities[5].Args, &prepareArgs))
	assert.Equal(t, 4, prepareArgs.NotarizeIndex)
	var consArgs PrepareClaimSideArgs
	require.NoError(t, json.Unmarshal(activities[8].Args, &consArgs))
	assert.Equal(t, -1, consArgs.NotarizeIndex)
	// Activity indexes are dense and ordered
	for i, activity := range activities {
		assert.Equal(t, "pipeline-1", activity.PipelineID)
		assert.Equal(t, i, activity.ActivityIndex)
	}
}

func TestTransferItinerary(t *testing.T) {
	reserved := reservedSlices(30, 50)
	activities, err := transferItinerary("pipeline-1", reserved, 60, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{
		KindPrepareTransfer,
		KindSubmitTx,
		KindAwaitCommit,
		KindFinalizeTransfer,
		KindPushToReceiver,
		KindPrepareTransfer,
		KindSubmitTx,
		KindAwaitCommit,
		KindFinalizeTransfer,
		KindPushToReceiver,
		KindCompleteRequest,
	}, activityKinds(activities))
	// The first slice moves whole
	var first PrepareTransferArgs
	require.NoError(t, json.Unmarshal(activities[0].Args, &first))
	assert.Equal(t, reserved[0].ID, first.SliceID)
	assert.Equal(t, uint64(30), first.Quantity)
	assert.False(t, first.Partial)
	assert.Empty(t, first.RemainderSliceID)
	// The second slice over-covers and is split
	var second PrepareTransferArgs
	require.NoError(t, json.Unmarshal(activities[5].Args, &second))
	assert.Equal(t, reserved[1].ID, second.SliceID)
	assert.Equal(t, uint64(30), second.Quantity)
	assert.True(t, second.Partial)
	assert.NotEmpty(t, second.RemainderSliceID)
	assert.Equal(t, uint(3), second.ExternalEndpointID)
}
