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

// Package pipeline implements the wallet's durable orchestration layer.
// An orchestrator builds a pipeline, a fixed itinerary of activities, for
// each claim or transfer request and persists it to the work queue in the
// same transaction as the request's reservations. Workers then drain the
// queue, executing each activity's side effects and its completion record
// atomically, so a crash at any point leaves the pipeline resumable.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/blinklabs-io/gcwallet/database/models"
)

// Activity kinds. Each kind names one idempotent unit of work; its
// arguments are serialized into the activity row.
const (
	KindNotarizeIntent   = "notarize-intent"
	KindPrepareSlice     = "prepare-slice"
	KindFinalizeSlice    = "finalize-slice"
	KindPrepareClaimSide = "prepare-claim-side"
	KindPrepareTransfer  = "prepare-transfer"
	KindSubmitTx         = "submit-tx"
	KindAwaitCommit      = "await-commit"
	KindFinalizeClaim    = "finalize-claim"
	KindFinalizeTransfer = "finalize-transfer"
	KindPushToReceiver   = "push-to-receiver"
	KindCompleteRequest  = "complete-request"
)

// NotarizeIntentArgs registers a claim intent for a slice's quantity with
// the grid area's notary and stores the returned signature under this
// activity's index
type NotarizeIntentArgs struct {
	SliceID string `json:"sliceId"`
}

// SlicePiece is one exact-quantity output of a slice split
type SlicePiece struct {
	SliceID  string `json:"sliceId"`
	Quantity uint64 `json:"quantity"`
}

// PrepareSliceArgs splits a reserved slice into exact-quantity pieces,
// plus an optional remainder, and signs the sliced event carrying the
// fresh commitments and proofs. The signed transaction is stored under
// this activity's index.
type PrepareSliceArgs struct {
	SourceSliceID     string       `json:"sourceSliceId"`
	Pieces            []SlicePiece `json:"pieces"`
	RemainderSliceID  string       `json:"remainderSliceId,omitempty"`
	RemainderQuantity uint64       `json:"remainderQuantity,omitempty"`
}

// FinalizeSliceArgs applies the local state transitions after a sliced
// event commits: the source leaves custody, the pieces become reserved
// for their pending claim, and the remainder returns to the available
// pool
type FinalizeSliceArgs struct {
	SourceSliceID    string   `json:"sourceSliceId"`
	PieceSliceIDs    []string `json:"pieceSliceIds"`
	RemainderSliceID string   `json:"remainderSliceId,omitempty"`
}

// PrepareClaimSideArgs builds and signs one side of a claim: the
// allocated event on the production slice or the claimed event on the
// consumption slice. NotarizeIndex points at the activity whose intent
// signature must ride along, or -1 when the grid area needs no notary.
type PrepareClaimSideArgs struct {
	ClaimID       string `json:"claimId"`
	SliceID       string `json:"sliceId"`
	OtherSliceID  string `json:"otherSliceId"`
	EventType     string `json:"eventType"`
	NotarizeIndex int    `json:"notarizeIndex"`
}

// PrepareTransferArgs builds and signs the transfer of a reserved slice,
// or of an exact-quantity piece of it, to an external endpoint. For a
// partial transfer the source is split into the transferred piece and a
// remainder addressed to the wallet's remainder endpoint.
type PrepareTransferArgs struct {
	TransferredSliceID string `json:"transferredSliceId"`
	SliceID            string `json:"sliceId"`
	ExternalEndpointID uint   `json:"externalEndpointId"`
	Quantity           uint64 `json:"quantity"`
	RemainderSliceID   string `json:"remainderSliceId,omitempty"`
	Partial            bool   `json:"partial"`
}

// SubmitTxArgs submits the signed transaction stored at TxIndex to its
// registry. Submission is idempotent by transaction hash.
type SubmitTxArgs struct {
	TxIndex int `json:"txIndex"`
}

// AwaitCommitArgs polls the registry for the transaction stored at
// TxIndex until it commits
type AwaitCommitArgs struct {
	TxIndex int `json:"txIndex"`
}

// FinalizeClaimArgs applies the local state transitions after both claim
// events commit
type FinalizeClaimArgs struct {
	ClaimID string `json:"claimId"`
}

// FinalizeTransferArgs applies the local state transitions after a
// transfer commits: the source leaves custody and a partial transfer's
// remainder returns to the available pool
type FinalizeTransferArgs struct {
	SliceID          string `json:"sliceId"`
	RemainderSliceID string `json:"remainderSliceId,omitempty"`
	Partial          bool   `json:"partial"`
}

// PushToReceiverArgs delivers a committed transferred slice's attributes
// and commitment opening to the receiving wallet, then marks the
// transfer complete. The transferred slice stays Registering until the
// receiver holds the opening, so an undeliverable transfer remains
// visible as in flight.
type PushToReceiverArgs struct {
	TransferredSliceID string `json:"transferredSliceId"`
}

// CompleteRequestArgs records the request's terminal Completed status.
// It is always the last activity of a pipeline.
type CompleteRequestArgs struct{}

// newActivity builds a queue row for one itinerary step
func newActivity(
	pipelineID string,
	activityIndex int,
	kind string,
	args any,
) (models.Activity, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return models.Activity{}, fmt.Errorf(
			"encode %s args: %w",
			kind,
			err,
		)
	}
	return models.Activity{
		PipelineID:    pipelineID,
		ActivityIndex: activityIndex,
		Kind:          kind,
		Args:          encoded,
		State:         models.ActivityStatePending,
	}, nil
}

// decodeArgs decodes an activity's argument payload into the kind's
// argument struct
func decodeArgs(activity *models.Activity, into any) error {
	if err := json.Unmarshal(activity.Args, into); err != nil {
		return Fatal(
			ReasonIntegrityViolation,
			fmt.Errorf("decode %s args: %w", activity.Kind, err),
		)
	}
	return nil
}
