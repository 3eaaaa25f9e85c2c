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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blinklabs-io/gcwallet/commitment"
	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/registry"
)

// slicedPiece is one output of a sliced event as it appears on the wire
type slicedPiece struct {
	Commitment []byte                 `json:"commitment"`
	PublicKey  []byte                 `json:"publicKey"`
	RangeProof *commitment.RangeProof `json:"rangeProof"`
}

// slicedPayload is the event payload splitting a slice's commitment into
// fresh blinded commitments
type slicedPayload struct {
	StreamID         string                    `json:"streamId"`
	SourceCommitment []byte                    `json:"sourceCommitment"`
	Pieces           []slicedPiece             `json:"pieces"`
	EqualityProof    *commitment.EqualityProof `json:"equalityProof"`
}

// claimPayload is the event payload for one side of a claim. The
// allocated event on the production stream carries the notary signature
// when the grid area requires one.
type claimPayload struct {
	StreamID        string `json:"streamId"`
	OtherStreamID   string `json:"otherStreamId"`
	ClaimID         string `json:"claimId"`
	Commitment      []byte `json:"commitment"`
	NotarySignature []byte `json:"notarySignature,omitempty"`
}

// transferPayload is the event payload moving a commitment to a receiver
// key. For a partial transfer the split section carries the remainder
// commitment and the proofs tying both outputs back to the source.
type transferPayload struct {
	StreamID              string                    `json:"streamId"`
	SourceCommitment      []byte                    `json:"sourceCommitment"`
	ReceiverPublicKey     []byte                    `json:"receiverPublicKey"`
	TransferredCommitment []byte                    `json:"transferredCommitment"`
	TransferredRangeProof *commitment.RangeProof    `json:"transferredRangeProof,omitempty"`
	RemainderPublicKey    []byte                    `json:"remainderPublicKey,omitempty"`
	RemainderCommitment   []byte                    `json:"remainderCommitment,omitempty"`
	RemainderRangeProof   *commitment.RangeProof    `json:"remainderRangeProof,omitempty"`
	EqualityProof         *commitment.EqualityProof `json:"equalityProof,omitempty"`
}

// dispatch executes one activity's side effects inside the caller's
// transaction and returns any events to publish once it commits
func (r *Runner) dispatch(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	switch activity.Kind {
	case KindNotarizeIntent:
		return r.runNotarizeIntent(ctx, activity, txn)
	case KindPrepareSlice:
		return r.runPrepareSlice(ctx, activity, txn)
	case KindFinalizeSlice:
		return r.runFinalizeSlice(ctx, activity, txn)
	case KindPrepareClaimSide:
		return r.runPrepareClaimSide(ctx, activity, txn)
	case KindPrepareTransfer:
		return r.runPrepareTransfer(ctx, activity, txn)
	case KindSubmitTx:
		return r.runSubmitTx(ctx, activity, txn)
	case KindAwaitCommit:
		return r.runAwaitCommit(ctx, activity, txn)
	case KindFinalizeClaim:
		return r.runFinalizeClaim(ctx, activity, txn)
	case KindFinalizeTransfer:
		return r.runFinalizeTransfer(ctx, activity, txn)
	case KindPushToReceiver:
		return r.runPushToReceiver(ctx, activity, txn)
	case KindCompleteRequest:
		return r.runCompleteRequest(ctx, activity, txn)
	default:
		return nil, Fatal(
			ReasonIntegrityViolation,
			fmt.Errorf("unknown activity kind %q", activity.Kind),
		)
	}
}

// reservedSlice loads a slice and checks it is still reserved for its
// pipeline
func (r *Runner) reservedSlice(
	sliceID string,
	txn *database.Txn,
) (*models.Slice, error) {
	slice, err := r.db.SliceByID(sliceID, txn)
	if err != nil {
		if errors.Is(err, database.ErrSliceNotFound) {
			return nil, Fatal(ReasonIntegrityViolation, err)
		}
		return nil, err
	}
	if slice.State != models.SliceStateReserved {
		return nil, Fatal(
			ReasonIntegrityViolation,
			fmt.Errorf(
				"slice %s is %s, want %s",
				sliceID,
				slice.State,
				models.SliceStateReserved,
			),
		)
	}
	return slice, nil
}

// storeSignedTx wraps a payload into a signed registry transaction and
// stores it under the preparing activity's index
func (r *Runner) storeSignedTx(
	activity *models.Activity,
	registryName string,
	streamID string,
	eventType string,
	payload any,
	account uint32,
	position uint32,
	txn *database.Txn,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	signature, err := r.keyStore.Sign(account, position, encoded)
	if err != nil {
		return err
	}
	publicKey, err := r.keyStore.PublicKey(account, position)
	if err != nil {
		return err
	}
	tx := &registry.Transaction{
		ID:           registry.TransactionID(encoded),
		RegistryName: registryName,
		StreamID:     streamID,
		EventType:    eventType,
		Payload:      encoded,
		PublicKey:    publicKey,
		Signature:    signature,
	}
	txBytes, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return r.db.PutBlob(
		database.SignedTxBlobKey(activity.PipelineID, activity.ActivityIndex),
		txBytes,
		txn,
	)
}

// loadSignedTx loads the signed transaction stored at an activity index
// of the same pipeline
func (r *Runner) loadSignedTx(
	pipelineID string,
	txIndex int,
	txn *database.Txn,
) (*registry.Transaction, error) {
	data, err := r.db.GetBlob(
		database.SignedTxBlobKey(pipelineID, txIndex),
		txn,
	)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, Fatal(
			ReasonIntegrityViolation,
			database.ErrSignedTxNotFound,
		)
	}
	tx := &registry.Transaction{}
	if err := json.Unmarshal(data, tx); err != nil {
		return nil, Fatal(ReasonIntegrityViolation, err)
	}
	return tx, nil
}

// registryClient returns the client for a registry by name
func (r *Runner) registryClient(name string) (*registry.Client, error) {
	client, ok := r.registries[name]
	if !ok {
		return nil, Fatal(
			ReasonIntegrityViolation,
			fmt.Errorf("no client for registry %q", name),
		)
	}
	return client, nil
}

func (r *Runner) runNotarizeIntent(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args NotarizeIntentArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	slice, err := r.reservedSlice(args.SliceID, txn)
	if err != nil {
		return nil, err
	}
	notary, ok := r.notaries[slice.Certificate.GridArea]
	if !ok {
		return nil, Fatal(
			ReasonIntegrityViolation,
			fmt.Errorf(
				"no notary for grid area %q",
				slice.Certificate.GridArea,
			),
		)
	}
	secret, err := r.db.SliceSecret(args.SliceID, txn)
	if err != nil {
		return nil, err
	}
	signature, err := notary.RegisterIntent(
		ctx,
		slice.Certificate.CertificateID,
		secret.Quantity,
		secret.BlindingFactor,
	)
	if err != nil {
		return nil, err
	}
	err = r.db.PutBlob(
		database.IntentBlobKey(activity.PipelineID, activity.ActivityIndex),
		signature,
		txn,
	)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Runner) runPrepareSlice(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args PrepareSliceArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	source, err := r.reservedSlice(args.SourceSliceID, txn)
	if err != nil {
		return nil, err
	}
	secret, err := r.db.SliceSecret(args.SourceSliceID, txn)
	if err != nil {
		return nil, err
	}
	outputs := make([]SlicePiece, 0, len(args.Pieces)+1)
	outputs = append(outputs, args.Pieces...)
	if args.RemainderSliceID != "" {
		outputs = append(outputs, SlicePiece{
			SliceID:  args.RemainderSliceID,
			Quantity: args.RemainderQuantity,
		})
	}
	targets := make([]uint64, 0, len(outputs))
	for _, output := range outputs {
		targets = append(targets, output.Quantity)
	}
	streamID := source.Certificate.StreamID()
	split, err := commitment.Split(
		commitment.Opening{
			Quantity: secret.Quantity,
			Blinding: secret.BlindingFactor,
		},
		targets,
		[]byte(streamID),
	)
	if err != nil {
		return nil, err
	}
	pieces := make([]slicedPiece, 0, len(outputs))
	for i, output := range outputs {
		position, err := r.db.NextWalletPosition(
			source.WalletEndpointID,
			txn,
		)
		if err != nil {
			return nil, err
		}
		publicKey, err := r.keyStore.PublicKey(
			uint32(source.WalletEndpointID), //nolint:gosec
			position,
		)
		if err != nil {
			return nil, err
		}
		err = r.db.InsertSlice(&models.Slice{
			ID:               output.SliceID,
			CertificateRowID: source.CertificateRowID,
			WalletEndpointID: source.WalletEndpointID,
			Position:         position,
			Quantity:         output.Quantity,
			State:            models.SliceStateRegistering,
			Owner:            source.Owner,
			Commitment:       split.Pieces[i].Commitment,
		}, txn)
		if err != nil {
			return nil, err
		}
		err = r.db.PutSliceSecret(output.SliceID, &database.SliceSecret{
			Quantity:       output.Quantity,
			BlindingFactor: split.Pieces[i].Blinding,
		}, txn)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, slicedPiece{
			Commitment: split.Pieces[i].Commitment,
			PublicKey:  publicKey,
			RangeProof: split.Pieces[i].RangeProof,
		})
	}
	payload := &slicedPayload{
		StreamID:         streamID,
		SourceCommitment: source.Commitment,
		Pieces:           pieces,
		EqualityProof:    split.EqualityProof,
	}
	return nil, r.storeSignedTx(
		activity,
		source.Certificate.RegistryName,
		streamID,
		registry.EventTypeSliced,
		payload,
		uint32(source.WalletEndpointID), //nolint:gosec
		source.Position,
		txn,
	)
}

func (r *Runner) runFinalizeSlice(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args FinalizeSliceArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	err := r.db.SetSliceState(
		args.SourceSliceID,
		models.SliceStateReserved,
		models.SliceStateSliced,
		txn,
	)
	if err != nil {
		return nil, err
	}
	// The pieces stay earmarked for their pending claim
	for _, pieceID := range args.PieceSliceIDs {
		err := r.db.SetSliceState(
			pieceID,
			models.SliceStateRegistering,
			models.SliceStateAvailable,
			txn,
		)
		if err != nil {
			return nil, err
		}
		err = r.db.SetSliceState(
			pieceID,
			models.SliceStateAvailable,
			models.SliceStateReserved,
			txn,
		)
		if err != nil {
			return nil, err
		}
	}
	if args.RemainderSliceID != "" {
		err := r.db.SetSliceState(
			args.RemainderSliceID,
			models.SliceStateRegistering,
			models.SliceStateAvailable,
			txn,
		)
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Runner) runPrepareClaimSide(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args PrepareClaimSideArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	claim, err := r.db.ClaimByID(args.ClaimID, txn)
	if err != nil {
		return nil, err
	}
	slice, err := r.reservedSlice(args.SliceID, txn)
	if err != nil {
		return nil, err
	}
	// A claim must retire equal quantities on both sides; a mismatch
	// here means the plan and the stored slices disagree
	if slice.Quantity != claim.Quantity {
		return nil, Fatal(
			ReasonQuantityMismatch,
			fmt.Errorf(
				"slice %s has quantity %d, claim %s wants %d",
				slice.ID,
				slice.Quantity,
				claim.ID,
				claim.Quantity,
			),
		)
	}
	other, err := r.db.SliceByID(args.OtherSliceID, txn)
	if err != nil {
		return nil, err
	}
	payload := &claimPayload{
		StreamID:      slice.Certificate.StreamID(),
		OtherStreamID: other.Certificate.StreamID(),
		ClaimID:       claim.ID,
		Commitment:    slice.Commitment,
	}
	if args.NotarizeIndex >= 0 {
		signature, err := r.db.GetBlob(
			database.IntentBlobKey(activity.PipelineID, args.NotarizeIndex),
			txn,
		)
		if err != nil {
			return nil, err
		}
		if signature == nil {
			return nil, Fatal(
				ReasonIntegrityViolation,
				errors.New("notary intent signature not found"),
			)
		}
		payload.NotarySignature = signature
	}
	return nil, r.storeSignedTx(
		activity,
		slice.Certificate.RegistryName,
		payload.StreamID,
		args.EventType,
		payload,
		uint32(slice.WalletEndpointID), //nolint:gosec
		slice.Position,
		txn,
	)
}

func (r *Runner) runPrepareTransfer(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args PrepareTransferArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	source, err := r.reservedSlice(args.SliceID, txn)
	if err != nil {
		return nil, err
	}
	secret, err := r.db.SliceSecret(args.SliceID, txn)
	if err != nil {
		return nil, err
	}
	endpoint, err := r.db.ExternalEndpointByID(args.ExternalEndpointID, txn)
	if err != nil {
		return nil, err
	}
	position, err := r.db.NextExternalPosition(endpoint.ID, txn)
	if err != nil {
		return nil, err
	}
	receiverKey, err := keystore.DeriveExternal(endpoint.PublicKey, position)
	if err != nil {
		return nil, err
	}
	streamID := source.Certificate.StreamID()
	payload := &transferPayload{
		StreamID:          streamID,
		SourceCommitment:  source.Commitment,
		ReceiverPublicKey: receiverKey,
	}
	transferredCommitment := source.Commitment
	transferredSecret := secret
	if args.Partial {
		remainderQuantity := secret.Quantity - args.Quantity
		split, err := commitment.Split(
			commitment.Opening{
				Quantity: secret.Quantity,
				Blinding: secret.BlindingFactor,
			},
			[]uint64{args.Quantity, remainderQuantity},
			[]byte(streamID),
		)
		if err != nil {
			return nil, err
		}
		transferredCommitment = split.Pieces[0].Commitment
		transferredSecret = &database.SliceSecret{
			Quantity:       args.Quantity,
			BlindingFactor: split.Pieces[0].Blinding,
		}
		remainderEndpoint, err := r.db.EnsureWalletEndpoint(
			source.Owner,
			true,
			txn,
		)
		if err != nil {
			return nil, err
		}
		remainderPosition, err := r.db.NextWalletPosition(
			remainderEndpoint.ID,
			txn,
		)
		if err != nil {
			return nil, err
		}
		remainderKey, err := r.keyStore.PublicKey(
			uint32(remainderEndpoint.ID), //nolint:gosec
			remainderPosition,
		)
		if err != nil {
			return nil, err
		}
		err = r.db.InsertSlice(&models.Slice{
			ID:               args.RemainderSliceID,
			CertificateRowID: source.CertificateRowID,
			WalletEndpointID: remainderEndpoint.ID,
			Position:         remainderPosition,
			Quantity:         remainderQuantity,
			State:            models.SliceStateRegistering,
			Owner:            source.Owner,
			Commitment:       split.Pieces[1].Commitment,
		}, txn)
		if err != nil {
			return nil, err
		}
		err = r.db.PutSliceSecret(
			args.RemainderSliceID,
			&database.SliceSecret{
				Quantity:       remainderQuantity,
				BlindingFactor: split.Pieces[1].Blinding,
			},
			txn,
		)
		if err != nil {
			return nil, err
		}
		payload.TransferredRangeProof = split.Pieces[0].RangeProof
		payload.RemainderPublicKey = remainderKey
		payload.RemainderCommitment = split.Pieces[1].Commitment
		payload.RemainderRangeProof = split.Pieces[1].RangeProof
		payload.EqualityProof = split.EqualityProof
	}
	payload.TransferredCommitment = transferredCommitment
	err = r.db.InsertTransferredSlice(&models.TransferredSlice{
		ID:                 args.TransferredSliceID,
		CertificateRowID:   source.CertificateRowID,
		ExternalEndpointID: endpoint.ID,
		Position:           position,
		Quantity:           args.Quantity,
		State:              models.TransferredSliceStateRegistering,
		Commitment:         transferredCommitment,
	}, txn)
	if err != nil {
		return nil, err
	}
	err = r.db.PutSliceSecret(
		args.TransferredSliceID,
		transferredSecret,
		txn,
	)
	if err != nil {
		return nil, err
	}
	return nil, r.storeSignedTx(
		activity,
		source.Certificate.RegistryName,
		streamID,
		registry.EventTypeTransferred,
		payload,
		uint32(source.WalletEndpointID), //nolint:gosec
		source.Position,
		txn,
	)
}

func (r *Runner) runSubmitTx(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args SubmitTxArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	tx, err := r.loadSignedTx(activity.PipelineID, args.TxIndex, txn)
	if err != nil {
		return nil, err
	}
	client, err := r.registryClient(tx.RegistryName)
	if err != nil {
		return nil, err
	}
	if err := client.SubmitTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return []event.Event{
		event.NewEvent(
			event.TransactionSubmittedEventType,
			event.TransactionEvent{
				TransactionID: tx.ID,
				PipelineID:    activity.PipelineID,
			},
		),
	}, nil
}

func (r *Runner) runAwaitCommit(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args AwaitCommitArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	tx, err := r.loadSignedTx(activity.PipelineID, args.TxIndex, txn)
	if err != nil {
		return nil, err
	}
	client, err := r.registryClient(tx.RegistryName)
	if err != nil {
		return nil, err
	}
	status, err := client.TransactionStatus(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	switch status.State {
	case registry.TransactionStateCommitted:
		return []event.Event{
			event.NewEvent(
				event.TransactionCommittedEventType,
				event.TransactionEvent{
					TransactionID: tx.ID,
					PipelineID:    activity.PipelineID,
				},
			),
		}, nil
	case registry.TransactionStateFailed:
		return nil, Fatal(
			ReasonLedgerRejection,
			fmt.Errorf(
				"transaction %s failed: %s",
				tx.ID,
				status.Reason,
			),
		)
	default:
		return nil, ErrStillProcessing
	}
}

func (r *Runner) runFinalizeClaim(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args FinalizeClaimArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	claim, err := r.db.ClaimByID(args.ClaimID, txn)
	if err != nil {
		return nil, err
	}
	for _, sliceID := range []string{
		claim.ProductionSliceID,
		claim.ConsumptionSliceID,
	} {
		err := r.db.SetSliceState(
			sliceID,
			models.SliceStateReserved,
			models.SliceStateClaimed,
			txn,
		)
		if err != nil {
			return nil, err
		}
	}
	err = r.db.SetClaimState(
		claim.ID,
		models.ClaimStateCreated,
		models.ClaimStateClaimed,
		txn,
	)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Runner) runFinalizeTransfer(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args FinalizeTransferArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	err := r.db.SetSliceState(
		args.SliceID,
		models.SliceStateReserved,
		models.SliceStateSliced,
		txn,
	)
	if err != nil {
		return nil, err
	}
	if args.Partial {
		err := r.db.SetSliceState(
			args.RemainderSliceID,
			models.SliceStateRegistering,
			models.SliceStateAvailable,
			txn,
		)
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Runner) runPushToReceiver(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args PushToReceiverArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	transferred, err := r.db.TransferredSliceByID(
		args.TransferredSliceID,
		txn,
	)
	if err != nil {
		return nil, err
	}
	endpoint, err := r.db.ExternalEndpointByID(
		transferred.ExternalEndpointID,
		txn,
	)
	if err != nil {
		return nil, err
	}
	secret, err := r.db.SliceSecret(transferred.ID, txn)
	if err != nil {
		return nil, err
	}
	var events []event.Event
	if endpoint.URL == "" {
		// Receiver is an endpoint of this wallet, so deliver straight
		// into the local ledger instead of pushing over HTTP
		events, err = r.deliverLocalSlice(transferred, endpoint, secret, txn)
		if err != nil {
			return nil, err
		}
	} else {
		receiverKey, err := keystore.DeriveExternal(
			endpoint.PublicKey,
			transferred.Position,
		)
		if err != nil {
			return nil, err
		}
		cert := transferred.Certificate
		err = r.counterparty.PushSlice(ctx, endpoint.URL, &registry.SlicePush{
			SliceID:            transferred.ID,
			ReceiverEndpointID: transferred.ExternalEndpointID,
			Position:           transferred.Position,
			PublicKey:          receiverKey,
			Quantity:           secret.Quantity,
			BlindingFactor:     secret.BlindingFactor,
			Certificate: registry.CertificateInfo{
				RegistryName:     cert.RegistryName,
				CertificateID:    cert.CertificateID,
				Type:             string(cert.Type),
				GridArea:         cert.GridArea,
				StartTime:        cert.StartTime,
				EndTime:          cert.EndTime,
				Attributes:       cert.Attributes,
				HashedAttributes: cert.HashedAttributes,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	// The transfer is only complete once the receiver holds the opening
	err = r.db.SetTransferredSliceState(
		transferred.ID,
		models.TransferredSliceStateRegistering,
		models.TransferredSliceStateTransferred,
		txn,
	)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// deliverLocalSlice lands a transferred slice addressed to one of this
// wallet's own endpoints, doing the same work the receive API does for
// pushes from other wallets
func (r *Runner) deliverLocalSlice(
	transferred *models.TransferredSlice,
	endpoint *models.ExternalEndpoint,
	secret *database.SliceSecret,
	txn *database.Txn,
) ([]event.Event, error) {
	walletEndpoint, err := r.db.WalletEndpointByPublicKey(
		endpoint.PublicKey,
		txn,
	)
	if err != nil {
		if errors.Is(err, database.ErrEndpointNotFound) {
			return nil, Fatal(
				ReasonIntegrityViolation,
				fmt.Errorf(
					"endpoint %d has no push URL and no matching wallet endpoint",
					endpoint.ID,
				),
			)
		}
		return nil, err
	}
	err = r.db.InsertSlice(&models.Slice{
		ID:               transferred.ID,
		CertificateRowID: transferred.CertificateRowID,
		WalletEndpointID: walletEndpoint.ID,
		Position:         transferred.Position,
		Quantity:         transferred.Quantity,
		State:            models.SliceStateAvailable,
		Owner:            walletEndpoint.Owner,
		Commitment:       transferred.Commitment,
	}, txn)
	if err != nil {
		return nil, err
	}
	if err := r.db.PutSliceSecret(transferred.ID, secret, txn); err != nil {
		return nil, err
	}
	return []event.Event{
		event.NewEvent(event.SliceReceivedEventType, event.SliceEvent{
			SliceID:  transferred.ID,
			Owner:    walletEndpoint.Owner,
			Quantity: transferred.Quantity,
		}),
	}, nil
}

func (r *Runner) runCompleteRequest(
	ctx context.Context,
	activity *models.Activity,
	txn *database.Txn,
) ([]event.Event, error) {
	var args CompleteRequestArgs
	if err := decodeArgs(activity, &args); err != nil {
		return nil, err
	}
	err := r.db.SetRequestTerminal(
		activity.PipelineID,
		models.RequestStateCompleted,
		"",
		txn,
	)
	if err != nil && !errors.Is(err, database.ErrRequestAlreadyTerminal) {
		return nil, err
	}
	status, err := r.db.RequestStatusByID(activity.PipelineID, txn)
	if err != nil {
		return nil, err
	}
	return []event.Event{
		event.NewEvent(
			event.RequestCompletedEventType,
			event.RequestEvent{
				RequestID: status.RequestID,
				Owner:     status.Owner,
			},
		),
	}, nil
}
