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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/google/uuid"
)

// Builder errors returned synchronously to the caller
var (
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrCertificateWithdrawn  = errors.New("certificate has been withdrawn")
	ErrUnknownEndpoint       = errors.New("unknown receiver endpoint")
	ErrSameCertificate       = errors.New(
		"production and consumption certificates must differ",
	)
	ErrCertificateTypeWrong = errors.New("certificate has the wrong type")
)

// ClaimRequest asks the wallet to retire a quantity of a production
// certificate against the same quantity of a consumption certificate
type ClaimRequest struct {
	RequestID                string
	Owner                    string
	ProductionRegistry       string
	ProductionCertificateID  string
	ConsumptionRegistry      string
	ConsumptionCertificateID string
	Quantity                 uint64
}

// TransferRequest asks the wallet to move a quantity of a certificate to
// a receiving wallet's endpoint
type TransferRequest struct {
	RequestID          string
	Owner              string
	RegistryName       string
	CertificateID      string
	Quantity           uint64
	ReceiverEndpointID uint
}

// Orchestrator accepts claim and transfer requests, reserves the slices
// they need, and persists their pipelines to the durable work queue. All
// of that happens in one database transaction, so a request either fully
// enters the system or leaves no trace.
type Orchestrator struct {
	logger   *slog.Logger
	db       *database.Database
	notaries map[string]*registry.NotaryClient
}

// NewOrchestrator creates an Orchestrator. The notaries map is keyed by
// grid area; claims on production certificates in those grid areas get a
// notarize step before allocation.
func NewOrchestrator(
	logger *slog.Logger,
	db *database.Database,
	notaries map[string]*registry.NotaryClient,
) *Orchestrator {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Orchestrator{
		logger:   logger,
		db:       db,
		notaries: notaries,
	}
}

// childID derives a stable id for an entity created by a pipeline, so a
// replayed build produces the same ids
func childID(pipelineID string, label string) string {
	return uuid.NewSHA1(
		uuid.NameSpaceOID,
		[]byte(pipelineID+"/"+label),
	).String()
}

// Status returns the externally visible status of a request
func (o *Orchestrator) Status(
	requestID string,
) (*models.RequestStatus, error) {
	return o.db.RequestStatusByID(requestID, nil)
}

// SubmitClaim reserves slices on both certificates and enqueues the
// claim pipeline. It returns the request id, which doubles as the
// pipeline id. Resubmitting a request id that already exists is a no-op.
//
// Reservation failures surface synchronously and leave no state behind.
func (o *Orchestrator) SubmitClaim(
	ctx context.Context,
	req *ClaimRequest,
) (string, error) {
	if req.Quantity == 0 {
		return "", ErrInvalidQuantity
	}
	if req.ProductionRegistry == req.ConsumptionRegistry &&
		req.ProductionCertificateID == req.ConsumptionCertificateID {
		return "", ErrSameCertificate
	}
	pipelineID := req.RequestID
	if pipelineID == "" {
		pipelineID = uuid.NewString()
	}
	var duplicate bool
	txn := o.db.Transaction()
	err := txn.Do(func(txn *database.Txn) error {
		if _, err := o.db.RequestStatusByID(pipelineID, txn); err == nil {
			duplicate = true
			return nil
		} else if !errors.Is(err, database.ErrRequestNotFound) {
			return err
		}
		err := o.db.InsertRequestStatus(pipelineID, req.Owner, txn)
		if err != nil {
			return err
		}
		prodCert, err := o.claimCertificate(
			req.ProductionRegistry,
			req.ProductionCertificateID,
			models.CertificateTypeProduction,
			txn,
		)
		if err != nil {
			return err
		}
		if _, err := o.claimCertificate(
			req.ConsumptionRegistry,
			req.ConsumptionCertificateID,
			models.CertificateTypeConsumption,
			txn,
		); err != nil {
			return err
		}
		prodSlices, err := o.db.ReserveQuantity(
			req.Owner,
			req.ProductionRegistry,
			req.ProductionCertificateID,
			req.Quantity,
			txn,
		)
		if err != nil {
			return err
		}
		consSlices, err := o.db.ReserveQuantity(
			req.Owner,
			req.ConsumptionRegistry,
			req.ConsumptionCertificateID,
			req.Quantity,
			txn,
		)
		if err != nil {
			return err
		}
		plan := buildClaimPlan(
			pipelineID,
			prodSlices,
			consSlices,
			req.Quantity,
		)
		_, needsNotary := o.notaries[prodCert.GridArea]
		activities, claims, err := plan.itinerary(pipelineID, needsNotary)
		if err != nil {
			return err
		}
		for i := range claims {
			if err := o.db.InsertClaim(&claims[i], txn); err != nil {
				return err
			}
		}
		return o.db.EnqueueActivities(activities, txn)
	})
	if err != nil {
		return "", err
	}
	if duplicate {
		o.logger.Debug(
			"duplicate claim request",
			"component", "pipeline",
			"request_id", pipelineID,
		)
		return pipelineID, nil
	}
	o.logger.Info(
		"claim pipeline enqueued",
		"component", "pipeline",
		"request_id", pipelineID,
		"owner", req.Owner,
		"quantity", req.Quantity,
	)
	return pipelineID, nil
}

// claimCertificate checks that a certificate exists, has the expected
// type, and is still live
func (o *Orchestrator) claimCertificate(
	registryName string,
	certificateID string,
	certType models.CertificateType,
	txn *database.Txn,
) (*models.Certificate, error) {
	cert, err := o.db.CertificateByID(registryName, certificateID, txn)
	if err != nil {
		return nil, err
	}
	if cert.Type != certType {
		return nil, fmt.Errorf(
			"%w: %s is %s, want %s",
			ErrCertificateTypeWrong,
			certificateID,
			cert.Type,
			certType,
		)
	}
	if cert.Withdrawn {
		return nil, ErrCertificateWithdrawn
	}
	return cert, nil
}

// SubmitTransfer reserves slices on the certificate and enqueues the
// transfer pipeline. It returns the request id, which doubles as the
// pipeline id. Resubmitting a request id that already exists is a no-op.
func (o *Orchestrator) SubmitTransfer(
	ctx context.Context,
	req *TransferRequest,
) (string, error) {
	if req.Quantity == 0 {
		return "", ErrInvalidQuantity
	}
	pipelineID := req.RequestID
	if pipelineID == "" {
		pipelineID = uuid.NewString()
	}
	var duplicate bool
	txn := o.db.Transaction()
	err := txn.Do(func(txn *database.Txn) error {
		if _, err := o.db.RequestStatusByID(pipelineID, txn); err == nil {
			duplicate = true
			return nil
		} else if !errors.Is(err, database.ErrRequestNotFound) {
			return err
		}
		err := o.db.InsertRequestStatus(pipelineID, req.Owner, txn)
		if err != nil {
			return err
		}
		cert, err := o.db.CertificateByID(
			req.RegistryName,
			req.CertificateID,
			txn,
		)
		if err != nil {
			return err
		}
		if cert.Withdrawn {
			return ErrCertificateWithdrawn
		}
		if _, err := o.db.ExternalEndpointByID(
			req.ReceiverEndpointID,
			txn,
		); err != nil {
			if errors.Is(err, database.ErrEndpointNotFound) {
				return ErrUnknownEndpoint
			}
			return err
		}
		reserved, err := o.db.ReserveQuantity(
			req.Owner,
			req.RegistryName,
			req.CertificateID,
			req.Quantity,
			txn,
		)
		if err != nil {
			return err
		}
		activities, err := transferItinerary(
			pipelineID,
			reserved,
			req.Quantity,
			req.ReceiverEndpointID,
		)
		if err != nil {
			return err
		}
		return o.db.EnqueueActivities(activities, txn)
	})
	if err != nil {
		return "", err
	}
	if duplicate {
		o.logger.Debug(
			"duplicate transfer request",
			"component", "pipeline",
			"request_id", pipelineID,
		)
		return pipelineID, nil
	}
	o.logger.Info(
		"transfer pipeline enqueued",
		"component", "pipeline",
		"request_id", pipelineID,
		"owner", req.Owner,
		"quantity", req.Quantity,
	)
	return pipelineID, nil
}

// transferItinerary plans a transfer pipeline over the reserved slices.
// Slices are transferred whole in reservation order; only the last slice
// can exceed the remaining quantity, and it is split into the transferred
// piece and a remainder that stays with the wallet.
func transferItinerary(
	pipelineID string,
	reserved []models.Slice,
	quantity uint64,
	receiverEndpointID uint,
) ([]models.Activity, error) {
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
	remaining := quantity
	for i, slice := range reserved {
		take := min(slice.Quantity, remaining)
		partial := take < slice.Quantity
		transferredID := childID(
			pipelineID,
			fmt.Sprintf("transfer/%d", i),
		)
		var remainderID string
		if partial {
			remainderID = childID(
				pipelineID,
				fmt.Sprintf("transfer/%d/remainder", i),
			)
		}
		prepareIndex := len(activities)
		steps := []struct {
			kind string
			args any
		}{
			{KindPrepareTransfer, PrepareTransferArgs{
				TransferredSliceID: transferredID,
				SliceID:            slice.ID,
				ExternalEndpointID: receiverEndpointID,
				Quantity:           take,
				RemainderSliceID:   remainderID,
				Partial:            partial,
			}},
			{KindSubmitTx, SubmitTxArgs{TxIndex: prepareIndex}},
			{KindAwaitCommit, AwaitCommitArgs{TxIndex: prepareIndex}},
			{KindFinalizeTransfer, FinalizeTransferArgs{
				SliceID:          slice.ID,
				RemainderSliceID: remainderID,
				Partial:          partial,
			}},
			{KindPushToReceiver, PushToReceiverArgs{
				TransferredSliceID: transferredID,
			}},
		}
		for _, step := range steps {
			if err := appendActivity(step.kind, step.args); err != nil {
				return nil, err
			}
		}
		remaining -= take
	}
	if err := appendActivity(
		KindCompleteRequest,
		CompleteRequestArgs{},
	); err != nil {
		return nil, err
	}
	return activities, nil
}
