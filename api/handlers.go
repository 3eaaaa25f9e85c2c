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

package api

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/blinklabs-io/gcwallet/commitment"
	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/pipeline"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/google/uuid"
)

type importCertificateRequest struct {
	SliceID          string    `json:"sliceId,omitempty"`
	RegistryName     string    `json:"registryName"`
	CertificateID    string    `json:"certificateId"`
	Type             string    `json:"type"`
	GridArea         string    `json:"gridArea"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	Attributes       []byte    `json:"attributes,omitempty"`
	HashedAttributes []byte    `json:"hashedAttributes,omitempty"`
	Owner            string    `json:"owner"`
	Quantity         uint64    `json:"quantity"`
}

type importCertificateResponse struct {
	SliceID    string `json:"sliceId"`
	Commitment []byte `json:"commitment"`
}

// handleImportCertificate records a newly issued certificate and the
// owner's initial slice of its quantity. The slice id may be supplied by
// the caller to make the import idempotent.
func (a *Api) handleImportCertificate(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req importCertificateRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	certType := models.CertificateType(req.Type)
	if certType != models.CertificateTypeProduction &&
		certType != models.CertificateTypeConsumption {
		a.writeError(
			w,
			http.StatusBadRequest,
			errors.New("type must be production or consumption"),
		)
		return
	}
	if req.Quantity == 0 || req.Quantity > commitment.MaxQuantity {
		a.writeError(
			w,
			http.StatusBadRequest,
			commitment.ErrQuantityOutOfRange,
		)
		return
	}
	sliceID := req.SliceID
	if sliceID == "" {
		sliceID = uuid.NewString()
	}
	c, blinding, err := commitment.Commit(req.Quantity)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	db := a.config.Database
	txn := db.Transaction()
	err = txn.Do(func(txn *database.Txn) error {
		cert, err := db.EnsureCertificate(&models.Certificate{
			RegistryName:     req.RegistryName,
			CertificateID:    req.CertificateID,
			Type:             certType,
			GridArea:         req.GridArea,
			StartTime:        req.StartTime,
			EndTime:          req.EndTime,
			Attributes:       req.Attributes,
			HashedAttributes: req.HashedAttributes,
		}, txn)
		if err != nil {
			return err
		}
		endpoint, err := db.EnsureWalletEndpoint(req.Owner, false, txn)
		if err != nil {
			return err
		}
		position, err := db.NextWalletPosition(endpoint.ID, txn)
		if err != nil {
			return err
		}
		err = db.InsertSlice(&models.Slice{
			ID:               sliceID,
			CertificateRowID: cert.ID,
			WalletEndpointID: endpoint.ID,
			Position:         position,
			Quantity:         req.Quantity,
			State:            models.SliceStateAvailable,
			Owner:            req.Owner,
			Commitment:       c.Bytes(),
		}, txn)
		if err != nil {
			return err
		}
		return db.PutSliceSecret(sliceID, &database.SliceSecret{
			Quantity:       req.Quantity,
			BlindingFactor: blinding,
		}, txn)
	})
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, importCertificateResponse{
		SliceID:    sliceID,
		Commitment: c.Bytes(),
	})
}

type claimRequest struct {
	RequestID                string `json:"requestId,omitempty"`
	Owner                    string `json:"owner"`
	ProductionRegistry       string `json:"productionRegistry"`
	ProductionCertificateID  string `json:"productionCertificateId"`
	ConsumptionRegistry      string `json:"consumptionRegistry"`
	ConsumptionCertificateID string `json:"consumptionCertificateId"`
	Quantity                 uint64 `json:"quantity"`
}

type requestAccepted struct {
	RequestID string `json:"requestId"`
}

func (a *Api) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	requestID, err := a.config.Orchestrator.SubmitClaim(
		r.Context(),
		&pipeline.ClaimRequest{
			RequestID:                req.RequestID,
			Owner:                    req.Owner,
			ProductionRegistry:       req.ProductionRegistry,
			ProductionCertificateID:  req.ProductionCertificateID,
			ConsumptionRegistry:      req.ConsumptionRegistry,
			ConsumptionCertificateID: req.ConsumptionCertificateID,
			Quantity:                 req.Quantity,
		},
	)
	if err != nil {
		a.writeError(w, requestErrorStatus(err), err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, requestAccepted{
		RequestID: requestID,
	})
}

type transferRequest struct {
	RequestID          string `json:"requestId,omitempty"`
	Owner              string `json:"owner"`
	RegistryName       string `json:"registryName"`
	CertificateID      string `json:"certificateId"`
	Quantity           uint64 `json:"quantity"`
	ReceiverEndpointID uint   `json:"receiverEndpointId"`
}

func (a *Api) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	requestID, err := a.config.Orchestrator.SubmitTransfer(
		r.Context(),
		&pipeline.TransferRequest{
			RequestID:          req.RequestID,
			Owner:              req.Owner,
			RegistryName:       req.RegistryName,
			CertificateID:      req.CertificateID,
			Quantity:           req.Quantity,
			ReceiverEndpointID: req.ReceiverEndpointID,
		},
	)
	if err != nil {
		a.writeError(w, requestErrorStatus(err), err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, requestAccepted{
		RequestID: requestID,
	})
}

type requestStatusResponse struct {
	RequestID     string `json:"requestId"`
	State         string `json:"state"`
	FailureReason string `json:"failureReason,omitempty"`
}

func (a *Api) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.config.Orchestrator.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, database.ErrRequestNotFound) {
			a.writeError(w, http.StatusNotFound, err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, requestStatusResponse{
		RequestID:     status.RequestID,
		State:         string(status.State),
		FailureReason: status.FailureReason,
	})
}

type createWalletEndpointRequest struct {
	Owner string `json:"owner"`
}

type createWalletEndpointResponse struct {
	EndpointID uint   `json:"endpointId"`
	PublicKey  []byte `json:"publicKey"`
}

// handleCreateWalletEndpoint returns the owner's receiving endpoint,
// creating it on first use. The response carries the endpoint id and the
// account extended public key a sending wallet needs to address slices
// to it.
func (a *Api) handleCreateWalletEndpoint(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req createWalletEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Owner == "" {
		a.writeError(
			w,
			http.StatusBadRequest,
			errors.New("owner is required"),
		)
		return
	}
	db := a.config.Database
	var endpoint *models.WalletEndpoint
	txn := db.Transaction()
	err := txn.Do(func(txn *database.Txn) error {
		var err error
		endpoint, err = db.EnsureWalletEndpoint(req.Owner, false, txn)
		if err != nil {
			return err
		}
		if len(endpoint.PublicKey) > 0 {
			return nil
		}
		publicKey, err := a.config.KeyStore.AccountPublicKey(
			uint32(endpoint.ID), //nolint:gosec
		)
		if err != nil {
			return err
		}
		endpoint.PublicKey = publicKey
		return db.SetWalletEndpointPublicKey(endpoint.ID, publicKey, txn)
	})
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, createWalletEndpointResponse{
		EndpointID: endpoint.ID,
		PublicKey:  endpoint.PublicKey,
	})
}

type createExternalEndpointRequest struct {
	Owner     string `json:"owner"`
	URL       string `json:"url,omitempty"`
	PublicKey []byte `json:"publicKey"`
}

type createExternalEndpointResponse struct {
	EndpointID uint `json:"endpointId"`
}

// handleCreateExternalEndpoint registers a receiving wallet's published
// address family so transfers can be addressed to it
func (a *Api) handleCreateExternalEndpoint(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req createExternalEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	// Reject keys we cannot derive child keys from up front
	if _, err := keystore.DeriveExternal(req.PublicKey, 0); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	endpoint := &models.ExternalEndpoint{
		Owner:     req.Owner,
		URL:       req.URL,
		PublicKey: req.PublicKey,
	}
	if err := a.config.Database.InsertExternalEndpoint(
		endpoint,
		nil,
	); err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, createExternalEndpointResponse{
		EndpointID: endpoint.ID,
	})
}

type receiveSliceResponse struct {
	SliceID string `json:"sliceId"`
}

// handleReceiveSlice accepts a slice pushed by a sending wallet after a
// transfer commits. The push must address one of this wallet's endpoints
// at a key the wallet can re-derive, and the opening must match the
// commitment. Replays of the same slice id are no-ops.
func (a *Api) handleReceiveSlice(w http.ResponseWriter, r *http.Request) {
	var push registry.SlicePush
	if err := decodeBody(r, &push); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	certType := models.CertificateType(push.Certificate.Type)
	if certType != models.CertificateTypeProduction &&
		certType != models.CertificateTypeConsumption {
		a.writeError(
			w,
			http.StatusBadRequest,
			errors.New("certificate type must be production or consumption"),
		)
		return
	}
	if push.Quantity == 0 || push.Quantity > commitment.MaxQuantity {
		a.writeError(
			w,
			http.StatusUnprocessableEntity,
			commitment.ErrQuantityOutOfRange,
		)
		return
	}
	db := a.config.Database
	var owner string
	txn := db.Transaction()
	err := txn.Do(func(txn *database.Txn) error {
		endpoint, err := db.WalletEndpointByID(
			push.ReceiverEndpointID,
			txn,
		)
		if err != nil {
			return err
		}
		owner = endpoint.Owner
		expectedKey, err := a.config.KeyStore.PublicKey(
			uint32(endpoint.ID), //nolint:gosec
			push.Position,
		)
		if err != nil {
			return err
		}
		if !bytes.Equal(expectedKey, push.PublicKey) {
			return errors.New("pushed key is not ours")
		}
		c, err := commitment.CommitWith(
			push.Quantity,
			push.BlindingFactor,
		)
		if err != nil {
			return err
		}
		cert, err := db.EnsureCertificate(&models.Certificate{
			RegistryName:     push.Certificate.RegistryName,
			CertificateID:    push.Certificate.CertificateID,
			Type:             certType,
			GridArea:         push.Certificate.GridArea,
			StartTime:        push.Certificate.StartTime,
			EndTime:          push.Certificate.EndTime,
			Attributes:       push.Certificate.Attributes,
			HashedAttributes: push.Certificate.HashedAttributes,
		}, txn)
		if err != nil {
			return err
		}
		err = db.InsertSlice(&models.Slice{
			ID:               push.SliceID,
			CertificateRowID: cert.ID,
			WalletEndpointID: endpoint.ID,
			Position:         push.Position,
			Quantity:         push.Quantity,
			State:            models.SliceStateAvailable,
			Owner:            endpoint.Owner,
			Commitment:       c.Bytes(),
		}, txn)
		if err != nil {
			return err
		}
		return db.PutSliceSecret(push.SliceID, &database.SliceSecret{
			Quantity:       push.Quantity,
			BlindingFactor: push.BlindingFactor,
		}, txn)
	})
	if err != nil {
		if errors.Is(err, database.ErrEndpointNotFound) {
			a.writeError(w, http.StatusNotFound, err)
			return
		}
		a.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if a.config.EventBus != nil {
		a.config.EventBus.Publish(
			event.SliceReceivedEventType,
			event.NewEvent(event.SliceReceivedEventType, event.SliceEvent{
				SliceID:  push.SliceID,
				Owner:    owner,
				Quantity: push.Quantity,
			}),
		)
	}
	a.writeJSON(w, http.StatusOK, receiveSliceResponse{
		SliceID: push.SliceID,
	})
}
