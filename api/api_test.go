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

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blinklabs-io/gcwallet/api"
	"github.com/blinklabs-io/gcwallet/commitment"
	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/pipeline"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMnemonic       = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	senderTestMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"
)

type testServer struct {
	db       *database.Database
	keyStore *keystore.KeyStore
	bus      *event.EventBus
	srv      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.New(nil, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	keyStore, err := keystore.New(nil, testMnemonic)
	require.NoError(t, err)
	bus := event.NewEventBus(nil)
	apiServer := api.NewApi(api.Config{
		Database:     db,
		KeyStore:     keyStore,
		Orchestrator: pipeline.NewOrchestrator(nil, db, nil),
		EventBus:     bus,
	})
	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)
	return &testServer{
		db:       db,
		keyStore: keyStore,
		bus:      bus,
		srv:      srv,
	}
}

func (s *testServer) post(
	t *testing.T,
	path string,
	body any,
	into any,
) int {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(
		s.srv.URL+path,
		"application/json",
		bytes.NewReader(encoded),
	)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func (s *testServer) get(t *testing.T, path string, into any) int {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func (s *testServer) importCertificate(
	t *testing.T,
	certificateID string,
	certType string,
	sliceID string,
	quantity uint64,
) {
	t.Helper()
	status := s.post(t, "/v1/certificates", map[string]any{
		"sliceId":       sliceID,
		"registryName":  "registry-a",
		"certificateId": certificateID,
		"type":          certType,
		"gridArea":      "DK1",
		"startTime":     time.Now().Add(-2 * time.Hour),
		"endTime":       time.Now().Add(time.Hour),
		"owner":         "owner-1",
		"quantity":      quantity,
	}, nil)
	require.Equal(t, http.StatusCreated, status)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	var body map[string]bool
	status := s.get(t, "/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body["healthy"])
}

func TestImportCertificate(t *testing.T) {
	s := newTestServer(t)
	var body struct {
		SliceID    string `json:"sliceId"`
		Commitment []byte `json:"commitment"`
	}
	status := s.post(t, "/v1/certificates", map[string]any{
		"registryName":  "registry-a",
		"certificateId": "cert-1",
		"type":          "production",
		"gridArea":      "DK1",
		"startTime":     time.Now().Add(-2 * time.Hour),
		"endTime":       time.Now().Add(time.Hour),
		"owner":         "owner-1",
		"quantity":      100,
	}, &body)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, body.SliceID)
	// The slice is spendable and its stored opening matches the returned
	// commitment
	slice, err := s.db.SliceByID(body.SliceID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateAvailable, slice.State)
	assert.Equal(t, uint64(100), slice.Quantity)
	assert.Equal(t, body.Commitment, slice.Commitment)
	secret, err := s.db.SliceSecret(body.SliceID, nil)
	require.NoError(t, err)
	c, err := commitment.Parse(body.Commitment)
	require.NoError(t, err)
	assert.True(
		t,
		commitment.Verify(c, secret.Quantity, secret.BlindingFactor),
	)
}

func TestImportCertificateValidation(t *testing.T) {
	s := newTestServer(t)
	status := s.post(t, "/v1/certificates", map[string]any{
		"registryName":  "registry-a",
		"certificateId": "cert-1",
		"type":          "bogus",
		"owner":         "owner-1",
		"quantity":      100,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status = s.post(t, "/v1/certificates", map[string]any{
		"registryName":  "registry-a",
		"certificateId": "cert-1",
		"type":          "production",
		"owner":         "owner-1",
		"quantity":      0,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	// Unknown fields are rejected
	status = s.post(t, "/v1/certificates", map[string]any{
		"registryName": "registry-a",
		"bogusField":   true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClaimEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.importCertificate(t, "cert-prod", "production", "slice-prod", 100)
	s.importCertificate(t, "cert-cons", "consumption", "slice-cons", 100)
	var body struct {
		RequestID string `json:"requestId"`
	}
	status := s.post(t, "/v1/claims", map[string]any{
		"owner":                    "owner-1",
		"productionRegistry":       "registry-a",
		"productionCertificateId":  "cert-prod",
		"consumptionRegistry":      "registry-a",
		"consumptionCertificateId": "cert-cons",
		"quantity":                 100,
	}, &body)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, body.RequestID)
	// The request is pending until a runner drains its pipeline
	var statusBody struct {
		RequestID string `json:"requestId"`
		State     string `json:"state"`
	}
	code := s.get(t, "/v1/requests/"+body.RequestID, &statusBody)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, body.RequestID, statusBody.RequestID)
	assert.Equal(t, string(models.RequestStatePending), statusBody.State)
}

func TestClaimEndpointErrors(t *testing.T) {
	s := newTestServer(t)
	s.importCertificate(t, "cert-prod", "production", "slice-prod", 50)
	s.importCertificate(t, "cert-cons", "consumption", "slice-cons", 100)
	// Unknown certificate
	status := s.post(t, "/v1/claims", map[string]any{
		"owner":                    "owner-1",
		"productionRegistry":       "registry-a",
		"productionCertificateId":  "missing",
		"consumptionRegistry":      "registry-a",
		"consumptionCertificateId": "cert-cons",
		"quantity":                 10,
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	// Insufficient quantity
	status = s.post(t, "/v1/claims", map[string]any{
		"owner":                    "owner-1",
		"productionRegistry":       "registry-a",
		"productionCertificateId":  "cert-prod",
		"consumptionRegistry":      "registry-a",
		"consumptionCertificateId": "cert-cons",
		"quantity":                 80,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestRequestStatusNotFound(t *testing.T) {
	s := newTestServer(t)
	status := s.get(t, "/v1/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTransferEndpointUnknownReceiver(t *testing.T) {
	s := newTestServer(t)
	s.importCertificate(t, "cert-prod", "production", "slice-1", 50)
	status := s.post(t, "/v1/transfers", map[string]any{
		"owner":              "owner-1",
		"registryName":       "registry-a",
		"certificateId":      "cert-prod",
		"quantity":           10,
		"receiverEndpointId": 42,
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateWalletEndpoint(t *testing.T) {
	s := newTestServer(t)
	var body struct {
		EndpointID uint   `json:"endpointId"`
		PublicKey  []byte `json:"publicKey"`
	}
	status := s.post(t, "/v1/wallet-endpoints", map[string]any{
		"owner": "owner-1",
	}, &body)
	require.Equal(t, http.StatusOK, status)
	require.NotZero(t, body.EndpointID)
	require.NotEmpty(t, body.PublicKey)
	// The published key derives the same children the wallet derives
	// locally
	external, err := keystore.DeriveExternal(body.PublicKey, 0)
	require.NoError(t, err)
	local, err := s.keyStore.PublicKey(uint32(body.EndpointID), 0)
	require.NoError(t, err)
	assert.Equal(t, local, external)
	// Asking again returns the same endpoint and key
	var again struct {
		EndpointID uint   `json:"endpointId"`
		PublicKey  []byte `json:"publicKey"`
	}
	status = s.post(t, "/v1/wallet-endpoints", map[string]any{
		"owner": "owner-1",
	}, &again)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, body.EndpointID, again.EndpointID)
	assert.Equal(t, body.PublicKey, again.PublicKey)
}

func TestCreateExternalEndpoint(t *testing.T) {
	s := newTestServer(t)
	senderKeys, err := keystore.New(nil, senderTestMnemonic)
	require.NoError(t, err)
	accountKey, err := senderKeys.AccountPublicKey(1)
	require.NoError(t, err)
	var body struct {
		EndpointID uint `json:"endpointId"`
	}
	status := s.post(t, "/v1/endpoints", map[string]any{
		"owner":     "receiver-1",
		"url":       "http://receiver.example",
		"publicKey": accountKey,
	}, &body)
	require.Equal(t, http.StatusCreated, status)
	assert.NotZero(t, body.EndpointID)
	// Keys we cannot derive child keys from are rejected
	status = s.post(t, "/v1/endpoints", map[string]any{
		"owner":     "receiver-2",
		"publicKey": []byte{0x01, 0x02},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReceiveSlice(t *testing.T) {
	s := newTestServer(t)
	// Publish our receiving endpoint first
	var endpointBody struct {
		EndpointID uint   `json:"endpointId"`
		PublicKey  []byte `json:"publicKey"`
	}
	status := s.post(t, "/v1/wallet-endpoints", map[string]any{
		"owner": "owner-1",
	}, &endpointBody)
	require.Equal(t, http.StatusOK, status)
	// The sending wallet derives our child key and builds the opening
	position := uint32(0)
	receiverKey, err := keystore.DeriveExternal(
		endpointBody.PublicKey,
		position,
	)
	require.NoError(t, err)
	_, blinding, err := commitment.Commit(30)
	require.NoError(t, err)
	_, receivedCh := s.bus.Subscribe(event.SliceReceivedEventType)
	push := registry.SlicePush{
		SliceID:            "pushed-slice-1",
		ReceiverEndpointID: endpointBody.EndpointID,
		Position:           position,
		PublicKey:          receiverKey,
		Quantity:           30,
		BlindingFactor:     blinding,
		Certificate: registry.CertificateInfo{
			RegistryName:  "registry-a",
			CertificateID: "cert-1",
			Type:          "production",
			GridArea:      "DK1",
			StartTime:     time.Now().Add(-2 * time.Hour),
			EndTime:       time.Now().Add(time.Hour),
		},
	}
	status = s.post(t, "/v1/slices", push, nil)
	require.Equal(t, http.StatusOK, status)
	slice, err := s.db.SliceByID("pushed-slice-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateAvailable, slice.State)
	assert.Equal(t, uint64(30), slice.Quantity)
	assert.Equal(t, "owner-1", slice.Owner)
	select {
	case evt := <-receivedCh:
		sliceEvt, ok := evt.Data.(event.SliceEvent)
		require.True(t, ok)
		assert.Equal(t, "pushed-slice-1", sliceEvt.SliceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for received event")
	}
	// Replaying the push is a no-op
	status = s.post(t, "/v1/slices", push, nil)
	assert.Equal(t, http.StatusOK, status)
	// A push addressed to a key we cannot re-derive is rejected
	push.SliceID = "pushed-slice-2"
	push.PublicKey = bytes.Repeat([]byte{0x02}, 33)
	status = s.post(t, "/v1/slices", push, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	// An unknown receiver endpoint is rejected
	push.PublicKey = receiverKey
	push.ReceiverEndpointID = 99
	status = s.post(t, "/v1/slices", push, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
