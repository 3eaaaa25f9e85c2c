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

package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransaction() *registry.Transaction {
	payload := []byte(`{"streamId":"registry-a/cert-1"}`)
	return &registry.Transaction{
		ID:           registry.TransactionID(payload),
		RegistryName: "registry-a",
		StreamID:     "registry-a/cert-1",
		EventType:    registry.EventTypeSliced,
		Payload:      payload,
		PublicKey:    []byte{0x02},
		Signature:    []byte{0x01},
	}
}

func TestSubmitTransaction(t *testing.T) {
	var received registry.Transaction
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/transactions", r.URL.Path)
			assert.NoError(
				t,
				json.NewDecoder(r.Body).Decode(&received),
			)
			w.WriteHeader(http.StatusCreated)
		}),
	)
	defer srv.Close()
	client := registry.NewClient(srv.URL, time.Second)
	tx := testTransaction()
	require.NoError(t, client.SubmitTransaction(context.Background(), tx))
	assert.Equal(t, tx.ID, received.ID)
	assert.Equal(t, tx.EventType, received.EventType)
}

func TestSubmitTransactionConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}),
	)
	defer srv.Close()
	client := registry.NewClient(srv.URL, time.Second)
	require.NoError(
		t,
		client.SubmitTransaction(context.Background(), testTransaction()),
	)
}

func TestSubmitTransactionErrors(t *testing.T) {
	testDefs := []struct {
		name        string
		status      int
		expectedErr error
	}{
		{"server error", http.StatusInternalServerError, registry.ErrUnavailable},
		{"bad request", http.StatusBadRequest, registry.ErrRejected},
		{"unprocessable", http.StatusUnprocessableEntity, registry.ErrRejected},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			srv := httptest.NewServer(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(testDef.status)
				}),
			)
			defer srv.Close()
			client := registry.NewClient(srv.URL, time.Second)
			err := client.SubmitTransaction(
				context.Background(),
				testTransaction(),
			)
			require.ErrorIs(t, err, testDef.expectedErr)
		})
	}
}

func TestSubmitTransactionNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := registry.NewClient(srv.URL, time.Second)
	err := client.SubmitTransaction(context.Background(), testTransaction())
	require.ErrorIs(t, err, registry.ErrUnavailable)
}

func TestTransactionStatus(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/transactions/tx-1", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(registry.TransactionStatus{ //nolint:errcheck
				State: registry.TransactionStateCommitted,
			})
		}),
	)
	defer srv.Close()
	client := registry.NewClient(srv.URL, time.Second)
	status, err := client.TransactionStatus(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, registry.TransactionStateCommitted, status.State)
}

func TestTransactionStatusNotFoundIsPending(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	client := registry.NewClient(srv.URL, time.Second)
	status, err := client.TransactionStatus(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, registry.TransactionStatePending, status.State)
}

func TestWithdrawnCertificates(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/certificates/withdrawn", r.URL.Path)
			assert.Equal(t, "cursor-1", r.URL.Query().Get("cursor"))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"certificateIds": []string{"cert-1", "cert-2"},
				"nextCursor":     "cursor-2",
			})
		}),
	)
	defer srv.Close()
	client := registry.NewClient(srv.URL, time.Second)
	ids, nextCursor, err := client.WithdrawnCertificates(
		context.Background(),
		"cursor-1",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"cert-1", "cert-2"}, ids)
	assert.Equal(t, "cursor-2", nextCursor)
}

func TestRegisterIntent(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/intents", r.URL.Path)
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "cert-1", body["certificateId"])
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"signature": []byte{0xaa, 0xbb},
			})
		}),
	)
	defer srv.Close()
	client := registry.NewNotaryClient(srv.URL, time.Second)
	sig, err := client.RegisterIntent(
		context.Background(),
		"cert-1",
		100,
		[]byte{0x01},
	)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb}, sig)
}

func TestPushSlice(t *testing.T) {
	var received registry.SlicePush
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/slices", r.URL.Path)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusCreated)
		}),
	)
	defer srv.Close()
	client := registry.NewCounterpartyClient(time.Second)
	push := &registry.SlicePush{
		SliceID:            "slice-1",
		ReceiverEndpointID: 3,
		Position:           7,
		Quantity:           100,
	}
	require.NoError(
		t,
		client.PushSlice(context.Background(), srv.URL, push),
	)
	assert.Equal(t, "slice-1", received.SliceID)
	assert.Equal(t, uint64(100), received.Quantity)
}
