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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gcwallet/commitment"
	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recoveryTestMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// countingRegistry records how often each transaction id is submitted
// and answers repeats with a conflict, the way a real registry
// deduplicates by transaction hash
type countingRegistry struct {
	mu     sync.Mutex
	counts map[string]int
	srv    *httptest.Server
}

func newCountingRegistry(t *testing.T) *countingRegistry {
	t.Helper()
	f := &countingRegistry{counts: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"POST /v1/transactions",
		func(w http.ResponseWriter, r *http.Request) {
			tx := &registry.Transaction{}
			if err := json.NewDecoder(r.Body).Decode(tx); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.counts[tx.ID]++
			repeat := f.counts[tx.ID] > 1
			f.mu.Unlock()
			if repeat {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		},
	)
	mux.HandleFunc(
		"GET /v1/transactions/{id}",
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(registry.TransactionStatus{ //nolint:errcheck
				State: registry.TransactionStateCommitted,
			})
		},
	)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *countingRegistry) submissions() (unique int, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, count := range f.counts {
		unique++
		total += count
	}
	return unique, total
}

func newRecoveryEnv(
	t *testing.T,
) (*database.Database, *Orchestrator, *Runner, *countingRegistry) {
	t.Helper()
	db, err := database.New(nil, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	keyStore, err := keystore.New(nil, recoveryTestMnemonic)
	require.NoError(t, err)
	fake := newCountingRegistry(t)
	registries := map[string]*registry.Client{
		"registry-a": registry.NewClient(fake.srv.URL, time.Second),
	}
	runner := NewRunner(
		RunnerConfig{
			Workers:      1,
			PollInterval: 10 * time.Millisecond,
			RetryDelay:   10 * time.Millisecond,
			MaxAttempts:  3,
			StaleAfter:   time.Minute,
		},
		nil,
		db,
		keyStore,
		nil,
		registries,
		nil,
		registry.NewCounterpartyClient(time.Second),
		nil,
	)
	return db, NewOrchestrator(nil, db, nil), runner, fake
}

func importAvailableSlice(
	t *testing.T,
	db *database.Database,
	owner string,
	certificateID string,
	certType models.CertificateType,
	sliceID string,
	quantity uint64,
) {
	t.Helper()
	cert, err := db.EnsureCertificate(
		&models.Certificate{
			RegistryName:  "registry-a",
			CertificateID: certificateID,
			Type:          certType,
			GridArea:      "DK1",
			StartTime:     time.Now().Add(-2 * time.Hour),
			EndTime:       time.Now().Add(time.Hour),
		},
		nil,
	)
	require.NoError(t, err)
	endpoint, err := db.EnsureWalletEndpoint(owner, false, nil)
	require.NoError(t, err)
	position, err := db.NextWalletPosition(endpoint.ID, nil)
	require.NoError(t, err)
	c, blinding, err := commitment.Commit(quantity)
	require.NoError(t, err)
	err = db.InsertSlice(
		&models.Slice{
			ID:               sliceID,
			CertificateRowID: cert.ID,
			WalletEndpointID: endpoint.ID,
			Position:         position,
			Quantity:         quantity,
			State:            models.SliceStateAvailable,
			Owner:            owner,
			Commitment:       c.Bytes(),
		},
		nil,
	)
	require.NoError(t, err)
	err = db.PutSliceSecret(
		sliceID,
		&database.SliceSecret{
			Quantity:       quantity,
			BlindingFactor: blinding,
		},
		nil,
	)
	require.NoError(t, err)
}

// drainQueue steps the queue to the request's terminal status without
// starting the worker pool, so tests control exactly when each activity
// runs
func drainQueue(
	t *testing.T,
	db *database.Database,
	runner *Runner,
	requestID string,
) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		activity, err := db.DequeueActivity(time.Now())
		require.NoError(t, err)
		if activity == nil {
			status, err := db.RequestStatusByID(requestID, nil)
			require.NoError(t, err)
			if status.State != models.RequestStatePending {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		runner.process(ctx, activity)
	}
	t.Fatal("queue did not drain")
}

func TestLostCompletionClaimKeepsPipelineAlive(t *testing.T) {
	db, orchestrator, runner, _ := newRecoveryEnv(t)
	importAvailableSlice(
		t, db, "owner-1", "cert-prod", models.CertificateTypeProduction,
		"slice-prod", 40,
	)
	importAvailableSlice(
		t, db, "owner-1", "cert-cons", models.CertificateTypeConsumption,
		"slice-cons", 40,
	)
	requestID, err := orchestrator.SubmitClaim(
		context.Background(),
		&ClaimRequest{
			Owner:                    "owner-1",
			ProductionRegistry:       "registry-a",
			ProductionCertificateID:  "cert-prod",
			ConsumptionRegistry:      "registry-a",
			ConsumptionCertificateID: "cert-cons",
			Quantity:                 40,
		},
	)
	require.NoError(t, err)
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	// The janitor decides the claim went stale and returns the activity
	// to the queue while the worker is still holding it
	recovered, err := db.RecoverStaleActivities(
		time.Now().Add(time.Second),
		nil,
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered)
	runner.process(context.Background(), activity)
	// The slow worker's completion claim failed, so its work rolled back
	// and the pipeline is untouched: not failed, the activity back in the
	// queue with its retry budget intact
	status, err := db.RequestStatusByID(requestID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatePending, status.State)
	activities, err := db.ActivitiesForPipeline(requestID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, activities)
	assert.Equal(t, models.ActivityStatePending, activities[0].State)
	assert.Equal(t, 0, activities[0].Attempts)
	// The recovered activity runs to completion under its next owner
	drainQueue(t, db, runner, requestID)
	status, err = db.RequestStatusByID(requestID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStateCompleted, status.State)
}

func TestReplayAfterRecoveryDoesNotDuplicate(t *testing.T) {
	db, orchestrator, runner, fake := newRecoveryEnv(t)
	importAvailableSlice(
		t, db, "owner-1", "cert-prod", models.CertificateTypeProduction,
		"slice-prod", 10,
	)
	importAvailableSlice(
		t, db, "owner-1", "cert-cons", models.CertificateTypeConsumption,
		"slice-cons", 7,
	)
	requestID, err := orchestrator.SubmitClaim(
		context.Background(),
		&ClaimRequest{
			Owner:                    "owner-1",
			ProductionRegistry:       "registry-a",
			ProductionCertificateID:  "cert-prod",
			ConsumptionRegistry:      "registry-a",
			ConsumptionCertificateID: "cert-cons",
			Quantity:                 7,
		},
	)
	require.NoError(t, err)
	ctx := context.Background()
	// Step the pipeline until the first registry submission, then kill
	// the worker after the submission left the building but before its
	// completion record could commit
	interrupted := errors.New("worker died")
	crashed := false
	for !crashed {
		activity, err := db.DequeueActivity(time.Now())
		require.NoError(t, err)
		require.NotNil(t, activity)
		if activity.Kind == KindSubmitTx {
			txn := db.Transaction()
			err := txn.Do(func(txn *database.Txn) error {
				if _, err := runner.dispatch(ctx, activity, txn); err != nil {
					return err
				}
				return interrupted
			})
			require.ErrorIs(t, err, interrupted)
			crashed = true
			continue
		}
		runner.process(ctx, activity)
	}
	_, total := fake.submissions()
	require.Equal(t, 1, total)
	// The orphaned running activity goes back to the queue and the whole
	// pipeline replays from there
	recovered, err := db.RecoverStaleActivities(
		time.Now().Add(time.Second),
		nil,
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered)
	drainQueue(t, db, runner, requestID)
	status, err := db.RequestStatusByID(requestID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStateCompleted, status.State)
	// The replayed submission carried the same transaction id, so the
	// registry deduplicated it: sliced, allocated, and claimed are each
	// committed exactly once
	unique, total := fake.submissions()
	assert.Equal(t, 3, unique)
	assert.Equal(t, 4, total)
	// No slice rows were duplicated by the replay: the split left exactly
	// the remainder spendable
	prodCert, err := db.CertificateByID("registry-a", "cert-prod", nil)
	require.NoError(t, err)
	available, err := db.AvailableSlices("owner-1", prodCert.ID, nil)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, uint64(3), available[0].Quantity)
	source, err := db.SliceByID("slice-prod", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateSliced, source.State)
	cons, err := db.SliceByID("slice-cons", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateClaimed, cons.State)
}
