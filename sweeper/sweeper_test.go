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

package sweeper_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/blinklabs-io/gcwallet/sweeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabase(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(nil, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close() //nolint:errcheck
	})
	return db
}

func insertCertWithSlice(
	t *testing.T,
	db *database.Database,
	certificateID string,
	sliceID string,
	endTime time.Time,
	state models.SliceState,
) *models.Certificate {
	t.Helper()
	cert, err := db.EnsureCertificate(
		&models.Certificate{
			RegistryName:  "registry-a",
			CertificateID: certificateID,
			Type:          models.CertificateTypeProduction,
			GridArea:      "DK1",
			StartTime:     endTime.Add(-time.Hour),
			EndTime:       endTime,
		},
		nil,
	)
	require.NoError(t, err)
	err = db.InsertSlice(
		&models.Slice{
			ID:               sliceID,
			CertificateRowID: cert.ID,
			Quantity:         100,
			State:            state,
			Owner:            "owner-1",
		},
		nil,
	)
	require.NoError(t, err)
	return cert
}

func runSweeper(
	t *testing.T,
	db *database.Database,
	bus *event.EventBus,
	registries map[string]*registry.Client,
	expiryGrace time.Duration,
) {
	t.Helper()
	sweep := sweeper.NewSweeper(
		sweeper.Config{
			Interval:    10 * time.Millisecond,
			ExpiryGrace: expiryGrace,
		},
		nil,
		db,
		bus,
		registries,
		nil,
	)
	sweep.Start(context.Background())
	t.Cleanup(sweep.Stop)
}

func TestSweepExpiresEndedCertificates(t *testing.T) {
	db := testDatabase(t)
	bus := event.NewEventBus(nil)
	_, expiredCh := bus.Subscribe(event.SliceExpiredEventType)
	endedCert := insertCertWithSlice(
		t, db, "cert-ended", "slice-ended",
		time.Now().Add(-time.Hour),
		models.SliceStateAvailable,
	)
	insertCertWithSlice(
		t, db, "cert-live", "slice-live",
		time.Now().Add(time.Hour),
		models.SliceStateAvailable,
	)
	// Reserved slices on ended certificates stay untouched so pending
	// claims can still finish
	err := db.InsertSlice(
		&models.Slice{
			ID:               "slice-reserved",
			CertificateRowID: endedCert.ID,
			Quantity:         50,
			State:            models.SliceStateReserved,
			Owner:            "owner-1",
		},
		nil,
	)
	require.NoError(t, err)
	runSweeper(t, db, bus, nil, 0)
	require.Eventually(t, func() bool {
		slice, err := db.SliceByID("slice-ended", nil)
		return err == nil && slice.State == models.SliceStateExpired
	}, 5*time.Second, 10*time.Millisecond)
	live, err := db.SliceByID("slice-live", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateAvailable, live.State)
	reserved, err := db.SliceByID("slice-reserved", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateReserved, reserved.State)
	select {
	case evt := <-expiredCh:
		sliceEvt, ok := evt.Data.(event.SliceEvent)
		require.True(t, ok)
		assert.Equal(t, "slice-ended", sliceEvt.SliceID)
		assert.Equal(t, uint64(100), sliceEvt.Quantity)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry event")
	}
}

func TestSweepExpiryGrace(t *testing.T) {
	db := testDatabase(t)
	insertCertWithSlice(
		t, db, "cert-ended", "slice-1",
		time.Now().Add(-time.Minute),
		models.SliceStateAvailable,
	)
	// The certificate ended a minute ago but the grace window is an hour,
	// so the slice survives
	runSweeper(t, db, nil, nil, time.Hour)
	time.Sleep(100 * time.Millisecond)
	slice, err := db.SliceByID("slice-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.SliceStateAvailable, slice.State)
}

func TestSweepMirrorsWithdrawals(t *testing.T) {
	db := testDatabase(t)
	insertCertWithSlice(
		t, db, "cert-1", "slice-1",
		time.Now().Add(time.Hour),
		models.SliceStateAvailable,
	)
	var cursorMu sync.Mutex
	cursors := []string{}
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cursorMu.Lock()
			cursors = append(cursors, r.URL.Query().Get("cursor"))
			cursorMu.Unlock()
			payload := map[string]any{
				"certificateIds": []string{},
				"nextCursor":     "cursor-1",
			}
			if r.URL.Query().Get("cursor") == "" {
				// First poll delivers the withdrawal, including one for a
				// certificate this wallet never mirrored
				payload["certificateIds"] = []string{"cert-1", "cert-unknown"}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(payload) //nolint:errcheck
		}),
	)
	defer srv.Close()
	registries := map[string]*registry.Client{
		"registry-a": registry.NewClient(srv.URL, time.Second),
	}
	runSweeper(t, db, nil, registries, 0)
	require.Eventually(t, func() bool {
		cert, err := db.CertificateByID("registry-a", "cert-1", nil)
		return err == nil && cert.Withdrawn
	}, 5*time.Second, 10*time.Millisecond)
	// Withdrawal also expires the available slices
	require.Eventually(t, func() bool {
		slice, err := db.SliceByID("slice-1", nil)
		return err == nil && slice.State == models.SliceStateExpired
	}, 5*time.Second, 10*time.Millisecond)
	// The persisted cursor advances, so later polls resume from it
	require.Eventually(t, func() bool {
		cursorMu.Lock()
		defer cursorMu.Unlock()
		return len(cursors) >= 2 &&
			cursors[len(cursors)-1] == "cursor-1"
	}, 5*time.Second, 10*time.Millisecond)
}
