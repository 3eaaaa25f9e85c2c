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

// Package sweeper runs the wallet's background maintenance sweeps:
// expiring slices on certificates past their end period, mirroring
// registry-side certificate withdrawals, and surfacing transfers stuck
// in flight.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config tunes the sweep cadence
type Config struct {
	// Interval is the delay between sweep rounds
	Interval time.Duration
	// ExpiryGrace delays slice expiry past the certificate end period,
	// leaving room for late claims
	ExpiryGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

// withdrawnCursorKey generates the blob store key persisting the
// withdrawal feed cursor for a registry
func withdrawnCursorKey(registryName string) []byte {
	return fmt.Appendf(nil, "sweep:withdrawn:%s", registryName)
}

// Sweeper owns the background sweep loop
type Sweeper struct {
	logger     *slog.Logger
	config     Config
	db         *database.Database
	bus        *event.EventBus
	registries map[string]*registry.Client
	metrics    struct {
		slicesExpired  prometheus.Counter
		certsWithdrawn prometheus.Counter
		stuckTransfers prometheus.Gauge
	}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a Sweeper. The event bus may be nil.
func NewSweeper(
	config Config,
	logger *slog.Logger,
	db *database.Database,
	bus *event.EventBus,
	registries map[string]*registry.Client,
	promRegistry prometheus.Registerer,
) *Sweeper {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	config.applyDefaults()
	s := &Sweeper{
		logger:     logger,
		config:     config,
		db:         db,
		bus:        bus,
		registries: registries,
		stopCh:     make(chan struct{}),
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		s.metrics.slicesExpired = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "gcwallet_slices_expired_total",
				Help: "slices expired by the maintenance sweep",
			},
		)
		s.metrics.certsWithdrawn = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "gcwallet_certificates_withdrawn_total",
				Help: "certificate withdrawals mirrored from registries",
			},
		)
		s.metrics.stuckTransfers = promautoFactory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gcwallet_transfers_in_flight",
				Help: "transferred slices still awaiting finalization",
			},
		)
	}
	return s
}

// Start launches the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	s.logger.Info(
		"sweeper started",
		"component", "sweeper",
		"interval", s.config.Interval,
	)
}

// Stop shuts the sweep loop down
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	if err := s.sweepExpired(); err != nil {
		s.logger.Error(
			"expiry sweep failed",
			"component", "sweeper",
			"error", err,
		)
	}
	s.sweepWithdrawn(ctx)
	if err := s.sweepInFlight(); err != nil {
		s.logger.Error(
			"in-flight sweep failed",
			"component", "sweeper",
			"error", err,
		)
	}
}

// sweepExpired expires the available slices of certificates whose end
// period, plus the configured grace, has passed
func (s *Sweeper) sweepExpired() error {
	var events []event.Event
	txn := s.db.Transaction()
	err := txn.Do(func(txn *database.Txn) error {
		cutoff := time.Now().Add(-s.config.ExpiryGrace)
		certs, err := s.db.CertificatesEndedBefore(cutoff, txn)
		if err != nil {
			return err
		}
		for _, cert := range certs {
			expired, err := s.expireAvailable(cert.ID, txn)
			if err != nil {
				return err
			}
			events = append(events, expired...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events)
	return nil
}

// expireAvailable transitions all available slices on a certificate row
// to Expired and returns the events to publish on commit
func (s *Sweeper) expireAvailable(
	certificateRowID uint,
	txn *database.Txn,
) ([]event.Event, error) {
	slices, err := s.db.AvailableSlicesForCertificate(
		certificateRowID,
		txn,
	)
	if err != nil {
		return nil, err
	}
	var events []event.Event
	for _, slice := range slices {
		err := s.db.SetSliceState(
			slice.ID,
			models.SliceStateAvailable,
			models.SliceStateExpired,
			txn,
		)
		if err != nil {
			// A claim or transfer reserved the slice between the read
			// and the update; leave it alone
			if errors.Is(err, database.ErrStateMismatch) {
				continue
			}
			return nil, err
		}
		if s.metrics.slicesExpired != nil {
			s.metrics.slicesExpired.Inc()
		}
		events = append(events, event.NewEvent(
			event.SliceExpiredEventType,
			event.SliceEvent{
				SliceID:  slice.ID,
				Owner:    slice.Owner,
				Quantity: slice.Quantity,
			},
		))
	}
	return events, nil
}

// sweepWithdrawn mirrors certificate withdrawals from each registry's
// withdrawal feed. The feed cursor is persisted per registry, so each
// withdrawal is processed once across restarts.
func (s *Sweeper) sweepWithdrawn(ctx context.Context) {
	for name, client := range s.registries {
		if err := s.sweepWithdrawnRegistry(ctx, name, client); err != nil {
			s.logger.Warn(
				"withdrawal sweep failed",
				"component", "sweeper",
				"registry", name,
				"error", err,
			)
		}
	}
}

func (s *Sweeper) sweepWithdrawnRegistry(
	ctx context.Context,
	registryName string,
	client *registry.Client,
) error {
	cursorKey := withdrawnCursorKey(registryName)
	cursor, err := s.db.GetBlob(cursorKey, nil)
	if err != nil {
		return err
	}
	certificateIDs, nextCursor, err := client.WithdrawnCertificates(
		ctx,
		string(cursor),
	)
	if err != nil {
		return err
	}
	if len(certificateIDs) == 0 && nextCursor == string(cursor) {
		return nil
	}
	var events []event.Event
	txn := s.db.Transaction()
	err = txn.Do(func(txn *database.Txn) error {
		for _, certificateID := range certificateIDs {
			err := s.db.SetCertificateWithdrawn(
				registryName,
				certificateID,
				txn,
			)
			if err != nil {
				// Withdrawals for certificates the wallet never
				// mirrored are not ours to track
				if errors.Is(err, database.ErrCertificateNotFound) {
					continue
				}
				return err
			}
			if s.metrics.certsWithdrawn != nil {
				s.metrics.certsWithdrawn.Inc()
			}
			cert, err := s.db.CertificateByID(
				registryName,
				certificateID,
				txn,
			)
			if err != nil {
				return err
			}
			expired, err := s.expireAvailable(cert.ID, txn)
			if err != nil {
				return err
			}
			events = append(events, expired...)
			s.logger.Info(
				"mirrored certificate withdrawal",
				"component", "sweeper",
				"registry", registryName,
				"certificate_id", certificateID,
			)
		}
		return s.db.PutBlob(cursorKey, []byte(nextCursor), txn)
	})
	if err != nil {
		return err
	}
	s.publish(events)
	return nil
}

// sweepInFlight surfaces transferred slices that have sat in Registering
// state, meaning their pipeline has neither finalized nor failed cleanly.
// The count is exported for alerting; resolution is an operator decision
// since the registry may still commit the transfer.
func (s *Sweeper) sweepInFlight() error {
	stuck, err := s.db.RegisteringTransferredSlices(nil)
	if err != nil {
		return err
	}
	if s.metrics.stuckTransfers != nil {
		s.metrics.stuckTransfers.Set(float64(len(stuck)))
	}
	if len(stuck) > 0 {
		s.logger.Debug(
			"transfers awaiting finalization",
			"component", "sweeper",
			"count", len(stuck),
		)
	}
	return nil
}

func (s *Sweeper) publish(events []event.Event) {
	if s.bus == nil {
		return
	}
	for _, evt := range events {
		s.bus.Publish(evt.Type, evt)
	}
}
