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

// Package database implements the slice ledger: persistent storage for
// certificates, slices, claims, endpoints, request status, and the
// durable pipeline activity queue. Relational state lives in a SQLite
// metadata store; secret material (commitment openings) and signed
// transaction payloads live in a Badger blob store.
package database

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blinklabs-io/gcwallet/database/models"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Common errors returned by ledger operations
var (
	ErrCertificateNotFound      = errors.New("certificate not found")
	ErrSliceNotFound            = errors.New("slice not found")
	ErrClaimNotFound            = errors.New("claim not found")
	ErrTransferredSliceNotFound = errors.New("transferred slice not found")
	ErrRequestNotFound          = errors.New("request not found")
	ErrEndpointNotFound         = errors.New("endpoint not found")
	ErrSecretNotFound           = errors.New("slice secret not found")
	ErrSignedTxNotFound         = errors.New("signed transaction not found")

	// ErrStateMismatch is returned when a conditional state update
	// affected zero rows. It signals a lost race that the reservation
	// locking was supposed to prevent and is never retried.
	ErrStateMismatch = errors.New("state transition precondition failed")

	// ErrIllegalTransition is returned when a requested state change is
	// not in the legal transition table
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Database is the slice ledger instance
type Database struct {
	logger   *slog.Logger
	metadata *gorm.DB
	blob     *badger.DB
	dataDir  string
	metrics  struct {
		transactions prometheus.Counter
	}
}

// Logger returns the logger instance
func (d *Database) Logger() *slog.Logger {
	return d.logger
}

// DataDir returns the path to the data directory used for storage
func (d *Database) DataDir() string {
	return d.dataDir
}

// Transaction starts a new unit of work and returns a handle to it
func (d *Database) Transaction() *Txn {
	if d.metrics.transactions != nil {
		d.metrics.transactions.Inc()
	}
	return NewTxn(d)
}

// Close cleans up the database connections
func (d *Database) Close() error {
	var err error
	if d.metadata != nil {
		if sqlDb, dbErr := d.metadata.DB(); dbErr == nil {
			err = errors.Join(err, sqlDb.Close())
		}
	}
	if d.blob != nil {
		err = errors.Join(err, d.blob.Close())
	}
	return err
}

// New creates a new database instance with optional persistence using the
// provided data directory. An empty data directory selects in-memory
// storage for both stores, useful for testing.
func New(
	logger *slog.Logger,
	dataDir string,
	promRegistry prometheus.Registerer,
) (*Database, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var metadataDb *gorm.DB
	var blobDb *badger.DB
	var err error
	if dataDir == "" {
		// cache=shared allows multiple connections to share the same in-memory database
		metadataDb, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
		blobDb, err = badger.Open(
			badger.DefaultOptions("").WithInMemory(true).WithLogger(nil),
		)
		if err != nil {
			return nil, err
		}
	} else {
		// Make sure that we can read data dir, and create if it doesn't exist
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		metadataDbPath := filepath.Join(dataDir, "metadata.sqlite")
		// WAL journal mode to allow readers alongside the single writer
		metadataConnOpts := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		metadataDb, err = gorm.Open(
			sqlite.Open(
				fmt.Sprintf("file:%s?%s", metadataDbPath, metadataConnOpts),
			),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
		blobDb, err = badger.Open(
			badger.DefaultOptions(filepath.Join(dataDir, "blob")).
				WithLogger(nil),
		)
		if err != nil {
			return nil, err
		}
	}
	if err := metadataDb.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	db := &Database{
		logger:   logger,
		metadata: metadataDb,
		blob:     blobDb,
		dataDir:  dataDir,
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		db.metrics.transactions = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "gcwallet_db_transactions_total",
				Help: "units of work started against the slice ledger",
			},
		)
	}
	// Create table schemas
	for _, model := range models.MigrateModels {
		db.logger.Debug(
			fmt.Sprintf("creating table: %#v", model),
			"component", "database",
		)
		if err := metadataDb.AutoMigrate(model); err != nil {
			return db, err
		}
	}
	return db, nil
}
