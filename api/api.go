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

// Package api exposes the wallet's HTTP surface: certificate intake,
// claim and transfer commands, request status, endpoint management, and
// the push endpoint receiving wallets publish to each other.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/pipeline"
)

// Config wires the Api's collaborators
type Config struct {
	Logger       *slog.Logger
	Database     *database.Database
	KeyStore     *keystore.KeyStore
	Orchestrator *pipeline.Orchestrator
	EventBus     *event.EventBus
	Host         string
	Port         uint
}

// Api serves the wallet HTTP API
type Api struct {
	config Config
	server *http.Server
}

// NewApi creates an Api from the given config
func NewApi(cfg Config) *Api {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "api")
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &Api{
		config: cfg,
	}
}

// Handler returns the API route handler
func (a *Api) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /v1/certificates", a.handleImportCertificate)
	mux.HandleFunc("POST /v1/claims", a.handleClaim)
	mux.HandleFunc("POST /v1/transfers", a.handleTransfer)
	mux.HandleFunc("GET /v1/requests/{id}", a.handleRequestStatus)
	mux.HandleFunc("POST /v1/wallet-endpoints", a.handleCreateWalletEndpoint)
	mux.HandleFunc("POST /v1/endpoints", a.handleCreateExternalEndpoint)
	mux.HandleFunc("POST /v1/slices", a.handleReceiveSlice)
	return mux
}

// Start begins serving the API. It blocks until the listener fails or
// Stop is called.
func (a *Api) Start() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.config.Host, a.config.Port),
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	a.config.Logger.Info(
		"starting listener",
		"address", a.server.Addr,
	)
	err := a.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down
func (a *Api) Stop() error {
	if a.server == nil {
		return nil
	}
	return a.server.Close()
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *Api) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.config.Logger.Warn(
			"failed to write response",
			"error", err,
		)
	}
}

func (a *Api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody decodes a JSON request body, rejecting unknown fields
func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(into)
}

func (a *Api) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

// requestErrorStatus maps a synchronous command error to an HTTP status
func requestErrorStatus(err error) int {
	switch {
	case errors.Is(err, database.ErrCertificateNotFound),
		errors.Is(err, pipeline.ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, database.ErrInsufficientQuantity),
		errors.Is(err, pipeline.ErrCertificateWithdrawn),
		errors.Is(err, pipeline.ErrCertificateTypeWrong),
		errors.Is(err, pipeline.ErrSameCertificate),
		errors.Is(err, pipeline.ErrInvalidQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrNotYetAvailable),
		errors.Is(err, database.ErrReservationConflict):
		// Retryable; the client should resubmit with the same request id
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
