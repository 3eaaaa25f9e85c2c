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

// Package registry provides HTTP clients for the external collaborators
// the wallet talks to: the authoritative registry that finalizes
// ownership-changing events, the optional per-grid-area notary, and
// receiving wallets' push endpoints.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Transaction event types accepted by the registry
const (
	EventTypeAllocated   = "allocated"
	EventTypeClaimed     = "claimed"
	EventTypeSliced      = "sliced"
	EventTypeTransferred = "transferred"
)

// TransactionState is the registry's view of a submitted transaction
type TransactionState string

const (
	TransactionStatePending   TransactionState = "pending"
	TransactionStateCommitted TransactionState = "committed"
	TransactionStateFailed    TransactionState = "failed"
)

// Client errors
var (
	// ErrUnavailable covers network failures and registry server errors.
	// These are transient and retried by the caller's retry policy.
	ErrUnavailable = errors.New("registry unavailable")

	// ErrRejected means the registry refused the request outright
	ErrRejected = errors.New("registry rejected request")
)

// Transaction is a signed registry transaction. The id is the hex-encoded
// SHA-256 hash of the event payload, which makes submission idempotent on
// the registry side.
type Transaction struct {
	ID           string          `json:"id"`
	RegistryName string          `json:"registryName"`
	StreamID     string          `json:"streamId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	PublicKey    []byte          `json:"publicKey"`
	Signature    []byte          `json:"signature"`
}

// TransactionID computes the transaction id for an event payload
func TransactionID(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

// TransactionStatus is the registry's answer to a status poll
type TransactionStatus struct {
	State  TransactionState `json:"state"`
	Reason string           `json:"reason,omitempty"`
}

// Client submits signed transactions to a registry and polls their status
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a registry client for the given base URL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SubmitTransaction submits a signed transaction. Submission is
// idempotent by transaction hash: a conflict response means the
// transaction was already accepted and is treated as success.
func (c *Client) SubmitTransaction(
	ctx context.Context,
	tx *Transaction,
) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/v1/transactions",
		bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already submitted
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf(
			"%w: submit returned %d",
			ErrUnavailable,
			resp.StatusCode,
		)
	default:
		return fmt.Errorf(
			"%w: submit returned %d",
			ErrRejected,
			resp.StatusCode,
		)
	}
}

// TransactionStatus polls the status of a submitted transaction
func (c *Client) TransactionStatus(
	ctx context.Context,
	transactionID string,
) (*TransactionStatus, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+"/v1/transactions/"+transactionID,
		nil,
	)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf(
			"%w: status returned %d",
			ErrUnavailable,
			resp.StatusCode,
		)
	}
	if resp.StatusCode == http.StatusNotFound {
		// The registry has not seen the transaction yet; treat as pending
		return &TransactionStatus{State: TransactionStatePending}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: status returned %d",
			ErrRejected,
			resp.StatusCode,
		)
	}
	ret := &TransactionStatus{}
	if err := json.NewDecoder(resp.Body).Decode(ret); err != nil {
		return nil, fmt.Errorf("%w: decode status: %w", ErrUnavailable, err)
	}
	return ret, nil
}

// WithdrawnCertificates returns the ids of certificates the registry has
// withdrawn since the given cursor, used by the withdrawal mirror sweep
func (c *Client) WithdrawnCertificates(
	ctx context.Context,
	cursor string,
) ([]string, string, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+"/v1/certificates/withdrawn?cursor="+cursor,
		nil,
	)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf(
			"%w: withdrawn returned %d",
			ErrUnavailable,
			resp.StatusCode,
		)
	}
	var payload struct {
		CertificateIDs []string `json:"certificateIds"`
		NextCursor     string   `json:"nextCursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("%w: decode withdrawn: %w", ErrUnavailable, err)
	}
	return payload.CertificateIDs, payload.NextCursor, nil
}
