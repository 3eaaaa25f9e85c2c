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

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NotaryClient pre-registers claim intents with the notary service
// required by some grid areas before allocation
type NotaryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewNotaryClient creates a notary client for the given base URL
func NewNotaryClient(baseURL string, timeout time.Duration) *NotaryClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotaryClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RegisterIntent registers a claim intent for a certificate quantity and
// returns the notary's signature over it
func (c *NotaryClient) RegisterIntent(
	ctx context.Context,
	certificateID string,
	quantity uint64,
	blindingFactor []byte,
) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"certificateId":  certificateID,
		"quantity":       quantity,
		"blindingFactor": blindingFactor,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/v1/intents",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf(
			"%w: intent returned %d",
			ErrUnavailable,
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf(
			"%w: intent returned %d",
			ErrRejected,
			resp.StatusCode,
		)
	}
	var payload struct {
		Signature []byte `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode intent: %w", ErrUnavailable, err)
	}
	return payload.Signature, nil
}
