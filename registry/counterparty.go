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

// CertificateInfo carries certificate attributes alongside a pushed slice
// so the receiving wallet can mirror the certificate locally
type CertificateInfo struct {
	RegistryName     string    `json:"registryName"`
	CertificateID    string    `json:"certificateId"`
	Type             string    `json:"type"`
	GridArea         string    `json:"gridArea"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	Attributes       []byte    `json:"attributes,omitempty"`
	HashedAttributes []byte    `json:"hashedAttributes,omitempty"`
}

// SlicePush is the payload delivered to a receiving wallet after a
// transfer commits: the slice attributes and the commitment opening the
// receiver needs to spend the slice
type SlicePush struct {
	SliceID            string          `json:"sliceId"`
	ReceiverEndpointID uint            `json:"receiverEndpointId"`
	Position           uint32          `json:"position"`
	PublicKey          []byte          `json:"publicKey"`
	Quantity           uint64          `json:"quantity"`
	BlindingFactor     []byte          `json:"blindingFactor"`
	Certificate        CertificateInfo `json:"certificate"`
}

// CounterpartyClient pushes transferred slice data to receiving wallets
type CounterpartyClient struct {
	httpClient *http.Client
}

// NewCounterpartyClient creates a counterparty push client
func NewCounterpartyClient(timeout time.Duration) *CounterpartyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CounterpartyClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PushSlice delivers a slice payload to a receiving wallet's published
// endpoint. Delivery is idempotent on the receiver side via the stable
// slice id.
func (c *CounterpartyClient) PushSlice(
	ctx context.Context,
	receiverURL string,
	push *SlicePush,
) error {
	body, err := json.Marshal(push)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		receiverURL+"/v1/slices",
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
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf(
			"%w: push returned %d",
			ErrUnavailable,
			resp.StatusCode,
		)
	}
	return fmt.Errorf(
		"%w: push returned %d",
		ErrRejected,
		resp.StatusCode,
	)
}
