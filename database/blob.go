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

package database

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// SliceSecret is the commitment opening for a slice: the quantity and the
// Pedersen blinding factor. It lives in the blob store, never in the
// relational store, and is pushed to the receiving wallet on transfer.
type SliceSecret struct {
	Quantity       uint64 `json:"quantity"`
	BlindingFactor []byte `json:"blindingFactor"`
}

// SecretBlobKey generates the blob store key for a slice secret
func SecretBlobKey(sliceID string) []byte {
	return fmt.Appendf(nil, "secret:%s", sliceID)
}

// SignedTxBlobKey generates the blob store key for a signed transaction
// produced by a pipeline activity
func SignedTxBlobKey(pipelineID string, activityIndex int) []byte {
	return fmt.Appendf(nil, "signedtx:%s:%d", pipelineID, activityIndex)
}

// IntentBlobKey generates the blob store key for a notary intent
// signature produced by a pipeline activity
func IntentBlobKey(pipelineID string, activityIndex int) []byte {
	return fmt.Appendf(nil, "intent:%s:%d", pipelineID, activityIndex)
}

// PutSliceSecret stores the commitment opening for a slice
func (d *Database) PutSliceSecret(
	sliceID string,
	secret *SliceSecret,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	data, err := json.Marshal(secret)
	if err != nil {
		return err
	}
	return txn.Blob().Set(SecretBlobKey(sliceID), data)
}

// SliceSecret returns the commitment opening for a slice
func (d *Database) SliceSecret(
	sliceID string,
	txn *Txn,
) (*SliceSecret, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	item, err := txn.Blob().Get(SecretBlobKey(sliceID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSecretNotFound
		}
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	ret := &SliceSecret{}
	if err := json.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// PutBlob stores an opaque payload under the given key
func (d *Database) PutBlob(
	key []byte,
	value []byte,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	return txn.Blob().Set(key, value)
}

// Blob returns the payload stored under the given key, or nil if the key
// does not exist
func (d *Database) GetBlob(
	key []byte,
	txn *Txn,
) ([]byte, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	item, err := txn.Blob().Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}
