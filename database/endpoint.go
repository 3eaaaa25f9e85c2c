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
	"errors"

	"github.com/blinklabs-io/gcwallet/database/models"
	"gorm.io/gorm"
)

// WalletEndpointByID returns a wallet endpoint by row id
func (d *Database) WalletEndpointByID(
	id uint,
	txn *Txn,
) (*models.WalletEndpoint, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.WalletEndpoint{}
	result := txn.Metadata().First(ret, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEndpointNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// WalletEndpointByPublicKey returns the wallet endpoint whose account
// public key matches, which is how transfers addressed to this wallet's
// own endpoints are recognized
func (d *Database) WalletEndpointByPublicKey(
	publicKey []byte,
	txn *Txn,
) (*models.WalletEndpoint, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.WalletEndpoint{}
	result := txn.Metadata().First(ret, "public_key = ?", publicKey)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEndpointNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// EnsureWalletEndpoint returns the owner's endpoint, creating it lazily.
// The remainder flag selects the endpoint used for remainder slices
// produced by partial transfers.
func (d *Database) EnsureWalletEndpoint(
	owner string,
	remainder bool,
	txn *Txn,
) (*models.WalletEndpoint, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.WalletEndpoint{}
	result := txn.Metadata().
		First(ret, "owner = ? AND remainder = ?", owner, remainder)
	if result.Error == nil {
		return ret, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, result.Error
	}
	ret = &models.WalletEndpoint{
		Owner:     owner,
		Remainder: remainder,
	}
	if result := txn.Metadata().Create(ret); result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// NextWalletPosition increments and returns the endpoint's derivation
// position counter. The counter only ever moves forward.
func (d *Database) NextWalletPosition(
	endpointID uint,
	txn *Txn,
) (uint32, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.WalletEndpoint{}).
		Where("id = ?", endpointID).
		Update("next_position", gorm.Expr("next_position + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrEndpointNotFound
	}
	endpoint, err := d.WalletEndpointByID(endpointID, txn)
	if err != nil {
		return 0, err
	}
	return endpoint.NextPosition - 1, nil
}

// ExternalEndpointByID returns an external endpoint by row id
func (d *Database) ExternalEndpointByID(
	id uint,
	txn *Txn,
) (*models.ExternalEndpoint, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.ExternalEndpoint{}
	result := txn.Metadata().First(ret, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEndpointNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// InsertExternalEndpoint records a receiving wallet's published address
// family
func (d *Database) InsertExternalEndpoint(
	endpoint *models.ExternalEndpoint,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	return txn.Metadata().Create(endpoint).Error
}

// NextExternalPosition increments and returns the external endpoint's
// derivation position counter
func (d *Database) NextExternalPosition(
	endpointID uint,
	txn *Txn,
) (uint32, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.ExternalEndpoint{}).
		Where("id = ?", endpointID).
		Update("next_position", gorm.Expr("next_position + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrEndpointNotFound
	}
	endpoint, err := d.ExternalEndpointByID(endpointID, txn)
	if err != nil {
		return 0, err
	}
	return endpoint.NextPosition - 1, nil
}

// SetWalletEndpointPublicKey stores the serialized account public key for
// an endpoint the first time it is derived
func (d *Database) SetWalletEndpointPublicKey(
	endpointID uint,
	publicKey []byte,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	return txn.Metadata().Model(&models.WalletEndpoint{}).
		Where("id = ?", endpointID).
		Update("public_key", publicKey).Error
}
