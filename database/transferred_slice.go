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
	"gorm.io/gorm/clause"
)

// TransferredSliceByID returns a transferred slice by its id
func (d *Database) TransferredSliceByID(
	id string,
	txn *Txn,
) (*models.TransferredSlice, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.TransferredSlice{}
	result := txn.Metadata().Preload("Certificate").First(ret, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransferredSliceNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// InsertTransferredSlice inserts a transferred slice keyed by its stable
// id. Replay is a no-op.
func (d *Database) InsertTransferredSlice(
	slice *models.TransferredSlice,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(slice)
	return result.Error
}

// SetTransferredSliceState performs a compare-and-swap state transition
// on a transferred slice
func (d *Database) SetTransferredSliceState(
	id string,
	expected models.TransferredSliceState,
	newState models.TransferredSliceState,
	txn *Txn,
) error {
	if !models.ValidTransferredSliceTransition(expected, newState) {
		return ErrIllegalTransition
	}
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.TransferredSlice{}).
		Where("id = ? AND state = ?", id, expected).
		Update("state", newState)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateMismatch
	}
	return nil
}

// RegisteringTransferredSlices returns transferred slices still in
// Registering state, used by the reconciliation sweep
func (d *Database) RegisteringTransferredSlices(
	txn *Txn,
) ([]models.TransferredSlice, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	var ret []models.TransferredSlice
	result := txn.Metadata().
		Where("state = ?", models.TransferredSliceStateRegistering).
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
