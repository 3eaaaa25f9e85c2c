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

// ClaimByID returns a claim by its id
func (d *Database) ClaimByID(
	id string,
	txn *Txn,
) (*models.Claim, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.Claim{}
	result := txn.Metadata().First(ret, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// InsertClaim inserts a claim keyed by its stable id (the orchestration
// correlation id). Replay is a no-op.
func (d *Database) InsertClaim(
	claim *models.Claim,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(claim)
	return result.Error
}

// SetClaimState performs a compare-and-swap state transition on a claim
func (d *Database) SetClaimState(
	id string,
	expected models.ClaimState,
	newState models.ClaimState,
	txn *Txn,
) error {
	if !models.ValidClaimTransition(expected, newState) {
		return ErrIllegalTransition
	}
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.Claim{}).
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
