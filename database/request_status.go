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

// ErrRequestAlreadyTerminal is returned when a terminal request status
// update finds the request no longer pending. The first terminal state
// always wins.
var ErrRequestAlreadyTerminal = errors.New("request already terminal")

// RequestStatusByID returns the status record for a request id
func (d *Database) RequestStatusByID(
	requestID string,
	txn *Txn,
) (*models.RequestStatus, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.RequestStatus{}
	result := txn.Metadata().First(ret, "request_id = ?", requestID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// InsertRequestStatus records a new request in Pending state. Duplicate
// command delivery replays the insert as a no-op.
func (d *Database) InsertRequestStatus(
	requestID string,
	owner string,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(&models.RequestStatus{
		RequestID: requestID,
		Owner:     owner,
		State:     models.RequestStatePending,
	})
	return result.Error
}

// SetRequestTerminal moves a request from Pending to the given terminal
// state. The update is conditional on the request still being Pending, so
// a terminal state is recorded exactly once for any request id.
func (d *Database) SetRequestTerminal(
	requestID string,
	state models.RequestState,
	failureReason string,
	txn *Txn,
) error {
	if state != models.RequestStateCompleted &&
		state != models.RequestStateFailed {
		return ErrIllegalTransition
	}
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.RequestStatus{}).
		Where(
			"request_id = ? AND state = ?",
			requestID,
			models.RequestStatePending,
		).
		Updates(map[string]any{
			"state":          state,
			"failure_reason": failureReason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRequestAlreadyTerminal
	}
	return nil
}
