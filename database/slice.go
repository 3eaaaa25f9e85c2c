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
	"sort"

	"github.com/blinklabs-io/gcwallet/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reservation errors
var (
	// ErrInsufficientQuantity means the owner's total quantity on the
	// certificate, including pending mints, cannot cover the request
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrNotYetAvailable means pending mints would cover the request but
	// the currently available quantity cannot. The caller should retry
	// once in-flight registrations land.
	ErrNotYetAvailable = errors.New("quantity not yet available")

	// ErrReservationConflict means a concurrent reservation won the race
	// for one of the selected slices. The reservation as a whole failed
	// and may be retried.
	ErrReservationConflict = errors.New("reservation conflict")
)

// SliceByID returns a slice by its id
func (d *Database) SliceByID(
	id string,
	txn *Txn,
) (*models.Slice, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.Slice{}
	result := txn.Metadata().Preload("Certificate").First(ret, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSliceNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// InsertSlice inserts a slice keyed by its stable id. Replaying an insert
// for an id that already exists is a no-op, which keeps pipeline
// activities safe to re-execute.
func (d *Database) InsertSlice(
	slice *models.Slice,
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

// SetSliceState performs a compare-and-swap state transition on a single
// slice row. The transition must be in the legal transition table, and
// the row must still be in the expected state: zero rows affected means a
// lost race and returns ErrStateMismatch, which is never retried.
func (d *Database) SetSliceState(
	id string,
	expected models.SliceState,
	newState models.SliceState,
	txn *Txn,
) error {
	if !models.ValidSliceTransition(expected, newState) {
		return ErrIllegalTransition
	}
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.Slice{}).
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

// AvailableSlices returns the owner's Available slices on a certificate
func (d *Database) AvailableSlices(
	owner string,
	certificateRowID uint,
	txn *Txn,
) ([]models.Slice, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	var ret []models.Slice
	result := txn.Metadata().
		Where(
			"owner = ? AND certificate_row_id = ? AND state = ?",
			owner,
			certificateRowID,
			models.SliceStateAvailable,
		).
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// ReserveQuantity atomically reserves the requested quantity of the
// owner's slices on a certificate and returns the reserved slices.
//
// Slices are selected smallest-first, accumulating greedily until the
// request is covered; this minimizes fragmentation of large slices. Each
// selected slice is transitioned Available -> Reserved with a per-row CAS.
// SQLite serializes writing transactions, which stands in for a
// SELECT ... FOR UPDATE scope on owner+certificate; the per-slice CAS is
// the second line of defense against a lost race.
func (d *Database) ReserveQuantity(
	owner string,
	registryName string,
	certificateID string,
	quantity uint64,
	txn *Txn,
) ([]models.Slice, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	cert, err := d.CertificateByID(registryName, certificateID, txn)
	if err != nil {
		return nil, err
	}
	available, err := d.AvailableSlices(owner, cert.ID, txn)
	if err != nil {
		return nil, err
	}
	var availableSum uint64
	for _, slice := range available {
		availableSum += slice.Quantity
	}
	if availableSum < quantity {
		// Include in-flight registrations to distinguish "retry later"
		// from outright insufficiency
		var registeringSum uint64
		result := txn.Metadata().Model(&models.Slice{}).
			Where(
				"owner = ? AND certificate_row_id = ? AND state = ?",
				owner,
				cert.ID,
				models.SliceStateRegistering,
			).
			Select("COALESCE(SUM(quantity), 0)").
			Scan(&registeringSum)
		if result.Error != nil {
			return nil, result.Error
		}
		if availableSum+registeringSum >= quantity {
			return nil, ErrNotYetAvailable
		}
		return nil, ErrInsufficientQuantity
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Quantity < available[j].Quantity
	})
	var selected []models.Slice
	var selectedSum uint64
	for _, slice := range available {
		if selectedSum >= quantity {
			break
		}
		selected = append(selected, slice)
		selectedSum += slice.Quantity
	}
	for i := range selected {
		err := d.SetSliceState(
			selected[i].ID,
			models.SliceStateAvailable,
			models.SliceStateReserved,
			txn,
		)
		if err != nil {
			if errors.Is(err, ErrStateMismatch) {
				return nil, ErrReservationConflict
			}
			return nil, err
		}
		selected[i].State = models.SliceStateReserved
	}
	return selected, nil
}

// AvailableSlicesForCertificate returns all Available slices referencing
// a certificate row, used by the expiry and withdrawal sweeps
func (d *Database) AvailableSlicesForCertificate(
	certificateRowID uint,
	txn *Txn,
) ([]models.Slice, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	var ret []models.Slice
	result := txn.Metadata().
		Where(
			"certificate_row_id = ? AND state = ?",
			certificateRowID,
			models.SliceStateAvailable,
		).
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
