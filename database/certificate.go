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
	"time"

	"github.com/blinklabs-io/gcwallet/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CertificateByID returns the certificate identified by registry name and
// certificate id
func (d *Database) CertificateByID(
	registryName string,
	certificateID string,
	txn *Txn,
) (*models.Certificate, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	ret := &models.Certificate{}
	result := txn.Metadata().
		First(ret, "registry_name = ? AND certificate_id = ?", registryName, certificateID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, result.Error
	}
	return ret, nil
}

// EnsureCertificate inserts a certificate on first observation. A
// certificate that already exists is returned unchanged; certificates are
// never updated through this path and never deleted.
func (d *Database) EnsureCertificate(
	cert *models.Certificate,
	txn *Txn,
) (*models.Certificate, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "registry_name"},
			{Name: "certificate_id"},
		},
		DoNothing: true,
	}).Create(cert)
	if result.Error != nil {
		return nil, result.Error
	}
	return d.CertificateByID(cert.RegistryName, cert.CertificateID, txn)
}

// SetCertificateWithdrawn sets the one-way withdrawn flag
func (d *Database) SetCertificateWithdrawn(
	registryName string,
	certificateID string,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.Certificate{}).
		Where("registry_name = ? AND certificate_id = ?", registryName, certificateID).
		Update("withdrawn", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCertificateNotFound
	}
	return nil
}

// CertificatesEndedBefore returns non-withdrawn certificates whose end
// period is before the given cutoff, used by the expiry sweep
func (d *Database) CertificatesEndedBefore(
	cutoff time.Time,
	txn *Txn,
) ([]models.Certificate, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	var ret []models.Certificate
	result := txn.Metadata().
		Where("end_time < ?", cutoff).
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
