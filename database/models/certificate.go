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

package models

import "time"

// CertificateType distinguishes production certificates from
// consumption certificates
type CertificateType string

const (
	CertificateTypeProduction  CertificateType = "production"
	CertificateTypeConsumption CertificateType = "consumption"
)

// Certificate is the local mirror of a granular certificate observed on
// the registry. It is created on first observation and never deleted.
// All attributes except the withdrawn flag are immutable.
type Certificate struct {
	ID               uint            `gorm:"primarykey"`
	RegistryName     string          `gorm:"index:registry_certificate,unique"`
	CertificateID    string          `gorm:"index:registry_certificate,unique"`
	Type             CertificateType `gorm:"index"`
	GridArea         string          `gorm:"index"`
	StartTime        time.Time
	EndTime          time.Time `gorm:"index"`
	Attributes       []byte    // JSON-encoded clear-text attributes
	HashedAttributes []byte    // JSON-encoded hashed attributes
	Withdrawn        bool      `gorm:"index"`
}

func (c *Certificate) TableName() string {
	return "certificate"
}

// StreamID returns the registry-scoped identity of the certificate,
// used as the domain-separation context for commitment proofs
func (c *Certificate) StreamID() string {
	return c.RegistryName + "/" + c.CertificateID
}
