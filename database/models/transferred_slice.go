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

// TransferredSliceState is the lifecycle state of the receiver-side
// counterpart of a slice during a transfer
type TransferredSliceState string

const (
	TransferredSliceStateRegistering TransferredSliceState = "registering"
	TransferredSliceStateTransferred TransferredSliceState = "transferred"
)

// ValidTransferredSliceTransition returns true if the transition is legal
func ValidTransferredSliceTransition(
	from, to TransferredSliceState,
) bool {
	return from == TransferredSliceStateRegistering &&
		to == TransferredSliceStateTransferred
}

// TransferredSlice tracks a quantity in flight to an external endpoint.
// It is inserted in Registering state before the transfer transaction is
// submitted to the registry, so a crash after submission never loses the
// expectation of the transfer completing.
type TransferredSlice struct {
	ID                 string `gorm:"primarykey"`
	CertificateRowID   uint        `gorm:"index"`
	Certificate        Certificate `gorm:"foreignKey:CertificateRowID"`
	ExternalEndpointID uint   `gorm:"index"`
	Position           uint32 // receiver-side derivation position
	Quantity           uint64
	State              TransferredSliceState `gorm:"index"`
	Commitment         []byte
}

func (t *TransferredSlice) TableName() string {
	return "transferred_slice"
}
