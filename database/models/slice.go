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

// SliceState is the lifecycle state of a wallet-owned slice
type SliceState string

const (
	SliceStateRegistering SliceState = "registering"
	SliceStateAvailable   SliceState = "available"
	SliceStateReserved    SliceState = "reserved"
	SliceStateSliced      SliceState = "sliced"
	SliceStateClaimed     SliceState = "claimed"
	SliceStateExpired     SliceState = "expired"
)

// sliceTransitions enumerates the legal slice state transitions. A slice
// is immutable once it leaves Available/Registering, so Sliced, Claimed,
// and Expired are terminal.
var sliceTransitions = map[SliceState][]SliceState{
	SliceStateRegistering: {SliceStateAvailable},
	SliceStateAvailable: {
		SliceStateReserved,
		SliceStateExpired,
	},
	SliceStateReserved: {
		SliceStateSliced,
		SliceStateClaimed,
	},
}

// ValidSliceTransition returns true if the transition from one slice
// state to another is legal
func ValidSliceTransition(from, to SliceState) bool {
	for _, next := range sliceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal returns true for states that a slice can never leave
func (s SliceState) Terminal() bool {
	switch s {
	case SliceStateSliced, SliceStateClaimed, SliceStateExpired:
		return true
	default:
		return false
	}
}

// Slice is a quantum of ownership of a certificate's quantity. It belongs
// to one wallet endpoint at one derivation position, and its quantity
// together with the blinding factor held in the blob store opens the
// commitment registered for that address and position.
type Slice struct {
	ID               string `gorm:"primarykey"`
	CertificateRowID uint        `gorm:"index"`
	Certificate      Certificate `gorm:"foreignKey:CertificateRowID"`
	WalletEndpointID uint       `gorm:"index:endpoint_position"`
	Position         uint32     `gorm:"index:endpoint_position"`
	Quantity         uint64     `gorm:"index"`
	State            SliceState `gorm:"index:owner_state"`
	Owner            string     `gorm:"index:owner_state"`
	Commitment       []byte
}

func (s *Slice) TableName() string {
	return "slice"
}
