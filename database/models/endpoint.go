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

// WalletEndpoint is an HD-derived address family owned by this wallet.
// The endpoint row id doubles as the BIP-44 account index for key
// derivation. NextPosition is a monotonically increasing per-endpoint
// position counter and the only mutable field.
type WalletEndpoint struct {
	ID           uint   `gorm:"primarykey"`
	Owner        string `gorm:"index:owner_remainder,unique"`
	Remainder    bool   `gorm:"index:owner_remainder,unique"`
	PublicKey    []byte // serialized account extended public key
	NextPosition uint32
}

func (w *WalletEndpoint) TableName() string {
	return "wallet_endpoint"
}

// ExternalEndpoint is a receiving wallet's published address family. The
// wallet derives child public keys from the stored extended public key to
// address transferred slices.
type ExternalEndpoint struct {
	ID           uint   `gorm:"primarykey"`
	Owner        string `gorm:"index"`
	URL          string // receiver wallet push endpoint, empty for local
	PublicKey    []byte // serialized account extended public key
	NextPosition uint32
}

func (e *ExternalEndpoint) TableName() string {
	return "external_endpoint"
}
