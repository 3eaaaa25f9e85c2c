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

// ClaimState is the lifecycle state of a claim
type ClaimState string

const (
	ClaimStateCreated ClaimState = "created"
	ClaimStateClaimed ClaimState = "claimed"
)

// ValidClaimTransition returns true if the transition is legal
func ValidClaimTransition(from, to ClaimState) bool {
	return from == ClaimStateCreated && to == ClaimStateClaimed
}

// Claim retires a production slice against a consumption slice of equal
// quantity. Its ID doubles as the orchestration correlation id.
type Claim struct {
	ID                 string `gorm:"primarykey"`
	ProductionSliceID  string `gorm:"index"`
	ConsumptionSliceID string `gorm:"index"`
	Quantity           uint64
	State              ClaimState `gorm:"index"`
}

func (c *Claim) TableName() string {
	return "claim"
}
