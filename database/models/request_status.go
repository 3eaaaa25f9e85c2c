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

// RequestState is the externally visible outcome of a request
type RequestState string

const (
	RequestStatePending   RequestState = "pending"
	RequestStateCompleted RequestState = "completed"
	RequestStateFailed    RequestState = "failed"
)

// RequestStatus is the only externally observable outcome of an
// orchestration run. It is set to exactly one terminal state.
type RequestStatus struct {
	RequestID string `gorm:"primarykey"`
	Owner     string `gorm:"index"`
	State     RequestState
	// FailureReason is a human-readable classification of a terminal
	// failure. It never carries internal details.
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r *RequestStatus) TableName() string {
	return "request_status"
}
