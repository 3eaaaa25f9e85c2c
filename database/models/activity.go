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

// ActivityState is the queue state of a single pipeline activity
type ActivityState string

const (
	ActivityStatePending  ActivityState = "pending"
	ActivityStateRunning  ActivityState = "running"
	ActivityStateDone     ActivityState = "done"
	ActivityStateFailed   ActivityState = "failed"
	ActivityStateCanceled ActivityState = "canceled"
)

// Activity is one unit of work in a pipeline's itinerary, persisted as a
// row in the durable work queue. The (PipelineID, ActivityIndex) pair is
// the activity's completion log key: an activity row in Done state is the
// record that its side effects have been committed.
type Activity struct {
	PipelineID    string        `gorm:"primarykey"`
	ActivityIndex int           `gorm:"primarykey"`
	Kind          string        `gorm:"index"`
	Args          []byte        // JSON-serialized activity arguments
	State         ActivityState `gorm:"index:state_not_before"`
	NotBefore     time.Time     `gorm:"index:state_not_before"`
	Attempts      int
	LastError     string
	UpdatedAt     time.Time
}

func (a *Activity) TableName() string {
	return "activity"
}
