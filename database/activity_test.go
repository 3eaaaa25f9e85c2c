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

package database_test

import (
	"testing"
	"time"

	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItinerary(pipelineID string, kinds ...string) []models.Activity {
	ret := make([]models.Activity, 0, len(kinds))
	for i, kind := range kinds {
		ret = append(ret, models.Activity{
			PipelineID:    pipelineID,
			ActivityIndex: i,
			Kind:          kind,
			Args:          []byte("{}"),
			State:         models.ActivityStatePending,
		})
	}
	return ret
}

func TestActivityOrdering(t *testing.T) {
	db := testDatabase(t)
	err := db.EnqueueActivities(
		testItinerary("pipeline-1", "first", "second"),
		nil,
	)
	require.NoError(t, err)
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Equal(t, "first", activity.Kind)
	assert.Equal(t, models.ActivityStateRunning, activity.State)
	// The second activity is blocked while the first is still running,
	// and the first is no longer pending
	blocked, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	assert.Nil(t, blocked)
	// Completing the first unlocks the second
	err = db.CompleteActivity("pipeline-1", 0, nil)
	require.NoError(t, err)
	next, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "second", next.Kind)
}

func TestActivityNotBefore(t *testing.T) {
	db := testDatabase(t)
	itinerary := testItinerary("pipeline-1", "delayed")
	itinerary[0].NotBefore = time.Now().Add(time.Hour)
	require.NoError(t, db.EnqueueActivities(itinerary, nil))
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	assert.Nil(t, activity)
	activity, err = db.DequeueActivity(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Equal(t, "delayed", activity.Kind)
}

func TestEnqueueActivitiesReplay(t *testing.T) {
	db := testDatabase(t)
	require.NoError(
		t,
		db.EnqueueActivities(testItinerary("pipeline-1", "only"), nil),
	)
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	require.NoError(t, db.CompleteActivity("pipeline-1", 0, nil))
	// Replaying the enqueue must not resurrect the done activity
	require.NoError(
		t,
		db.EnqueueActivities(testItinerary("pipeline-1", "only"), nil),
	)
	activity, err = db.DequeueActivity(time.Now())
	require.NoError(t, err)
	assert.Nil(t, activity)
}

func TestCompleteActivityRequiresRunning(t *testing.T) {
	db := testDatabase(t)
	require.NoError(
		t,
		db.EnqueueActivities(testItinerary("pipeline-1", "only"), nil),
	)
	err := db.CompleteActivity("pipeline-1", 0, nil)
	require.ErrorIs(t, err, database.ErrStateMismatch)
}

func TestRescheduleActivity(t *testing.T) {
	db := testDatabase(t)
	require.NoError(
		t,
		db.EnqueueActivities(testItinerary("pipeline-1", "flaky"), nil),
	)
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	err = db.RescheduleActivity(
		"pipeline-1",
		0,
		time.Now().Add(-time.Second),
		true,
		"transient failure",
		nil,
	)
	require.NoError(t, err)
	activity, err = db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Equal(t, 1, activity.Attempts)
	assert.Equal(t, "transient failure", activity.LastError)
	// A still-processing poll reschedules without touching the retry
	// budget
	err = db.RescheduleActivity(
		"pipeline-1",
		0,
		time.Now().Add(-time.Second),
		false,
		"",
		nil,
	)
	require.NoError(t, err)
	activity, err = db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Equal(t, 1, activity.Attempts)
}

func TestFailPipeline(t *testing.T) {
	db := testDatabase(t)
	require.NoError(t, db.InsertRequestStatus("pipeline-1", "owner-1", nil))
	require.NoError(
		t,
		db.EnqueueActivities(
			testItinerary("pipeline-1", "first", "second", "third"),
			nil,
		),
	)
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	err = db.FailPipeline("pipeline-1", 0, "registry said no", nil)
	require.NoError(t, err)
	activities, err := db.ActivitiesForPipeline("pipeline-1", nil)
	require.NoError(t, err)
	require.Len(t, activities, 3)
	assert.Equal(t, models.ActivityStateFailed, activities[0].State)
	assert.Equal(t, "registry said no", activities[0].LastError)
	assert.Equal(t, models.ActivityStateCanceled, activities[1].State)
	assert.Equal(t, models.ActivityStateCanceled, activities[2].State)
	status, err := db.RequestStatusByID("pipeline-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStateFailed, status.State)
	assert.Equal(t, "registry said no", status.FailureReason)
	// Nothing left to dequeue
	next, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRecoverStaleActivities(t *testing.T) {
	db := testDatabase(t)
	require.NoError(
		t,
		db.EnqueueActivities(testItinerary("pipeline-1", "slow"), nil),
	)
	activity, err := db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	// A cutoff in the past leaves the fresh claim alone
	recovered, err := db.RecoverStaleActivities(
		time.Now().Add(-time.Hour),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(0), recovered)
	// A cutoff in the future reaps the claim
	recovered, err = db.RecoverStaleActivities(time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)
	activity, err = db.DequeueActivity(time.Now())
	require.NoError(t, err)
	require.NotNil(t, activity)
	assert.Equal(t, "slow", activity.Kind)
}

func TestRequestTerminalOnce(t *testing.T) {
	db := testDatabase(t)
	require.NoError(t, db.InsertRequestStatus("request-1", "owner-1", nil))
	// Replay is a no-op
	require.NoError(t, db.InsertRequestStatus("request-1", "owner-2", nil))
	status, err := db.RequestStatusByID("request-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", status.Owner)
	assert.Equal(t, models.RequestStatePending, status.State)
	err = db.SetRequestTerminal(
		"request-1",
		models.RequestStateCompleted,
		"",
		nil,
	)
	require.NoError(t, err)
	// The first terminal state wins
	err = db.SetRequestTerminal(
		"request-1",
		models.RequestStateFailed,
		"too late",
		nil,
	)
	require.ErrorIs(t, err, database.ErrRequestAlreadyTerminal)
	status, err = db.RequestStatusByID("request-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStateCompleted, status.State)
	assert.Empty(t, status.FailureReason)
	// Pending is not a terminal state
	err = db.SetRequestTerminal(
		"request-1",
		models.RequestStatePending,
		"",
		nil,
	)
	require.ErrorIs(t, err, database.ErrIllegalTransition)
	_, err = db.RequestStatusByID("missing", nil)
	require.ErrorIs(t, err, database.ErrRequestNotFound)
}
