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

// EnqueueActivities inserts a pipeline's full itinerary into the durable
// work queue. The itinerary is keyed by (pipeline id, activity index), so
// replaying the enqueue for a duplicate command delivery is a no-op.
func (d *Database) EnqueueActivities(
	activities []models.Activity,
	txn *Txn,
) error {
	if len(activities) == 0 {
		return nil
	}
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "pipeline_id"},
			{Name: "activity_index"},
		},
		DoNothing: true,
	}).Create(&activities)
	return result.Error
}

// DequeueActivity claims the next runnable activity from the queue and
// marks it running. An activity is runnable when it is pending, its
// delay has elapsed, and every earlier activity in its pipeline is done;
// this keeps activities within one pipeline strictly ordered while
// pipelines run concurrently across workers. Returns nil when the queue
// has no runnable work.
func (d *Database) DequeueActivity(
	now time.Time,
) (*models.Activity, error) {
	txn := d.Transaction()
	ret := &models.Activity{}
	err := txn.Do(func(txn *Txn) error {
		result := txn.Metadata().
			Where("state = ? AND not_before <= ?", models.ActivityStatePending, now).
			Where(
				"NOT EXISTS (SELECT 1 FROM activity a2 WHERE a2.pipeline_id = activity.pipeline_id AND a2.activity_index < activity.activity_index AND a2.state <> ?)",
				models.ActivityStateDone,
			).
			Order("updated_at").
			First(ret)
		if result.Error != nil {
			return result.Error
		}
		// Claim the activity with a CAS so two workers never run it
		// concurrently
		claim := txn.Metadata().Model(&models.Activity{}).
			Where(
				"pipeline_id = ? AND activity_index = ? AND state = ?",
				ret.PipelineID,
				ret.ActivityIndex,
				models.ActivityStatePending,
			).
			Update("state", models.ActivityStateRunning)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return ErrStateMismatch
		}
		ret.State = models.ActivityStateRunning
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, ErrStateMismatch) {
			return nil, nil
		}
		return nil, err
	}
	return ret, nil
}

// CompleteActivity marks a running activity done. The done row is the
// durable record that the activity's side effects have been committed.
func (d *Database) CompleteActivity(
	pipelineID string,
	activityIndex int,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.Activity{}).
		Where(
			"pipeline_id = ? AND activity_index = ? AND state = ?",
			pipelineID,
			activityIndex,
			models.ActivityStateRunning,
		).
		Update("state", models.ActivityStateDone)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateMismatch
	}
	return nil
}

// RescheduleActivity returns a running activity to the queue with a new
// dispatch time. Incrementing attempts counts the reschedule against the
// activity's retry budget; a registry still-processing poll does not.
func (d *Database) RescheduleActivity(
	pipelineID string,
	activityIndex int,
	notBefore time.Time,
	incrementAttempts bool,
	lastError string,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	updates := map[string]any{
		"state":      models.ActivityStatePending,
		"not_before": notBefore,
		"last_error": lastError,
	}
	if incrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	result := txn.Metadata().Model(&models.Activity{}).
		Where(
			"pipeline_id = ? AND activity_index = ? AND state = ?",
			pipelineID,
			activityIndex,
			models.ActivityStateRunning,
		).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateMismatch
	}
	return nil
}

// FailPipeline marks the failing activity, cancels the rest of the
// itinerary, and records the terminal Failed request status. A request
// whose status already reached a terminal state is left untouched.
func (d *Database) FailPipeline(
	pipelineID string,
	activityIndex int,
	reason string,
	txn *Txn,
) error {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.Activity{}).
		Where(
			"pipeline_id = ? AND activity_index = ?",
			pipelineID,
			activityIndex,
		).
		Updates(map[string]any{
			"state":      models.ActivityStateFailed,
			"last_error": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	result = txn.Metadata().Model(&models.Activity{}).
		Where(
			"pipeline_id = ? AND state = ?",
			pipelineID,
			models.ActivityStatePending,
		).
		Update("state", models.ActivityStateCanceled)
	if result.Error != nil {
		return result.Error
	}
	err := d.SetRequestTerminal(
		pipelineID,
		models.RequestStateFailed,
		reason,
		txn,
	)
	if err != nil && !errors.Is(err, ErrRequestAlreadyTerminal) {
		return err
	}
	return nil
}

// RecoverStaleActivities returns activities that have sat in Running
// state past the given cutoff back to Pending. A stale running row means
// a worker died between claiming the activity and recording its outcome;
// activities are idempotent, so re-dispatching is safe.
func (d *Database) RecoverStaleActivities(
	cutoff time.Time,
	txn *Txn,
) (int64, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	result := txn.Metadata().Model(&models.Activity{}).
		Where(
			"state = ? AND updated_at < ?",
			models.ActivityStateRunning,
			cutoff,
		).
		Update("state", models.ActivityStatePending)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ActivitiesForPipeline returns a pipeline's full itinerary in order
func (d *Database) ActivitiesForPipeline(
	pipelineID string,
	txn *Txn,
) ([]models.Activity, error) {
	if txn == nil {
		txn = d.Transaction()
		defer txn.Commit() //nolint:errcheck
	}
	var ret []models.Activity
	result := txn.Metadata().
		Where("pipeline_id = ?", pipelineID).
		Order("activity_index").
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}
