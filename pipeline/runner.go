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

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/gcwallet/database"
	"github.com/blinklabs-io/gcwallet/database/models"
	"github.com/blinklabs-io/gcwallet/event"
	"github.com/blinklabs-io/gcwallet/keystore"
	"github.com/blinklabs-io/gcwallet/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunnerConfig tunes the worker pool and the retry policy
type RunnerConfig struct {
	// Workers is the number of concurrent queue workers
	Workers int
	// PollInterval is the idle sleep between queue polls and the delay
	// between registry status polls
	PollInterval time.Duration
	// RetryDelay is the base delay for transient retries; attempt N
	// waits N times this long
	RetryDelay time.Duration
	// MaxAttempts bounds transient retries per activity
	MaxAttempts int
	// StaleAfter is how long an activity may sit in Running state before
	// the janitor returns it to the queue
	StaleAfter time.Duration
}

func (c *RunnerConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

// Runner drains the durable work queue. Each activity's side effects and
// its completion record commit in one database transaction, so workers
// can die at any point without corrupting a pipeline; the janitor returns
// orphaned running activities to the queue.
type Runner struct {
	logger       *slog.Logger
	config       RunnerConfig
	db           *database.Database
	keyStore     *keystore.KeyStore
	bus          *event.EventBus
	registries   map[string]*registry.Client
	notaries     map[string]*registry.NotaryClient
	counterparty *registry.CounterpartyClient
	metrics      struct {
		activities      *prometheus.CounterVec
		pipelinesFailed prometheus.Counter
	}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner creates a Runner. The registries map is keyed by registry
// name, the notaries map by grid area. The event bus may be nil.
func NewRunner(
	config RunnerConfig,
	logger *slog.Logger,
	db *database.Database,
	keyStore *keystore.KeyStore,
	bus *event.EventBus,
	registries map[string]*registry.Client,
	notaries map[string]*registry.NotaryClient,
	counterparty *registry.CounterpartyClient,
	promRegistry prometheus.Registerer,
) *Runner {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	config.applyDefaults()
	r := &Runner{
		logger:       logger,
		config:       config,
		db:           db,
		keyStore:     keyStore,
		bus:          bus,
		registries:   registries,
		notaries:     notaries,
		counterparty: counterparty,
		stopCh:       make(chan struct{}),
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		r.metrics.activities = promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcwallet_pipeline_activities_total",
				Help: "pipeline activities processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		)
		r.metrics.pipelinesFailed = promautoFactory.NewCounter(
			prometheus.CounterOpts{
				Name: "gcwallet_pipeline_failures_total",
				Help: "pipelines terminated with a failed request status",
			},
		)
	}
	return r
}

// Start launches the worker pool and the stale-activity janitor
func (r *Runner) Start(ctx context.Context) {
	for i := range r.config.Workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(ctx, i)
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.janitor(ctx)
	}()
	r.logger.Info(
		"pipeline runner started",
		"component", "pipeline",
		"workers", r.config.Workers,
	)
}

// Stop shuts the runner down and waits for in-flight activities to settle
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}
		activity, err := r.db.DequeueActivity(time.Now())
		if err != nil {
			r.logger.Error(
				"failed to dequeue activity",
				"component", "pipeline",
				"worker", id,
				"error", err,
			)
			r.sleep(r.config.PollInterval)
			continue
		}
		if activity == nil {
			r.sleep(r.config.PollInterval)
			continue
		}
		r.process(ctx, activity)
	}
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}

// process runs one claimed activity through dispatch and settles its
// queue state according to the error taxonomy
func (r *Runner) process(ctx context.Context, activity *models.Activity) {
	var events []event.Event
	txn := r.db.Transaction()
	err := txn.Do(func(txn *database.Txn) error {
		var dispatchErr error
		events, dispatchErr = r.dispatch(ctx, activity, txn)
		if dispatchErr != nil {
			return dispatchErr
		}
		err := r.db.CompleteActivity(
			activity.PipelineID,
			activity.ActivityIndex,
			txn,
		)
		if errors.Is(err, database.ErrStateMismatch) {
			// The janitor returned our claim to the queue while we were
			// working, so another worker owns this activity now
			return errLostClaim
		}
		return err
	})
	err = classify(err)
	var fatalErr *FatalError
	switch {
	case err == nil:
		r.countActivity(activity.Kind, "done")
		r.publish(events)
	case errors.Is(err, errLostClaim):
		// Everything rolled back with the transaction; drop the work and
		// leave the queue state to the claim's new owner
		r.countActivity(activity.Kind, "lost")
		r.logger.Warn(
			"lost claim on activity, dropping work",
			"component", "pipeline",
			"pipeline_id", activity.PipelineID,
			"activity_index", activity.ActivityIndex,
			"kind", activity.Kind,
		)
	case errors.Is(err, ErrStillProcessing):
		// Not a failure; poll again without consuming retry budget
		r.countActivity(activity.Kind, "waiting")
		r.reschedule(activity, r.config.PollInterval, false, err)
	case errors.As(err, &fatalErr):
		r.countActivity(activity.Kind, "fatal")
		r.failPipeline(activity, fatalErr.Reason, err)
	default:
		attempts := activity.Attempts + 1
		if attempts >= r.config.MaxAttempts {
			r.countActivity(activity.Kind, "exhausted")
			r.failPipeline(activity, ReasonRetriesExhausted, err)
			return
		}
		r.countActivity(activity.Kind, "retry")
		r.logger.Warn(
			"activity failed, will retry",
			"component", "pipeline",
			"pipeline_id", activity.PipelineID,
			"activity_index", activity.ActivityIndex,
			"kind", activity.Kind,
			"attempt", attempts,
			"error", err,
		)
		delay := time.Duration(attempts) * r.config.RetryDelay
		r.reschedule(activity, delay, true, err)
	}
}

func (r *Runner) reschedule(
	activity *models.Activity,
	delay time.Duration,
	countAttempt bool,
	cause error,
) {
	err := r.db.RescheduleActivity(
		activity.PipelineID,
		activity.ActivityIndex,
		time.Now().Add(delay),
		countAttempt,
		cause.Error(),
		nil,
	)
	if err != nil {
		r.logger.Error(
			"failed to reschedule activity",
			"component", "pipeline",
			"pipeline_id", activity.PipelineID,
			"activity_index", activity.ActivityIndex,
			"error", err,
		)
	}
}

// failPipeline terminates a pipeline: the failing activity is marked, the
// rest of the itinerary is canceled, and the request status goes to
// Failed with the classified reason
func (r *Runner) failPipeline(
	activity *models.Activity,
	reason string,
	cause error,
) {
	r.logger.Error(
		"pipeline failed",
		"component", "pipeline",
		"pipeline_id", activity.PipelineID,
		"activity_index", activity.ActivityIndex,
		"kind", activity.Kind,
		"reason", reason,
		"error", cause,
	)
	err := r.db.FailPipeline(
		activity.PipelineID,
		activity.ActivityIndex,
		reason,
		nil,
	)
	if err != nil {
		r.logger.Error(
			"failed to record pipeline failure",
			"component", "pipeline",
			"pipeline_id", activity.PipelineID,
			"error", err,
		)
		return
	}
	if r.metrics.pipelinesFailed != nil {
		r.metrics.pipelinesFailed.Inc()
	}
	status, err := r.db.RequestStatusByID(activity.PipelineID, nil)
	if err != nil {
		return
	}
	r.publish([]event.Event{
		event.NewEvent(
			event.RequestFailedEventType,
			event.RequestEvent{
				RequestID: status.RequestID,
				Owner:     status.Owner,
				Reason:    status.FailureReason,
			},
		),
	})
}

func (r *Runner) publish(events []event.Event) {
	if r.bus == nil {
		return
	}
	for _, evt := range events {
		r.bus.Publish(evt.Type, evt)
	}
}

func (r *Runner) countActivity(kind string, outcome string) {
	if r.metrics.activities == nil {
		return
	}
	r.metrics.activities.WithLabelValues(kind, outcome).Inc()
}

// janitor periodically returns activities orphaned by dead workers to
// the queue
func (r *Runner) janitor(ctx context.Context) {
	interval := r.config.StaleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			recovered, err := r.db.RecoverStaleActivities(
				time.Now().Add(-r.config.StaleAfter),
				nil,
			)
			if err != nil {
				r.logger.Error(
					"failed to recover stale activities",
					"component", "pipeline",
					"error", err,
				)
				continue
			}
			if recovered > 0 {
				r.logger.Warn(
					"recovered stale activities",
					"component", "pipeline",
					"count", recovered,
				)
			}
		}
	}
}
