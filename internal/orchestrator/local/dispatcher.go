// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package local implements the LocalDispatcher: a bounded worker pool that
// pulls QUEUED jobs bound for local CPU execution and runs them directly,
// skipping the SUBMITTED hop the remote path uses since there is no broker
// round trip. Grounded on the teacher's ticker-driven acquire loop
// (internal/provisioner/jobs.Worker.Run) and simplified to a fixed-size pool.
package local

import (
	"context"
	"log"
	"sync"
	"time"

	"mediaorchestrator/internal/orchestrator/capability"
	"mediaorchestrator/internal/orchestrator/metrics"
	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

// Config tunes the LocalDispatcher.
type Config struct {
	MaxLocalJobs int
}

// DefaultConfig returns the dispatcher defaults used when a zero Config is
// supplied.
func DefaultConfig() Config {
	return Config{MaxLocalJobs: 2}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLocalJobs <= 0 {
		c.MaxLocalJobs = d.MaxLocalJobs
	}
	return c
}

// WebhookEnqueuer notifies the webhook deliverer a job reached a terminal state.
type WebhookEnqueuer func(jobID string)

// Dispatcher drains and runs the local-class job queue on a bounded pool.
type Dispatcher struct {
	store    store.Store
	executor capability.LocalExecutor
	clock    capability.Clock
	cfg      Config
	logger   *log.Logger
	onTerminal WebhookEnqueuer

	mu      sync.Mutex
	running map[string]chan struct{} // jobID -> cancel signal
}

// New constructs a Dispatcher.
func New(st store.Store, executor capability.LocalExecutor, clock capability.Clock, cfg Config, logger *log.Logger, onTerminal WebhookEnqueuer) *Dispatcher {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = capability.SystemClock{}
	}
	return &Dispatcher{
		store:      st,
		executor:   executor,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		onTerminal: onTerminal,
		running:    make(map[string]chan struct{}),
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf("[local-dispatcher] "+format, args...)
	}
}

// Tick starts as many queued local jobs as the pool has free capacity for.
// Each accepted job runs to completion on its own goroutine; Tick itself
// does not block on job execution.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.mu.Lock()
	free := d.cfg.MaxLocalJobs - len(d.running)
	d.mu.Unlock()
	if free <= 0 {
		return
	}

	queued, err := d.store.GetQueued(ctx, free, job.ClassLocal)
	if err != nil {
		d.logf("get queued: %v", err)
		return
	}

	for _, j := range queued {
		now := d.clock.Now()
		err := d.store.TransitionStatus(ctx, j.ID, job.StatusQueued, job.StatusProcessing, store.Mutation{StartedAt: &now})
		if err != nil {
			d.logf("transition %s to processing: %v", j.ID, err)
			continue
		}
		metrics.ObserveJobSubmitted(job.BaseOperation(j.Operation), string(job.ClassLocal))

		cancel := make(chan struct{})
		d.mu.Lock()
		d.running[j.ID] = cancel
		d.mu.Unlock()

		go d.run(ctx, j, cancel)
	}
}

func (d *Dispatcher) run(ctx context.Context, j *job.Job, cancel <-chan struct{}) {
	defer func() {
		d.mu.Lock()
		delete(d.running, j.ID)
		d.mu.Unlock()
	}()

	result := d.executor.Run(ctx, job.BaseOperation(j.Operation), j.Payload, cancel)
	now := d.clock.Now()

	var err error
	if result.Err != nil {
		err = d.store.TransitionStatus(ctx, j.ID, job.StatusProcessing, job.StatusFailed, store.Mutation{
			Error:       &job.JobError{Kind: job.ErrKindExecutorError, Message: result.Err.Error()},
			CompletedAt: &now,
		})
	} else {
		err = d.store.TransitionStatus(ctx, j.ID, job.StatusProcessing, job.StatusCompleted, store.Mutation{
			Result:      result.Output,
			CompletedAt: &now,
		})
	}
	if err != nil {
		d.logf("transition %s to terminal: %v", j.ID, err)
		return
	}

	updated, getErr := d.store.Get(ctx, j.ID)
	if getErr == nil {
		metrics.ObserveJobCompleted(job.BaseOperation(updated.Operation), string(job.ClassLocal), updated.Status.String(), now.Sub(updated.CreatedAt))
	}
	if d.onTerminal != nil {
		d.onTerminal(j.ID)
	}
}

// Cancel requests cooperative cancellation of a running local job by
// closing its cancel channel, if still running. It is a no-op otherwise.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.running[jobID]
	if !ok {
		return
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
	delete(d.running, jobID)
}

// ActiveCount reports how many local jobs are currently running.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// WaitIdle blocks until no local jobs are running or the context ends,
// polling at the given interval.
func (d *Dispatcher) WaitIdle(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if d.ActiveCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
