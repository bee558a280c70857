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

// Package supervisor owns the top-level orchestration loop: it recovers
// in-flight jobs after a restart, then ticks the remote and local
// dispatchers on a fast interval and separately scans for jobs that have
// overstayed their queue or execution budget. The two-ticker shape mirrors
// the teacher's worker.Run loop generalized to drive two dispatchers
// instead of one redfish-bound worker.
package supervisor

import (
	"context"
	"log"
	"time"

	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

// Dispatcher is the shape both the remote and local dispatchers satisfy.
type Dispatcher interface {
	Tick(ctx context.Context)
}

// RemoteCanceller is the shape the RemoteDispatcher satisfies for
// best-effort notification of the remote endpoint when the supervisor's own
// timeout scan (rather than the dispatcher's poll loop) is what discovers an
// execution-timed-out job.
type RemoteCanceller interface {
	Cancel(ctx context.Context, j *job.Job) error
}

// WebhookEnqueuer notifies the webhook deliverer a job reached a terminal
// state. Used here for timeouts detected directly by the supervisor's scan,
// which bypass the dispatchers' own terminal-transition notify path.
type WebhookEnqueuer func(jobID string)

// Config tunes the supervisor's loop cadence and timeout budgets.
type Config struct {
	TickInterval         time.Duration
	TimeoutCheckInterval time.Duration
	LeaseDuration        time.Duration
	QueueTimeout         time.Duration
	ExecutionTimeout     time.Duration
}

// DefaultConfig returns supervisor defaults used when unset fields are zero.
func DefaultConfig() Config {
	return Config{
		TickInterval:         5 * time.Second,
		TimeoutCheckInterval: 60 * time.Second,
		LeaseDuration:        10 * time.Minute,
		QueueTimeout:         30 * time.Minute,
		ExecutionTimeout:     2 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = d.TimeoutCheckInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	return c
}

// Supervisor drives the dispatch and timeout-scanning loops.
type Supervisor struct {
	store           store.Store
	remote          Dispatcher
	local           Dispatcher
	remoteCanceller RemoteCanceller
	cfg             Config
	logger          *log.Logger
	nowFunc         func() time.Time
	onTerminal      WebhookEnqueuer
}

// New constructs a Supervisor. onTerminal may be nil if no webhook
// notification is desired (e.g. in tests).
func New(st store.Store, remote, local Dispatcher, cfg Config, logger *log.Logger, onTerminal WebhookEnqueuer) *Supervisor {
	return &Supervisor{
		store:      st,
		remote:     remote,
		local:      local,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		nowFunc:    func() time.Time { return time.Now().UTC() },
		onTerminal: onTerminal,
	}
}

// WithRemoteCanceller wires the RemoteDispatcher as the best-effort
// canceller the timeout scan calls when it (rather than the poll loop)
// discovers a SUBMITTED/PROCESSING job has exceeded executionTimeout, per
// the remote-endpoint-cancel-on-timeout requirement. Returns the supervisor
// for chaining at construction time.
func (s *Supervisor) WithRemoteCanceller(c RemoteCanceller) *Supervisor {
	s.remoteCanceller = c
	return s
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[supervisor] "+format, args...)
	}
}

// Run recovers any jobs left in-flight by a previous process, then blocks
// ticking both dispatchers and scanning for timed-out jobs until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	if recovered, err := s.store.RecoverWorkers(ctx, s.cfg.LeaseDuration); err != nil {
		s.logf("recover workers: %v", err)
	} else if len(recovered) > 0 {
		s.logf("recovered %d jobs to QUEUED after restart: %v", len(recovered), recovered)
	}

	dispatchTicker := time.NewTicker(s.cfg.TickInterval)
	defer dispatchTicker.Stop()
	timeoutTicker := time.NewTicker(s.cfg.TimeoutCheckInterval)
	defer timeoutTicker.Stop()

	s.logf("starting; tick=%s timeout_check=%s", s.cfg.TickInterval, s.cfg.TimeoutCheckInterval)
	defer s.logf("stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			s.remote.Tick(ctx)
			s.local.Tick(ctx)
		case <-timeoutTicker.C:
			s.scanTimeouts(ctx)
		}
	}
}

func (s *Supervisor) scanTimeouts(ctx context.Context) {
	now := s.nowFunc()

	queued, err := s.store.ListByStatus(ctx, job.StatusQueued)
	if err != nil {
		s.logf("list queued for timeout scan: %v", err)
	} else {
		for _, j := range queued {
			if now.Sub(j.CreatedAt) < s.cfg.QueueTimeout {
				continue
			}
			s.failTimeout(ctx, j, job.StatusQueued, job.StatusFailed, job.ErrKindQueueTimeout, "job exceeded maximum queue wait")
		}
	}

	for _, status := range []job.Status{job.StatusSubmitted, job.StatusProcessing} {
		inflight, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			s.logf("list %s for timeout scan: %v", status, err)
			continue
		}
		for _, j := range inflight {
			start := j.CreatedAt
			if j.StartedAt != nil {
				start = *j.StartedAt
			} else if j.SubmittedAt != nil {
				start = *j.SubmittedAt
			}
			if now.Sub(start) < s.cfg.ExecutionTimeout {
				continue
			}
			s.failTimeout(ctx, j, status, job.StatusTimedOut, job.ErrKindExecutionTimeout, "job exceeded maximum execution time")
		}
	}
}

// failTimeout transitions j from its current status to the terminal status
// to. Queue timeouts land on StatusFailed (QUEUED has no TIMED_OUT edge in
// the state machine); execution timeouts land on StatusTimedOut.
func (s *Supervisor) failTimeout(ctx context.Context, j *job.Job, from, to job.Status, kind job.ErrorKind, message string) {
	now := s.nowFunc()
	err := s.store.TransitionStatus(ctx, j.ID, from, to, store.Mutation{
		Error:       &job.JobError{Kind: kind, Message: message},
		CompletedAt: &now,
	})
	if err != nil {
		s.logf("transition %s to %s: %v", j.ID, to, err)
		return
	}
	if from == job.StatusSubmitted || from == job.StatusProcessing {
		if releaseErr := s.store.ReleaseSlot(ctx, j.ID); releaseErr != nil {
			s.logf("release slot for timed-out job %s: %v", j.ID, releaseErr)
		}
		if s.remoteCanceller != nil && j.Class() == job.ClassRemote {
			if cancelErr := s.remoteCanceller.Cancel(ctx, j); cancelErr != nil {
				s.logf("best-effort remote cancel for timed-out job %s: %v", j.ID, cancelErr)
			}
		}
	}
	s.logf("job %s transitioned from %s to %s: %s", j.ID, from, to, message)
	if s.onTerminal != nil {
		s.onTerminal(j.ID)
	}
}
