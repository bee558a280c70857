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

// Package service exposes the orchestration core's public surface: submit a
// job, query its status, list jobs, and request cancellation. It is the
// entry point embedders call into for job submission and tracking; the
// stores, dispatchers, supervisor and webhook delivery are constructed and
// run by the embedder alongside it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

// ErrUnknownJob is returned when a caller references a job ID the store has
// no record of.
var ErrUnknownJob = errors.New("service: unknown job id")

// ErrAlreadyTerminal is returned when Cancel is called on a job that has
// already reached a terminal status.
var ErrAlreadyTerminal = errors.New("service: job already terminal")

// Canceller is implemented by the dispatcher that owns an in-flight job's
// remote lifecycle; JobService uses it to request best-effort cancellation
// of remote-class jobs. Local-class jobs are cancelled via LocalCanceller.
type Canceller interface {
	Cancel(ctx context.Context, j *job.Job) error
}

// LocalCanceller requests cooperative cancellation of a running local job.
type LocalCanceller interface {
	Cancel(jobID string)
}

// Clock abstracts time for deterministic enqueue tests.
type Clock interface {
	Now() time.Time
}

// WebhookEnqueuer notifies the webhook deliverer a job reached a terminal
// state. JobService uses it so a caller-initiated Cancel delivers the same
// terminal-outcome webhook a dispatcher-driven transition would, since
// Cancel mutates the store directly rather than going through either
// dispatcher's own terminal-transition path.
type WebhookEnqueuer func(jobID string)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// JobService is the façade embedders use to submit and track jobs.
type JobService struct {
	store      store.Store
	remote     Canceller
	local      LocalCanceller
	clock      Clock
	logger     *slog.Logger
	onTerminal WebhookEnqueuer
}

// New constructs a JobService. remote/local may be nil if cancellation is
// not wired (e.g. in tests exercising only Enqueue/Get/List).
func New(st store.Store, remote Canceller, local LocalCanceller, logger *slog.Logger) *JobService {
	return &JobService{
		store:  st,
		remote: remote,
		local:  local,
		clock:  systemClock{},
		logger: logger,
	}
}

// WithOnTerminal wires the webhook-delivery notification hook, called after
// a caller-initiated Cancel transitions a job to CANCELLED. Returns the
// service for chaining at construction time.
func (s *JobService) WithOnTerminal(onTerminal WebhookEnqueuer) *JobService {
	s.onTerminal = onTerminal
	return s
}

func (s *JobService) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// EnqueueRequest describes a caller's request to submit a job.
type EnqueueRequest struct {
	// JobID, if empty, is minted as a fresh UUID.
	JobID      string
	Operation  string
	Payload    json.RawMessage
	WebhookURL string
	CallerRef  json.RawMessage
}

// Enqueue validates and persists a new job in QUEUED status, returning the
// stored record. On a store failure no job is returned; the error message
// names the job ID so callers can correlate log lines.
func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (*job.Job, error) {
	if req.Operation == "" {
		return nil, fmt.Errorf("service: operation is required")
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("service: payload is required")
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	j := job.NewJob(id, req.Operation, req.Payload, req.WebhookURL, req.CallerRef, s.clock.Now())
	if err := s.store.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	s.log().Info("job enqueued", "jobId", id, "operation", req.Operation, "class", j.Class())
	return s.store.Get(ctx, id)
}

// Get returns the current record for jobID.
func (s *JobService) Get(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownJob
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

// List returns every job currently in the given status. An empty status
// list returns every terminal and non-terminal job across all statuses.
func (s *JobService) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	if len(statuses) == 0 {
		statuses = []job.Status{
			job.StatusQueued, job.StatusSubmitted, job.StatusProcessing,
			job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusTimedOut,
		}
	}
	var all []*job.Job
	for _, st := range statuses {
		jobs, err := s.store.ListByStatus(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("list jobs with status %s: %w", st, err)
		}
		all = append(all, jobs...)
	}
	return all, nil
}

// Cancel requests cancellation of jobID. Jobs already in a terminal status
// return ErrAlreadyTerminal. The transition to CANCELLED happens here
// unconditionally (it is legal from every non-terminal state); the
// dispatcher-level Cancel call is best-effort notification to the remote
// endpoint or local executor and does not block this transition.
func (s *JobService) Cancel(ctx context.Context, jobID string) error {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownJob
		}
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if j.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	from := j.Status
	now := s.clock.Now()
	err = s.store.TransitionStatus(ctx, jobID, from, job.StatusCancelled, store.Mutation{
		Error:       &job.JobError{Kind: job.ErrKindCancelled, Message: "cancelled by caller"},
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("transition job %s to cancelled: %w", jobID, err)
	}
	if from == job.StatusSubmitted || from == job.StatusProcessing {
		if releaseErr := s.store.ReleaseSlot(ctx, jobID); releaseErr != nil {
			s.log().Warn("release slot after cancel failed", "jobId", jobID, "error", releaseErr)
		}
	}

	switch j.Class() {
	case job.ClassRemote:
		if s.remote != nil {
			if cancelErr := s.remote.Cancel(ctx, j); cancelErr != nil {
				s.log().Warn("remote cancel notification failed", "jobId", jobID, "error", cancelErr)
			}
		}
	case job.ClassLocal:
		if s.local != nil {
			s.local.Cancel(jobID)
		}
	}

	s.log().Info("job cancelled", "jobId", jobID, "previousStatus", from)
	if s.onTerminal != nil {
		s.onTerminal(jobID)
	}
	return nil
}
