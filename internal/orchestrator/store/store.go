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

// Package store defines the JobStore contract shared by the in-memory and
// durable (SQLite-backed) persistence implementations, plus the sentinel
// errors every implementation must return for the same conditions. Queue
// ordering, the state machine, and the slot counter are enforced here in
// the contract's documentation; each implementation enforces them in its
// own storage idiom.
package store

import (
	"context"
	"errors"
	"time"

	"mediaorchestrator/pkg/job"
)

var (
	// ErrNotFound indicates no job matched the given id.
	ErrNotFound = errors.New("job: not found")
	// ErrPreconditionFailed indicates a compare-and-swap transition did not
	// match the job's current status.
	ErrPreconditionFailed = errors.New("job: precondition failed")
	// ErrNoSlotsAvailable indicates AcquireSlot would exceed maxRemoteSlots.
	ErrNoSlotsAvailable = errors.New("job: no remote slots available")
)

// Mutation describes the field changes TransitionStatus applies atomically
// alongside the status compare-and-swap. Nil fields mean "leave unset"; a
// non-nil pointer sets an explicit value, including zero-like values (e.g. a
// pointer to "" clears RemoteJobID).
type Mutation struct {
	RemoteJobID    *string
	Attempts       *int
	Result         []byte
	Error          *job.JobError
	SubmittedAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FanoutSiblings []string
	PollAttempts   *int
}

// Store is the durable-or-in-memory contract every dispatcher, the
// supervisor, and the webhook deliverer depend on. Implementations must be
// safe for concurrent use; operations must be linearizable individually
// (single global order per call) even though callers may not assume
// transitions across calls are instantaneous.
type Store interface {
	// Enqueue persists a new QUEUED job. Fails only on storage error.
	Enqueue(ctx context.Context, j job.Job) error

	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// GetQueued returns up to limit QUEUED jobs of the given operation
	// class, ordered by createdAt ascending, ties broken by jobId.
	GetQueued(ctx context.Context, limit int, class job.OperationClass) ([]*job.Job, error)

	// ListByStatus returns all jobs in the given status, createdAt ascending.
	ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error)

	// TransitionStatus performs a compare-and-swap from `from` to `to`,
	// applying mutation atomically with the transition. Returns
	// ErrPreconditionFailed if the job's current status != from, or
	// ErrNotFound if the job does not exist.
	TransitionStatus(ctx context.Context, id string, from, to job.Status, mutation Mutation) error

	// UpdateWebhookState overwrites a job's webhook delivery state.
	UpdateWebhookState(ctx context.Context, id string, state job.WebhookState) error

	// AcquireSlot increments activeSlots and records that jobID now holds
	// one, failing with ErrNoSlotsAvailable if doing so would exceed
	// maxRemoteSlots.
	AcquireSlot(ctx context.Context, jobID string) error

	// ReleaseSlot decrements activeSlots for jobID, idempotently: it is a
	// no-op if the job did not hold a slot (i.e. was already released, or
	// never acquired one). Ownership is tracked per jobID so that releasing
	// a job which never held a slot (e.g. a local-class job) never
	// decrements a counter it did not contribute to.
	ReleaseSlot(ctx context.Context, jobID string) error

	// ActiveSlots returns the current slot counter.
	ActiveSlots(ctx context.Context) (int, error)

	// RecoverWorkers scans for SUBMITTED/PROCESSING jobs whose lease has
	// expired and returns them to QUEUED without contacting the remote
	// endpoint, then reconciles activeSlots to the number of jobs actually
	// holding slots. Returns the ids returned to QUEUED.
	RecoverWorkers(ctx context.Context, leaseDuration time.Duration) ([]string, error)

	// Prune deletes terminal jobs whose CompletedAt is older than
	// olderThan. Returns the number of jobs removed.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any underlying resources.
	Close() error
}

// cloneJob returns a deep-enough copy so callers cannot mutate store state
// through a returned pointer. Payload/Result/CallerRef are immutable
// json.RawMessage values by convention, so a shallow copy of the struct and
// its slice headers is sufficient.
func cloneJob(j *job.Job) *job.Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.FanoutSiblingIDs != nil {
		cp.FanoutSiblingIDs = append([]string(nil), j.FanoutSiblingIDs...)
	}
	if j.Error != nil {
		errCopy := *j.Error
		cp.Error = &errCopy
	}
	return &cp
}
