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

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mediaorchestrator/pkg/job"
)

func newTestJob(id, operation string) job.Job {
	return job.NewJob(id, operation, json.RawMessage(`{"input":"s3://x"}`), "https://caller.example/hook", nil, time.Now().UTC())
}

func TestMemoryStoreEnqueueAndGet(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	j := newTestJob("job-1", "transcode")
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", got.Status)
	}

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreGetQueuedOrderingAndClass(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()

	base := time.Now().UTC()
	j1 := newTestJob("job-1", "transcode")
	j1.CreatedAt = base
	j2 := newTestJob("job-2", "transcode")
	j2.CreatedAt = base.Add(time.Second)
	j3 := newTestJob("job-3", "thumbnail_local")
	j3.CreatedAt = base.Add(2 * time.Second)

	for _, j := range []job.Job{j1, j2, j3} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue %s: %v", j.ID, err)
		}
	}

	remote, err := s.GetQueued(ctx, 10, job.ClassRemote)
	if err != nil {
		t.Fatalf("get queued: %v", err)
	}
	if len(remote) != 2 || remote[0].ID != "job-1" || remote[1].ID != "job-2" {
		t.Fatalf("unexpected remote queue order: %+v", remote)
	}

	local, err := s.GetQueued(ctx, 10, job.ClassLocal)
	if err != nil {
		t.Fatalf("get queued local: %v", err)
	}
	if len(local) != 1 || local[0].ID != "job-3" {
		t.Fatalf("unexpected local queue: %+v", local)
	}
}

func TestMemoryStoreTransitionStatusPreconditionFailed(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	j := newTestJob("job-1", "transcode")
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.TransitionStatus(ctx, "job-1", job.StatusSubmitted, job.StatusProcessing, Mutation{}); err != ErrPreconditionFailed {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}

	remoteID := "rq-123"
	now := time.Now().UTC()
	if err := s.TransitionStatus(ctx, "job-1", job.StatusQueued, job.StatusSubmitted, Mutation{
		RemoteJobID: &remoteID,
		SubmittedAt: &now,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, _ := s.Get(ctx, "job-1")
	if got.Status != job.StatusSubmitted || got.RemoteJobID != remoteID {
		t.Fatalf("unexpected job after transition: %+v", got)
	}
}

func TestMemoryStoreTerminalClearsRemoteJobID(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	j := newTestJob("job-1", "transcode")
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	remoteID := "rq-1"
	if err := s.TransitionStatus(ctx, "job-1", job.StatusQueued, job.StatusSubmitted, Mutation{RemoteJobID: &remoteID}); err != nil {
		t.Fatalf("transition to submitted: %v", err)
	}
	if err := s.TransitionStatus(ctx, "job-1", job.StatusSubmitted, job.StatusFailed, Mutation{}); err != nil {
		t.Fatalf("transition to failed: %v", err)
	}
	got, _ := s.Get(ctx, "job-1")
	if got.RemoteJobID != "" {
		t.Fatalf("remoteJobID not cleared: %q", got.RemoteJobID)
	}
}

func TestMemoryStoreSlotAccounting(t *testing.T) {
	s := NewMemoryStore(1)
	ctx := context.Background()

	if err := s.AcquireSlot(ctx, "job-1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := s.AcquireSlot(ctx, "job-2"); err != ErrNoSlotsAvailable {
		t.Fatalf("second acquire err = %v, want ErrNoSlotsAvailable", err)
	}

	if err := s.ReleaseSlot(ctx, "job-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Idempotent: releasing again should not underflow or error.
	if err := s.ReleaseSlot(ctx, "job-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	n, _ := s.ActiveSlots(ctx)
	if n != 0 {
		t.Fatalf("activeSlots = %d, want 0", n)
	}
}

func TestMemoryStoreReleaseSlotIgnoresJobThatNeverAcquired(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	if err := s.AcquireSlot(ctx, "job-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// job-2 never acquired a slot (e.g. a local-class job reaching a
	// terminal transition); releasing it must not steal job-1's slot.
	if err := s.ReleaseSlot(ctx, "job-2"); err != nil {
		t.Fatalf("release job-2: %v", err)
	}
	n, _ := s.ActiveSlots(ctx)
	if n != 1 {
		t.Fatalf("activeSlots = %d, want 1 (job-1's slot must survive)", n)
	}
}

func TestMemoryStoreRecoverWorkersRequeuesExpiredLease(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	j := newTestJob("job-1", "transcode")
	j.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	submittedAt := j.CreatedAt
	remoteID := "rq-1"
	if err := s.TransitionStatus(ctx, "job-1", job.StatusQueued, job.StatusSubmitted, Mutation{
		RemoteJobID: &remoteID,
		SubmittedAt: &submittedAt,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	recovered, err := s.RecoverWorkers(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != "job-1" {
		t.Fatalf("recovered = %+v, want [job-1]", recovered)
	}

	got, _ := s.Get(ctx, "job-1")
	if got.Status != job.StatusQueued {
		t.Fatalf("status after recovery = %s, want QUEUED", got.Status)
	}
	if got.RemoteJobID != "" {
		t.Fatalf("remoteJobID not cleared on recovery: %q", got.RemoteJobID)
	}
}

func TestMemoryStoreRecoverWorkersExcludesLocalJobsFromSlotCount(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	remoteJob := newTestJob("job-remote", "transcode")
	if err := s.Enqueue(ctx, remoteJob); err != nil {
		t.Fatalf("enqueue remote: %v", err)
	}
	remoteID := "rq-1"
	now := time.Now().UTC()
	if err := s.TransitionStatus(ctx, "job-remote", job.StatusQueued, job.StatusSubmitted, Mutation{
		RemoteJobID: &remoteID,
		SubmittedAt: &now,
	}); err != nil {
		t.Fatalf("transition remote: %v", err)
	}

	localJob := newTestJob("job-local", "thumbnail_local")
	if err := s.Enqueue(ctx, localJob); err != nil {
		t.Fatalf("enqueue local: %v", err)
	}
	if err := s.TransitionStatus(ctx, "job-local", job.StatusQueued, job.StatusProcessing, Mutation{StartedAt: &now}); err != nil {
		t.Fatalf("transition local: %v", err)
	}

	recovered, err := s.RecoverWorkers(ctx, time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered = %+v, want none (both leases fresh)", recovered)
	}

	n, _ := s.ActiveSlots(ctx)
	if n != 1 {
		t.Fatalf("activeSlots = %d, want 1 (local-class job must not be counted)", n)
	}

	local, _ := s.Get(ctx, "job-local")
	if local.Status != job.StatusProcessing {
		t.Fatalf("local job status = %s, want still PROCESSING", local.Status)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	j := newTestJob("job-1", "transcode")
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.TransitionStatus(ctx, "job-1", job.StatusQueued, job.StatusFailed, Mutation{CompletedAt: &old}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	n, err := s.Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "job-1"); err != ErrNotFound {
		t.Fatalf("get after prune err = %v, want ErrNotFound", err)
	}
}
