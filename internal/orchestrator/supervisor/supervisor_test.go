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

package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

type countingDispatcher struct {
	mu    sync.Mutex
	ticks int
}

func (d *countingDispatcher) Tick(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks++
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ticks
}

func TestSupervisorRecoversWorkersOnStartup(t *testing.T) {
	st := store.NewMemoryStore(2)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{}`), "", nil, time.Now().UTC().Add(-time.Hour))
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	submittedAt := j.CreatedAt
	remoteID := "rq-1"
	if err := st.TransitionStatus(ctx, "job-1", job.StatusQueued, job.StatusSubmitted, store.Mutation{
		RemoteJobID: &remoteID,
		SubmittedAt: &submittedAt,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	remote := &countingDispatcher{}
	local := &countingDispatcher{}
	cfg := Config{TickInterval: 10 * time.Millisecond, TimeoutCheckInterval: time.Hour, LeaseDuration: time.Minute}
	sv := New(st, remote, local, cfg, nil, nil)

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	sv.Run(runCtx)

	got, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Fatalf("status after recovery = %s, want QUEUED", got.Status)
	}
	if remote.count() == 0 || local.count() == 0 {
		t.Fatalf("expected both dispatchers to be ticked, remote=%d local=%d", remote.count(), local.count())
	}
}

func TestSupervisorScanTimeoutsFailsStaleQueuedJob(t *testing.T) {
	st := store.NewMemoryStore(2)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{}`), "https://hook.example", nil, time.Now().UTC().Add(-time.Hour))
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var notified []string
	var mu sync.Mutex
	cfg := Config{QueueTimeout: time.Minute}
	sv := New(st, &countingDispatcher{}, &countingDispatcher{}, cfg, nil, func(jobID string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, jobID)
	})

	sv.scanTimeouts(ctx)

	got, _ := st.Get(ctx, "job-1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.ErrKindQueueTimeout {
		t.Fatalf("error = %+v, want ErrKindQueueTimeout", got.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "job-1" {
		t.Fatalf("notified = %+v", notified)
	}
}

func TestSupervisorScanTimeoutsIgnoresFreshJobs(t *testing.T) {
	st := store.NewMemoryStore(2)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{}`), "", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cfg := Config{QueueTimeout: time.Hour}
	sv := New(st, &countingDispatcher{}, &countingDispatcher{}, cfg, nil, nil)
	sv.scanTimeouts(ctx)

	got, _ := st.Get(ctx, "job-1")
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s, want still QUEUED", got.Status)
	}
}

type fakeRemoteCanceller struct {
	mu       sync.Mutex
	cancelled []string
}

func (c *fakeRemoteCanceller) Cancel(ctx context.Context, j *job.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, j.ID)
	return nil
}

func TestSupervisorScanTimeoutsBestEffortCancelsRemoteJob(t *testing.T) {
	st := store.NewMemoryStore(2)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	j := job.NewJob("job-1", "caption", json.RawMessage(`{}`), "", nil, old)
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.AcquireSlot(ctx, "job-1"); err != nil {
		t.Fatalf("acquire slot: %v", err)
	}
	remoteID := "rq-1"
	if err := st.TransitionStatus(ctx, "job-1", job.StatusQueued, job.StatusSubmitted, store.Mutation{
		RemoteJobID: &remoteID,
		SubmittedAt: &old,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	canceller := &fakeRemoteCanceller{}
	cfg := Config{ExecutionTimeout: time.Minute}
	sv := New(st, &countingDispatcher{}, &countingDispatcher{}, cfg, nil, nil).WithRemoteCanceller(canceller)
	sv.scanTimeouts(ctx)

	got, _ := st.Get(ctx, "job-1")
	if got.Status != job.StatusTimedOut {
		t.Fatalf("status = %s, want TIMED_OUT", got.Status)
	}
	canceller.mu.Lock()
	defer canceller.mu.Unlock()
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "job-1" {
		t.Fatalf("cancelled = %+v, want [job-1]", canceller.cancelled)
	}
}
