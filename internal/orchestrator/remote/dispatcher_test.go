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

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"mediaorchestrator/internal/orchestrator/capability"
	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

type fakeEndpoint struct {
	mu          sync.Mutex
	submitFunc  func(ctx context.Context, operation string, payload json.RawMessage) (string, error)
	statusFunc  func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error)
	cancelCalls []string
}

func (f *fakeEndpoint) Submit(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
	return f.submitFunc(ctx, operation, payload)
}

func (f *fakeEndpoint) Status(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
	return f.statusFunc(ctx, remoteJobID)
}

func (f *fakeEndpoint) Cancel(ctx context.Context, remoteJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, remoteJobID)
	return nil
}

func (f *fakeEndpoint) Health(ctx context.Context) bool { return true }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) Sleep(d time.Duration) {}
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDispatcherSubmitsQueuedJobAndAcquiresSlot(t *testing.T) {
	st := store.NewMemoryStore(2)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{}`), "https://hook.example", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ep := &fakeEndpoint{
		submitFunc: func(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
			return "remote-1", nil
		},
		statusFunc: func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
			return capability.RemoteStatus{State: capability.RemoteStateInQueue}, nil
		},
	}
	clk := &fakeClock{now: time.Now().UTC()}
	d := New(st, ep, clk, Config{MaxRemoteSlots: 2}, nil, nil)

	d.Tick(ctx)

	got, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got.Status)
	}
	if got.RemoteJobID != "remote-1" {
		t.Fatalf("remoteJobID = %q, want remote-1", got.RemoteJobID)
	}
	n, _ := st.ActiveSlots(ctx)
	if n != 1 {
		t.Fatalf("activeSlots = %d, want 1", n)
	}
}

func TestDispatcherCompletesJobAndReleasesSlot(t *testing.T) {
	st := store.NewMemoryStore(1)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{}`), "https://hook.example", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var notified []string
	var mu sync.Mutex
	state := capability.RemoteStateInProgress
	ep := &fakeEndpoint{
		submitFunc: func(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
			return "remote-1", nil
		},
		statusFunc: func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
			return capability.RemoteStatus{State: state, Output: json.RawMessage(`{"ok":true}`)}, nil
		},
	}
	clk := &fakeClock{now: time.Now().UTC()}
	d := New(st, ep, clk, Config{MaxRemoteSlots: 1}, nil, func(jobID string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, jobID)
	})

	d.Tick(ctx) // submit
	clk.Advance(time.Hour)
	state = capability.RemoteStateCompleted
	d.Tick(ctx) // poll -> complete

	got, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	n, _ := st.ActiveSlots(ctx)
	if n != 0 {
		t.Fatalf("activeSlots = %d, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "job-1" {
		t.Fatalf("notified = %+v, want [job-1]", notified)
	}
}

func TestDispatcherNotFoundGracePeriod(t *testing.T) {
	st := store.NewMemoryStore(1)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{}`), "https://hook.example", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ep := &fakeEndpoint{
		submitFunc: func(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
			return "remote-1", nil
		},
		statusFunc: func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
			return capability.RemoteStatus{}, capability.ErrRemoteNotFound
		},
	}
	clk := &fakeClock{now: time.Now().UTC()}
	cfg := Config{MaxRemoteSlots: 1, RemoteNotFoundGrace: time.Minute}
	d := New(st, ep, clk, cfg, nil, nil)

	d.Tick(ctx) // submit

	clk.Advance(10 * time.Second)
	d.Tick(ctx) // poll: 404 but within grace

	got, _ := st.Get(ctx, "job-1")
	if got.Status != job.StatusSubmitted {
		t.Fatalf("status = %s, want still SUBMITTED within grace", got.Status)
	}

	clk.Advance(time.Minute)
	d.Tick(ctx) // poll: 404 past grace -> fail

	got, _ = st.Get(ctx, "job-1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED after grace elapses", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.ErrKindVanished {
		t.Fatalf("error = %+v, want ErrKindVanished", got.Error)
	}
}

func TestDispatcherSkipsLocalClassJobs(t *testing.T) {
	st := store.NewMemoryStore(1)
	ctx := context.Background()
	j := job.NewJob("job-1", "thumbnail_local", json.RawMessage(`{}`), "https://hook.example", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	submitCalled := false
	ep := &fakeEndpoint{
		submitFunc: func(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
			submitCalled = true
			return "remote-1", nil
		},
		statusFunc: func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
			return capability.RemoteStatus{State: capability.RemoteStateInQueue}, nil
		},
	}
	clk := &fakeClock{now: time.Now().UTC()}
	d := New(st, ep, clk, Config{MaxRemoteSlots: 1}, nil, nil)
	d.Tick(ctx)

	if submitCalled {
		t.Fatalf("local-class job was submitted to the remote endpoint")
	}
	got, _ := st.Get(ctx, "job-1")
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %s, want still QUEUED", got.Status)
	}
}

func TestSplitItemsNeverEmpty(t *testing.T) {
	items := make([]json.RawMessage, 5)
	for i := range items {
		items[i] = json.RawMessage("1")
	}
	groups := splitItems(items, 2)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	total := 0
	for _, g := range groups {
		if len(g) == 0 {
			t.Fatalf("group is empty")
		}
		total += len(g)
	}
	if total != len(items) {
		t.Fatalf("total items across groups = %d, want %d", total, len(items))
	}

	if got := splitItems(items, 10); len(got) != len(items) {
		t.Fatalf("requesting more groups than items: got %d groups, want %d", len(got), len(items))
	}
}

func TestDispatcherFanoutCompletesAfterAllSiblings(t *testing.T) {
	st := store.NewMemoryStore(3)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{"items":[1,2,3,4]}`), "https://hook.example", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seq := 0
	ep := &fakeEndpoint{
		submitFunc: func(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
			seq++
			return fmt.Sprintf("remote-%d", seq), nil
		},
		statusFunc: func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
			return capability.RemoteStatus{
				State:  capability.RemoteStateCompleted,
				Output: json.RawMessage(fmt.Sprintf(`{"id":%q}`, remoteJobID)),
			}, nil
		},
	}
	clk := &fakeClock{now: time.Now().UTC()}
	cfg := Config{MaxRemoteSlots: 3, FanoutThreshold: 2, FanoutMaxWorkers: 2}
	d := New(st, ep, clk, cfg, nil, nil)

	for i := 0; i < 4; i++ {
		d.Tick(ctx)
		clk.Advance(time.Hour)
	}

	got, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if len(got.FanoutSiblingIDs) != 2 {
		t.Fatalf("fanout siblings = %d, want 2", len(got.FanoutSiblingIDs))
	}
	var merged []json.RawMessage
	if err := json.Unmarshal(got.Result, &merged); err != nil {
		t.Fatalf("unmarshal merged result: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("merged results = %d, want 2", len(merged))
	}
	n, _ := st.ActiveSlots(ctx)
	if n != 0 {
		t.Fatalf("activeSlots = %d, want 0 after fanout parent completes", n)
	}
}

func TestDispatcherFanoutPartialFailureFailsParent(t *testing.T) {
	st := store.NewMemoryStore(3)
	ctx := context.Background()
	j := job.NewJob("job-1", "transcode", json.RawMessage(`{"items":[1,2,3,4]}`), "https://hook.example", nil, time.Now().UTC())
	if err := st.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seq := 0
	ep := &fakeEndpoint{
		submitFunc: func(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
			seq++
			return fmt.Sprintf("remote-%d", seq), nil
		},
		statusFunc: func(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
			if remoteJobID == "remote-1" {
				return capability.RemoteStatus{State: capability.RemoteStateFailed, Error: "boom"}, nil
			}
			return capability.RemoteStatus{State: capability.RemoteStateCompleted, Output: json.RawMessage(`{}`)}, nil
		},
	}
	clk := &fakeClock{now: time.Now().UTC()}
	cfg := Config{MaxRemoteSlots: 3, FanoutThreshold: 2, FanoutMaxWorkers: 2}
	d := New(st, ep, clk, cfg, nil, nil)

	for i := 0; i < 4; i++ {
		d.Tick(ctx)
		clk.Advance(time.Hour)
	}

	got, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.ErrKindPartialFailure {
		t.Fatalf("error = %+v, want ErrKindPartialFailure", got.Error)
	}
	n, _ := st.ActiveSlots(ctx)
	if n != 0 {
		t.Fatalf("activeSlots = %d, want 0 after fanout parent fails", n)
	}
}
