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

package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

type fakeRemoteCanceller struct {
	calls []string
}

func (f *fakeRemoteCanceller) Cancel(ctx context.Context, j *job.Job) error {
	f.calls = append(f.calls, j.ID)
	return nil
}

type fakeLocalCanceller struct {
	calls []string
}

func (f *fakeLocalCanceller) Cancel(jobID string) {
	f.calls = append(f.calls, jobID)
}

func TestJobServiceEnqueueMintsIDWhenAbsent(t *testing.T) {
	svc := New(store.NewMemoryStore(2), nil, nil, nil)
	j, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Operation: "transcode",
		Payload:   json.RawMessage(`{"foo":"bar"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.ID == "" {
		t.Fatalf("expected a minted job id")
	}
	if j.Status != job.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", j.Status)
	}
}

func TestJobServiceEnqueueRejectsMissingFields(t *testing.T) {
	svc := New(store.NewMemoryStore(2), nil, nil, nil)
	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected error for missing operation")
	}
	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{Operation: "transcode"}); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

func TestJobServiceGetUnknownJob(t *testing.T) {
	svc := New(store.NewMemoryStore(2), nil, nil, nil)
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestJobServiceListFiltersByStatus(t *testing.T) {
	st := store.NewMemoryStore(2)
	svc := New(st, nil, nil, nil)
	ctx := context.Background()
	if _, err := svc.Enqueue(ctx, EnqueueRequest{Operation: "transcode", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	queued, err := svc.List(ctx, job.StatusQueued)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("len(queued) = %d, want 1", len(queued))
	}

	completed, err := svc.List(ctx, job.StatusCompleted)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("len(completed) = %d, want 0", len(completed))
	}
}

func TestJobServiceCancelQueuedJobRemote(t *testing.T) {
	st := store.NewMemoryStore(2)
	remote := &fakeRemoteCanceller{}
	svc := New(st, remote, nil, nil)
	ctx := context.Background()
	j, err := svc.Enqueue(ctx, EnqueueRequest{Operation: "transcode", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := svc.Get(ctx, j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if len(remote.calls) != 1 || remote.calls[0] != j.ID {
		t.Fatalf("remote.calls = %+v", remote.calls)
	}
}

func TestJobServiceCancelLocalJobNotifiesLocalCanceller(t *testing.T) {
	st := store.NewMemoryStore(2)
	local := &fakeLocalCanceller{}
	svc := New(st, nil, local, nil)
	ctx := context.Background()
	j, err := svc.Enqueue(ctx, EnqueueRequest{Operation: "thumbnail_local", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(local.calls) != 1 || local.calls[0] != j.ID {
		t.Fatalf("local.calls = %+v", local.calls)
	}
}

func TestJobServiceCancelNotifiesWebhookEnqueuer(t *testing.T) {
	st := store.NewMemoryStore(2)
	svc := New(st, &fakeRemoteCanceller{}, nil, nil)
	var notified []string
	svc.WithOnTerminal(func(jobID string) { notified = append(notified, jobID) })
	ctx := context.Background()
	j, err := svc.Enqueue(ctx, EnqueueRequest{Operation: "transcode", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(notified) != 1 || notified[0] != j.ID {
		t.Fatalf("notified = %+v, want [%s]", notified, j.ID)
	}
}

func TestJobServiceCancelAlreadyTerminalFails(t *testing.T) {
	st := store.NewMemoryStore(2)
	svc := New(st, nil, nil, nil)
	ctx := context.Background()
	j, err := svc.Enqueue(ctx, EnqueueRequest{Operation: "transcode", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := svc.Cancel(ctx, j.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second cancel err = %v, want ErrAlreadyTerminal", err)
	}
}
