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
	"sort"
	"sync"
	"time"

	"mediaorchestrator/pkg/job"
)

// MemoryStore is the process-lifetime JobStore implementation: a mutex
// guarding a map of jobs plus the activeSlots counter. It satisfies the
// same contract as SQLiteStore so dispatchers and the supervisor are
// agnostic to which backend is wired in.
type MemoryStore struct {
	mu             sync.Mutex
	jobs           map[string]*job.Job
	activeSlots    int
	maxRemoteSlots int
	slotHolders    map[string]bool
}

// NewMemoryStore constructs an empty MemoryStore bounded by maxRemoteSlots.
func NewMemoryStore(maxRemoteSlots int) *MemoryStore {
	return &MemoryStore{
		jobs:           make(map[string]*job.Job),
		maxRemoteSlots: maxRemoteSlots,
		slotHolders:    make(map[string]bool),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Enqueue(ctx context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetQueued(ctx context.Context, limit int, class job.OperationClass) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusQueued && job.ClassOf(j.Operation) == class {
			matches = append(matches, j)
		}
	}
	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].CreatedAt.Equal(matches[k].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[k].CreatedAt)
		}
		return matches[i].ID < matches[k].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*job.Job, len(matches))
	for i, j := range matches {
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*job.Job
	for _, j := range s.jobs {
		if j.Status == status {
			matches = append(matches, j)
		}
	}
	sort.Slice(matches, func(i, k int) bool {
		return matches[i].CreatedAt.Before(matches[k].CreatedAt)
	})
	out := make([]*job.Job, len(matches))
	for i, j := range matches {
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to job.Status, mutation Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != from {
		return ErrPreconditionFailed
	}
	if !from.CanTransitionTo(to) && from != to {
		return ErrPreconditionFailed
	}

	j.Status = to
	applyMutation(j, mutation)

	if to.IsTerminal() {
		j.RemoteJobID = ""
	}
	return nil
}

func (s *MemoryStore) UpdateWebhookState(ctx context.Context, id string, state job.WebhookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.WebhookState = state
	return nil
}

func (s *MemoryStore) AcquireSlot(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSlots >= s.maxRemoteSlots {
		return ErrNoSlotsAvailable
	}
	s.activeSlots++
	s.slotHolders[jobID] = true
	return nil
}

func (s *MemoryStore) ReleaseSlot(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.slotHolders[jobID] {
		// Idempotent: jobID never acquired a slot, or already released one.
		return nil
	}
	delete(s.slotHolders, jobID)
	if s.activeSlots > 0 {
		s.activeSlots--
	}
	return nil
}

func (s *MemoryStore) ActiveSlots(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSlots, nil
}

func (s *MemoryStore) RecoverWorkers(ctx context.Context, leaseDuration time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var recovered []string
	holding := 0
	for _, j := range s.jobs {
		if !j.Status.HoldsSlot() {
			continue
		}
		leaseStart := j.CreatedAt
		if j.SubmittedAt != nil {
			leaseStart = *j.SubmittedAt
		}
		if now.Sub(leaseStart) > leaseDuration {
			j.Status = job.StatusQueued
			j.RemoteJobID = ""
			j.SubmittedAt = nil
			j.StartedAt = nil
			delete(s.slotHolders, j.ID)
			recovered = append(recovered, j.ID)
			continue
		}
		// The remote slot counter only governs remote-class concurrency;
		// a local-class job in PROCESSING never acquired a slot.
		if j.Class() == job.ClassRemote {
			s.slotHolders[j.ID] = true
			holding++
		}
	}
	s.activeSlots = holding
	return recovered, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func applyMutation(j *job.Job, m Mutation) {
	if m.RemoteJobID != nil {
		j.RemoteJobID = *m.RemoteJobID
	}
	if m.Attempts != nil {
		j.Attempts = *m.Attempts
	}
	if m.Result != nil {
		j.Result = m.Result
	}
	if m.Error != nil {
		j.Error = m.Error
	}
	if m.SubmittedAt != nil {
		j.SubmittedAt = m.SubmittedAt
	}
	if m.StartedAt != nil {
		j.StartedAt = m.StartedAt
	}
	if m.CompletedAt != nil {
		j.CompletedAt = m.CompletedAt
	}
	if m.FanoutSiblings != nil {
		j.FanoutSiblingIDs = m.FanoutSiblings
	}
	if m.PollAttempts != nil {
		j.PollAttempts = *m.PollAttempts
	}
}
