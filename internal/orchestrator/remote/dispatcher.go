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

// Package remote implements the RemoteDispatcher: it drains QUEUED jobs
// bound for the external serverless GPU endpoint, submits them up to the
// configured slot limit, and polls each in-flight job to a terminal state
// with exponential backoff, mirroring the acquire/poll loop shape of the
// teacher's provisioning worker.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mediaorchestrator/internal/orchestrator/capability"
	"mediaorchestrator/internal/orchestrator/metrics"
	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

// fanoutRemoteIDPrefix marks a job's RemoteJobID as a bookkeeping parent
// rather than a real remote-endpoint submission, satisfying the invariant
// that RemoteJobID is non-empty exactly while status is SUBMITTED/
// PROCESSING without ever being passed to the endpoint.
const fanoutRemoteIDPrefix = "fanout:"

// fanoutPayload is the minimal shape a payload must expose to be eligible
// for large-batch fanout: a top-level array of subunits.
type fanoutPayload struct {
	Items []json.RawMessage `json:"items"`
}

// Config tunes the RemoteDispatcher's behavior.
type Config struct {
	MaxRemoteSlots int

	// Exponential poll backoff per in-flight job.
	PollIntervalStart time.Duration
	PollIntervalMax   time.Duration
	PollIntervalFactor float64

	// RemoteNotFoundGrace is how long a job may report 404 from the
	// endpoint before it is considered vanished.
	RemoteNotFoundGrace time.Duration

	// MaxConsecutivePollErrors bounds the poll-error retry budget before
	// a job is failed outright.
	MaxConsecutivePollErrors int

	// EndpointRateLimit caps outbound calls/sec to the remote endpoint,
	// independent of slot occupancy (submit + poll combined).
	EndpointRateLimit rate.Limit
	EndpointBurst     int

	// FanoutThreshold is the number of payload items above which a job is
	// eligible for large-batch fanout (§4.2's optional sibling-split
	// feature). 0 uses the default.
	FanoutThreshold int
	// FanoutMaxWorkers caps the number of sibling submissions a single
	// fanout parent is split into.
	FanoutMaxWorkers int
}

// DefaultConfig returns the dispatcher defaults used when a zero Config is
// supplied.
func DefaultConfig() Config {
	return Config{
		MaxRemoteSlots:           4,
		PollIntervalStart:        2 * time.Second,
		PollIntervalMax:          8 * time.Second,
		PollIntervalFactor:       1.5,
		RemoteNotFoundGrace:      30 * time.Second,
		MaxConsecutivePollErrors: 5,
		EndpointRateLimit:        10,
		EndpointBurst:            10,
		FanoutThreshold:          50,
		FanoutMaxWorkers:         3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRemoteSlots <= 0 {
		c.MaxRemoteSlots = d.MaxRemoteSlots
	}
	if c.PollIntervalStart <= 0 {
		c.PollIntervalStart = d.PollIntervalStart
	}
	if c.PollIntervalMax <= 0 || c.PollIntervalMax < c.PollIntervalStart {
		c.PollIntervalMax = d.PollIntervalMax
	}
	if c.PollIntervalFactor <= 1 {
		c.PollIntervalFactor = d.PollIntervalFactor
	}
	if c.RemoteNotFoundGrace <= 0 {
		c.RemoteNotFoundGrace = d.RemoteNotFoundGrace
	}
	if c.MaxConsecutivePollErrors <= 0 {
		c.MaxConsecutivePollErrors = d.MaxConsecutivePollErrors
	}
	if c.EndpointRateLimit <= 0 {
		c.EndpointRateLimit = d.EndpointRateLimit
	}
	if c.EndpointBurst <= 0 {
		c.EndpointBurst = d.EndpointBurst
	}
	if c.FanoutThreshold <= 0 {
		c.FanoutThreshold = d.FanoutThreshold
	}
	if c.FanoutMaxWorkers <= 0 {
		c.FanoutMaxWorkers = d.FanoutMaxWorkers
	}
	return c
}

// WebhookEnqueuer is the notification hook invoked once a job reaches a
// terminal state, handing it to the webhook deliverer. Kept as a narrow
// function type so the dispatcher does not depend on the webhook package.
type WebhookEnqueuer func(jobID string)

// Dispatcher drains and drives the remote-class job queue.
type Dispatcher struct {
	store    store.Store
	endpoint capability.RemoteEndpoint
	clock    capability.Clock
	cfg      Config
	logger   *log.Logger
	onTerminal WebhookEnqueuer

	limiter *rate.Limiter

	mu            sync.Mutex
	pollIntervals map[string]time.Duration
	nextPollAt    map[string]time.Time
	notFoundSince map[string]time.Time
}

// New constructs a Dispatcher. onTerminal may be nil if no webhook
// notification is desired (e.g. in tests).
func New(st store.Store, endpoint capability.RemoteEndpoint, clock capability.Clock, cfg Config, logger *log.Logger, onTerminal WebhookEnqueuer) *Dispatcher {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = capability.SystemClock{}
	}
	return &Dispatcher{
		store:         st,
		endpoint:      endpoint,
		clock:         clock,
		cfg:           cfg,
		logger:        logger,
		onTerminal:    onTerminal,
		limiter:       rate.NewLimiter(cfg.EndpointRateLimit, cfg.EndpointBurst),
		pollIntervals: make(map[string]time.Duration),
		nextPollAt:    make(map[string]time.Time),
		notFoundSince: make(map[string]time.Time),
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf("[remote-dispatcher] "+format, args...)
	}
}

// Tick performs one dispatch cycle: submit as many queued remote jobs as
// free slots allow, then poll every in-flight job whose next poll is due.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.submitQueued(ctx)
	d.pollInFlight(ctx)
}

func (d *Dispatcher) submitQueued(ctx context.Context) {
	active, err := d.store.ActiveSlots(ctx)
	if err != nil {
		d.logf("active slots: %v", err)
		return
	}
	metrics.SetActiveSlots(active)
	free := d.cfg.MaxRemoteSlots - active
	if free <= 0 {
		return
	}

	queued, err := d.store.GetQueued(ctx, free, job.ClassRemote)
	if err != nil {
		d.logf("get queued: %v", err)
		return
	}

	for _, j := range queued {
		if siblingIDs, split := d.trySplitFanout(ctx, j); split {
			d.submitFanoutParent(ctx, j, siblingIDs)
			continue
		}
		if err := d.store.AcquireSlot(ctx, j.ID); err != nil {
			if err == store.ErrNoSlotsAvailable {
				return
			}
			d.logf("acquire slot for %s: %v", j.ID, err)
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			_ = d.store.ReleaseSlot(ctx, j.ID)
			return
		}

		remoteID, submitErr := d.endpoint.Submit(ctx, j.Operation, j.Payload)
		if submitErr != nil {
			_ = d.store.ReleaseSlot(ctx, j.ID)
			d.failJob(ctx, j.ID, job.StatusQueued, job.ErrKindSubmitFailed, submitErr.Error())
			continue
		}

		now := d.clock.Now()
		err = d.store.TransitionStatus(ctx, j.ID, job.StatusQueued, job.StatusSubmitted, store.Mutation{
			RemoteJobID: &remoteID,
			SubmittedAt: &now,
		})
		if err != nil {
			d.logf("transition %s to submitted: %v", j.ID, err)
			_ = d.store.ReleaseSlot(ctx, j.ID)
			continue
		}
		metrics.ObserveJobSubmitted(job.BaseOperation(j.Operation), string(job.ClassRemote))
		d.mu.Lock()
		d.pollIntervals[j.ID] = d.cfg.PollIntervalStart
		d.nextPollAt[j.ID] = now
		d.mu.Unlock()
	}
}

// trySplitFanout splits j into sibling jobs if its payload declares more
// items than cfg.FanoutThreshold. It is a no-op for jobs that are already a
// fanout sibling or have already been split. Returns the minted sibling ids
// and whether a split happened.
func (d *Dispatcher) trySplitFanout(ctx context.Context, j *job.Job) ([]string, bool) {
	if j.FanoutParentID != "" || len(j.FanoutSiblingIDs) > 0 {
		return nil, false
	}
	var payload fanoutPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil || len(payload.Items) <= d.cfg.FanoutThreshold {
		return nil, false
	}

	groups := splitItems(payload.Items, d.cfg.FanoutMaxWorkers)
	siblingIDs := make([]string, 0, len(groups))
	now := d.clock.Now()
	for _, group := range groups {
		childPayload, err := json.Marshal(fanoutPayload{Items: group})
		if err != nil {
			d.logf("marshal fanout sibling payload for %s: %v", j.ID, err)
			continue
		}
		child := job.NewJob(j.ID+"/"+uuid.NewString()[:8], j.Operation, childPayload, "", nil, now)
		child.FanoutParentID = j.ID
		if err := d.store.Enqueue(ctx, child); err != nil {
			d.logf("enqueue fanout sibling for %s: %v", j.ID, err)
			continue
		}
		siblingIDs = append(siblingIDs, child.ID)
	}
	if len(siblingIDs) == 0 {
		return nil, false
	}
	return siblingIDs, true
}

// splitItems divides items into up to maxGroups contiguous, near-equal
// groups, never producing an empty group.
func splitItems(items []json.RawMessage, maxGroups int) [][]json.RawMessage {
	if maxGroups <= 0 {
		maxGroups = 1
	}
	if len(items) < maxGroups {
		maxGroups = len(items)
	}
	groups := make([][]json.RawMessage, 0, maxGroups)
	base := len(items) / maxGroups
	extra := len(items) % maxGroups
	start := 0
	for i := 0; i < maxGroups; i++ {
		size := base
		if i < extra {
			size++
		}
		groups = append(groups, items[start:start+size])
		start += size
	}
	return groups
}

// submitFanoutParent transitions a freshly-split parent job to SUBMITTED,
// occupying one remote slot for the duration of the fanout (bookkeeping
// only; it never itself calls the remote endpoint).
func (d *Dispatcher) submitFanoutParent(ctx context.Context, j *job.Job, siblingIDs []string) {
	if err := d.store.AcquireSlot(ctx, j.ID); err != nil {
		d.logf("acquire slot for fanout parent %s: %v", j.ID, err)
		return
	}
	now := d.clock.Now()
	remoteID := fanoutRemoteIDPrefix + j.ID
	err := d.store.TransitionStatus(ctx, j.ID, job.StatusQueued, job.StatusSubmitted, store.Mutation{
		RemoteJobID:    &remoteID,
		SubmittedAt:    &now,
		FanoutSiblings: siblingIDs,
	})
	if err != nil {
		d.logf("transition fanout parent %s to submitted: %v", j.ID, err)
		_ = d.store.ReleaseSlot(ctx, j.ID)
		return
	}
	metrics.ObserveJobSubmitted(job.BaseOperation(j.Operation), string(job.ClassRemote))
	d.mu.Lock()
	d.pollIntervals[j.ID] = d.cfg.PollIntervalStart
	d.nextPollAt[j.ID] = now
	d.mu.Unlock()
}

func (d *Dispatcher) pollInFlight(ctx context.Context) {
	submitted, err := d.store.ListByStatus(ctx, job.StatusSubmitted)
	if err != nil {
		d.logf("list submitted: %v", err)
		return
	}
	processing, err := d.store.ListByStatus(ctx, job.StatusProcessing)
	if err != nil {
		d.logf("list processing: %v", err)
		return
	}
	inflight := append(submitted, processing...)

	now := d.clock.Now()
	for _, j := range inflight {
		if j.RemoteJobID == "" {
			continue
		}
		d.mu.Lock()
		due, ok := d.nextPollAt[j.ID]
		d.mu.Unlock()
		if ok && now.Before(due) {
			continue
		}
		d.pollOne(ctx, j)
	}
}

// nextInterval advances a job's poll interval along the configured
// exponential backoff, capped at PollIntervalMax.
func (d *Dispatcher) nextInterval(jobID string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.pollIntervals[jobID]
	if !ok {
		cur = d.cfg.PollIntervalStart
	}
	next := time.Duration(float64(cur) * d.cfg.PollIntervalFactor)
	if next > d.cfg.PollIntervalMax {
		next = d.cfg.PollIntervalMax
	}
	d.pollIntervals[jobID] = next
	return next
}

func (d *Dispatcher) resetInterval(jobID string) {
	d.mu.Lock()
	d.pollIntervals[jobID] = d.cfg.PollIntervalStart
	d.mu.Unlock()
}

func (d *Dispatcher) scheduleNextPoll(jobID string, from time.Time, interval time.Duration) {
	d.mu.Lock()
	d.nextPollAt[jobID] = from.Add(interval)
	d.mu.Unlock()
}

func (d *Dispatcher) pollOne(ctx context.Context, j *job.Job) {
	if len(j.FanoutSiblingIDs) > 0 || strings.HasPrefix(j.RemoteJobID, fanoutRemoteIDPrefix) {
		d.pollFanoutParent(ctx, j)
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	start := d.clock.Now()
	status, err := d.endpoint.Status(ctx, j.RemoteJobID)
	metrics.ObserveRemotePoll(job.BaseOperation(j.Operation), d.clock.Now().Sub(start))

	if err != nil {
		if err == capability.ErrRemoteNotFound {
			d.handleNotFound(ctx, j)
			d.scheduleNextPoll(j.ID, start, d.nextInterval(j.ID))
			return
		}
		d.handlePollError(ctx, j)
		d.scheduleNextPoll(j.ID, start, d.nextInterval(j.ID))
		return
	}

	d.mu.Lock()
	delete(d.notFoundSince, j.ID)
	d.mu.Unlock()

	attempts := 0
	_ = d.store.TransitionStatus(ctx, j.ID, j.Status, j.Status, store.Mutation{PollAttempts: &attempts})

	switch status.State {
	case capability.RemoteStateInQueue:
		d.scheduleNextPoll(j.ID, start, d.nextInterval(j.ID))
	case capability.RemoteStateInProgress:
		if j.Status == job.StatusSubmitted {
			now := d.clock.Now()
			_ = d.store.TransitionStatus(ctx, j.ID, job.StatusSubmitted, job.StatusProcessing, store.Mutation{StartedAt: &now})
			d.resetInterval(j.ID)
		}
		d.scheduleNextPoll(j.ID, start, d.nextInterval(j.ID))
	case capability.RemoteStateCompleted:
		d.complete(ctx, j, status)
	case capability.RemoteStateFailed:
		d.failJob(ctx, j.ID, j.Status, job.ErrKindExecutorError, status.Error)
	case capability.RemoteStateCancelled:
		d.terminal(ctx, j, job.StatusCancelled, &job.JobError{Kind: job.ErrKindCancelled, Message: "cancelled"}, nil)
	case capability.RemoteStateTimedOut:
		d.terminal(ctx, j, job.StatusTimedOut, &job.JobError{Kind: job.ErrKindExecutionTimeout, Message: "remote endpoint reported timeout"}, nil)
	}
}

func (d *Dispatcher) handleNotFound(ctx context.Context, j *job.Job) {
	d.mu.Lock()
	since, ok := d.notFoundSince[j.ID]
	if !ok {
		since = d.clock.Now()
		d.notFoundSince[j.ID] = since
	}
	d.mu.Unlock()

	if d.clock.Now().Sub(since) < d.cfg.RemoteNotFoundGrace {
		return
	}
	d.failJob(ctx, j.ID, j.Status, job.ErrKindVanished, "remote endpoint lost track of job")
}

func (d *Dispatcher) handlePollError(ctx context.Context, j *job.Job) {
	attempts := j.PollAttempts + 1
	if attempts >= d.cfg.MaxConsecutivePollErrors {
		d.failJob(ctx, j.ID, j.Status, job.ErrKindPollError, fmt.Sprintf("exceeded %d consecutive poll errors", d.cfg.MaxConsecutivePollErrors))
		return
	}
	_ = d.store.TransitionStatus(ctx, j.ID, j.Status, j.Status, store.Mutation{PollAttempts: &attempts})
}

// pollFanoutParent checks the aggregate status of a fanout parent's
// siblings: it advances the parent to PROCESSING once any sibling starts
// running, to COMPLETED once every sibling completes (merging their
// outputs), or to FAILED with PartialFailure as soon as any sibling fails,
// best-effort cancelling the remaining siblings.
func (d *Dispatcher) pollFanoutParent(ctx context.Context, j *job.Job) {
	siblings := make([]*job.Job, 0, len(j.FanoutSiblingIDs))
	for _, id := range j.FanoutSiblingIDs {
		sib, err := d.store.Get(ctx, id)
		if err != nil {
			d.logf("get fanout sibling %s of %s: %v", id, j.ID, err)
			continue
		}
		siblings = append(siblings, sib)
	}

	anyFailed := false
	anyRunning := false
	allCompleted := true
	for _, sib := range siblings {
		switch sib.Status {
		case job.StatusCompleted:
		case job.StatusFailed, job.StatusTimedOut, job.StatusCancelled:
			anyFailed = true
			allCompleted = false
		default:
			allCompleted = false
			if sib.Status == job.StatusProcessing {
				anyRunning = true
			}
		}
	}

	if anyFailed {
		for _, sib := range siblings {
			if sib.Status.IsTerminal() {
				continue
			}
			now := d.clock.Now()
			_ = d.store.TransitionStatus(ctx, sib.ID, sib.Status, job.StatusCancelled, store.Mutation{
				Error:       &job.JobError{Kind: job.ErrKindCancelled, Message: "sibling cancelled after parent fanout partial failure"},
				CompletedAt: &now,
			})
			if sib.RemoteJobID != "" && !strings.HasPrefix(sib.RemoteJobID, fanoutRemoteIDPrefix) {
				_ = d.endpoint.Cancel(ctx, sib.RemoteJobID)
			}
			_ = d.store.ReleaseSlot(ctx, sib.ID)
		}
		d.failJob(ctx, j.ID, j.Status, job.ErrKindPartialFailure, "one or more fanout siblings failed")
		return
	}

	if allCompleted && len(siblings) == len(j.FanoutSiblingIDs) {
		outputs := make([]json.RawMessage, 0, len(siblings))
		for _, sib := range siblings {
			if sib.Result != nil {
				outputs = append(outputs, sib.Result)
			}
		}
		merged, err := json.Marshal(outputs)
		if err != nil {
			d.logf("merge fanout results for %s: %v", j.ID, err)
			merged = []byte("[]")
		}
		d.complete(ctx, j, capability.RemoteStatus{State: capability.RemoteStateCompleted, Output: merged})
		return
	}

	if anyRunning && j.Status == job.StatusSubmitted {
		now := d.clock.Now()
		_ = d.store.TransitionStatus(ctx, j.ID, job.StatusSubmitted, job.StatusProcessing, store.Mutation{StartedAt: &now})
		d.resetInterval(j.ID)
	}
	d.scheduleNextPoll(j.ID, d.clock.Now(), d.nextInterval(j.ID))
}

func (d *Dispatcher) complete(ctx context.Context, j *job.Job, status capability.RemoteStatus) {
	now := d.clock.Now()
	from := j.Status
	if from == job.StatusSubmitted {
		// COMPLETED is only reachable from PROCESSING; a job whose first
		// observed remote state is already COMPLETED passes through it.
		if err := d.store.TransitionStatus(ctx, j.ID, job.StatusSubmitted, job.StatusProcessing, store.Mutation{StartedAt: &now}); err != nil {
			d.logf("transition %s to processing: %v", j.ID, err)
			return
		}
		from = job.StatusProcessing
	}
	err := d.store.TransitionStatus(ctx, j.ID, from, job.StatusCompleted, store.Mutation{
		Result:      status.Output,
		CompletedAt: &now,
	})
	if err != nil {
		d.logf("transition %s to completed: %v", j.ID, err)
		return
	}
	d.releaseAndNotify(ctx, j.ID)
}

func (d *Dispatcher) terminal(ctx context.Context, j *job.Job, to job.Status, jobErr *job.JobError, output []byte) {
	now := d.clock.Now()
	mutation := store.Mutation{CompletedAt: &now}
	if jobErr != nil {
		mutation.Error = jobErr
	}
	if output != nil {
		mutation.Result = output
	}
	if err := d.store.TransitionStatus(ctx, j.ID, j.Status, to, mutation); err != nil {
		d.logf("transition %s to %s: %v", j.ID, to, err)
		return
	}
	d.releaseAndNotify(ctx, j.ID)
}

func (d *Dispatcher) failJob(ctx context.Context, id string, from job.Status, kind job.ErrorKind, message string) {
	now := d.clock.Now()
	err := d.store.TransitionStatus(ctx, id, from, job.StatusFailed, store.Mutation{
		Error:       &job.JobError{Kind: kind, Message: message},
		CompletedAt: &now,
	})
	if err != nil {
		d.logf("transition %s to failed: %v", id, err)
		return
	}
	d.releaseAndNotify(ctx, id)
}

func (d *Dispatcher) releaseAndNotify(ctx context.Context, jobID string) {
	if err := d.store.ReleaseSlot(ctx, jobID); err != nil {
		d.logf("release slot for %s: %v", jobID, err)
	}
	d.mu.Lock()
	delete(d.pollIntervals, jobID)
	delete(d.notFoundSince, jobID)
	d.mu.Unlock()

	j, err := d.store.Get(ctx, jobID)
	if err == nil {
		metrics.ObserveJobCompleted(job.BaseOperation(j.Operation), string(job.ClassRemote), j.Status.String(), j.CompletedAt.Sub(j.CreatedAt))
	}
	if d.onTerminal != nil {
		d.onTerminal(jobID)
	}
}

// Cancel requests best-effort cancellation of a job's remote counterpart
// (for a fanout parent, of each non-terminal sibling's). It does not change
// the job's status; callers do not block on remote acknowledgement.
func (d *Dispatcher) Cancel(ctx context.Context, j *job.Job) error {
	if len(j.FanoutSiblingIDs) > 0 {
		for _, id := range j.FanoutSiblingIDs {
			sib, err := d.store.Get(ctx, id)
			if err != nil || sib.Status.IsTerminal() {
				continue
			}
			if sib.RemoteJobID != "" {
				_ = d.endpoint.Cancel(ctx, sib.RemoteJobID)
			}
		}
		return nil
	}
	if j.RemoteJobID == "" || strings.HasPrefix(j.RemoteJobID, fanoutRemoteIDPrefix) {
		return nil
	}
	return d.endpoint.Cancel(ctx, j.RemoteJobID)
}
