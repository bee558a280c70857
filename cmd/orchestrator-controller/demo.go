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

package main

// Demonstration capability implementations. These stand in for a real
// serverless GPU endpoint, a real ffmpeg-backed local executor, and a real
// HTTP webhook transport so the controller binary runs end-to-end without
// external dependencies. None of this is production code; see the
// teacher's redfish.NoopClient for the idiom this follows.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"mediaorchestrator/internal/orchestrator/capability"
)

// noopRemoteEndpoint simulates a serverless GPU endpoint: Submit mints an
// id and schedules the job to "complete" after a fixed delay, Status
// reports IN_PROGRESS until then.
type noopRemoteEndpoint struct {
	delay  time.Duration
	logger *log.Logger

	mu       sync.Mutex
	jobs     map[string]time.Time
	cancelled map[string]bool
	seq      int
}

func newNoopRemoteEndpoint(delay time.Duration, logger *log.Logger) *noopRemoteEndpoint {
	return &noopRemoteEndpoint{
		delay:     delay,
		logger:    logger,
		jobs:      make(map[string]time.Time),
		cancelled: make(map[string]bool),
	}
}

func (e *noopRemoteEndpoint) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[remote-noop] "+format, args...)
	}
}

func (e *noopRemoteEndpoint) Submit(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	id := fmt.Sprintf("remote-job-%d", e.seq)
	e.jobs[id] = time.Now().Add(e.delay)
	e.logf("submit: operation=%s remoteJobId=%s", operation, id)
	return id, nil
}

func (e *noopRemoteEndpoint) Status(ctx context.Context, remoteJobID string) (capability.RemoteStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	completesAt, ok := e.jobs[remoteJobID]
	if !ok {
		return capability.RemoteStatus{}, capability.ErrRemoteNotFound
	}
	if e.cancelled[remoteJobID] {
		return capability.RemoteStatus{State: capability.RemoteStateCancelled}, nil
	}
	if time.Now().Before(completesAt) {
		return capability.RemoteStatus{State: capability.RemoteStateInProgress}, nil
	}
	return capability.RemoteStatus{
		State:  capability.RemoteStateCompleted,
		Output: json.RawMessage(`{"demo":true}`),
	}, nil
}

func (e *noopRemoteEndpoint) Cancel(ctx context.Context, remoteJobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[remoteJobID] = true
	e.logf("cancel: remoteJobId=%s", remoteJobID)
	return nil
}

func (e *noopRemoteEndpoint) Health(ctx context.Context) bool { return true }

// noopLocalExecutor simulates local CPU work with a fixed sleep, honoring
// cooperative cancellation.
type noopLocalExecutor struct {
	delay  time.Duration
	logger *log.Logger
}

func newNoopLocalExecutor(delay time.Duration, logger *log.Logger) *noopLocalExecutor {
	return &noopLocalExecutor{delay: delay, logger: logger}
}

func (e *noopLocalExecutor) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[local-noop] "+format, args...)
	}
}

func (e *noopLocalExecutor) Run(ctx context.Context, operation string, payload json.RawMessage, cancel <-chan struct{}) capability.LocalResult {
	e.logf("run: operation=%s", operation)
	t := time.NewTimer(e.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return capability.LocalResult{Output: json.RawMessage(`{"demo":true}`)}
	case <-cancel:
		return capability.LocalResult{Err: fmt.Errorf("local: operation %s cancelled", operation)}
	case <-ctx.Done():
		return capability.LocalResult{Err: ctx.Err()}
	}
}

// httpWebhookTransport posts webhook deliveries over real HTTP. This is the
// one demo capability backed by an actual network client, since outbound
// HTTP delivery carries no external-dependency risk the way a real GPU
// endpoint or ffmpeg binary would.
type httpWebhookTransport struct {
	client *http.Client
}

func newHTTPWebhookTransport(timeout time.Duration) *httpWebhookTransport {
	return &httpWebhookTransport{client: &http.Client{Timeout: timeout}}
}

func (t *httpWebhookTransport) Post(ctx context.Context, url string, headers map[string]string, body []byte) (capability.WebhookResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return capability.WebhookResponse{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return capability.WebhookResponse{}, err
	}
	defer resp.Body.Close()
	return capability.WebhookResponse{Status: resp.StatusCode}, nil
}
