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

// Package webhook delivers terminal job outcomes to caller-supplied URLs.
// Delivery is at-least-once with a bounded retry budget; each attempt is
// signed so receivers can verify authenticity, and the target URL is
// re-validated immediately before every send to guard against SSRF via a
// DNS rebind between job creation and delivery.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"mediaorchestrator/internal/orchestrator/capability"
	"mediaorchestrator/internal/orchestrator/metrics"
	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/pkg/job"
)

// Config tunes delivery retry behavior and concurrency.
type Config struct {
	Secret               string
	MaxAttempts           int
	RetryDelays           []time.Duration
	MaxConcurrentDeliveries int
}

// DefaultConfig returns deliverer defaults used when unset fields are zero.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:             3,
		RetryDelays:             []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		MaxConcurrentDeliveries: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = d.RetryDelays
	}
	if c.MaxConcurrentDeliveries <= 0 {
		c.MaxConcurrentDeliveries = d.MaxConcurrentDeliveries
	}
	return c
}

// payload is the wire body posted to the caller's webhook URL, matching the
// schema-stable shape every receiver can depend on.
type payload struct {
	JobID     string            `json:"jobId"`
	CallerRef json.RawMessage   `json:"callerRef,omitempty"`
	Status    job.Status        `json:"status"`
	Operation string            `json:"operation"`
	Attempt   int               `json:"attempt"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     *job.JobError     `json:"error,omitempty"`
	Execution executionTimeline `json:"execution"`
}

// executionTimeline reports when processing of the job actually started and
// ended, independent of how long it sat QUEUED beforehand.
type executionTimeline struct {
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// buildExecutionTimeline derives the execution window from the job's
// timestamps. StartedAt is set for both classes (remote: when the job first
// moves to PROCESSING; local: when the executor begins); it falls back to
// SubmittedAt, then CreatedAt, if the job never reached that state (e.g. a
// QueueTimeout failure).
func buildExecutionTimeline(j *job.Job) executionTimeline {
	start := j.CreatedAt
	if j.SubmittedAt != nil {
		start = *j.SubmittedAt
	}
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	end := start
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	startCopy, endCopy := start, end
	return executionTimeline{
		StartTime:  &startCopy,
		EndTime:    &endCopy,
		DurationMs: end.Sub(start).Milliseconds(),
	}
}

// Deliverer posts terminal-job outcomes to webhook URLs, signing each
// attempt and enforcing at-least-once delivery with a bounded retry budget.
type Deliverer struct {
	store     store.Store
	transport capability.WebhookTransport
	clock     capability.Clock
	cfg       Config
	logger    *log.Logger
	signingKey []byte

	sem chan struct{}
}

// New constructs a Deliverer. The signing key is derived from cfg.Secret via
// HKDF so the raw operator-configured secret is never used directly as the
// HMAC key.
func New(st store.Store, transport capability.WebhookTransport, clock capability.Clock, cfg Config, logger *log.Logger) (*Deliverer, error) {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = capability.SystemClock{}
	}
	key, err := deriveSigningKey(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("derive webhook signing key: %w", err)
	}
	return &Deliverer{
		store:      st,
		transport:  transport,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		signingKey: key,
		sem:        make(chan struct{}, cfg.MaxConcurrentDeliveries),
	}, nil
}

func deriveSigningKey(secret string) ([]byte, error) {
	if secret == "" {
		secret = "mediaorchestrator-default-webhook-secret"
	}
	hk := hkdf.New(sha256.New, []byte(secret), nil, []byte("mediaorchestrator-webhook-signature"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (d *Deliverer) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf("[webhook] "+format, args...)
	}
}

// Enqueue delivers (synchronously, bounded by the concurrency semaphore) the
// terminal outcome for jobID. Intended to be called from a goroutine by the
// dispatchers' onTerminal hooks.
func (d *Deliverer) Enqueue(ctx context.Context, jobID string) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		d.logf("get job %s: %v", jobID, err)
		return
	}
	if j.WebhookURL == "" {
		return
	}
	if !j.Status.IsTerminal() {
		d.logf("job %s not terminal, skipping delivery", jobID)
		return
	}
	if j.WebhookState.Delivered {
		return
	}

	d.deliverWithRetry(ctx, j)
}

func (d *Deliverer) deliverWithRetry(ctx context.Context, j *job.Job) {
	for attempt := j.WebhookState.AttemptsMade + 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		start := d.clock.Now()
		err := d.deliverOnce(ctx, j, attempt)
		state := job.WebhookState{
			AttemptsMade:  attempt,
			LastAttemptAt: timePtr(d.clock.Now()),
		}
		outcome := "success"
		if err != nil {
			outcome = "failure"
			state.LastError = err.Error()
		} else {
			state.Delivered = true
		}
		metrics.ObserveWebhookAttempt(outcome, d.clock.Now().Sub(start))

		if upErr := d.store.UpdateWebhookState(ctx, j.ID, state); upErr != nil {
			d.logf("update webhook state for %s: %v", j.ID, upErr)
		}

		if err == nil {
			return
		}
		d.logf("delivery attempt %d for job %s failed: %v", attempt, j.ID, err)

		if attempt >= d.cfg.MaxAttempts {
			break
		}
		delay := d.cfg.RetryDelays[min(attempt-1, len(d.cfg.RetryDelays)-1)]
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(delay):
		}
	}

	d.logf("webhook delivery exhausted for job %s after %d attempts", j.ID, d.cfg.MaxAttempts)
}

func (d *Deliverer) deliverOnce(ctx context.Context, j *job.Job, attempt int) error {
	if err := ValidateWebhookURL(j.WebhookURL); err != nil {
		return fmt.Errorf("webhook url failed validation: %w", err)
	}

	body := payload{
		JobID:     j.ID,
		Operation: job.BaseOperation(j.Operation),
		Status:    j.Status,
		Result:    j.Result,
		Error:     j.Error,
		CallerRef: j.CallerRef,
		Attempt:   attempt,
		Execution: buildExecutionTimeline(j),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	sig := d.sign(raw)
	headers := map[string]string{
		"Content-Type":        "application/json",
		"X-Signature":         "sha256=" + sig,
		"X-Idempotency-Key":   fmt.Sprintf("%s/%d", j.ID, attempt),
		"X-Mediaorchestrator": "webhook",
	}

	resp, err := d.transport.Post(ctx, j.WebhookURL, headers, raw)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("webhook receiver returned status %d", resp.Status)
	}
	return nil
}

func (d *Deliverer) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.signingKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func timePtr(t time.Time) *time.Time { return &t }

// ValidateWebhookURL rejects URLs that are not safe outbound delivery
// targets: only http/https, no userinfo, no loopback/private/link-local/
// unique-local addresses. Hostnames are resolved so DNS-based rebinding to
// an internal address is also rejected.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("userinfo not allowed in webhook url")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// If host is already a literal IP, LookupIP still resolves it; a
		// genuine DNS failure here means we cannot validate safely.
		return fmt.Errorf("resolve host: %w", err)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return fmt.Errorf("address %s is not a routable external target", ip)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// IPv6 unique local addresses (fc00::/7) are covered by IsPrivate in Go
	// 1.17+, kept as an explicit guard in case of older semantics.
	if ip4 := ip.To4(); ip4 == nil {
		if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
			return true
		}
	}
	return false
}
