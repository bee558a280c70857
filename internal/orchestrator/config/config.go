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

// Package config loads the orchestration core's runtime configuration from
// environment variables, with flags (when parsed by the binary) taking
// precedence, following the teacher's parseConfig/RegistryConfig pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageKind selects the JobStore backend.
type StorageKind string

const (
	StorageMemory  StorageKind = "memory"
	StorageDurable StorageKind = "durable"
)

// Config is the closed set of tunables named in the orchestration design
// (§6.5): slot/pool sizes, loop cadence, timeout budgets, poll backoff,
// webhook retry policy, and storage backend selection.
type Config struct {
	MaxRemoteSlots int // MAX_REMOTE_SLOTS
	MaxLocalJobs   int // MAX_LOCAL_JOBS

	TickInterval         time.Duration // TICK_INTERVAL
	TimeoutCheckInterval time.Duration // TIMEOUT_CHECK_INTERVAL
	QueueTimeout         time.Duration // QUEUE_TIMEOUT
	ExecutionTimeout     time.Duration // EXECUTION_TIMEOUT
	LeaseDuration        time.Duration // LEASE_DURATION

	PollInitialDelay  time.Duration // POLL_INITIAL_DELAY
	PollMaxDelay      time.Duration // POLL_MAX_DELAY
	PollBackoffFactor float64       // POLL_BACKOFF_FACTOR
	MaxPollErrors     int           // MAX_POLL_ERRORS
	RemoteNotFoundGrace time.Duration // REMOTE_NOT_FOUND_GRACE
	EndpointRateLimit float64       // ENDPOINT_RATE_LIMIT (requests/sec, 0 = unlimited)
	EndpointBurst     int           // ENDPOINT_BURST

	// FanoutThreshold is the payload item count above which a remote job is
	// split into sibling submissions (§4.2's optional large-batch fanout).
	FanoutThreshold  int // FANOUT_THRESHOLD
	FanoutMaxWorkers int // FANOUT_MAX_WORKERS

	WebhookSecret          string        // WEBHOOK_SECRET (do not log value)
	MaxWebhookAttempts     int           // MAX_WEBHOOK_ATTEMPTS
	WebhookRetryDelays     []time.Duration // WEBHOOK_RETRY_DELAYS (comma-separated durations)
	MaxConcurrentWebhooks  int           // MAX_CONCURRENT_WEBHOOKS

	JobTTL      time.Duration // JOB_TTL (retention for terminal jobs before Prune)
	StorageKind StorageKind   // STORAGE_KIND: memory|durable
	DBPath      string        // DB_PATH (only used when StorageKind == durable)

	MetricsAddr string // METRICS_ADDR
	LogLevel    string // LOG_LEVEL: debug|info|warn|error
}

// Default returns the orchestration core's baseline configuration.
func Default() Config {
	return Config{
		MaxRemoteSlots: 4,
		MaxLocalJobs:   2,

		TickInterval:         5 * time.Second,
		TimeoutCheckInterval: 60 * time.Second,
		QueueTimeout:         30 * time.Minute,
		ExecutionTimeout:     2 * time.Hour,
		LeaseDuration:        10 * time.Minute,

		PollInitialDelay:    2 * time.Second,
		PollMaxDelay:        30 * time.Second,
		PollBackoffFactor:   2.0,
		MaxPollErrors:       5,
		RemoteNotFoundGrace: 30 * time.Second,
		EndpointRateLimit:   10,
		EndpointBurst:       5,
		FanoutThreshold:     50,
		FanoutMaxWorkers:    3,

		WebhookSecret:         "",
		MaxWebhookAttempts:    3,
		WebhookRetryDelays:    []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		MaxConcurrentWebhooks: 8,

		JobTTL:      7 * 24 * time.Hour,
		StorageKind: StorageMemory,
		DBPath:      "./orchestrator.db",

		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvDurationList(key string, def []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return def
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// LoadFromEnv builds a Config seeded entirely from environment variables,
// falling back to Default() for anything unset. A binary's flag parsing, if
// any, should override individual fields of the returned Config afterward.
func LoadFromEnv() Config {
	def := Default()

	cfg := Config{
		MaxRemoteSlots: getenvInt("MAX_REMOTE_SLOTS", def.MaxRemoteSlots),
		MaxLocalJobs:   getenvInt("MAX_LOCAL_JOBS", def.MaxLocalJobs),

		TickInterval:         getenvDuration("TICK_INTERVAL", def.TickInterval),
		TimeoutCheckInterval: getenvDuration("TIMEOUT_CHECK_INTERVAL", def.TimeoutCheckInterval),
		QueueTimeout:         getenvDuration("QUEUE_TIMEOUT", def.QueueTimeout),
		ExecutionTimeout:     getenvDuration("EXECUTION_TIMEOUT", def.ExecutionTimeout),
		LeaseDuration:        getenvDuration("LEASE_DURATION", def.LeaseDuration),

		PollInitialDelay:    getenvDuration("POLL_INITIAL_DELAY", def.PollInitialDelay),
		PollMaxDelay:        getenvDuration("POLL_MAX_DELAY", def.PollMaxDelay),
		PollBackoffFactor:   getenvFloat("POLL_BACKOFF_FACTOR", def.PollBackoffFactor),
		MaxPollErrors:       getenvInt("MAX_POLL_ERRORS", def.MaxPollErrors),
		RemoteNotFoundGrace: getenvDuration("REMOTE_NOT_FOUND_GRACE", def.RemoteNotFoundGrace),
		EndpointRateLimit:   getenvFloat("ENDPOINT_RATE_LIMIT", def.EndpointRateLimit),
		EndpointBurst:       getenvInt("ENDPOINT_BURST", def.EndpointBurst),
		FanoutThreshold:     getenvInt("FANOUT_THRESHOLD", def.FanoutThreshold),
		FanoutMaxWorkers:    getenvInt("FANOUT_MAX_WORKERS", def.FanoutMaxWorkers),

		WebhookSecret:         getenv("WEBHOOK_SECRET", def.WebhookSecret),
		MaxWebhookAttempts:    getenvInt("MAX_WEBHOOK_ATTEMPTS", def.MaxWebhookAttempts),
		WebhookRetryDelays:    getenvDurationList("WEBHOOK_RETRY_DELAYS", def.WebhookRetryDelays),
		MaxConcurrentWebhooks: getenvInt("MAX_CONCURRENT_WEBHOOKS", def.MaxConcurrentWebhooks),

		JobTTL:      getenvDuration("JOB_TTL", def.JobTTL),
		StorageKind: StorageKind(getenv("STORAGE_KIND", string(def.StorageKind))),
		DBPath:      getenv("DB_PATH", def.DBPath),

		MetricsAddr: getenv("METRICS_ADDR", def.MetricsAddr),
		LogLevel:    getenv("LOG_LEVEL", def.LogLevel),
	}
	return cfg
}

// Validate checks the configuration for internal consistency, mirroring the
// teacher's RegistryConfig.Validate bound-checking style.
func (c *Config) Validate() error {
	if c.MaxRemoteSlots < 1 {
		return fmt.Errorf("MAX_REMOTE_SLOTS must be at least 1")
	}
	if c.MaxLocalJobs < 1 {
		return fmt.Errorf("MAX_LOCAL_JOBS must be at least 1")
	}
	if c.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("TICK_INTERVAL must be at least 100ms")
	}
	if c.TimeoutCheckInterval < time.Second {
		return fmt.Errorf("TIMEOUT_CHECK_INTERVAL must be at least 1s")
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("QUEUE_TIMEOUT must be positive")
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be positive")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive")
	}
	if c.PollInitialDelay <= 0 {
		return fmt.Errorf("POLL_INITIAL_DELAY must be positive")
	}
	if c.PollMaxDelay < c.PollInitialDelay {
		return fmt.Errorf("POLL_MAX_DELAY must be >= POLL_INITIAL_DELAY")
	}
	if c.PollBackoffFactor < 1 {
		return fmt.Errorf("POLL_BACKOFF_FACTOR must be >= 1")
	}
	if c.MaxPollErrors < 1 {
		return fmt.Errorf("MAX_POLL_ERRORS must be at least 1")
	}
	if c.FanoutThreshold < 1 {
		return fmt.Errorf("FANOUT_THRESHOLD must be at least 1")
	}
	if c.FanoutMaxWorkers < 1 {
		return fmt.Errorf("FANOUT_MAX_WORKERS must be at least 1")
	}
	if c.MaxWebhookAttempts < 1 {
		return fmt.Errorf("MAX_WEBHOOK_ATTEMPTS must be at least 1")
	}
	if len(c.WebhookRetryDelays) == 0 {
		return fmt.Errorf("WEBHOOK_RETRY_DELAYS must have at least one entry")
	}
	if c.MaxConcurrentWebhooks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_WEBHOOKS must be at least 1")
	}
	if c.StorageKind != StorageMemory && c.StorageKind != StorageDurable {
		return fmt.Errorf("STORAGE_KIND must be 'memory' or 'durable', got %q", c.StorageKind)
	}
	if c.StorageKind == StorageDurable && c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required when STORAGE_KIND is 'durable'")
	}
	return nil
}
