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

// Flag wiring mirrors the teacher's parseConfig: environment variables are
// read first by config.LoadFromEnv, then flags (if passed) override
// individual fields of the already-loaded Config.

import (
	"flag"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mediaorchestrator/internal/orchestrator/config"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// flagsFromConfig registers flags for every tunable in cfg, seeded from the
// env-loaded values, so that flags take precedence over environment
// variables when both are supplied.
func flagsFromConfig(cfg *config.Config, addr *string) *flag.FlagSet {
	fs := flag.NewFlagSet("orchestrator-controller", flag.ExitOnError)

	fs.IntVar(&cfg.MaxRemoteSlots, "max-remote-slots", cfg.MaxRemoteSlots, "maximum concurrent remote-endpoint jobs (env MAX_REMOTE_SLOTS)")
	fs.IntVar(&cfg.MaxLocalJobs, "max-local-jobs", cfg.MaxLocalJobs, "maximum concurrent local executor jobs (env MAX_LOCAL_JOBS)")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "dispatcher tick interval (env TICK_INTERVAL)")
	fs.DurationVar(&cfg.TimeoutCheckInterval, "timeout-check-interval", cfg.TimeoutCheckInterval, "timeout scan interval (env TIMEOUT_CHECK_INTERVAL)")
	fs.DurationVar(&cfg.QueueTimeout, "queue-timeout", cfg.QueueTimeout, "max time a job may sit QUEUED (env QUEUE_TIMEOUT)")
	fs.DurationVar(&cfg.ExecutionTimeout, "execution-timeout", cfg.ExecutionTimeout, "max time a job may run (env EXECUTION_TIMEOUT)")
	fs.DurationVar(&cfg.LeaseDuration, "lease-duration", cfg.LeaseDuration, "worker lease duration used by recovery (env LEASE_DURATION)")
	fs.DurationVar(&cfg.PollInitialDelay, "poll-initial-delay", cfg.PollInitialDelay, "initial remote poll delay (env POLL_INITIAL_DELAY)")
	fs.DurationVar(&cfg.PollMaxDelay, "poll-max-delay", cfg.PollMaxDelay, "max remote poll delay (env POLL_MAX_DELAY)")
	fs.Float64Var(&cfg.PollBackoffFactor, "poll-backoff-factor", cfg.PollBackoffFactor, "remote poll backoff multiplier (env POLL_BACKOFF_FACTOR)")
	fs.IntVar(&cfg.MaxPollErrors, "max-poll-errors", cfg.MaxPollErrors, "consecutive poll errors before failing a job (env MAX_POLL_ERRORS)")
	fs.DurationVar(&cfg.RemoteNotFoundGrace, "remote-not-found-grace", cfg.RemoteNotFoundGrace, "grace period before a 404 is Vanished (env REMOTE_NOT_FOUND_GRACE)")
	fs.Float64Var(&cfg.EndpointRateLimit, "endpoint-rate-limit", cfg.EndpointRateLimit, "remote endpoint calls/sec, 0=unlimited (env ENDPOINT_RATE_LIMIT)")
	fs.IntVar(&cfg.EndpointBurst, "endpoint-burst", cfg.EndpointBurst, "remote endpoint rate limiter burst (env ENDPOINT_BURST)")
	fs.IntVar(&cfg.FanoutThreshold, "fanout-threshold", cfg.FanoutThreshold, "payload item count above which a remote job is split into siblings (env FANOUT_THRESHOLD)")
	fs.IntVar(&cfg.FanoutMaxWorkers, "fanout-max-workers", cfg.FanoutMaxWorkers, "max sibling submissions a single fanout job is split into (env FANOUT_MAX_WORKERS)")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", cfg.WebhookSecret, "webhook HMAC signing secret (env WEBHOOK_SECRET)")
	fs.IntVar(&cfg.MaxWebhookAttempts, "max-webhook-attempts", cfg.MaxWebhookAttempts, "max webhook delivery attempts (env MAX_WEBHOOK_ATTEMPTS)")
	fs.Func("webhook-retry-delays", "comma-separated webhook retry delays (env WEBHOOK_RETRY_DELAYS)", func(v string) error {
		var delays []time.Duration
		for _, p := range strings.Split(v, ",") {
			d, err := time.ParseDuration(strings.TrimSpace(p))
			if err != nil {
				return err
			}
			delays = append(delays, d)
		}
		cfg.WebhookRetryDelays = delays
		return nil
	})
	fs.IntVar(&cfg.MaxConcurrentWebhooks, "max-concurrent-webhooks", cfg.MaxConcurrentWebhooks, "max in-flight webhook deliveries (env MAX_CONCURRENT_WEBHOOKS)")
	fs.DurationVar(&cfg.JobTTL, "job-ttl", cfg.JobTTL, "retention period for terminal jobs (env JOB_TTL)")
	fs.Func("storage-kind", "job store backend: memory|durable (env STORAGE_KIND)", func(v string) error {
		cfg.StorageKind = config.StorageKind(v)
		return nil
	})
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite path, only used when storage-kind=durable (env DB_PATH)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "prometheus metrics listen address (env METRICS_ADDR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error (env LOG_LEVEL)")
	fs.StringVar(addr, "addr", *addr, "job API HTTP listen address (env CONTROLLER_HTTP_ADDR)")

	fs.Usage = func() {
		fs.PrintDefaults()
	}
	return fs
}
