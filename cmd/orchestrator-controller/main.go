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

// Orchestrator-controller wires the job orchestration core's components
// together and exposes a minimal HTTP surface for submitting, inspecting,
// and cancelling jobs. The demo capability implementations in demo.go stand
// in for the real serverless GPU endpoint, ffmpeg-backed local executor,
// and webhook transport, which live outside this module's scope. Structure
// mirrors the teacher's cmd/provisioner-controller/main.go: parse config,
// open the store, spin up the worker loop(s), serve HTTP, shut down on
// signal.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mediaorchestrator/internal/logging"
	"mediaorchestrator/internal/orchestrator/capability"
	"mediaorchestrator/internal/orchestrator/config"
	"mediaorchestrator/internal/orchestrator/local"
	"mediaorchestrator/internal/orchestrator/metrics"
	"mediaorchestrator/internal/orchestrator/remote"
	"mediaorchestrator/internal/orchestrator/service"
	"mediaorchestrator/internal/orchestrator/store"
	"mediaorchestrator/internal/orchestrator/supervisor"
	"mediaorchestrator/internal/orchestrator/webhook"
	"mediaorchestrator/pkg/job"
)

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func logConfig(logger *log.Logger, cfg config.Config) {
	logger.Printf("orchestrator-controller configuration:")
	logger.Printf("  max_remote_slots=%d max_local_jobs=%d", cfg.MaxRemoteSlots, cfg.MaxLocalJobs)
	logger.Printf("  tick_interval=%s timeout_check_interval=%s", cfg.TickInterval, cfg.TimeoutCheckInterval)
	logger.Printf("  queue_timeout=%s execution_timeout=%s lease_duration=%s", cfg.QueueTimeout, cfg.ExecutionTimeout, cfg.LeaseDuration)
	logger.Printf("  poll_initial_delay=%s poll_max_delay=%s poll_backoff_factor=%.2f max_poll_errors=%d", cfg.PollInitialDelay, cfg.PollMaxDelay, cfg.PollBackoffFactor, cfg.MaxPollErrors)
	logger.Printf("  remote_not_found_grace=%s endpoint_rate_limit=%.1f endpoint_burst=%d", cfg.RemoteNotFoundGrace, cfg.EndpointRateLimit, cfg.EndpointBurst)
	logger.Printf("  fanout_threshold=%d fanout_max_workers=%d", cfg.FanoutThreshold, cfg.FanoutMaxWorkers)
	logger.Printf("  webhook_secret=%s max_webhook_attempts=%d webhook_retry_delays=%v max_concurrent_webhooks=%d", redactedSecret(cfg.WebhookSecret), cfg.MaxWebhookAttempts, cfg.WebhookRetryDelays, cfg.MaxConcurrentWebhooks)
	logger.Printf("  job_ttl=%s storage_kind=%s db_path=%s", cfg.JobTTL, cfg.StorageKind, cfg.DBPath)
	logger.Printf("  metrics_addr=%s log_level=%s", cfg.MetricsAddr, cfg.LogLevel)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type jobAPI struct {
	svc *service.JobService
}

type enqueueBody struct {
	JobID      string          `json:"jobId,omitempty"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	WebhookURL string          `json:"webhookUrl,omitempty"`
	CallerRef  json.RawMessage `json:"callerRef,omitempty"`
}

func (a *jobAPI) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "bad_request", Message: err.Error()})
			return
		}
		var req enqueueBody
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "bad_request", Message: err.Error()})
			return
		}
		j, err := a.svc.Enqueue(r.Context(), service.EnqueueRequest{
			JobID:      req.JobID,
			Operation:  req.Operation,
			Payload:    req.Payload,
			WebhookURL: req.WebhookURL,
			CallerRef:  req.CallerRef,
		})
		if err != nil {
			writeJSON(w, http.StatusBadRequest, jsonError{Error: "enqueue_failed", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, j)
	case http.MethodGet:
		jobs, err := a.svc.List(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "list_failed", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	default:
		http.NotFound(w, r)
	}
}

func (a *jobAPI) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	jobID := parts[0]

	if len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost {
		if err := a.svc.Cancel(r.Context(), jobID); err != nil {
			switch {
			case errors.Is(err, service.ErrUnknownJob):
				writeJSON(w, http.StatusNotFound, jsonError{Error: "unknown_job"})
			case errors.Is(err, service.ErrAlreadyTerminal):
				writeJSON(w, http.StatusConflict, jsonError{Error: "already_terminal"})
			default:
				writeJSON(w, http.StatusInternalServerError, jsonError{Error: "cancel_failed", Message: err.Error()})
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "status": string(job.StatusCancelled)})
		return
	}

	if len(parts) != 1 || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	j, err := a.svc.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrUnknownJob) {
			writeJSON(w, http.StatusNotFound, jsonError{Error: "unknown_job"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "get_failed", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func newMux(a *jobAPI) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/api/v1/jobs", a.jobsHandler)
	mux.HandleFunc("/api/v1/jobs/", a.jobByIDHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":   "mediaorchestrator",
			"status": "running",
		})
	})
	return mux
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StorageKind {
	case config.StorageDurable:
		return store.OpenSQLiteStore(ctx, cfg.DBPath, cfg.MaxRemoteSlots)
	default:
		return store.NewMemoryStore(cfg.MaxRemoteSlots), nil
	}
}

func main() {
	cfg := config.LoadFromEnv()
	addr := getenv("CONTROLLER_HTTP_ADDR", ":8080")

	flagSet := flagsFromConfig(&cfg, &addr)
	flagSet.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slogger := logging.New(cfg.LogLevel)
	stdlog := log.New(os.Stderr, "[orchestrator-controller] ", log.LstdFlags|log.LUTC|log.Lmsgprefix)
	logConfig(stdlog, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		stdlog.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	clock := capability.SystemClock{}
	remoteEndpoint := newNoopRemoteEndpoint(6*time.Second, stdlog)
	localExecutor := newNoopLocalExecutor(3*time.Second, stdlog)
	webhookTransport := newHTTPWebhookTransport(15 * time.Second)

	deliverer, err := webhook.New(st, webhookTransport, clock, webhook.Config{
		Secret:                  cfg.WebhookSecret,
		MaxAttempts:             cfg.MaxWebhookAttempts,
		RetryDelays:             cfg.WebhookRetryDelays,
		MaxConcurrentDeliveries: cfg.MaxConcurrentWebhooks,
	}, stdlog)
	if err != nil {
		stdlog.Printf("failed to construct webhook deliverer: %v", err)
		os.Exit(1)
	}

	onTerminal := func(jobID string) {
		go deliverer.Enqueue(context.Background(), jobID)
	}

	remoteDispatcher := remote.New(st, remoteEndpoint, clock, remote.Config{
		MaxRemoteSlots:           cfg.MaxRemoteSlots,
		PollIntervalStart:        cfg.PollInitialDelay,
		PollIntervalMax:          cfg.PollMaxDelay,
		PollIntervalFactor:       cfg.PollBackoffFactor,
		RemoteNotFoundGrace:      cfg.RemoteNotFoundGrace,
		MaxConsecutivePollErrors: cfg.MaxPollErrors,
		EndpointRateLimit:        rateLimit(cfg.EndpointRateLimit),
		EndpointBurst:            cfg.EndpointBurst,
		FanoutThreshold:          cfg.FanoutThreshold,
		FanoutMaxWorkers:         cfg.FanoutMaxWorkers,
	}, stdlog, onTerminal)

	localDispatcher := local.New(st, localExecutor, clock, local.Config{
		MaxLocalJobs: cfg.MaxLocalJobs,
	}, stdlog, onTerminal)

	sv := supervisor.New(st, remoteDispatcher, localDispatcher, supervisor.Config{
		TickInterval:         cfg.TickInterval,
		TimeoutCheckInterval: cfg.TimeoutCheckInterval,
		LeaseDuration:        cfg.LeaseDuration,
		QueueTimeout:         cfg.QueueTimeout,
		ExecutionTimeout:     cfg.ExecutionTimeout,
	}, stdlog, onTerminal).WithRemoteCanceller(remoteDispatcher)

	svc := service.New(st, remoteDispatcher, localDispatcher, slogger).WithOnTerminal(onTerminal)
	api := &jobAPI{svc: svc}

	go sv.Run(ctx)

	pruneTicker := time.NewTicker(cfg.JobTTL / 4)
	defer pruneTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pruneTicker.C:
				cutoff := clock.Now().Add(-cfg.JobTTL)
				if n, err := st.Prune(ctx, cutoff); err != nil {
					stdlog.Printf("prune: %v", err)
				} else if n > 0 {
					stdlog.Printf("pruned %d terminal jobs older than %s", n, cfg.JobTTL)
				}
			}
		}
	}()

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		stdlog.Printf("metrics server listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stdlog.Printf("metrics server error: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(api),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		stdlog.Printf("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		stdlog.Printf("received shutdown signal, initiating graceful shutdown...")
	case err := <-errCh:
		stdlog.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		stdlog.Printf("graceful shutdown of job API failed: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		stdlog.Printf("graceful shutdown of metrics server failed: %v", err)
	}
	stdlog.Printf("stopped")
}
