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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mediaorchestrator/pkg/job"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
	activeSlotsKey    = "active_slots"
)

// SQLiteStore is the durable JobStore backend, surviving process restarts.
// Schema migration and connection pragmas: WAL journaling, a settings
// table carrying a schema_version row, busy_timeout for
// contention between the dispatchers and the HTTP-facing JobService.
type SQLiteStore struct {
	db             *sql.DB
	maxRemoteSlots int
}

// OpenSQLiteStore opens (or creates) a SQLite database at path, applies
// durability pragmas, runs migrations, and returns a ready Store.
func OpenSQLiteStore(ctx context.Context, path string, maxRemoteSlots int) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, maxRemoteSlots: maxRemoteSlots}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	const target = 1
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}
	if cur != target {
		// Future migrations go here.
	}
	return nil
}

func (s *SQLiteStore) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *SQLiteStore) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id                  TEXT PRIMARY KEY,
  operation           TEXT NOT NULL,
  payload_json        TEXT NOT NULL,
  webhook_url         TEXT NOT NULL,
  caller_ref_json     TEXT NULL,
  status              TEXT NOT NULL,
  remote_job_id       TEXT NOT NULL DEFAULT '',
  attempts            INTEGER NOT NULL DEFAULT 0,
  result_json         TEXT NULL,
  error_kind          TEXT NULL,
  error_message       TEXT NULL,
  created_at          TIMESTAMP NOT NULL,
  submitted_at        TIMESTAMP NULL,
  started_at          TIMESTAMP NULL,
  completed_at        TIMESTAMP NULL,
  webhook_attempts    INTEGER NOT NULL DEFAULT 0,
  webhook_last_at     TIMESTAMP NULL,
  webhook_last_error  TEXT NULL,
  webhook_delivered   INTEGER NOT NULL DEFAULT 0,
  fanout_parent_id    TEXT NOT NULL DEFAULT '',
  fanout_sibling_json TEXT NULL,
  poll_attempts       INTEGER NOT NULL DEFAULT 0,
  slot_held           INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

func (s *SQLiteStore) Enqueue(ctx context.Context, j job.Job) error {
	const ins = `
INSERT INTO jobs (id, operation, payload_json, webhook_url, caller_ref_json, status,
  remote_job_id, attempts, created_at, fanout_parent_id, poll_attempts)
VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?, 0);`
	_, err := s.db.ExecContext(ctx, ins,
		j.ID, j.Operation, string(j.Payload), j.WebhookURL, nullableRaw(j.CallerRef), j.Status.String(),
		j.CreatedAt.UTC(), j.FanoutParentID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.getJob(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const jobColumns = `id, operation, payload_json, webhook_url, caller_ref_json, status,
  remote_job_id, attempts, result_json, error_kind, error_message,
  created_at, submitted_at, started_at, completed_at,
  webhook_attempts, webhook_last_at, webhook_last_error, webhook_delivered,
  fanout_parent_id, fanout_sibling_json, poll_attempts`

func (s *SQLiteStore) getJob(ctx context.Context, q queryer, id string) (*job.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		id, operation, payloadJSON, webhookURL, status string
		callerRefJSON                                  sql.NullString
		remoteJobID                                    string
		attempts                                       int
		resultJSON                                      sql.NullString
		errKind, errMessage                             sql.NullString
		createdAt                                       time.Time
		submittedAt, startedAt, completedAt             sql.NullTime
		webhookAttempts                                 int
		webhookLastAt                                   sql.NullTime
		webhookLastError                                sql.NullString
		webhookDelivered                                int
		fanoutParentID                                   string
		fanoutSiblingJSON                                sql.NullString
		pollAttempts                                      int
	)
	if err := row.Scan(
		&id, &operation, &payloadJSON, &webhookURL, &callerRefJSON, &status,
		&remoteJobID, &attempts, &resultJSON, &errKind, &errMessage,
		&createdAt, &submittedAt, &startedAt, &completedAt,
		&webhookAttempts, &webhookLastAt, &webhookLastError, &webhookDelivered,
		&fanoutParentID, &fanoutSiblingJSON, &pollAttempts,
	); err != nil {
		return nil, err
	}

	j := &job.Job{
		ID:             id,
		Operation:      operation,
		Payload:        json.RawMessage(payloadJSON),
		WebhookURL:     webhookURL,
		Status:         job.Status(status),
		RemoteJobID:    remoteJobID,
		Attempts:       attempts,
		CreatedAt:      createdAt.UTC(),
		FanoutParentID: fanoutParentID,
		PollAttempts:   pollAttempts,
		WebhookState: job.WebhookState{
			AttemptsMade: webhookAttempts,
			Delivered:    webhookDelivered != 0,
		},
	}
	if callerRefJSON.Valid {
		j.CallerRef = json.RawMessage(callerRefJSON.String)
	}
	if resultJSON.Valid {
		j.Result = json.RawMessage(resultJSON.String)
	}
	if errKind.Valid {
		j.Error = &job.JobError{Kind: job.ErrorKind(errKind.String), Message: errMessage.String}
	}
	j.SubmittedAt = fromNullTimePtr(submittedAt)
	j.StartedAt = fromNullTimePtr(startedAt)
	j.CompletedAt = fromNullTimePtr(completedAt)
	j.WebhookState.LastAttemptAt = fromNullTimePtr(webhookLastAt)
	if webhookLastError.Valid {
		j.WebhookState.LastError = webhookLastError.String
	}
	if fanoutSiblingJSON.Valid && fanoutSiblingJSON.String != "" {
		var siblings []string
		if err := json.Unmarshal([]byte(fanoutSiblingJSON.String), &siblings); err == nil {
			j.FanoutSiblingIDs = siblings
		}
	}
	return j, nil
}

func (s *SQLiteStore) GetQueued(ctx context.Context, limit int, class job.OperationClass) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=? ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit*4) // overfetch; class filter happens in Go since suffix isn't indexed
	}
	rows, err := s.db.QueryContext(ctx, q, job.StatusQueued.String())
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued job: %w", err)
		}
		if job.ClassOf(j.Operation) != class {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE status=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to job.Status, mutation Mutation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT status FROM jobs WHERE id=?`
		var cur string
		if err := tx.QueryRowContext(ctx, sel, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select job status: %w", err)
		}
		if job.Status(cur) != from {
			return ErrPreconditionFailed
		}
		if !from.CanTransitionTo(to) && from != to {
			return ErrPreconditionFailed
		}

		set, args := buildMutationSet(mutation)
		set = append(set, "status=?")
		args = append(args, to.String())
		args = append(args, id, from.String())

		q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id=? AND status=?`, joinSet(set))
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrPreconditionFailed
		}
		if to.IsTerminal() {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET remote_job_id='' WHERE id=?`, id); err != nil {
				return fmt.Errorf("clear remote job id: %w", err)
			}
		}
		return nil
	})
}

func buildMutationSet(m Mutation) ([]string, []any) {
	var set []string
	var args []any
	if m.RemoteJobID != nil {
		set = append(set, "remote_job_id=?")
		args = append(args, *m.RemoteJobID)
	}
	if m.Attempts != nil {
		set = append(set, "attempts=?")
		args = append(args, *m.Attempts)
	}
	if m.Result != nil {
		set = append(set, "result_json=?")
		args = append(args, string(m.Result))
	}
	if m.Error != nil {
		set = append(set, "error_kind=?", "error_message=?")
		args = append(args, string(m.Error.Kind), m.Error.Message)
	}
	if m.SubmittedAt != nil {
		set = append(set, "submitted_at=?")
		args = append(args, m.SubmittedAt.UTC())
	}
	if m.StartedAt != nil {
		set = append(set, "started_at=?")
		args = append(args, m.StartedAt.UTC())
	}
	if m.CompletedAt != nil {
		set = append(set, "completed_at=?")
		args = append(args, m.CompletedAt.UTC())
	}
	if m.FanoutSiblings != nil {
		b, _ := json.Marshal(m.FanoutSiblings)
		set = append(set, "fanout_sibling_json=?")
		args = append(args, string(b))
	}
	if m.PollAttempts != nil {
		set = append(set, "poll_attempts=?")
		args = append(args, *m.PollAttempts)
	}
	return set, args
}

func joinSet(set []string) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func (s *SQLiteStore) UpdateWebhookState(ctx context.Context, id string, state job.WebhookState) error {
	const upd = `UPDATE jobs SET webhook_attempts=?, webhook_last_at=?, webhook_last_error=?, webhook_delivered=? WHERE id=?`
	var lastAt any
	if state.LastAttemptAt != nil {
		lastAt = state.LastAttemptAt.UTC()
	}
	delivered := 0
	if state.Delivered {
		delivered = 1
	}
	res, err := s.db.ExecContext(ctx, upd, state.AttemptsMade, lastAt, nullIfEmpty(state.LastError), delivered, id)
	if err != nil {
		return fmt.Errorf("update webhook state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Slot accounting ---------------

func (s *SQLiteStore) AcquireSlot(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getIntSetting(ctx, tx, activeSlotsKey)
		if err != nil {
			return err
		}
		if cur >= s.maxRemoteSlots {
			return ErrNoSlotsAvailable
		}
		if err := setIntSetting(ctx, tx, activeSlotsKey, cur+1); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET slot_held=1 WHERE id=?`, jobID)
		if err != nil {
			return fmt.Errorf("mark slot held for %s: %w", jobID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ReleaseSlot(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var held int
		err := tx.QueryRowContext(ctx, `SELECT slot_held FROM jobs WHERE id=?`, jobID).Scan(&held)
		if errors.Is(err, sql.ErrNoRows) {
			// Job no longer exists (pruned); nothing to reconcile.
			return nil
		}
		if err != nil {
			return fmt.Errorf("read slot_held for %s: %w", jobID, err)
		}
		if held == 0 {
			// Idempotent: jobID never acquired a slot, or already released one.
			return nil
		}
		cur, err := getIntSetting(ctx, tx, activeSlotsKey)
		if err != nil {
			return err
		}
		if cur > 0 {
			if err := setIntSetting(ctx, tx, activeSlotsKey, cur-1); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET slot_held=0 WHERE id=?`, jobID)
		if err != nil {
			return fmt.Errorf("clear slot held for %s: %w", jobID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ActiveSlots(ctx context.Context) (int, error) {
	var v int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getIntSetting(ctx, tx, activeSlotsKey)
		if err != nil {
			return err
		}
		v = cur
		return nil
	})
	return v, err
}

func getIntSetting(ctx context.Context, tx *sql.Tx, key string) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := tx.QueryRowContext(ctx, q, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read setting %s: %w", key, err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func setIntSetting(ctx context.Context, tx *sql.Tx, key string, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := tx.ExecContext(ctx, upsert, key, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// --------------- Crash recovery / retention ---------------

func (s *SQLiteStore) RecoverWorkers(ctx context.Context, leaseDuration time.Duration) ([]string, error) {
	var recovered []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		cutoff := now.Add(-leaseDuration)

		const sel = `SELECT id, operation, created_at, submitted_at FROM jobs WHERE status IN (?, ?)`
		rows, err := tx.QueryContext(ctx, sel, job.StatusSubmitted.String(), job.StatusProcessing.String())
		if err != nil {
			return fmt.Errorf("select held jobs: %w", err)
		}
		type held struct {
			id         string
			class      job.OperationClass
			leaseStart time.Time
		}
		var all []held
		for rows.Next() {
			var id, operation string
			var createdAt time.Time
			var submittedAt sql.NullTime
			if err := rows.Scan(&id, &operation, &createdAt, &submittedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan held job: %w", err)
			}
			leaseStart := createdAt
			if submittedAt.Valid {
				leaseStart = submittedAt.Time
			}
			all = append(all, held{id: id, class: job.ClassOf(operation), leaseStart: leaseStart.UTC()})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate held jobs: %w", err)
		}
		rows.Close()

		holding := 0
		for _, h := range all {
			if h.leaseStart.Before(cutoff) {
				const upd = `UPDATE jobs SET status=?, remote_job_id='', submitted_at=NULL, started_at=NULL, slot_held=0 WHERE id=?`
				if _, err := tx.ExecContext(ctx, upd, job.StatusQueued.String(), h.id); err != nil {
					return fmt.Errorf("requeue job %s: %w", h.id, err)
				}
				recovered = append(recovered, h.id)
				continue
			}
			// The remote slot counter only governs remote-class concurrency;
			// a local-class job in PROCESSING never acquired a slot.
			if h.class == job.ClassRemote {
				if _, err := tx.ExecContext(ctx, `UPDATE jobs SET slot_held=1 WHERE id=?`, h.id); err != nil {
					return fmt.Errorf("mark slot held for %s: %w", h.id, err)
				}
				holding++
			}
		}
		return setIntSetting(ctx, tx, activeSlotsKey, holding)
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	const del = `DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ? AND status IN (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, del, olderThan.UTC(),
		job.StatusCompleted.String(), job.StatusFailed.String(), job.StatusCancelled.String(), job.StatusTimedOut.String())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --------------- Helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
