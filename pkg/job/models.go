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

// Package job defines the shared data model for the media-processing
// orchestration core: the Job aggregate, its lifecycle, operation classes,
// and the error kinds that can terminate it. These types mirror the model
// described in the orchestration design documents and are treated as
// opaque payload carriers by everything outside the core.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// HoldsSlot reports whether a job in status s counts against activeSlots.
func (s Status) HoldsSlot() bool {
	return s == StatusSubmitted || s == StatusProcessing
}

// transitions enumerates the legal edges of the state machine in the
// orchestration design. Cancellation is only legal from non-terminal states.
var transitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusSubmitted: true, // remote class
		StatusProcessing: true, // local class (no broker hop)
		StatusFailed:    true, // QueueTimeout
		StatusCancelled: true,
	},
	StatusSubmitted: {
		StatusProcessing: true,
		StatusFailed:      true,
		StatusTimedOut:    true,
		StatusCancelled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
		StatusCancelled: true,
	},
}

// CanTransitionTo reports whether the move from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	edges, ok := transitions[s]
	if !ok {
		return false
	}
	return edges[next]
}

// OperationClass partitions operations into the dispatcher that owns them.
type OperationClass string

const (
	ClassRemote OperationClass = "remote"
	ClassLocal  OperationClass = "local"
)

// localSuffix marks an operation as bound to the LocalDispatcher; the same
// payload schema as its remote twin applies, per the operation table.
const localSuffix = "_local"

// ClassOf returns the operation class for a given operation name.
func ClassOf(operation string) OperationClass {
	if len(operation) > len(localSuffix) && operation[len(operation)-len(localSuffix):] == localSuffix {
		return ClassLocal
	}
	return ClassRemote
}

// BaseOperation strips the local-class suffix, if present, so that webhook
// payloads and metrics report a stable operation name regardless of which
// dispatcher ran the job.
func BaseOperation(operation string) string {
	if ClassOf(operation) == ClassLocal {
		return operation[:len(operation)-len(localSuffix)]
	}
	return operation
}

// ErrorKind enumerates the closed set of failure reasons a Job can carry.
type ErrorKind string

const (
	ErrKindSubmitFailed      ErrorKind = "SubmitFailed"
	ErrKindPollError         ErrorKind = "PollError"
	ErrKindVanished          ErrorKind = "Vanished"
	ErrKindExecutorError     ErrorKind = "ExecutorError"
	ErrKindCancelled         ErrorKind = "Cancelled"
	ErrKindQueueTimeout      ErrorKind = "QueueTimeout"
	ErrKindExecutionTimeout  ErrorKind = "ExecutionTimeout"
	ErrKindPartialFailure    ErrorKind = "PartialFailure"
	ErrKindWebhookExhausted  ErrorKind = "WebhookDeliveryExhausted"
	ErrKindSlotLeak          ErrorKind = "SlotLeak"
)

// JobError is the structured failure attached to a terminal Job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// WebhookState tracks delivery progress of the terminal-outcome webhook.
type WebhookState struct {
	AttemptsMade  int        `json:"attemptsMade"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	Delivered     bool       `json:"delivered"`
}

// Job is the primary aggregate of the orchestration core.
type Job struct {
	ID         string          `json:"jobId"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	WebhookURL string          `json:"webhookUrl,omitempty"`
	CallerRef  json.RawMessage `json:"callerRef,omitempty"`

	Status       Status    `json:"status"`
	RemoteJobID  string    `json:"remoteJobId,omitempty"`
	Attempts     int       `json:"attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *JobError `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	WebhookState WebhookState `json:"webhookState"`

	// FanoutParentID is set on sibling jobs created by the optional
	// large-batch fanout; empty for ordinary jobs and for parents.
	FanoutParentID string `json:"fanoutParentId,omitempty"`
	// FanoutSiblingIDs is set on the parent job once it has been split.
	FanoutSiblingIDs []string `json:"fanoutSiblingIds,omitempty"`

	// PollAttempts counts consecutive non-404 poll errors for this job,
	// reset on any successful poll. Not persisted across a full restart
	// in the memory store's sense of "reset" -- the durable store keeps it
	// so crash recovery does not forget a job's poll-error budget.
	PollAttempts int `json:"pollAttempts,omitempty"`
}

// Class returns the operation class that owns this job.
func (j *Job) Class() OperationClass { return ClassOf(j.Operation) }

// NewJob constructs a Job in QUEUED status with CreatedAt set to now.
// The caller supplies a unique ID (minted by the service layer) before
// persistence.
func NewJob(id, operation string, payload json.RawMessage, webhookURL string, callerRef json.RawMessage, now time.Time) Job {
	return Job{
		ID:         id,
		Operation:  operation,
		Payload:    payload,
		WebhookURL: webhookURL,
		CallerRef:  callerRef,
		Status:     StatusQueued,
		CreatedAt:  now,
	}
}
