// This file models the tagged-variant payloads that travel inside a
// signing.Payload's opaque Payload bytes: LaunchTaskRequestPayload and
// TaskExecutionResult (spec.md section 9, "Dynamic task payload
// variants"). Each is encoded as a small JSON envelope with a
// discriminator field, the same pattern nova's domain package uses for its
// own tagged records (e.g. domain.InvokeResponse variants by field
// presence). Unknown discriminators are protocol errors, per spec.md.
package domain

import (
	"encoding/json"
	"fmt"
)

// LaunchTaskRequestPayloadKind discriminates LaunchTaskRequestPayload.
type LaunchTaskRequestPayloadKind string

const (
	KindExecuteCommand   LaunchTaskRequestPayloadKind = "execute_command"
	KindStreamingPayload LaunchTaskRequestPayloadKind = "streaming_payload"
	KindAuthorizeKey     LaunchTaskRequestPayloadKind = "authorize_key"
	KindRevokeKey        LaunchTaskRequestPayloadKind = "revoke_key"
)

// ExecuteCommand is the simplest dispatch mode: run a shell command line.
type ExecuteCommand struct {
	Command string `json:"command"`
}

// StreamingPayload carries an opaque command body that the executor's
// shell-process layer interprets (out of scope per spec.md section 1); the
// taskserver never inspects its contents beyond routing it unmodified.
type StreamingPayload struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// AuthorizeKey asks every connected executor to add a key to its local
// authorized-keys set.
type AuthorizeKey struct {
	KeyID     string `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

// RevokeKey asks every connected executor to drop a key from its local
// authorized-keys set.
type RevokeKey struct {
	KeyID string `json:"key_id"`
}

// LaunchTaskRequestPayload is the decoded body of a LaunchTask envelope.
// Exactly one of the pointer fields matching Kind is populated; unmarshal
// enforces that invariant.
type LaunchTaskRequestPayload struct {
	Kind             LaunchTaskRequestPayloadKind
	ExecuteCommand   *ExecuteCommand
	StreamingPayload *StreamingPayload
	AuthorizeKey     *AuthorizeKey
	RevokeKey        *RevokeKey
}

type launchTaskRequestPayloadWire struct {
	Kind             LaunchTaskRequestPayloadKind `json:"kind"`
	ExecuteCommand   *ExecuteCommand              `json:"execute_command,omitempty"`
	StreamingPayload *StreamingPayload            `json:"streaming_payload,omitempty"`
	AuthorizeKey     *AuthorizeKey                `json:"authorize_key,omitempty"`
	RevokeKey        *RevokeKey                   `json:"revoke_key,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p LaunchTaskRequestPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(launchTaskRequestPayloadWire{
		Kind:             p.Kind,
		ExecuteCommand:   p.ExecuteCommand,
		StreamingPayload: p.StreamingPayload,
		AuthorizeKey:     p.AuthorizeKey,
		RevokeKey:        p.RevokeKey,
	})
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown kinds, per
// spec.md section 9 ("treat unknown tags as protocol errors").
func (p *LaunchTaskRequestPayload) UnmarshalJSON(data []byte) error {
	var w launchTaskRequestPayloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindExecuteCommand, KindStreamingPayload, KindAuthorizeKey, KindRevokeKey:
	default:
		return fmt.Errorf("unknown LaunchTaskRequestPayload kind %q", w.Kind)
	}
	*p = LaunchTaskRequestPayload{
		Kind:             w.Kind,
		ExecuteCommand:   w.ExecuteCommand,
		StreamingPayload: w.StreamingPayload,
		AuthorizeKey:     w.AuthorizeKey,
		RevokeKey:        w.RevokeKey,
	}
	return nil
}

// IsBroadcast reports whether this variant targets every connected
// executor regardless of predicate (spec.md section 4.5 step 1).
func (p LaunchTaskRequestPayload) IsBroadcast() bool {
	return p.Kind == KindAuthorizeKey || p.Kind == KindRevokeKey
}

// TaskExecutionResultKind discriminates TaskExecutionResult.
type TaskExecutionResultKind string

const (
	KindTaskSubmitted TaskExecutionResultKind = "task_submitted"
	KindTaskOutput    TaskExecutionResultKind = "task_output"
	KindTaskCompleted TaskExecutionResultKind = "task_completed"
	KindTaskAborted   TaskExecutionResultKind = "task_aborted"
	KindTaskRejected  TaskExecutionResultKind = "task_rejected"
	KindDisconnected  TaskExecutionResultKind = "disconnected"
)

// Terminal reports whether this kind removes the client from the
// in-flight task's pending set (spec.md section 3/4.7).
func (k TaskExecutionResultKind) Terminal() bool {
	switch k {
	case KindTaskCompleted, KindTaskAborted, KindTaskRejected, KindDisconnected:
		return true
	default:
		return false
	}
}

// TaskOutput carries a chunk of stdout/stderr.
type TaskOutput struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// TaskCompleted carries the exit status of a finished command.
type TaskCompleted struct {
	ExitCode int32 `json:"exit_code"`
}

// TaskRejected carries the reason an executor declined a task without
// running it (e.g. a local authorized-key check failed).
type TaskRejected struct {
	Reason string `json:"reason"`
}

// TaskExecutionResult is one item on the uplink stream (or the
// server-synthesized disconnect), always attributed to a task/client pair
// by its envelope.
type TaskExecutionResult struct {
	Kind          TaskExecutionResultKind
	TaskID        string
	ClientID      string
	TaskOutput    *TaskOutput
	TaskCompleted *TaskCompleted
	TaskRejected  *TaskRejected
}

type taskExecutionResultWire struct {
	Kind          TaskExecutionResultKind `json:"kind"`
	TaskID        string                  `json:"task_id"`
	ClientID      string                  `json:"client_id"`
	TaskOutput    *TaskOutput             `json:"task_output,omitempty"`
	TaskCompleted *TaskCompleted          `json:"task_completed,omitempty"`
	TaskRejected  *TaskRejected           `json:"task_rejected,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r TaskExecutionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskExecutionResultWire{
		Kind:          r.Kind,
		TaskID:        r.TaskID,
		ClientID:      r.ClientID,
		TaskOutput:    r.TaskOutput,
		TaskCompleted: r.TaskCompleted,
		TaskRejected:  r.TaskRejected,
	})
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown kinds.
func (r *TaskExecutionResult) UnmarshalJSON(data []byte) error {
	var w taskExecutionResultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindTaskSubmitted, KindTaskOutput, KindTaskCompleted, KindTaskAborted, KindTaskRejected, KindDisconnected:
	default:
		return fmt.Errorf("unknown TaskExecutionResult kind %q", w.Kind)
	}
	*r = TaskExecutionResult{
		Kind:          w.Kind,
		TaskID:        w.TaskID,
		ClientID:      w.ClientID,
		TaskOutput:    w.TaskOutput,
		TaskCompleted: w.TaskCompleted,
		TaskRejected:  w.TaskRejected,
	}
	return nil
}

// Disconnected builds the synthetic terminal result the registry/dispatcher
// emit when an executor drops mid-task (spec.md section 4.3/4.5).
func Disconnected(taskID, clientID string) TaskExecutionResult {
	return TaskExecutionResult{Kind: KindDisconnected, TaskID: taskID, ClientID: clientID}
}
