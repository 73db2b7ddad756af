// LaunchTaskResponse is the item type of the CommanderService.LaunchTask
// server stream (spec.md section 6). Every stream starts with exactly one
// MatchingExecutors item (spec.md section 4.5 step 2, section 5 ordering
// guarantee (b)) except for the broadcast dispatch modes (authorizeKey,
// revokeKey), which never apply a predicate filter and so never emit one
// (spec.md section 4.5 step 1, scenario S6). Every subsequent item wraps a
// TaskExecutionResult, tagged the same way LaunchTaskRequestPayload is.
package domain

import (
	"encoding/json"
	"fmt"
)

// LaunchTaskResponseKind discriminates LaunchTaskResponse.
type LaunchTaskResponseKind string

const (
	KindMatchingExecutors   LaunchTaskResponseKind = "matching_executors"
	KindTaskExecutionResult LaunchTaskResponseKind = "task_execution_result"
)

// MatchingExecutors is always the first item on a predicate-dispatched
// LaunchTask stream, naming the client_ids the predicate matched at
// snapshot time (spec.md section 3, "MatchingExecutors downstream").
type MatchingExecutors struct {
	ClientIDs []string `json:"client_ids"`
}

// LaunchTaskResponse is the decoded/encoded stream item.
type LaunchTaskResponse struct {
	Kind                LaunchTaskResponseKind
	MatchingExecutors   *MatchingExecutors
	TaskExecutionResult *TaskExecutionResult
}

type launchTaskResponseWire struct {
	Kind                LaunchTaskResponseKind `json:"kind"`
	MatchingExecutors   *MatchingExecutors     `json:"matching_executors,omitempty"`
	TaskExecutionResult *TaskExecutionResult   `json:"task_execution_result,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r LaunchTaskResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(launchTaskResponseWire{
		Kind:                r.Kind,
		MatchingExecutors:   r.MatchingExecutors,
		TaskExecutionResult: r.TaskExecutionResult,
	})
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown kinds.
func (r *LaunchTaskResponse) UnmarshalJSON(data []byte) error {
	var w launchTaskResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindMatchingExecutors, KindTaskExecutionResult:
	default:
		return fmt.Errorf("unknown LaunchTaskResponse kind %q", w.Kind)
	}
	*r = LaunchTaskResponse{
		Kind:                w.Kind,
		MatchingExecutors:   w.MatchingExecutors,
		TaskExecutionResult: w.TaskExecutionResult,
	}
	return nil
}

// NewMatchingExecutors builds the first stream item for a predicate
// dispatch.
func NewMatchingExecutors(clientIDs []string) LaunchTaskResponse {
	ids := append([]string(nil), clientIDs...)
	return LaunchTaskResponse{Kind: KindMatchingExecutors, MatchingExecutors: &MatchingExecutors{ClientIDs: ids}}
}

// NewTaskExecutionResponse wraps result as a stream item.
func NewTaskExecutionResponse(result TaskExecutionResult) LaunchTaskResponse {
	return LaunchTaskResponse{Kind: KindTaskExecutionResult, TaskExecutionResult: &result}
}
