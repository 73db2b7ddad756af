package domain

import "github.com/zenria/funtonic/internal/signing"

// LaunchEnvelope is what the dispatcher pushes down an executor's GetTasks
// stream: the task_id it was allocated plus the signed envelope the
// commander produced. The executor verifies Envelope exactly as it came
// from the wire; TaskID is taskserver-assigned bookkeeping that rides
// alongside it rather than being part of the signed region (spec.md
// section 4.5 step 3).
type LaunchEnvelope struct {
	TaskID   string
	Envelope signing.Payload
}

// RunningTask is the JSON-encodable admin view of one active dispatch:
// listRunningTasks returns task_id, predicate, pending, matched per
// in-flight task (spec.md section 4.6).
type RunningTask struct {
	TaskID    string   `json:"task_id"`
	Predicate string   `json:"predicate"`
	Pending   []string `json:"pending"`
	Matched   []string `json:"matched"`
}
