package domain

import "time"

// ApprovalState is the lifecycle of an ExecutorKeyEntry (spec.md section 3).
type ApprovalState string

const (
	// Pending executors receive no tasks until an admin approves them.
	Pending ApprovalState = "pending"
	// Approved executors are eligible for dispatch once connected.
	Approved ApprovalState = "approved"
)

// ExecutorKeyEntry is the persistent record of an executor's identity key
// and approval state.
type ExecutorKeyEntry struct {
	ClientID    string        `json:"client_id"`
	PublicKey   []byte        `json:"public_key"`
	State       ApprovalState `json:"state"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	ApprovedAt  *time.Time    `json:"approved_at,omitempty"`
}

// AuthorizedKeySource records where an AuthorizedKey came from, for
// listAuthorizedKeys output and for scoping contributed keys to their
// connection (spec.md section 4.2).
type AuthorizedKeySource string

const (
	// SourceStatic keys come from configuration (authorized_keys).
	SourceStatic AuthorizedKeySource = "static"
	// SourceFromExecutor keys were contributed by a connected executor at
	// GetTasks time and are withdrawn on disconnect.
	SourceFromExecutor AuthorizedKeySource = "from_executor"
	// SourceApproved keys were authorized via an authorizeKey admin/command
	// RPC and persisted.
	SourceApproved AuthorizedKeySource = "approved"
)

// AuthorizedKey is a key permitted to sign commander-issued commands.
type AuthorizedKey struct {
	KeyID       string              `json:"key_id"`
	PublicKey   []byte              `json:"public_key"`
	Source      AuthorizedKeySource `json:"source"`
	FromClient  string              `json:"from_client,omitempty"`
}

// AdminAuthorizedKey is a key permitted to sign administrative RPCs. It is
// a disjoint set from AuthorizedKey even though the shape is identical.
type AdminAuthorizedKey struct {
	KeyID     string `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

// ExecutorKeyFilter narrows list_executor_keys / listKnownExecutors calls.
// A zero value matches everything.
type ExecutorKeyFilter struct {
	State ApprovalState // empty means "any"
}

// Matches reports whether entry satisfies the filter.
func (f ExecutorKeyFilter) Matches(entry ExecutorKeyEntry) bool {
	if f.State == "" {
		return true
	}
	return entry.State == f.State
}
