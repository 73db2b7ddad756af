package domain

import (
	"encoding/json"
	"fmt"
)

// AdminRequestKind discriminates AdminRequest (spec.md section 4.6).
type AdminRequestKind string

const (
	KindListConnectedExecutors AdminRequestKind = "list_connected_executors"
	KindListKnownExecutors     AdminRequestKind = "list_known_executors"
	KindListRunningTasks       AdminRequestKind = "list_running_tasks"
	KindDropExecutor           AdminRequestKind = "drop_executor"
	KindListExecutorKeys       AdminRequestKind = "list_executor_keys"
	KindApproveExecutorKey     AdminRequestKind = "approve_executor_key"
	KindListAuthorizedKeys     AdminRequestKind = "list_authorized_keys"
	KindListAdminAuthKeys      AdminRequestKind = "list_admin_authorized_keys"
	// KindRotateAdminKey is a supplemental operation (see SPEC_FULL.md
	// section 4): atomically adds a new admin authorized key and revokes
	// an old one in a single key-store mutation.
	KindRotateAdminKey AdminRequestKind = "rotate_admin_key"
)

// AdminRequest is the decoded body of an Admin envelope.
type AdminRequest struct {
	Kind AdminRequestKind

	Predicate       string // for listConnectedExecutors; listKnownExecutors does not apply it
	ClientID        string // for dropExecutor / approveExecutorKey
	NewAdminKeyID   string // for rotateAdminKey
	NewAdminKey     []byte
	RevokeAdminKeyID string
}

type adminRequestWire struct {
	Kind             AdminRequestKind `json:"kind"`
	Predicate        string           `json:"predicate,omitempty"`
	ClientID         string           `json:"client_id,omitempty"`
	NewAdminKeyID    string           `json:"new_admin_key_id,omitempty"`
	NewAdminKey      []byte           `json:"new_admin_key,omitempty"`
	RevokeAdminKeyID string           `json:"revoke_admin_key_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r AdminRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(adminRequestWire{
		Kind:             r.Kind,
		Predicate:        r.Predicate,
		ClientID:         r.ClientID,
		NewAdminKeyID:    r.NewAdminKeyID,
		NewAdminKey:      r.NewAdminKey,
		RevokeAdminKeyID: r.RevokeAdminKeyID,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *AdminRequest) UnmarshalJSON(data []byte) error {
	var w adminRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case KindListConnectedExecutors, KindListKnownExecutors, KindListRunningTasks,
		KindDropExecutor, KindListExecutorKeys, KindApproveExecutorKey,
		KindListAuthorizedKeys, KindListAdminAuthKeys, KindRotateAdminKey:
	default:
		return fmt.Errorf("unknown AdminRequest kind %q", w.Kind)
	}
	*r = AdminRequest{
		Kind:             w.Kind,
		Predicate:        w.Predicate,
		ClientID:         w.ClientID,
		NewAdminKeyID:    w.NewAdminKeyID,
		NewAdminKey:      w.NewAdminKey,
		RevokeAdminKeyID: w.RevokeAdminKeyID,
	}
	return nil
}

// AdminRequestResponse is the result of an Admin RPC: either a JSON blob on
// success, or an error string. Admin RPCs never return partial success
// (spec.md section 4.6).
type AdminRequestResponse struct {
	JSONResponse string `json:"json_response,omitempty"`
	Error        string `json:"error,omitempty"`
}

// OK builds a successful response from a value, JSON-encoding it.
func OK(v any) AdminRequestResponse {
	b, err := json.Marshal(v)
	if err != nil {
		return AdminRequestResponse{Error: fmt.Sprintf("encode response: %v", err)}
	}
	return AdminRequestResponse{JSONResponse: string(b)}
}

// Err builds a failed response.
func Err(err error) AdminRequestResponse {
	return AdminRequestResponse{Error: err.Error()}
}
