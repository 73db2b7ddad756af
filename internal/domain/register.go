package domain

import "encoding/json"

// RegisterExecutorPayload is the decoded body of the signed GetTasksRequest
// envelope an executor sends when calling ExecutorService.GetTasks
// (spec.md section 4.3). The envelope's key_id must equal ClientID (step
// a); PublicKey is the identity the server persists/compares against the
// key store (steps b-d); Tags feeds the predicate matcher; ContributedKeys
// are authorized keys this executor vouches for the lifetime of the
// connection (spec.md section 3, "authorized_keys_contributed").
type RegisterExecutorPayload struct {
	ClientID        string           `json:"client_id"`
	PublicKey       []byte           `json:"public_key"`
	Version         string           `json:"version"`
	ProtocolVersion string           `json:"protocol_version"`
	Tags            TagTree          `json:"tags"`
	ContributedKeys []AuthorizeKey   `json:"contributed_keys,omitempty"`
}

// MarshalJSON implements json.Marshaler (TagTree needs its own codec, the
// rest is plain struct tags, so a named alias avoids infinite recursion).
func (p RegisterExecutorPayload) MarshalJSON() ([]byte, error) {
	type alias RegisterExecutorPayload
	return json.Marshal(alias(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *RegisterExecutorPayload) UnmarshalJSON(data []byte) error {
	type alias RegisterExecutorPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = RegisterExecutorPayload(a)
	return nil
}
