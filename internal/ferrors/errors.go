// Package ferrors defines the error kinds surfaced across the taskserver's
// signing, key-store, registry and dispatch boundaries (spec.md section 7).
package ferrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind enumerates the error categories a peer can observe. Kind values
// never leak internal state; they are the only thing that crosses an RPC
// boundary.
type Kind int

const (
	// UnknownKey means key_id was not found in the relevant authorized set.
	UnknownKey Kind = iota
	// InvalidSignature means cryptographic verification failed.
	InvalidSignature
	// Expired means valid_until_secs was in the past at verification time.
	Expired
	// Replay means (key_id, nonce) was already observed.
	Replay
	// PendingApproval means the executor key exists but is not yet approved.
	PendingApproval
	// KeyMismatch means the executor presented a different key than stored.
	KeyMismatch
	// Unauthorized means the key verified but is not a member of the
	// relevant (command or admin) authorized set.
	Unauthorized
	// PredicateParse means the external matcher rejected the query string.
	PredicateParse
	// PeerGone means the remote end disconnected mid-operation; it never
	// crosses an RPC boundary, it is local bookkeeping only.
	PeerGone
	// Conflict means a key-store mutation collided with existing state.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case UnknownKey:
		return "unknown_key"
	case InvalidSignature:
		return "invalid_signature"
	case Expired:
		return "expired"
	case Replay:
		return "replay"
	case PendingApproval:
		return "pending_approval"
	case KeyMismatch:
		return "key_mismatch"
	case Unauthorized:
		return "unauthorized"
	case PredicateParse:
		return "predicate_parse"
	case PeerGone:
		return "peer_gone"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind plus a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

// New creates an *Error of the given kind with a formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// use errors.Is(err, ferrors.New(ferrors.Replay, "")) style checks, and so
// a bare Kind sentinel comparison works via KindOf below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err. It reports false, with a zero Kind,
// when err is not (or does not wrap) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// grpcCode maps a Kind to the nearest standard gRPC status code.
func (k Kind) grpcCode() codes.Code {
	switch k {
	case UnknownKey, Unauthorized, PendingApproval:
		return codes.Unauthenticated
	case InvalidSignature, KeyMismatch:
		return codes.PermissionDenied
	case Expired, Replay:
		return codes.FailedPrecondition
	case PredicateParse:
		return codes.InvalidArgument
	case Conflict:
		return codes.AlreadyExists
	case PeerGone:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// GRPCStatus implements the interface google.golang.org/grpc/status looks
// for via status.FromError, so returning an *Error straight from an RPC
// handler produces the right wire status without a manual switch at every
// call site.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.grpcCode(), e.Error())
}
