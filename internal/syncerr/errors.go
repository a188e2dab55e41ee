// Package syncerr defines the typed error taxonomy of spec §7, following the
// teacher's idiom in internal/storage/errors.go: one struct per error kind
// implementing Error() (IntegrityError also implements Unwrap()), plus a
// classifier used by metrics labeling and HTTP status mapping.
package syncerr

import (
	"errors"
	"fmt"
)

// PushRejected is returned when the server sees
// client.last_known_version < server.latest_version. No server state
// changes when this is returned. The client reacts by pulling.
type PushRejected struct {
	ClientVersion int64
	ServerVersion int64
}

func (e *PushRejected) Error() string {
	return fmt.Sprintf("push rejected: client at version %d, server at %d (diverged)",
		e.ClientVersion, e.ServerVersion)
}

// ConstraintEntry names one unsolvable unique-constraint conflict, carried
// by UniqueConstraintError (spec.md §4.8 step 4).
type ConstraintEntry struct {
	ContentType string
	PK          int64
	Columns     []string
}

// UniqueConstraintError is returned when the merge engine detects an
// unsolvable unique-constraint conflict (spec.md §4.8 step 4): no local row
// carries the colliding value AND the corresponding complementary payload is
// absent from the pull message. The merge aborts; the client store is left
// unchanged because the whole merge runs in one store transaction.
type UniqueConstraintError struct {
	Entries []ConstraintEntry
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unsolvable unique constraint conflict(s): %d entr(y/ies)", len(e.Entries))
}

// MergeFetchFailure is returned when a row required for conflict resolution
// (the complementary fetch of spec.md §4.7 rule 1, or a unique-constraint
// lookup) is absent from both the local store and the pull message. Fatal:
// it indicates journal/store drift and the merge aborts.
type MergeFetchFailure struct {
	Ref    string
	Reason string
}

func (e *MergeFetchFailure) Error() string {
	return fmt.Sprintf("merge fetch failure for %s: %s", e.Ref, e.Reason)
}

// CompressionWarning is surfaced, not fatal, when a local per-ref operation
// sequence does not match any of the local compression grammar rules
// (spec.md §4.5) — a sign of possible external tampering or primary-key
// reuse. The sequence is left untouched.
type CompressionWarning struct {
	Ref      string
	Sequence []string
}

func (e *CompressionWarning) Error() string {
	return fmt.Sprintf("compression warning: ref %s has unrecognized operation sequence %v (possible PK reuse)",
		e.Ref, e.Sequence)
}

// IntegrityError is returned when the server's push commit fails due to a
// store constraint violation. The server aborts the transaction and no
// version is assigned.
type IntegrityError struct {
	ContentType string
	PK          int64
	Cause       error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error committing %s#%d: %v", e.ContentType, e.PK, e.Cause)
}

func (e *IntegrityError) Unwrap() error { return e.Cause }

// ChecksumMismatch is returned when a message's declared payload CRC32
// doesn't match the payload actually received (spec.md §4.18) — evidence of
// in-flight corruption the HMAC signature alone wouldn't localize as
// clearly. The receiving side rejects the message outright rather than
// attempting to apply a possibly-corrupt payload.
type ChecksumMismatch struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %08x, got %08x", e.Expected, e.Actual)
}

// AuthError is returned on signature mismatch or an unknown node.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ConfigError is returned when the registry or store is not initialized, or
// when registration/schema setup is inconsistent.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Kind classifies an error for metrics labeling and HTTP status mapping,
// mirroring the teacher's ClassifyError/Is*Error helpers in
// internal/storage/errors.go.
type Kind string

const (
	KindPushRejected          Kind = "push_rejected"
	KindUniqueConstraint      Kind = "unique_constraint"
	KindMergeFetchFailure     Kind = "merge_fetch_failure"
	KindCompressionWarning    Kind = "compression_warning"
	KindIntegrity             Kind = "integrity"
	KindAuth                  Kind = "auth"
	KindConfig                Kind = "config"
	KindChecksumMismatch      Kind = "checksum_mismatch"
	KindUnknown               Kind = "unknown"
)

// Classify returns the Kind of err, or KindUnknown if err doesn't match any
// of the typed kinds above. A nil err yields the empty Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var pushRejected *PushRejected
	var uniqueConstraint *UniqueConstraintError
	var mergeFetch *MergeFetchFailure
	var compression *CompressionWarning
	var integrity *IntegrityError
	var auth *AuthError
	var config *ConfigError
	var checksum *ChecksumMismatch
	switch {
	case errors.As(err, &pushRejected):
		return KindPushRejected
	case errors.As(err, &uniqueConstraint):
		return KindUniqueConstraint
	case errors.As(err, &mergeFetch):
		return KindMergeFetchFailure
	case errors.As(err, &compression):
		return KindCompressionWarning
	case errors.As(err, &integrity):
		return KindIntegrity
	case errors.As(err, &auth):
		return KindAuth
	case errors.As(err, &config):
		return KindConfig
	case errors.As(err, &checksum):
		return KindChecksumMismatch
	default:
		return KindUnknown
	}
}

// HTTPStatus maps a Kind to the HTTP status code used by internal/api.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindPushRejected, KindUniqueConstraint, KindAuth, KindChecksumMismatch:
		return 400
	case KindIntegrity:
		return 409
	case KindConfig, KindMergeFetchFailure:
		return 500
	default:
		return 500
	}
}
