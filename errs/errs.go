// Package errs defines the failure taxonomy shared by every layer of the engine.
//
// Each failure kind is a sentinel PlatformError carrying a code and a
// retry classification. Operations report failures as *OpError, which names
// the operation and key and unwraps to both the kind and the underlying cause:
//
//	if errors.Is(err, errs.ErrQuorumUnavailable) { ... }
//	if errs.IsRetryable(err) { ... }
package errs

import (
	stderrors "errors"
	"strings"

	"github.com/jmgilman/go/errors"
)

var (
	// ErrCacheMiss reports an expected absence; not a failure.
	ErrCacheMiss = errors.New(errors.CodeNotFound, "cache miss")

	// ErrQuorumUnavailable is returned when fewer than W (or R) replicas can respond.
	ErrQuorumUnavailable = errors.New(errors.CodeUnavailable, "quorum unavailable")

	// ErrWriteConflict is returned by OCC validation at commit. The caller may retry.
	ErrWriteConflict = errors.WithClassification(
		errors.New(errors.CodeConflict, "write conflict"), errors.ClassificationRetryable)

	// ErrDeadlockDetected is returned to the 2PL transaction chosen as the victim.
	ErrDeadlockDetected = errors.WithClassification(
		errors.New(errors.CodeConflict, "deadlock detected"), errors.ClassificationRetryable)

	// ErrBackingStore wraps failures of the backing store collaborator.
	ErrBackingStore = errors.New(errors.CodeDatabase, "backing store error")

	// ErrLockTimeout is returned when a lock or quorum wait exceeds its deadline.
	ErrLockTimeout = errors.New(errors.CodeTimeout, "lock timeout")

	// ErrReplicaUnavailable is returned by a replica that cannot serve requests.
	ErrReplicaUnavailable = errors.New(errors.CodeNetwork, "replica unavailable")

	// ErrTxNotActive is returned for operations on a committed or aborted transaction.
	ErrTxNotActive = errors.New(errors.CodeInvalidInput, "transaction not active")

	// ErrInvalidConfig reports a rejected configuration.
	ErrInvalidConfig = errors.New(errors.CodeInvalidConfig, "invalid configuration")

	// ErrClosed is returned by components after Close.
	ErrClosed = errors.New(errors.CodeUnavailable, "closed")
)

// OpError describes a failed operation: which operation, on which key, what kind
// of failure, and the underlying cause (may be nil).
type OpError struct {
	Kind error
	Op   string
	Key  string
	Err  error
}

// E builds an *OpError. kind should be one of the package sentinels.
func E(kind error, op, key string, cause error) *OpError {
	return &OpError{Kind: kind, Op: op, Key: key, Err: cause}
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Key != "" {
		b.WriteString(" ")
		b.WriteString(e.Key)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the failure kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code returns the code of err's failure kind (CodeUnknown for foreign errors).
func Code(err error) errors.ErrorCode { return errors.GetCode(err) }

// IsRetryable reports whether err's failure kind is classified as retryable.
func IsRetryable(err error) bool { return errors.IsRetryable(err) }

// Is is errors.Is, re-exported so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// Response renders err for API clients (code, message, classification, context).
func Response(err error) *errors.ErrorResponse {
	resp := errors.ToJSON(err)
	if resp == nil {
		return nil
	}
	var op *OpError
	if stderrors.As(err, &op) {
		resp.Message = op.Error()
		if resp.Context == nil {
			resp.Context = map[string]interface{}{}
		}
		resp.Context["op"] = op.Op
		if op.Key != "" {
			resp.Context["key"] = op.Key
		}
	}
	return resp
}
