package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates a permission/access failure (EACCES, 403).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDiskFull indicates storage is out of space (ENOSPC).
	ErrDiskFull = errors.New("no space left on device")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates authentication failure (no credentials, expired token).
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied indicates authorization failure (valid creds but no permission).
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")

	// errUnclassified is the kind for errors matching no known pattern.
	errUnclassified = errors.New("storage error")
)

// StorageError wraps an underlying error with storage classification.
// It preserves the original error in the chain for inspection via errors.As.
type StorageError struct {
	// Kind is the sentinel error for classification (e.g., ErrNotFound).
	Kind error
	// Op is the operation that failed (get, set, delete, exists, open).
	Op string
	// Key is the storage key involved, if any.
	Key string
	// Err is the underlying error.
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStorageError creates a classified storage error.
func NewStorageError(kind error, op, key string, err error) *StorageError {
	return &StorageError{
		Kind: kind,
		Op:   op,
		Key:  key,
		Err:  err,
	}
}

// notFound returns the classified error for a missing key.
func notFound(op, key string) error {
	return NewStorageError(ErrNotFound, op, key, fmt.Errorf("key %q", key))
}

// wrap classifies and wraps an operation error. Returns nil if err is nil.
func wrap(err error, op, key string) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return NewStorageError(classifyError(err), op, key, err)
}

// Wrap classifies err as a storage error for op on key, unless it
// already is one. Returns nil if err is nil.
func Wrap(err error, op, key string) error {
	return wrap(err, op, key)
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classifyError determines the appropriate sentinel error for the given error.
// Classification is based on error type and message patterns.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "permission denied", "EACCES", "access denied"):
		if containsAny(msg, "AccessDenied", "Forbidden", "403") {
			return ErrAccessDenied
		}
		return ErrPermissionDenied

	case containsAny(msg, "no such file", "does not exist", "not found", "ENOENT", "404", "NoSuchKey", "redis: nil"):
		return ErrNotFound

	case containsAny(msg, "no space left", "disk full", "ENOSPC", "quota exceeded", "database or disk is full"):
		return ErrDiskFull

	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "database is locked"):
		return ErrTimeout

	case containsAny(msg, "SlowDown", "rate exceeded", "throttl", "429", "TooManyRequests"):
		return ErrThrottled

	case containsAny(msg, "NoCredentialProviders", "credentials", "InvalidAccessKeyId",
		"SignatureDoesNotMatch", "ExpiredToken", "401", "Unauthorized", "NOAUTH", "WRONGPASS"):
		return ErrAuth

	case containsAny(msg, "AccessDenied", "Forbidden", "403"):
		return ErrAccessDenied

	case containsAny(msg, "connection refused", "no route to host", "network unreachable",
		"DNS", "dial tcp", "i/o timeout", "connection reset"):
		return ErrNetwork

	default:
		return errUnclassified
	}
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
