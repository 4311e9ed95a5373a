package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		errMsg   string
		wantKind error
	}{
		{name: "context deadline exceeded", errMsg: "context deadline exceeded", wantKind: ErrTimeout},
		{name: "sqlite busy", errMsg: "database is locked (5) (SQLITE_BUSY)", wantKind: ErrTimeout},
		{name: "AccessDenied response", errMsg: "AccessDenied: you do not have access", wantKind: ErrAccessDenied},
		{name: "HTTP 403", errMsg: "received status 403", wantKind: ErrAccessDenied},
		{name: "permission denied", errMsg: "open /data/kv: permission denied", wantKind: ErrPermissionDenied},
		{name: "no space left on device", errMsg: "write /data/kv: no space left on device", wantKind: ErrDiskFull},
		{name: "NoSuchKey S3", errMsg: "NoSuchKey: The specified key does not exist", wantKind: ErrNotFound},
		{name: "redis nil", errMsg: "redis: nil", wantKind: ErrNotFound},
		{name: "SlowDown S3", errMsg: "SlowDown: please reduce request rate", wantKind: ErrThrottled},
		{name: "ExpiredToken", errMsg: "ExpiredToken: the security token has expired", wantKind: ErrAuth},
		{name: "redis auth", errMsg: "WRONGPASS invalid username-password pair", wantKind: ErrAuth},
		{name: "connection refused", errMsg: "dial tcp 127.0.0.1:6379: connection refused", wantKind: ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(errors.New(tt.errMsg))
			if !errors.Is(got, tt.wantKind) {
				t.Errorf("classifyError(%q) = %v, want %v", tt.errMsg, got, tt.wantKind)
			}
		})
	}
}

func TestClassifyError_Unclassified(t *testing.T) {
	got := classifyError(errors.New("something odd happened"))
	if got != errUnclassified {
		t.Errorf("classifyError() = %v, want errUnclassified", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "slow" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError_TypedTimeout(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", timeoutErr{})
	if got := classifyError(err); got != ErrTimeout {
		t.Errorf("classifyError() = %v, want ErrTimeout", got)
	}
}

func TestStorageError_IsAndUnwrap(t *testing.T) {
	inner := errors.New("no such file or directory")
	err := wrap(inner, "get", "runs/s1/cursor")

	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped error should match ErrNotFound")
	}
	if !errors.Is(err, inner) {
		t.Error("wrapped error should unwrap to the inner error")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatal("expected *StorageError")
	}
	if se.Op != "get" || se.Key != "runs/s1/cursor" {
		t.Errorf("Op/Key = %q/%q, want get/runs/s1/cursor", se.Op, se.Key)
	}
}

func TestWrap_NilAndAlreadyWrapped(t *testing.T) {
	if wrap(nil, "set", "k") != nil {
		t.Error("wrap(nil) should be nil")
	}
	first := notFound("get", "k")
	if got := wrap(first, "set", "other"); got != first {
		t.Errorf("wrap should not double-wrap a StorageError, got %v", got)
	}
}

func TestStorageError_Message(t *testing.T) {
	err := NewStorageError(ErrTimeout, "set", "k1", errors.New("slow disk"))
	want := "set k1: operation timed out: slow disk"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	noKey := NewStorageError(ErrNetwork, "open", "", errors.New("refused"))
	want = "open: network error: refused"
	if noKey.Error() != want {
		t.Errorf("Error() = %q, want %q", noKey.Error(), want)
	}
}
