// Package persona is the boundary to the external generative personas.
//
// A persona is invoked with structured input and returns structured
// output. Transport and status failures surface as *Error. The calling
// step checks the shape of the output with Decode, which reports missing
// required fields as *MalformedError.
package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request is one persona invocation.
type Request struct {
	// Persona names the collaborator (e.g. "chronicler").
	Persona string `json:"persona"`
	// Session is the game session, used for sticky endpoint selection.
	Session string `json:"session"`
	// ModelVersion is the configured model version.
	ModelVersion string `json:"model_version"`
	// LeaseHandle references cached baseline context, if any.
	LeaseHandle string `json:"lease_handle,omitempty"`
	// Input is the persona-specific structured input.
	Input any `json:"input"`
}

// Response is the raw structured output of a persona.
type Response struct {
	Persona string          `json:"persona"`
	Body    json.RawMessage `json:"body"`
}

// Invoker calls a persona. Implementations must respect ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ErrorKind classifies a persona failure.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindRateLimit ErrorKind = "rate_limit"
	KindTimeout   ErrorKind = "timeout"
)

// Error is a persona transport or validation failure.
type Error struct {
	Persona string
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persona %s: %s: %v", e.Persona, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// MalformedError reports persona output missing required fields or not
// decodable into the expected shape.
type MalformedError struct {
	Persona string
	Missing []string
	Err     error
}

func (e *MalformedError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("persona %s: malformed output: missing %s", e.Persona, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("persona %s: malformed output: %v", e.Persona, e.Err)
}

// Unwrap returns the underlying decode error, if any.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is a *MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// Decode checks that every required top-level field is present and not
// null in resp, then unmarshals resp into out. Absent fields are never
// defaulted. Dotted names ("plan.beats") check nested objects.
func Decode(resp Response, out any, required ...string) error {
	body := bytes.TrimSpace(resp.Body)
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return &MalformedError{Persona: resp.Persona, Err: fmt.Errorf("body is not an object: %w", err)}
	}

	var missing []string
	for _, field := range required {
		if !present(top, strings.Split(field, ".")) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &MalformedError{Persona: resp.Persona, Missing: missing}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedError{Persona: resp.Persona, Err: err}
	}
	return nil
}

func present(obj map[string]json.RawMessage, path []string) bool {
	raw, ok := obj[path[0]]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false
	}
	if len(path) == 1 {
		return true
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return false
	}
	return present(nested, path[1:])
}
