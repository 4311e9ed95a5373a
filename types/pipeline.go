// Package types defines core domain types shared across daybreak packages.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"strings"
)

// PipelineType names one of the fixed pipelines a session can run.
type PipelineType string

const (
	// PipelineEndOfDay advances the world by one simulated day.
	PipelineEndOfDay PipelineType = "end-of-day"
	// PipelineNewGame seeds the world for a brand-new session.
	PipelineNewGame PipelineType = "new-game"
	// PipelineSegmentTransition closes one story segment and opens the next.
	PipelineSegmentTransition PipelineType = "segment-transition"
)

// PipelineTypes returns every known pipeline type in a stable order.
func PipelineTypes() []PipelineType {
	return []PipelineType{PipelineEndOfDay, PipelineNewGame, PipelineSegmentTransition}
}

// ParsePipelineType parses a pipeline name. Underscores are accepted
// in place of dashes so that config keys and flags can share spelling.
func ParsePipelineType(s string) (PipelineType, error) {
	normalized := PipelineType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	for _, p := range PipelineTypes() {
		if p == normalized {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown pipeline %q (must be end-of-day, new-game, or segment-transition)", s)
}

// SessionMeta identifies the game session a pipeline run belongs to.
type SessionMeta struct {
	// SessionID is the save/session identifier. Required.
	SessionID string
	// Day is the simulated day the run operates on (0 for new-game).
	Day int
	// Segment is the story segment the run operates in.
	Segment int
}

// Validate checks session identity rules:
//   - session_id must be non-empty and must not contain '/'
//   - day and segment must be >= 0
func (s *SessionMeta) Validate() error {
	if s.SessionID == "" {
		return errors.New("session_id must be non-empty")
	}
	if strings.Contains(s.SessionID, "/") {
		return fmt.Errorf("session_id must not contain '/', got %q", s.SessionID)
	}
	if s.Day < 0 {
		return fmt.Errorf("day must be >= 0, got %d", s.Day)
	}
	if s.Segment < 0 {
		return fmt.Errorf("segment must be >= 0, got %d", s.Segment)
	}
	return nil
}
