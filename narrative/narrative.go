// Package narrative defines the concrete pipelines that advance a story
// session: end-of-day, new-game and segment-transition.
//
// Every step reads the run's pinned base world and the delta of earlier
// steps, calls at most one persona, and returns whole artifacts. Persona
// calls carry the base world through the cache lease. Only the commit
// steps produce a new world snapshot, built from the base and artifacts.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pithecene-io/daybreak/artifact"
	"github.com/pithecene-io/daybreak/merge"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/storage"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// Persona names.
const (
	Chronicler    = "chronicler"
	Relationships = "relationships"
	Casting       = "casting"
	Planner       = "planner"
	Worldbuilder  = "worldbuilder"
)

// DefaultCycleLength is the number of days between cycle boundaries.
const DefaultCycleLength = 14

// recentJournal is how many journal entries persona inputs carry.
const recentJournal = 5

// Shared artifact names. Inputs are written by the operator before a run;
// the rest are published by commit steps for later runs.
const (
	premiseArtifact   = "input/premise"
	transcriptPrefix  = "input/transcript"
	latestSummaryName = "eod/summary"
	latestRecapName   = "segment/recap"
)

// Options configures the pipelines.
type Options struct {
	// CycleLength is the cycle boundary in days. Planning is skipped on a
	// boundary day of a fresh run. Zero selects DefaultCycleLength.
	CycleLength int
}

// Definitions builds the registry of every pipeline.
func Definitions(opts Options) (pipeline.Registry, error) {
	if opts.CycleLength < 0 {
		return nil, fmt.Errorf("cycle length must be >= 0, got %d", opts.CycleLength)
	}
	if opts.CycleLength == 0 {
		opts.CycleLength = DefaultCycleLength
	}
	eod, err := EndOfDay(opts.CycleLength)
	if err != nil {
		return nil, err
	}
	ng, err := NewGame()
	if err != nil {
		return nil, err
	}
	st, err := SegmentTransition()
	if err != nil {
		return nil, err
	}
	return pipeline.NewRegistry(eod, ng, st)
}

// InstanceFor returns the conventional run instance of a pipeline for the
// session's position.
func InstanceFor(p types.PipelineType, meta types.SessionMeta) string {
	switch p {
	case types.PipelineNewGame:
		return "new-game"
	case types.PipelineSegmentTransition:
		return pipeline.SegmentInstance(meta.Segment)
	default:
		return pipeline.DayInstance(meta.Day)
	}
}

// CycleBoundary returns a skip predicate that is true on every cycleLength
// day of a run that has not been resumed.
func CycleBoundary(cycleLength int) func(pipeline.Attrs) bool {
	return func(a pipeline.Attrs) bool {
		if cycleLength <= 0 || a.Resumed {
			return false
		}
		day := a.Session.Day
		if day == 0 {
			day = a.Base.Day
		}
		return day > 0 && day%cycleLength == 0
	}
}

// SetPremise stores the premise a new-game run seeds the world from.
func SetPremise(ctx context.Context, kv storage.Store, codec storage.Codec, session, premise string) error {
	return pipeline.SharedArtifacts(kv, codec, session).Set(ctx, premiseArtifact, premise)
}

// SetTranscript stores the played transcript of a day for summarization.
func SetTranscript(ctx context.Context, kv storage.Store, codec storage.Codec, session string, day int, transcript string) error {
	return pipeline.SharedArtifacts(kv, codec, session).Set(ctx, transcriptName(day), transcript)
}

func transcriptName(day int) string {
	return fmt.Sprintf("%s/day-%d", transcriptPrefix, day)
}

// worldBaseline is the lease payload of pipelines that run on a base world.
func worldBaseline(_ context.Context, sc *pipeline.StepContext) ([]byte, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return nil, err
	}
	return json.Marshal(digest(base))
}

// worldDigest is the persona-facing view of a world.
type worldDigest struct {
	Day           int                     `json:"day"`
	Segment       int                     `json:"segment"`
	Protagonist   string                  `json:"protagonist"`
	Premise       string                  `json:"premise,omitempty"`
	Characters    map[string]world.Fields `json:"characters"`
	Relationships map[string]world.Fields `json:"relationships"`
	Facts         []world.Fact            `json:"facts"`
	Journal       []world.JournalEntry    `json:"journal"`
	Plan          world.Plan              `json:"plan"`
	Arcs          []string                `json:"arcs,omitempty"`
}

func digest(st world.State) worldDigest {
	journal := st.Journal
	if len(journal) > recentJournal {
		journal = journal[len(journal)-recentJournal:]
	}
	return worldDigest{
		Day:           st.Day,
		Segment:       st.Segment,
		Protagonist:   st.Protagonist,
		Premise:       st.Premise,
		Characters:    st.Characters,
		Relationships: st.Relationships,
		Facts:         st.Facts,
		Journal:       journal,
		Plan:          st.Plan,
		Arcs:          st.Arcs,
	}
}

// normalizeFacts trims facts, drops empty ones, and maps owners onto
// known names.
func normalizeFacts(facts []world.Fact, known []string) []world.Fact {
	out := make([]world.Fact, 0, len(facts))
	for _, f := range facts {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		out = append(out, world.Fact{Text: text, Owner: merge.Owner(f.Owner, known)})
	}
	return out
}

func factKey(f world.Fact) string {
	return merge.ContentKey(f.Text)
}

// loadShared reads a session-scoped artifact.
func loadShared[T any](ctx context.Context, sc *pipeline.StepContext, name string) (T, bool, error) {
	return artifact.Get[T](ctx, sc.Shared, name)
}
