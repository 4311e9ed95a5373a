package narrative

import (
	"context"
	"fmt"
	"strings"

	"github.com/pithecene-io/daybreak/artifact"
	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/merge"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// Segment-transition step names. The commit step shares StepCommitWorld.
const (
	StepRecapSegment = "recap_segment"
	StepReseedArcs   = "reseed_arcs"
)

// Segment-transition artifact names.
const (
	ArtifactRecap         = "segment/recap"
	ArtifactArcs          = "segment/arcs"
	ArtifactSegmentCommit = "segment/commit"
)

// ArcsDelta is the output of reseed_arcs.
type ArcsDelta struct {
	Arcs           []string                `json:"arcs"`
	ProfileUpdates map[string]world.Fields `json:"profile_updates"`
}

// SegmentTransition builds the three-step pipeline that closes the base
// segment and opens the next one.
func SegmentTransition() (*pipeline.Definition, error) {
	return pipeline.NewDefinition(types.PipelineSegmentTransition, worldBaseline,
		pipeline.Step{Name: StepRecapSegment, Persona: Chronicler, Run: recapSegment},
		pipeline.Step{Name: StepReseedArcs, Persona: Planner, Run: reseedArcs},
		pipeline.Step{Name: StepCommitWorld, Run: commitSegment},
	)
}

func recapSegment(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	// The previous recap is the last segment recap, or the last day summary
	// for a session that never transitioned.
	previous, from, err := artifact.GetWithFallback[string](ctx, sc.Shared, []string{latestRecapName, latestSummaryName})
	if err != nil {
		return pipeline.StepResult{}, err
	}
	sc.Logger.Debug("previous recap loaded", map[string]any{"from": from})

	var out struct {
		Recap string `json:"recap"`
	}
	input := withBaseline(sc, base, map[string]any{
		"segment":        base.Segment,
		"previous_recap": previous,
		"journal":        base.Journal,
	})
	if err := sc.Call(ctx, Chronicler, input, &out, "recap"); err != nil {
		return pipeline.StepResult{}, err
	}
	recap := strings.TrimSpace(out.Recap)
	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactRecap: recap},
		Patch:     bucket.Patch{Recap: &recap},
	}, nil
}

func reseedArcs(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	recap, err := segmentRecap(ctx, sc)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out ArcsDelta
	input := withBaseline(sc, base, map[string]any{
		"segment": base.Segment + 1,
		"recap":   recap,
	})
	if err := sc.Call(ctx, Planner, input, &out, "arcs"); err != nil {
		return pipeline.StepResult{}, err
	}

	updates := make(map[string]world.Fields, len(out.ProfileUpdates))
	for name, f := range out.ProfileUpdates {
		canonical := merge.Owner(name, base.Names())
		if canonical == merge.UnknownOwner {
			continue
		}
		updates[canonical] = world.Fields(merge.Fields(updates[canonical], f))
	}
	out.ProfileUpdates = updates
	out.Arcs = merge.AppendUnique(nil, out.Arcs, merge.ContentKey)

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactArcs: out},
		Patch:     bucket.Patch{Arcs: out.Arcs, ProfileUpdates: out.ProfileUpdates},
	}, nil
}

func commitSegment(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	recap, err := pipeline.Require[string](ctx, sc, ArtifactRecap)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	arcs, err := pipeline.Require[ArcsDelta](ctx, sc, ArtifactArcs)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	next := base.Clone()
	next.Segment = base.Segment + 1
	next.Arcs = arcs.Arcs
	next.Characters = merge.Profiles(next.Characters, arcs.ProfileUpdates)
	if recap != "" {
		next.Journal = append(next.Journal, world.JournalEntry{
			Day:  base.Day,
			Text: fmt.Sprintf("Segment %d recap: %s", base.Segment, recap),
		})
	}
	next.CommittedAt = sc.Now().UTC()

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactSegmentCommit: receipt(next)},
		Shared:    map[string]any{latestRecapName: recap},
		World:     &next,
	}, nil
}
