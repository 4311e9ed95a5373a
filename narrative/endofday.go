package narrative

import (
	"context"
	"sort"
	"strings"

	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/merge"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// End-of-day step names.
const (
	StepSummarizeDay        = "summarize_day"
	StepUpdateRelationships = "update_relationships"
	StepEvolveCast          = "evolve_cast"
	StepPlanNextDay         = "plan_next_day"
	StepCommitWorld         = "commit_world"
)

// End-of-day artifact names.
const (
	ArtifactSummary       = "eod/summary"
	ArtifactRelationships = "eod/relationships"
	ArtifactCast          = "eod/cast"
	ArtifactPlan          = "eod/plan"
	ArtifactCommit        = "eod/commit"
)

// CastDelta is the output of evolve_cast.
type CastDelta struct {
	NewCharacters  map[string]world.Fields `json:"new_characters"`
	ProfileUpdates map[string]world.Fields `json:"profile_updates"`
	Facts          []world.Fact            `json:"facts"`
}

// CommitReceipt records what a commit step wrote.
type CommitReceipt struct {
	Ref           world.Ref `json:"ref"`
	Characters    int       `json:"characters"`
	Relationships int       `json:"relationships"`
	Facts         int       `json:"facts"`
	JournalLength int       `json:"journal_length"`
}

func receipt(st world.State) CommitReceipt {
	return CommitReceipt{
		Ref:           st.Ref(),
		Characters:    len(st.Characters),
		Relationships: len(st.Relationships),
		Facts:         len(st.Facts),
		JournalLength: len(st.Journal),
	}
}

// EndOfDay builds the five-step pipeline that closes the base day and
// commits the next one.
func EndOfDay(cycleLength int) (*pipeline.Definition, error) {
	return pipeline.NewDefinition(types.PipelineEndOfDay, worldBaseline,
		pipeline.Step{Name: StepSummarizeDay, Persona: Chronicler, Run: summarizeDay},
		pipeline.Step{Name: StepUpdateRelationships, Persona: Relationships, Run: updateRelationships},
		pipeline.Step{Name: StepEvolveCast, Persona: Casting, Run: evolveCast},
		pipeline.Step{
			Name:     StepPlanNextDay,
			Persona:  Planner,
			Skip:     CycleBoundary(cycleLength),
			Defaults: emptyPlan,
			Run:      planNextDay,
		},
		pipeline.Step{Name: StepCommitWorld, Run: commitDay},
	)
}

func summarizeDay(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	transcript, ok, err := loadShared[string](ctx, sc, transcriptName(base.Day))
	if err != nil {
		return pipeline.StepResult{}, err
	}
	if !ok {
		return pipeline.StepResult{}, pipeline.Invariantf("session %s has no transcript for day %d", sc.Attrs.Key.Session, base.Day)
	}

	var out bucket.DaySummary
	input := withBaseline(sc, base, map[string]any{
		"day":        base.Day,
		"transcript": transcript,
	})
	if err := sc.Call(ctx, Chronicler, input, &out, "summary", "journal_entry"); err != nil {
		return pipeline.StepResult{}, err
	}
	out.Summary = strings.TrimSpace(out.Summary)
	out.JournalEntry = strings.TrimSpace(out.JournalEntry)

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactSummary: out},
		Patch:     bucket.Patch{DaySummary: &out},
	}, nil
}

func updateRelationships(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	summary, err := daySummary(ctx, sc)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out struct {
		Updates map[string]world.Fields `json:"updates"`
	}
	input := withBaseline(sc, base, map[string]any{
		"day":         base.Day,
		"summary":     summary.Summary,
		"protagonist": base.Protagonist,
	})
	if err := sc.Call(ctx, Relationships, input, &out, "updates"); err != nil {
		return pipeline.StepResult{}, err
	}
	_, changed := merge.Relationships(base.Relationships, out.Updates, base.Protagonist, base.Names())

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactRelationships: changed},
		Patch:     bucket.Patch{Relationships: changed},
	}, nil
}

func evolveCast(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	summary, err := daySummary(ctx, sc)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	rels, err := relationshipDelta(ctx, sc, ArtifactRelationships)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out CastDelta
	input := withBaseline(sc, base, map[string]any{
		"day":           base.Day,
		"summary":       summary.Summary,
		"relationships": rels,
	})
	if err := sc.Call(ctx, Casting, input, &out, "new_characters", "profile_updates", "facts"); err != nil {
		return pipeline.StepResult{}, err
	}

	delta := dedupeCast(base, out)
	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactCast: delta},
		Patch: bucket.Patch{
			NewCharacters:  delta.NewCharacters,
			ProfileUpdates: delta.ProfileUpdates,
			NewFacts:       delta.Facts,
		},
	}, nil
}

// dedupeCast folds "new" characters that already exist into profile
// updates, normalizes fact owners, and drops facts the world already
// knows.
func dedupeCast(base world.State, out CastDelta) CastDelta {
	known := make(map[string]string, len(base.Characters)+1)
	for _, name := range base.Names() {
		known[strings.ToLower(name)] = name
	}

	delta := CastDelta{
		NewCharacters:  make(map[string]world.Fields),
		ProfileUpdates: make(map[string]world.Fields),
	}
	for name, f := range out.ProfileUpdates {
		if canonical, ok := known[strings.ToLower(strings.TrimSpace(name))]; ok {
			delta.ProfileUpdates[canonical] = world.Fields(merge.Fields(delta.ProfileUpdates[canonical], f))
		}
	}

	names := make([]string, 0, len(out.NewCharacters))
	for name := range out.NewCharacters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		f := out.NewCharacters[raw]
		if canonical, ok := known[strings.ToLower(name)]; ok {
			delta.ProfileUpdates[canonical] = world.Fields(merge.Fields(delta.ProfileUpdates[canonical], f))
			continue
		}
		known[strings.ToLower(name)] = name
		delta.NewCharacters[name] = f
	}

	all := make([]string, 0, len(known))
	for _, name := range known {
		all = append(all, name)
	}
	sort.Strings(all)
	facts := normalizeFacts(out.Facts, all)
	merged := merge.AppendUnique(base.Facts, facts, factKey)
	delta.Facts = append([]world.Fact{}, merged[len(base.Facts):]...)
	return delta
}

func planNextDay(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	summary, err := daySummary(ctx, sc)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	rels, err := relationshipDelta(ctx, sc, ArtifactRelationships)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	cast, err := castDelta(ctx, sc)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out struct {
		Plan world.Plan `json:"plan"`
	}
	input := withBaseline(sc, base, map[string]any{
		"day":           base.Day + 1,
		"summary":       summary.Summary,
		"relationships": rels,
		"cast":          cast,
	})
	if err := sc.Call(ctx, Planner, input, &out, "plan"); err != nil {
		return pipeline.StepResult{}, err
	}
	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactPlan: out.Plan},
		Patch:     bucket.Patch{Plan: &out.Plan},
	}, nil
}

// emptyPlan is the plan_next_day default on a cycle boundary.
func emptyPlan(context.Context, *pipeline.StepContext) (pipeline.StepResult, error) {
	plan := world.Plan{}
	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactPlan: plan},
		Patch:     bucket.Patch{Plan: &plan},
	}, nil
}

func commitDay(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	base, err := sc.RequireBase()
	if err != nil {
		return pipeline.StepResult{}, err
	}
	summary, err := pipeline.Require[bucket.DaySummary](ctx, sc, ArtifactSummary)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	rels, err := pipeline.Require[map[string]world.Fields](ctx, sc, ArtifactRelationships)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	cast, err := pipeline.Require[CastDelta](ctx, sc, ArtifactCast)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	plan, err := pipeline.Require[world.Plan](ctx, sc, ArtifactPlan)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	next := base.Clone()
	next.Day = base.Day + 1
	for key, f := range rels {
		next.Relationships[key] = f
	}
	for name, f := range cast.NewCharacters {
		next.Characters[name] = f
	}
	next.Characters = merge.Profiles(next.Characters, cast.ProfileUpdates)
	next.Facts = merge.AppendUnique(next.Facts, cast.Facts, factKey)
	if summary.JournalEntry != "" {
		next.Journal = merge.AppendUnique(next.Journal, []world.JournalEntry{{Day: base.Day, Text: summary.JournalEntry}},
			func(e world.JournalEntry) string { return merge.ContentKey(e.Text) })
	}
	next.Plan = plan
	next.CommittedAt = sc.Now().UTC()

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactCommit: receipt(next)},
		Shared:    map[string]any{latestSummaryName: summary.Summary},
		World:     &next,
	}, nil
}
