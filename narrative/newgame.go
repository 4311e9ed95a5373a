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

// New-game step names. The commit step shares StepCommitWorld.
const (
	StepSeedWorld         = "seed_world"
	StepSeedRelationships = "seed_relationships"
	StepPlanFirstDay      = "plan_first_day"
)

// New-game artifact names.
const (
	ArtifactSeed          = "ng/world"
	ArtifactSeedRelations = "ng/relationships"
	ArtifactFirstPlan     = "ng/plan"
	ArtifactSeedCommit    = "ng/commit"
)

// Seed is the output of seed_world.
type Seed struct {
	Premise     string                  `json:"premise"`
	Protagonist string                  `json:"protagonist"`
	Characters  map[string]world.Fields `json:"characters"`
	Facts       []world.Fact            `json:"facts"`
}

// NewGame builds the four-step pipeline that seeds a session's first day.
// It runs without a base world.
func NewGame() (*pipeline.Definition, error) {
	return pipeline.NewDefinition(types.PipelineNewGame, premiseBaseline,
		pipeline.Step{Name: StepSeedWorld, Persona: Worldbuilder, Run: seedWorld},
		pipeline.Step{Name: StepSeedRelationships, Persona: Relationships, Run: seedRelationships},
		pipeline.Step{Name: StepPlanFirstDay, Persona: Planner, Run: planFirstDay},
		pipeline.Step{Name: StepCommitWorld, Run: commitFirstDay},
	)
}

func loadPremise(ctx context.Context, sc *pipeline.StepContext) (string, error) {
	premise, ok, err := loadShared[string](ctx, sc, premiseArtifact)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(premise) == "" {
		return "", pipeline.Invariantf("session %s has no premise", sc.Attrs.Key.Session)
	}
	return premise, nil
}

func premiseBaseline(ctx context.Context, sc *pipeline.StepContext) ([]byte, error) {
	premise, err := loadPremise(ctx, sc)
	if err != nil {
		return nil, err
	}
	return []byte(premise), nil
}

func seedWorld(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	if sc.Attrs.HasBase {
		return pipeline.StepResult{}, pipeline.Invariantf("session %s already has a world at %s", sc.Attrs.Key.Session, sc.Attrs.Base)
	}
	premise, err := loadPremise(ctx, sc)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out Seed
	if err := sc.Call(ctx, Worldbuilder, map[string]any{"premise": premise}, &out, "protagonist", "characters"); err != nil {
		return pipeline.StepResult{}, err
	}
	out.Premise = premise
	out.Protagonist = strings.TrimSpace(out.Protagonist)
	if out.Characters == nil {
		out.Characters = make(map[string]world.Fields)
	}
	delete(out.Characters, out.Protagonist)

	known := make([]string, 0, len(out.Characters)+1)
	known = append(known, out.Protagonist)
	for name := range out.Characters {
		known = append(known, name)
	}
	sort.Strings(known[1:])
	out.Facts = merge.AppendUnique(nil, normalizeFacts(out.Facts, known), factKey)

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactSeed: out},
		Patch: bucket.Patch{
			NewCharacters: out.Characters,
			NewFacts:      out.Facts,
		},
	}, nil
}

func seedRelationships(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	seed, err := pipeline.Require[Seed](ctx, sc, ArtifactSeed)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out struct {
		Updates map[string]world.Fields `json:"updates"`
	}
	input := map[string]any{
		"premise":     seed.Premise,
		"protagonist": seed.Protagonist,
		"characters":  seed.Characters,
	}
	if err := sc.Call(ctx, Relationships, input, &out, "updates"); err != nil {
		return pipeline.StepResult{}, err
	}
	names := make([]string, 0, len(seed.Characters))
	for name := range seed.Characters {
		names = append(names, name)
	}
	sort.Strings(names)
	merged, _ := merge.Relationships(nil, out.Updates, seed.Protagonist, names)

	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactSeedRelations: merged},
		Patch:     bucket.Patch{Relationships: merged},
	}, nil
}

func planFirstDay(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	seed, err := pipeline.Require[Seed](ctx, sc, ArtifactSeed)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	rels, err := relationshipDelta(ctx, sc, ArtifactSeedRelations)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	var out struct {
		Plan world.Plan `json:"plan"`
	}
	input := map[string]any{
		"day":           1,
		"premise":       seed.Premise,
		"protagonist":   seed.Protagonist,
		"characters":    seed.Characters,
		"relationships": rels,
	}
	if err := sc.Call(ctx, Planner, input, &out, "plan"); err != nil {
		return pipeline.StepResult{}, err
	}
	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactFirstPlan: out.Plan},
		Patch:     bucket.Patch{Plan: &out.Plan},
	}, nil
}

func commitFirstDay(ctx context.Context, sc *pipeline.StepContext) (pipeline.StepResult, error) {
	seed, err := pipeline.Require[Seed](ctx, sc, ArtifactSeed)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	rels, err := pipeline.Require[map[string]world.Fields](ctx, sc, ArtifactSeedRelations)
	if err != nil {
		return pipeline.StepResult{}, err
	}
	plan, err := pipeline.Require[world.Plan](ctx, sc, ArtifactFirstPlan)
	if err != nil {
		return pipeline.StepResult{}, err
	}

	st := world.State{
		Session:       sc.Attrs.Key.Session,
		Day:           1,
		Segment:       1,
		Protagonist:   seed.Protagonist,
		Premise:       seed.Premise,
		Characters:    seed.Characters,
		Relationships: rels,
		Facts:         seed.Facts,
		Journal:       []world.JournalEntry{},
		Plan:          plan,
		CommittedAt:   sc.Now().UTC(),
	}
	if st.Relationships == nil {
		st.Relationships = make(map[string]world.Fields)
	}
	return pipeline.StepResult{
		Artifacts: map[string]any{ArtifactSeedCommit: receipt(st)},
		World:     &st,
	}, nil
}
