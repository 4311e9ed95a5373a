package narrative

import (
	"context"

	"github.com/pithecene-io/daybreak/bucket"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/world"
)

// Follow-up persona calls are built from the baseline lease plus the bucket
// delta. Each read follows the chain bucket field, then the artifact of the
// step that produced it: the bucket is disposable and may be gone after a
// crash or a rewind, while the producer's artifact was written before the
// cursor moved past it. A missing artifact is an invariant violation.

// fromBucket returns *v when the bucket holds it, else rebuilds it from
// the named artifact.
func fromBucket[T any](ctx context.Context, sc *pipeline.StepContext, v *T, name string) (T, error) {
	if v != nil {
		return *v, nil
	}
	sc.Logger.Debug("bucket field rebuilt from artifact", map[string]any{"artifact": name})
	return pipeline.Require[T](ctx, sc, name)
}

func daySummary(ctx context.Context, sc *pipeline.StepContext) (bucket.DaySummary, error) {
	return fromBucket(ctx, sc, sc.Bucket.DaySummary, ArtifactSummary)
}

// relationshipDelta reads the relationships the named step wrote.
func relationshipDelta(ctx context.Context, sc *pipeline.StepContext, name string) (map[string]world.Fields, error) {
	var v *map[string]world.Fields
	if sc.Bucket.Relationships != nil {
		v = &sc.Bucket.Relationships
	}
	return fromBucket(ctx, sc, v, name)
}

func castDelta(ctx context.Context, sc *pipeline.StepContext) (CastDelta, error) {
	b := sc.Bucket
	var v *CastDelta
	if b.NewCharacters != nil || b.ProfileUpdates != nil || b.NewFacts != nil {
		v = &CastDelta{NewCharacters: b.NewCharacters, ProfileUpdates: b.ProfileUpdates, Facts: b.NewFacts}
	}
	return fromBucket(ctx, sc, v, ArtifactCast)
}

func segmentRecap(ctx context.Context, sc *pipeline.StepContext) (string, error) {
	return fromBucket(ctx, sc, sc.Bucket.Recap, ArtifactRecap)
}

// withBaseline adds the world digest to input when the step holds no
// lease. A leased call carries the digest in the lease instead.
func withBaseline(sc *pipeline.StepContext, base world.State, input map[string]any) map[string]any {
	if sc.Lease.Handle == "" {
		input["world"] = digest(base)
	}
	return input
}
