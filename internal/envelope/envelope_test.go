package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/internal/model"
)

func bundle() model.EvidenceBundle {
	return model.EvidenceBundle{
		Anchor:     model.Anchor{ID: "anchor"},
		Events:     []model.Event{{ID: "e1"}},
		AllowedIDs: []string{"anchor", "e1"},
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	b := bundle()
	env1, fp1, err := Build(model.IntentWhyDecision, "why did anchor happen", b, b, 512)
	require.NoError(t, err)
	env2, fp2, err := Build(model.IntentWhyDecision, "why did anchor happen", b, b, 512)
	require.NoError(t, err)
	require.Equal(t, env1, env2)
	require.Equal(t, fp1, fp2)
	require.Contains(t, fp1.PromptFP, "sha256:")
}

func TestBuildSetsConstraintsAndSchemaFields(t *testing.T) {
	b := bundle()
	env, _, err := Build(model.IntentWhyDecision, "why did anchor happen", b, b, 512)
	require.NoError(t, err)
	require.Equal(t, "why did anchor happen", env.Question)
	require.Equal(t, model.SchemaVersion, env.SchemaVersion)
	require.Equal(t, 512, env.Constraints.MaxTokens)
	require.True(t, env.Constraints.CiteFromAllowedIDsOnly)
	require.Equal(t, "WhyDecisionAnswer@1", env.Constraints.OutputSchema)
}

func TestBuildChangesFingerprintOnBundleChange(t *testing.T) {
	b1 := bundle()
	b2 := bundle()
	b2.Events = append(b2.Events, model.Event{ID: "e2"})
	b2.AllowedIDs = append(b2.AllowedIDs, "e2")

	_, fp1, err := Build(model.IntentWhyDecision, "q", b1, b1, 512)
	require.NoError(t, err)
	_, fp2, err := Build(model.IntentWhyDecision, "q", b2, b2, 512)
	require.NoError(t, err)

	require.NotEqual(t, fp1.PromptFP, fp2.PromptFP)
	require.NotEqual(t, fp1.BundleFP, fp2.BundleFP)
	require.NotEqual(t, fp1.AllowedIDsFP, fp2.AllowedIDsFP)
}

func TestBuildChangesPromptFPOnMaxTokensChange(t *testing.T) {
	b := bundle()
	_, fp1, err := Build(model.IntentWhyDecision, "q", b, b, 512)
	require.NoError(t, err)
	_, fp2, err := Build(model.IntentWhyDecision, "q", b, b, 256)
	require.NoError(t, err)
	require.NotEqual(t, fp1.PromptFP, fp2.PromptFP)
	require.Equal(t, fp1.BundleFP, fp2.BundleFP)
}

func TestGraphFPIndependentOfTruncation(t *testing.T) {
	pool := bundle()
	pool.Events = append(pool.Events, model.Event{ID: "e2"})
	truncated := bundle() // e2 dropped by the selector

	_, fpA, err := Build(model.IntentWhyDecision, "q", truncated, pool, 512)
	require.NoError(t, err)
	_, fpB, err := Build(model.IntentWhyDecision, "q", pool, pool, 512)
	require.NoError(t, err)

	require.Equal(t, fpA.GraphFP, fpB.GraphFP)
	require.NotEqual(t, fpA.BundleFP, fpA.GraphFP)
}
