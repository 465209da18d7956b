package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/internal/model"
)

func smallBundle() model.EvidenceBundle {
	b := model.EvidenceBundle{
		Anchor: model.Anchor{ID: "anchor", Timestamp: "2024-01-10T00:00:00Z"},
		Events: []model.Event{
			{ID: "e1", Timestamp: "2024-01-09T00:00:00Z", Tags: []string{"cost"}},
			{ID: "e2", Timestamp: "2023-06-01T00:00:00Z", Tags: []string{"unrelated"}},
		},
		Transitions: model.TransitionSet{
			Preceding:  []model.Transition{{ID: "t1", Timestamp: "2024-01-05T00:00:00Z", Tags: []string{"cost"}}},
			Succeeding: []model.Transition{{ID: "t2", Timestamp: "2024-02-01T00:00:00Z", Tags: []string{"cost"}}},
		},
	}
	b.AllowedIDs = []string{"anchor", "e1", "e2", "t1", "t2"}
	return b
}

func TestSelectNoTruncationWhenUnderSoftThreshold(t *testing.T) {
	b := smallBundle()
	result, err := Select(b, Budget{MaxPromptBytes: 1 << 20, SoftThresholdBytes: 1 << 20, MinEvidenceItems: 1}, DefaultWeights, "none")
	require.NoError(t, err)
	require.Empty(t, result.Excluded)
	require.False(t, result.TruncationMetrics.SelectorTruncation)
	require.Equal(t, 4, result.SelectionMetrics.TotalNeighborsFound)
	require.Equal(t, 4, result.SelectionMetrics.FinalEvidenceCount)
}

func TestSelectPrunesWorstFirstUnderByteBudget(t *testing.T) {
	b := smallBundle()
	// Force truncation by setting a tiny byte budget; min items floor keeps
	// the anchor-adjacent set from being pruned to nothing.
	result, err := Select(b, Budget{MaxPromptBytes: 10, SoftThresholdBytes: 0, MinEvidenceItems: 2}, DefaultWeights, "none")
	require.NoError(t, err)
	require.True(t, result.TruncationMetrics.SelectorTruncation)
	require.NotEmpty(t, result.Excluded)
	for _, ex := range result.Excluded {
		require.Equal(t, "size_budget", ex.Reason)
	}
	// e2 is the furthest from the anchor in time, so it has the lowest
	// recency score: it must be among the first dropped.
	excludedIDs := make([]string, 0, len(result.Excluded))
	for _, ex := range result.Excluded {
		excludedIDs = append(excludedIDs, ex.ID)
	}
	require.Contains(t, strings.Join(excludedIDs, ","), "e2")

	// allowed_ids must be recomputed over the surviving bundle only.
	for _, ex := range result.Excluded {
		require.NotContains(t, result.Bundle.AllowedIDs, ex.ID)
	}
}

func TestSelectStopsAtMinEvidenceItemsFloor(t *testing.T) {
	b := smallBundle()
	result, err := Select(b, Budget{MaxPromptBytes: 1, SoftThresholdBytes: 0, MinEvidenceItems: 3}, DefaultWeights, "none")
	require.NoError(t, err)
	remaining := len(result.Bundle.Events) + len(result.Bundle.Transitions.Preceding) + len(result.Bundle.Transitions.Succeeding)
	require.Equal(t, 3, remaining)
}

func TestIsWorseTieBreaksOnEqualScoreAndTimestampByLowerID(t *testing.T) {
	ts := parseTime("2024-01-01T00:00:00Z")
	a := candidate{id: "a", score: 0.5, timestamp: ts}
	z := candidate{id: "z", score: 0.5, timestamp: ts}
	// Equal score and timestamp: spec §4.4 "higher id wins", so the lower id
	// (a) is the one marked worse and dropped, keeping z.
	require.True(t, isWorse(a, z))
	require.False(t, isWorse(z, a))
}

func TestIsWorseTimestampBreaksTieBeforeID(t *testing.T) {
	older := candidate{id: "z", score: 0.5, timestamp: parseTime("2024-01-01T00:00:00Z")}
	newer := candidate{id: "a", score: 0.5, timestamp: parseTime("2024-02-01T00:00:00Z")}
	// Later timestamp loses regardless of id ordering.
	require.True(t, isWorse(newer, older))
	require.False(t, isWorse(older, newer))
}

func TestJaccardSimilarity(t *testing.T) {
	require.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"a", "b"}))
	require.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
	require.InDelta(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"a", "c"}), 0.0001)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{1, 0}), 0.0001)
	require.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 0.0001)
}
