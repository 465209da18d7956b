// Package selector implements the Selector/Truncator (spec §4.4): a
// deterministic weighted score per candidate, then worst-first pruning
// until the canonicalized bundle fits the prompt byte budget.
//
// Each candidate's score is a two-term weighted sum: recency relative to the
// anchor plus a similarity term. The similarity term is computed with an
// empty anchor tag set and no embeddings (model.Anchor carries no tags), so
// it is 0 for every candidate; ranking is decided by recency and the
// tie-break alone.
package selector

import (
	"math"
	"sort"
	"time"

	"github.com/batvault/gateway/internal/canon"
	"github.com/batvault/gateway/internal/model"
)

// Weights are the fixed scoring weights (spec §4.4 "fixed weights").
type Weights struct {
	Recency    float64
	Similarity float64
}

// DefaultWeights is the baseline deterministic scoring policy.
var DefaultWeights = Weights{Recency: 0.5, Similarity: 0.5}

// Budget is the size/count configuration applied during truncation.
type Budget struct {
	MaxPromptBytes     int
	SoftThresholdBytes int
	MinEvidenceItems   int
}

// candidateKind distinguishes the three pools a candidate may belong to.
type candidateKind string

const (
	kindEvent      candidateKind = "event"
	kindPreceding  candidateKind = "preceding"
	kindSucceeding candidateKind = "succeeding"
)

type candidate struct {
	kind      candidateKind
	id        string
	timestamp time.Time
	tags      []string
	embedding []float32
	score     float64
}

// Similarity computes Jaccard similarity over tags, or cosine similarity
// over embeddings when both the anchor and candidate carry one.
func similarity(anchorTags, candidateTags []string, anchorEmbedding, candidateEmbedding []float32) float64 {
	if len(anchorEmbedding) > 0 && len(candidateEmbedding) > 0 {
		return cosine(anchorEmbedding, candidateEmbedding)
	}
	return jaccard(anchorTags, candidateTags)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func recency(anchorTime, candidateTime time.Time) float64 {
	deltaDays := math.Abs(anchorTime.Sub(candidateTime).Hours() / 24.0)
	return 1.0 / (1.0 + deltaDays)
}

// Result is the truncated bundle plus the metrics spec §4.4/§4.9 require.
type Result struct {
	Bundle            model.EvidenceBundle
	Excluded          []model.ExcludedID
	TruncationMetrics model.TruncationMetrics
	SelectionMetrics  model.SelectionMetrics
}

// Select scores every candidate, and — only if the canonical bundle exceeds
// the soft threshold — prunes worst-first until it fits MaxPromptBytes or
// MinEvidenceItems is reached.
func Select(b model.EvidenceBundle, budget Budget, weights Weights, modelID string) (Result, error) {
	anchorTime := parseTime(b.Anchor.Timestamp)

	cands := make([]candidate, 0, len(b.Events)+len(b.Transitions.Preceding)+len(b.Transitions.Succeeding))
	for _, e := range b.Events {
		cands = append(cands, newCandidate(kindEvent, e.ID, e.Timestamp, e.Tags, anchorTime, b.Anchor, weights))
	}
	for _, t := range b.Transitions.Preceding {
		cands = append(cands, newCandidate(kindPreceding, t.ID, t.Timestamp, t.Tags, anchorTime, b.Anchor, weights))
	}
	for _, t := range b.Transitions.Succeeding {
		cands = append(cands, newCandidate(kindSucceeding, t.ID, t.Timestamp, t.Tags, anchorTime, b.Anchor, weights))
	}

	totalPool := len(cands)

	size, err := bundleSizeBytes(b)
	if err != nil {
		return Result{}, err
	}

	result := Result{Bundle: b}
	if size <= budget.SoftThresholdBytes {
		result.SelectionMetrics = model.SelectionMetrics{
			TotalNeighborsFound: totalPool,
			FinalEvidenceCount:  totalPool,
			BundleSizeBytes:     size,
			SelectorModelID:     modelID,
		}
		return result, nil
	}

	excludedSet := make(map[string]bool)
	var passes []model.TruncationPass

	for size > budget.MaxPromptBytes && len(cands) > budget.MinEvidenceItems {
		worstIdx := worstCandidateIndex(cands)
		worst := cands[worstIdx]
		cands = append(cands[:worstIdx], cands[worstIdx+1:]...)
		excludedSet[worst.id] = true

		b = removeFromBundle(b, worst.kind, worst.id)
		size, err = bundleSizeBytes(b)
		if err != nil {
			return Result{}, err
		}
		passes = append(passes, model.TruncationPass{Tokens: size, Limit: budget.MaxPromptBytes, Action: "drop:" + worst.id})
	}

	b.AllowedIDs = recomputeAllowedIDs(b)

	excluded := make([]model.ExcludedID, 0, len(excludedSet))
	for id := range excludedSet {
		excluded = append(excluded, model.ExcludedID{ID: id, Reason: "size_budget"})
	}
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].ID < excluded[j].ID })

	result.Bundle = b
	result.Excluded = excluded
	result.TruncationMetrics = model.TruncationMetrics{SelectorTruncation: len(excluded) > 0, Passes: passes}
	result.SelectionMetrics = model.SelectionMetrics{
		TotalNeighborsFound: totalPool,
		FinalEvidenceCount:  len(cands),
		BundleSizeBytes:     size,
		SelectorModelID:     modelID,
	}
	return result, nil
}

func newCandidate(kind candidateKind, id, timestamp string, tags []string, anchorTime time.Time, anchor model.Anchor, w Weights) candidate {
	ts := parseTime(timestamp)
	sim := similarity(nil, tags, nil, nil)
	score := w.Recency*recency(anchorTime, ts) + w.Similarity*sim
	return candidate{kind: kind, id: id, timestamp: ts, tags: tags, score: score}
}

// worstCandidateIndex finds the lowest-scored candidate. Ties are broken by
// preferring to drop the later timestamp first, then the lower id, keeping
// the higher one (spec §4.4 "Tie-break").
func worstCandidateIndex(cands []candidate) int {
	worst := 0
	for i := 1; i < len(cands); i++ {
		if isWorse(cands[i], cands[worst]) {
			worst = i
		}
	}
	return worst
}

// isWorse reports whether a should be dropped before b. Lower score loses;
// on a tied score, the later timestamp loses; on a tied timestamp too, the
// lower id loses — spec §4.4 "on equal timestamp, higher id wins", so the
// higher id is kept and the lower id is the one marked worse here.
func isWorse(a, b candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.After(b.timestamp)
	}
	return a.id < b.id
}

func removeFromBundle(b model.EvidenceBundle, kind candidateKind, id string) model.EvidenceBundle {
	switch kind {
	case kindEvent:
		b.Events = removeEvent(b.Events, id)
	case kindPreceding:
		b.Transitions.Preceding = removeTransition(b.Transitions.Preceding, id)
	case kindSucceeding:
		b.Transitions.Succeeding = removeTransition(b.Transitions.Succeeding, id)
	}
	return b
}

func removeEvent(events []model.Event, id string) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func removeTransition(ts []model.Transition, id string) []model.Transition {
	out := make([]model.Transition, 0, len(ts))
	for _, t := range ts {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func recomputeAllowedIDs(b model.EvidenceBundle) []string {
	set := make(map[string]struct{}, 1+len(b.Events)+len(b.Transitions.Preceding)+len(b.Transitions.Succeeding))
	set[b.Anchor.ID] = struct{}{}
	for _, e := range b.Events {
		set[e.ID] = struct{}{}
	}
	for _, t := range b.Transitions.Preceding {
		set[t.ID] = struct{}{}
	}
	for _, t := range b.Transitions.Succeeding {
		set[t.ID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func bundleSizeBytes(b model.EvidenceBundle) (int, error) {
	_, raw, err := canon.FingerprintValue(b)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
