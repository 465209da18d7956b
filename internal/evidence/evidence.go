// Package evidence implements the Evidence Builder (spec §4.3): normalize
// the expanded neighborhood into an EvidenceBundle and compute allowed_ids
// before any selection happens.
package evidence

import (
	"sort"

	"github.com/batvault/gateway/internal/expander"
	"github.com/batvault/gateway/internal/model"
)

// Build normalizes the neighborhood into an EvidenceBundle, computing
// allowed_ids per Invariant I1/I2 before selection.
func Build(nh *expander.Neighborhood) model.EvidenceBundle {
	b := model.EvidenceBundle{
		Anchor: nh.Anchor,
		Events: append([]model.Event(nil), nh.Events...),
		Transitions: model.TransitionSet{
			Preceding:  append([]model.Transition(nil), nh.Preceding...),
			Succeeding: append([]model.Transition(nil), nh.Succeeding...),
		},
	}
	b.AllowedIDs = AllowedIDs(b)
	return b
}

// AllowedIDs computes the exact union of anchor, event, and transition ids,
// de-duplicated and sorted ascending (Invariants I1, I2). Safe to call again
// after truncation to recompute the set over a trimmed bundle.
func AllowedIDs(b model.EvidenceBundle) []string {
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
