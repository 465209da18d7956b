// Package expander implements the Graph Expander (spec §4.2): fetch the
// anchor plus its one-hop neighborhood and enrich each neighbor.
//
// Neighbor enrichment fans out concurrently via golang.org/x/sync/errgroup,
// bounded by the request's per-stage deadline scope (spec §5).
package expander

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/batvault/gateway/internal/memoryapi"
	"github.com/batvault/gateway/internal/model"
)

func unmarshalMerge(raw json.RawMessage, target any) error {
	return json.Unmarshal(raw, target)
}

// Neighborhood is the anchor plus its normalized one-hop neighbors.
type Neighborhood struct {
	Anchor     model.Anchor
	Events     []model.Event
	Preceding  []model.Transition
	Succeeding []model.Transition
}

// Expander fetches and enriches the one-hop neighborhood of an anchor.
type Expander struct {
	memory *memoryapi.Client
}

func New(memory *memoryapi.Client) *Expander {
	return &Expander{memory: memory}
}

// Expand fetches the anchor and its one-hop neighborhood (k=1, unbounded —
// no in-code neighbor cap per spec §4.2) and enriches every neighbor
// concurrently.
func (e *Expander) Expand(ctx context.Context, anchorID string) (*Neighborhood, error) {
	candidates, err := e.memory.ExpandCandidates(ctx, anchorID)
	if err != nil {
		return nil, fmt.Errorf("expander: expand_candidates: %w", err)
	}

	events := dedupeEvents(candidates.Events)
	preceding := dedupeTransitions(candidates.Preceding)
	succeeding := dedupeTransitions(candidates.Succeeding)

	g, gctx := errgroup.WithContext(ctx)
	for i := range events {
		i := i
		g.Go(func() error { return e.enrichEvent(gctx, &events[i]) })
	}
	for i := range preceding {
		i := i
		preceding[i].Orientation = model.OrientationPreceding
		g.Go(func() error { return e.enrichTransition(gctx, &preceding[i]) })
	}
	for i := range succeeding {
		i := i
		succeeding[i].Orientation = model.OrientationSucceeding
		g.Go(func() error { return e.enrichTransition(gctx, &succeeding[i]) })
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("expander: enrich neighbors: %w", err)
	}

	sortEvents(events)
	sortTransitions(preceding)
	sortTransitions(succeeding)

	return &Neighborhood{
		Anchor:     candidates.Anchor,
		Events:     events,
		Preceding:  preceding,
		Succeeding: succeeding,
	}, nil
}

func (e *Expander) enrichEvent(ctx context.Context, ev *model.Event) error {
	raw, _, err := e.memory.Enrich(ctx, memoryapi.EnrichEvent, ev.ID, "")
	if err != nil {
		return fmt.Errorf("enrich event %s: %w", ev.ID, err)
	}
	if raw == nil {
		// 304 Not Modified against a cached canonical record; nothing to merge.
		ev.Tags = normalizeTags(ev.Tags)
		return nil
	}
	var enriched model.Event
	if err := unmarshalMerge(raw, &enriched); err != nil {
		return fmt.Errorf("decode enriched event %s: %w", ev.ID, err)
	}
	mergeEvent(ev, enriched)
	ev.Tags = normalizeTags(ev.Tags)
	return nil
}

func (e *Expander) enrichTransition(ctx context.Context, tr *model.Transition) error {
	raw, _, err := e.memory.Enrich(ctx, memoryapi.EnrichTransition, tr.ID, "")
	if err != nil {
		return fmt.Errorf("enrich transition %s: %w", tr.ID, err)
	}
	if raw == nil {
		tr.Tags = normalizeTags(tr.Tags)
		return nil
	}
	var enriched model.Transition
	if err := unmarshalMerge(raw, &enriched); err != nil {
		return fmt.Errorf("decode enriched transition %s: %w", tr.ID, err)
	}
	orientation := tr.Orientation
	mergeTransition(tr, enriched)
	tr.Orientation = orientation
	tr.Tags = normalizeTags(tr.Tags)
	return nil
}

func mergeEvent(dst *model.Event, src model.Event) {
	if src.Summary != "" {
		dst.Summary = src.Summary
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if len(src.Tags) > 0 {
		dst.Tags = src.Tags
	}
	if len(src.BasedOn) > 0 {
		dst.BasedOn = src.BasedOn
	}
	if src.Snippet != "" {
		dst.Snippet = src.Snippet
	}
}

func mergeTransition(dst *model.Transition, src model.Transition) {
	if src.Reason != "" {
		dst.Reason = src.Reason
	}
	if src.Summary != "" {
		dst.Summary = src.Summary
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if len(src.Tags) > 0 {
		dst.Tags = src.Tags
	}
	if len(src.Transitions) > 0 {
		dst.Transitions = src.Transitions
	}
	if src.Snippet != "" {
		dst.Snippet = src.Snippet
	}
}

// normalizeTags lower-kebabs each tag and sorts the slice deterministically.
func normalizeTags(tags []string) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(t), "_", "-"))
	}
	sort.Strings(out)
	return out
}

func dedupeEvents(events []model.Event) []model.Event {
	seen := make(map[string]bool, len(events))
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func dedupeTransitions(ts []model.Transition) []model.Transition {
	seen := make(map[string]bool, len(ts))
	out := make([]model.Transition, 0, len(ts))
	for _, t := range ts {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

func sortEvents(events []model.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}

func sortTransitions(ts []model.Transition) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
