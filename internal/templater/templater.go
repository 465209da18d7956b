// Package templater implements the deterministic fallback answer (spec
// §4.7): whenever the LLM Caller is skipped, fails, or produces an answer
// the Validator rejects, the Templater derives a WhyDecisionAnswer straight
// from the evidence bundle so the pipeline always has a valid answer to emit.
//
// Render's output must always pass validator.Validate — the orchestrator
// treats that as a hard invariant with no further fallback — so it never
// cites a transition at all (citing none trivially satisfies the
// citation-orientation rule for every intent) and only ever cites ids that
// are already in allowed_ids.
package templater

import (
	"fmt"
	"sort"

	"github.com/batvault/gateway/internal/model"
)

const (
	maxShortAnswerRunes   = 320
	maxRationaleNoteRunes = 280

	// maxCitedEvents bounds how many of the bundle's events feed
	// supporting_ids, per spec §4.7 "first two event ids".
	maxCitedEvents = 2
)

// Render builds a deterministic answer from the bundle alone, with no model
// inference: short_answer is built from anchor.option/anchor.title and the
// count of preceding/succeeding transitions; supporting_ids is
// sorted([anchor.id] ∪ first two event ids) intersected with allowed_ids.
func Render(b model.EvidenceBundle, intent model.Intent) model.WhyDecisionAnswer {
	allowed := make(map[string]struct{}, len(b.AllowedIDs))
	for _, id := range b.AllowedIDs {
		allowed[id] = struct{}{}
	}

	candidates := map[string]struct{}{b.Anchor.ID: {}}
	for i, e := range b.Events {
		if i >= maxCitedEvents {
			break
		}
		candidates[e.ID] = struct{}{}
	}

	supporting := make([]string, 0, len(candidates))
	for id := range candidates {
		if _, ok := allowed[id]; ok {
			supporting = append(supporting, id)
		}
	}
	sort.Strings(supporting)

	short := truncateRunes(shortAnswer(b.Anchor, b.Transitions), maxShortAnswerRunes)
	note := truncateRunes("answer generated from evidence bundle without model inference", maxRationaleNoteRunes)

	return model.WhyDecisionAnswer{
		ShortAnswer:   short,
		SupportingIDs: supporting,
		RationaleNote: note,
	}
}

// shortAnswer names the anchor (preferring its option over its title, per
// spec §4.7) and reports the shape of its neighborhood by transition count.
func shortAnswer(anchor model.Anchor, transitions model.TransitionSet) string {
	label := anchor.Option
	if label == "" {
		label = anchor.Title
	}
	if label == "" {
		label = anchor.ID
	}
	return fmt.Sprintf(
		"%s: %d preceding and %d succeeding transitions recorded in evidence.",
		label, len(transitions.Preceding), len(transitions.Succeeding),
	)
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
