// Package validator implements the answer Validator (spec §4.8): checks
// a WhyDecisionAnswer against its evidence bundle for schema, id-scope,
// length, completeness, and citation-orientation before it can be emitted.
package validator

import (
	"fmt"
	"sort"

	"github.com/batvault/gateway/internal/model"
)

const (
	maxShortAnswerRunes   = 320
	maxRationaleNoteRunes = 280
)

// Validate runs every check and returns the accumulated report. OK is true
// only when every check passes; Errors names each failing check.
func Validate(b model.EvidenceBundle, answer model.WhyDecisionAnswer, intent model.Intent) model.ValidatorReport {
	var errs []string

	if err := checkSchema(answer); err != nil {
		errs = append(errs, err.Error())
	}
	if err := checkIDScope(b, answer); err != nil {
		errs = append(errs, err.Error())
	}
	if err := checkAllowedIDsExactUnion(b); err != nil {
		errs = append(errs, err.Error())
	}
	if err := checkLength(answer); err != nil {
		errs = append(errs, err.Error())
	}
	if err := checkCitationOrientation(b, answer, intent); err != nil {
		errs = append(errs, err.Error())
	}

	return model.ValidatorReport{OK: len(errs) == 0, Errors: errs}
}

func checkSchema(answer model.WhyDecisionAnswer) error {
	if answer.ShortAnswer == "" {
		return fmt.Errorf("validator: short_answer is empty")
	}
	if len(answer.SupportingIDs) == 0 {
		return fmt.Errorf("validator: supporting_ids is empty")
	}
	return nil
}

// checkIDScope enforces Invariants A1 (supporting_ids ⊆ allowed_ids) and A2
// (anchor.id ∈ supporting_ids).
func checkIDScope(b model.EvidenceBundle, answer model.WhyDecisionAnswer) error {
	allowed := make(map[string]struct{}, len(b.AllowedIDs))
	for _, id := range b.AllowedIDs {
		allowed[id] = struct{}{}
	}

	anchorCited := false
	for _, id := range answer.SupportingIDs {
		if id == b.Anchor.ID {
			anchorCited = true
		}
		if _, ok := allowed[id]; !ok {
			return fmt.Errorf("validator: supporting_ids contains %q which is not in allowed_ids", id)
		}
	}
	if !anchorCited {
		return fmt.Errorf("validator: supporting_ids does not include anchor id %q", b.Anchor.ID)
	}
	return nil
}

// checkAllowedIDsExactUnion enforces Invariant I1: set(allowed_ids) must
// equal exactly {anchor.id} ∪ {event ids} ∪ {transition ids}, with nothing
// missing and nothing extra. A drift here (e.g. a selector truncation bug
// that trims the bundle without re-deriving allowed_ids) ships undetected
// by the narrower id-scope check alone.
func checkAllowedIDsExactUnion(b model.EvidenceBundle) error {
	want := map[string]bool{b.Anchor.ID: true}
	for _, e := range b.Events {
		want[e.ID] = true
	}
	for _, t := range b.Transitions.Preceding {
		want[t.ID] = true
	}
	for _, t := range b.Transitions.Succeeding {
		want[t.ID] = true
	}

	got := make(map[string]bool, len(b.AllowedIDs))
	for _, id := range b.AllowedIDs {
		got[id] = true
	}

	var missing, extra []string
	for id := range want {
		if !got[id] {
			missing = append(missing, id)
		}
	}
	for id := range got {
		if !want[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return fmt.Errorf("validator: allowed_ids is not the exact union of anchor+event+transition ids (missing=%v extra=%v)", missing, extra)
}

func checkLength(answer model.WhyDecisionAnswer) error {
	if len([]rune(answer.ShortAnswer)) > maxShortAnswerRunes {
		return fmt.Errorf("validator: short_answer exceeds %d runes", maxShortAnswerRunes)
	}
	if len([]rune(answer.RationaleNote)) > maxRationaleNoteRunes {
		return fmt.Errorf("validator: rationale_note exceeds %d runes", maxRationaleNoteRunes)
	}
	return nil
}

// checkCitationOrientation enforces that when supporting_ids cites any
// transition, it cites exactly the oriented set matching the question's
// intent: the preceding set for a "why" question, the succeeding set for a
// "what next" (chains) question. Partial citation of the wrong orientation
// or a mix of both is rejected.
func checkCitationOrientation(b model.EvidenceBundle, answer model.WhyDecisionAnswer, intent model.Intent) error {
	preceding := transitionIDSet(b.Transitions.Preceding)
	succeeding := transitionIDSet(b.Transitions.Succeeding)

	citedPreceding := map[string]bool{}
	citedSucceeding := map[string]bool{}
	for _, id := range answer.SupportingIDs {
		if preceding[id] {
			citedPreceding[id] = true
		}
		if succeeding[id] {
			citedSucceeding[id] = true
		}
	}
	if len(citedPreceding) == 0 && len(citedSucceeding) == 0 {
		return nil
	}

	wantPreceding := intent != model.IntentChains

	if wantPreceding {
		if len(citedSucceeding) > 0 {
			return fmt.Errorf("validator: supporting_ids cites succeeding transitions for a why question")
		}
		return compareExactSet(citedPreceding, preceding, "preceding")
	}
	if len(citedPreceding) > 0 {
		return fmt.Errorf("validator: supporting_ids cites preceding transitions for a chains question")
	}
	return compareExactSet(citedSucceeding, succeeding, "succeeding")
}

func transitionIDSet(ts []model.Transition) map[string]bool {
	set := make(map[string]bool, len(ts))
	for _, t := range ts {
		set[t.ID] = true
	}
	return set
}

func compareExactSet(cited, full map[string]bool, label string) error {
	if len(cited) != len(full) {
		return fmt.Errorf("validator: supporting_ids must cite exactly the %s transition set", label)
	}
	for id := range full {
		if !cited[id] {
			return fmt.Errorf("validator: supporting_ids must cite exactly the %s transition set", label)
		}
	}
	return nil
}
