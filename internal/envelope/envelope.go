// Package envelope implements the Prompt Envelope assembly (spec §4.5):
// the exact canonical structure handed to the LLM Caller, plus the
// fingerprints recorded in response meta (prompt_fp, bundle_fp, graph_fp,
// allowed_ids_fp).
package envelope

import (
	"github.com/batvault/gateway/internal/canon"
	"github.com/batvault/gateway/internal/model"
)

// outputSchema is the fixed output_schema name the LLM Caller's system
// prompt and the envelope's constraints both reference (spec §4.5).
const outputSchema = "WhyDecisionAnswer@1"

// Constraints tells the model how it must shape its answer. Set once by
// Build from the resolved config, never per-request.
type Constraints struct {
	MaxTokens              int    `json:"max_tokens"`
	CiteFromAllowedIDsOnly bool   `json:"cite_from_allowed_ids_only"`
	OutputSchema           string `json:"output_schema"`
}

// Envelope is the canonical payload the LLM Caller receives. Field order in
// the struct is irrelevant to the fingerprint — canon.Marshal sorts keys —
// but is kept readable here for template authors. prompt_fp is fingerprinted
// over exactly this struct, so any field added here changes every prompt_fp
// a client has already seen.
type Envelope struct {
	Intent        model.Intent        `json:"intent"`
	Question      string              `json:"question"`
	Anchor        model.Anchor        `json:"anchor"`
	Evidence      Evidence            `json:"evidence"`
	AllowedIDs    []string            `json:"allowed_ids"`
	SchemaVersion string              `json:"schema_version"`
	Constraints   Constraints         `json:"constraints"`
}

// Evidence is the events+transitions half of the bundle, named to match
// spec §4.5's "evidence" field rather than exposing two top-level arrays.
type Evidence struct {
	Events      []model.Event       `json:"events"`
	Transitions model.TransitionSet `json:"transitions"`
}

// Fingerprints bundles the four fingerprints §4.5 requires in response meta.
type Fingerprints struct {
	PromptFP     string
	BundleFP     string
	GraphFP      string
	AllowedIDsFP string
}

// Build assembles the canonical envelope for a truncated evidence bundle and
// computes its fingerprint family. bundle is the post-truncation bundle
// (what is actually sent); graphPool is the pre-truncation pool used only
// for graph_fp, since graph_fp identifies the neighborhood shape independent
// of what survived selection. maxTokens is the model's output token budget
// (config LLM_MAX_TOKENS), echoed into constraints.max_tokens so the model
// is told its own limit rather than the caller assuming it out of band.
func Build(intent model.Intent, question string, bundle model.EvidenceBundle, graphPool model.EvidenceBundle, maxTokens int) (Envelope, Fingerprints, error) {
	env := Envelope{
		Intent:   intent,
		Question: question,
		Anchor:   bundle.Anchor,
		Evidence: Evidence{
			Events:      bundle.Events,
			Transitions: bundle.Transitions,
		},
		AllowedIDs:    bundle.AllowedIDs,
		SchemaVersion: model.SchemaVersion,
		Constraints: Constraints{
			MaxTokens:              maxTokens,
			CiteFromAllowedIDsOnly: true,
			OutputSchema:           outputSchema,
		},
	}

	promptFP, _, err := canon.FingerprintValue(env)
	if err != nil {
		return Envelope{}, Fingerprints{}, err
	}
	bundleFP, _, err := canon.FingerprintValue(bundle)
	if err != nil {
		return Envelope{}, Fingerprints{}, err
	}
	graphFP, _, err := canon.FingerprintValue(graphPool)
	if err != nil {
		return Envelope{}, Fingerprints{}, err
	}
	allowedIDsFP, _, err := canon.FingerprintValue(bundle.AllowedIDs)
	if err != nil {
		return Envelope{}, Fingerprints{}, err
	}

	return env, Fingerprints{
		PromptFP:     promptFP,
		BundleFP:     bundleFP,
		GraphFP:      graphFP,
		AllowedIDsFP: allowedIDsFP,
	}, nil
}
