// Package orchestrator implements the Pipeline Orchestrator (spec §4.9): the
// state machine that drives one query from a resolved anchor to an emitted
// WhyDecisionResponse@1, streamed as NDJSON.
//
// RESOLVE -> EXPAND -> BUILD -> SELECT -> ENVELOPE -> LLM -> VALIDATE ->
// (FALLBACK -> VALIDATE)? -> PERSIST -> EMIT_FINAL -> DONE
//
// Per-stage deadlines follow the context.WithTimeout-per-call pattern used
// elsewhere for upstream calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/batvault/gateway/internal/artifacts"
	"github.com/batvault/gateway/internal/bverr"
	"github.com/batvault/gateway/internal/cache"
	"github.com/batvault/gateway/internal/canon"
	"github.com/batvault/gateway/internal/config"
	"github.com/batvault/gateway/internal/envelope"
	"github.com/batvault/gateway/internal/evidence"
	"github.com/batvault/gateway/internal/expander"
	"github.com/batvault/gateway/internal/llm"
	"github.com/batvault/gateway/internal/memoryapi"
	"github.com/batvault/gateway/internal/model"
	"github.com/batvault/gateway/internal/resolver"
	"github.com/batvault/gateway/internal/selector"
	"github.com/batvault/gateway/internal/templater"
	"github.com/batvault/gateway/internal/validator"
)

// Request is one query: either free text to resolve, or an anchor id
// supplied directly, plus the intent the client is asking for.
type Request struct {
	RequestID      string
	TraceID        string
	Question       string
	AnchorID       string // set when the caller already resolved an anchor
	Intent         model.Intent
	SnapshotETag   string // client's "as-of" expectation; "" means "don't care"
	PolicyFP       string // client's expected policy fingerprint; "" means "don't care"
}

// SnapshotSource resolves the graph store's current snapshot etag, used for
// the precondition check and echoed back in response headers/meta.
type SnapshotSource interface {
	CurrentSnapshot(ctx context.Context) (string, error)
}

// Emitter writes one NDJSON line per pipeline event. Implementations must
// flush after every Emit call so tokens and the final line reach the client
// as they are produced, not buffered until the handler returns.
type Emitter interface {
	Emit(line any) error
}

// Headers is the set of response headers the handler must set once the
// orchestrator has produced a result, on both success and precondition/
// policy-mismatch short circuits.
type Headers struct {
	RequestID        string
	SnapshotETag     string
	PolicyFP         string
	AllowedIDsFP     string
	GraphFP          string
	BundleFP         string
	SchemaFP         string
}

// Orchestrator wires every pipeline stage and drives one request through it.
type Orchestrator struct {
	resolver    *resolver.Resolver
	expander    *expander.Expander
	snapshot    SnapshotSource
	cache       *cache.Cache
	sink        *artifacts.Sink
	llmGate     llm.Gate
	cfg         config.Config
	policy      model.PolicyInfo
}

// New builds an Orchestrator over its collaborators and the effective policy.
func New(res *resolver.Resolver, exp *expander.Expander, snap SnapshotSource, c *cache.Cache, sink *artifacts.Sink, gate llm.Gate, cfg config.Config, policy model.PolicyInfo) *Orchestrator {
	return &Orchestrator{
		resolver: res,
		expander: exp,
		snapshot: snap,
		cache:    c,
		sink:     sink,
		llmGate:  gate,
		cfg:      cfg,
		policy:   policy,
	}
}

// tokenLine is the NDJSON shape for an LLM streaming token.
type tokenLine struct {
	Evt   string `json:"evt"`
	Token string `json:"token"`
}

// finalLine is the NDJSON shape for the terminal successful line.
type finalLine struct {
	Evt           string         `json:"evt"`
	SchemaVersion string         `json:"schema_version"`
	Response      model.ResponseBody `json:"response"`
}

// errorLine is the NDJSON shape for a mid-stream failure.
type errorLine struct {
	Evt       string `json:"evt"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// Run drives one request through the full state machine, emitting NDJSON
// lines via emit. It returns the response headers to set and, on a
// precondition or policy mismatch, the *bverr.Error the handler should turn
// into a pre-stream HTTP status — in that case no NDJSON line is written at
// all, matching spec §4.9's "checked before opening the stream" rule.
//
// onHeaders, if non-nil, is invoked exactly once with the RequestID/
// SnapshotETag/PolicyFP headers as soon as they are known — after the
// precondition/policy checks pass but before the pipeline's first Emit call.
// The handler uses this to commit its HTTP status and the headers known at
// that point before writing any response bytes; the remaining header values
// (the *FP fields, only known once the pipeline has run to completion) are
// in the Headers this function finally returns, for the handler to set as
// trailers once the stream has been written.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emitter, onHeaders func(Headers)) (Headers, *bverr.Error) {
	headers := Headers{RequestID: req.RequestID}

	currentETag, err := o.snapshot.CurrentSnapshot(ctx)
	if err != nil {
		return headers, bverr.Wrap(bverr.CodeUpstreamError, "snapshot lookup failed", err)
	}
	headers.SnapshotETag = currentETag

	if req.SnapshotETag != "" && req.SnapshotETag != currentETag {
		return headers, bverr.New(bverr.CodePreconditionFailed,
			fmt.Sprintf("snapshot_etag %q does not match current snapshot %q", req.SnapshotETag, currentETag))
	}

	policyFP, err := o.computePolicyFP()
	if err != nil {
		return headers, bverr.Wrap(bverr.CodeInternal, "policy fingerprint computation failed", err)
	}
	headers.PolicyFP = policyFP

	if req.PolicyFP != "" && req.PolicyFP != policyFP {
		return headers, bverr.New(bverr.CodePolicyMismatch,
			fmt.Sprintf("policy_fp mismatch: client expected %q, server computed %q", req.PolicyFP, policyFP))
	}

	if onHeaders != nil {
		onHeaders(headers)
	}

	runtime := model.Runtime{}
	result, bverrErr := o.runPipeline(ctx, req, currentETag, policyFP, &runtime, emit)
	if bverrErr != nil {
		_ = emit.Emit(errorLine{Evt: "error", Code: string(bverrErr.Code), Message: bverrErr.Message, RequestID: req.RequestID})
		return headers, bverrErr
	}

	headers.AllowedIDsFP = result.fingerprints.AllowedIDsFP
	headers.GraphFP = result.fingerprints.GraphFP
	headers.BundleFP = result.fingerprints.BundleFP
	headers.SchemaFP = result.schemaFP

	if err := emit.Emit(finalLine{Evt: "final", SchemaVersion: model.SchemaVersion, Response: result.body}); err != nil {
		return headers, bverr.Wrap(bverr.CodeInternal, "failed to emit final line", err)
	}
	return headers, nil
}

type pipelineResult struct {
	body         model.ResponseBody
	fingerprints envelope.Fingerprints
	schemaFP     string
}

// runPipeline executes RESOLVE through PERSIST, honoring per-stage timeouts
// from config.Timeouts. Any stage error is wrapped as a bverr.Error and
// surfaces as an {evt:"error"} line by the caller — by this point the
// snapshot/policy precondition checks have already passed, so the stream is
// open and errors must be reported in-band rather than via HTTP status.
func (o *Orchestrator) runPipeline(ctx context.Context, req Request, snapshotETag, policyFP string, runtime *model.Runtime, emit Emitter) (pipelineResult, *bverr.Error) {
	start := time.Now()

	anchorID := req.AnchorID
	resolveStart := time.Now()
	if anchorID == "" {
		resolveCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Search)
		res, err := o.resolver.Resolve(resolveCtx, req.Question)
		cancel()
		if err != nil {
			var be *bverr.Error
			if bverr.As(err, &be) {
				return pipelineResult{}, be
			}
			return pipelineResult{}, bverr.Wrap(bverr.CodeUpstreamError, "resolve failed", err)
		}
		anchorID = res.AnchorID
	}
	runtime.StageMS.Resolve = time.Since(resolveStart).Milliseconds()

	expandStart := time.Now()
	expandCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Expand+o.cfg.Timeouts.Enrich)
	nh, err := o.expander.Expand(expandCtx, anchorID)
	cancel()
	if err != nil {
		if errors.Is(expandCtx.Err(), context.DeadlineExceeded) {
			return pipelineResult{}, bverr.StageTimeout("expand", err)
		}
		return pipelineResult{}, bverr.Wrap(bverr.CodeUpstreamError, "expand failed", err)
	}
	runtime.StageMS.Expand = time.Since(expandStart).Milliseconds()

	buildStart := time.Now()
	pool := evidence.Build(nh)
	runtime.StageMS.Build = time.Since(buildStart).Milliseconds()

	selectStart := time.Now()
	budget := selector.Budget{
		MaxPromptBytes:     o.cfg.MaxPromptBytes,
		SoftThresholdBytes: o.cfg.SoftThresholdBytes,
		MinEvidenceItems:   o.cfg.MinEvidenceItems,
	}
	selResult, err := selector.Select(pool, budget, selector.DefaultWeights, o.cfg.SelectorModelID)
	if err != nil {
		return pipelineResult{}, bverr.Wrap(bverr.CodeInternal, "selection failed", err)
	}
	runtime.StageMS.Select = time.Since(selectStart).Milliseconds()

	envelopeStart := time.Now()
	env, fps, err := envelope.Build(req.Intent, req.Question, selResult.Bundle, pool, o.cfg.LLMMaxTokens)
	if err != nil {
		return pipelineResult{}, bverr.Wrap(bverr.CodeInternal, "envelope assembly failed", err)
	}
	runtime.StageMS.Envelope = time.Since(envelopeStart).Milliseconds()

	llmStart := time.Now()
	answer, llmErr := o.callLLM(ctx, env, emit)
	runtime.StageMS.LLM = time.Since(llmStart).Milliseconds()

	validateStart := time.Now()
	fallbackReason := ""
	if llmErr != nil {
		if errors.Is(llmErr, llm.ErrModeOff) {
			fallbackReason = "llm_mode_off"
		} else {
			fallbackReason = "llm_call_failed"
		}
	} else if report := validator.Validate(selResult.Bundle, answer, req.Intent); !report.OK {
		fallbackReason = "validator_rejected_llm_answer"
	}

	if fallbackReason != "" {
		answer = templater.Render(selResult.Bundle, req.Intent)
		runtime.FallbackUsed = true
		runtime.FallbackReason = fallbackReason
	}
	// Render's output is a hard invariant: it always passes Validate, so this
	// report is never used to trigger a second fallback.
	report := validator.Validate(selResult.Bundle, answer, req.Intent)
	runtime.StageMS.Validate = time.Since(validateStart).Milliseconds()

	schemaFP := canon.Fingerprint([]byte(model.SchemaVersion))

	completeness := model.ComputeCompletenessFlags(selResult.Bundle)
	meta := model.MetaInfo{
		Request: model.RequestInfo{RequestID: req.RequestID, TraceID: req.TraceID, SnapshotETag: snapshotETag},
		Policy:  o.policy,
		Budgets: model.Budgets{
			MaxPromptBytes:     o.cfg.MaxPromptBytes,
			MinEvidenceItems:   o.cfg.MinEvidenceItems,
			SoftThresholdBytes: o.cfg.SoftThresholdBytes,
			StageTimeoutsMS: model.StageTimeoutsMS{
				Resolve:  o.cfg.Timeouts.Search.Milliseconds(),
				Expand:   o.cfg.Timeouts.Expand.Milliseconds(),
				Enrich:   o.cfg.Timeouts.Enrich.Milliseconds(),
				LLM:      o.cfg.Timeouts.LLM.Milliseconds(),
				Validate: o.cfg.Timeouts.Validate.Milliseconds(),
			},
		},
		Fingerprints: model.Fingerprints{
			PromptFP:     fps.PromptFP,
			BundleFP:     fps.BundleFP,
			GraphFP:      fps.GraphFP,
			AllowedIDsFP: fps.AllowedIDsFP,
			PolicyFP:     policyFP,
			SchemaFP:     schemaFP,
		},
		EvidenceCounts: model.EvidenceCounts{
			Pool:            selResult.SelectionMetrics.TotalNeighborsFound,
			PromptIncluded:  selResult.SelectionMetrics.FinalEvidenceCount,
			PayloadIncluded: selResult.SelectionMetrics.FinalEvidenceCount,
			Dropped:         len(selResult.Excluded),
		},
		EvidenceSets: model.EvidenceSets{
			PoolIDs:            evidence.AllowedIDs(pool),
			PromptIncludedIDs:  selResult.Bundle.AllowedIDs,
			PromptExcludedIDs:  selResult.Excluded,
			PayloadIncludedIDs: selResult.Bundle.AllowedIDs,
			PayloadSource:      "prompt",
		},
		SelectionMetrics:  selResult.SelectionMetrics,
		TruncationMetrics: selResult.TruncationMetrics,
		Runtime:           *runtime,
		Validator:         report,
	}

	body := model.ResponseBody{
		Intent:            req.Intent,
		Evidence:          selResult.Bundle,
		Answer:            answer,
		CompletenessFlags: completeness,
		Meta:              meta,
	}

	persistStart := time.Now()
	if o.sink != nil {
		if err := o.sink.PutAll(ctx, req.RequestID, artifacts.Bundle{
			Envelope:        env,
			EvidencePre:     pool,
			EvidencePost:    selResult.Bundle,
			LLMRaw:          answer,
			ValidatorReport: report,
			Final:           model.Response{SchemaVersion: model.SchemaVersion, Response: body},
		}); err != nil {
			return pipelineResult{}, bverr.Wrap(bverr.CodeInternal, "artifact persistence failed", err)
		}
	}
	runtime.StageMS.Persist = time.Since(persistStart).Milliseconds()
	runtime.LatencyMS = time.Since(start).Milliseconds()
	body.Meta.Runtime = *runtime

	return pipelineResult{body: body, fingerprints: fps, schemaFP: schemaFP}, nil
}

// callLLM makes the single bounded LLM call for this request, under its own
// stage deadline, emitting a {evt:"token"} NDJSON line for every chunk the
// model streams back. The caller decides what to do with a non-nil error —
// ErrModeOff and any transport/shape failure both route to the templater.
func (o *Orchestrator) callLLM(ctx context.Context, env envelope.Envelope, emit Emitter) (model.WhyDecisionAnswer, error) {
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.LLM)
	defer cancel()
	onToken := func(chunk string) {
		_ = emit.Emit(tokenLine{Evt: "token", Token: chunk})
	}
	return o.llmGate.Call(llmCtx, env, onToken)
}

// decodeNDJSONEmitter writes each line as JSON followed by a newline,
// flushing immediately when w implements http.Flusher (checked by the
// caller before constructing this).
type decodeNDJSONEmitter struct {
	w io.Writer
	flush func()
}

// NewNDJSONEmitter builds an Emitter that writes newline-delimited JSON to w
// and calls flush after every line so streamed tokens reach the client
// immediately rather than waiting for the handler to return.
func NewNDJSONEmitter(w io.Writer, flush func()) Emitter {
	return &decodeNDJSONEmitter{w: w, flush: flush}
}

func (e *decodeNDJSONEmitter) Emit(line any) error {
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal ndjson line: %w", err)
	}
	if _, err := e.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("orchestrator: write ndjson line: %w", err)
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// computePolicyFP fingerprints the effective policy so clients can detect a
// mid-session policy change (spec §4.9, §7: server echoes this value on a
// 409 for one-shot retry).
func (o *Orchestrator) computePolicyFP() (string, error) {
	fp, _, err := canon.FingerprintValue(o.policy)
	if err != nil {
		return "", err
	}
	return fp, nil
}

var _ SnapshotSource = (*memoryapi.Client)(nil)
