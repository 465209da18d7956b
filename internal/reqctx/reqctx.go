// Package reqctx carries per-request immutable values through context.Context.
//
// Replaces process-global mutable state (the current policy fingerprint,
// the current allowed-ids fingerprint) with values threaded explicitly
// through the request's context, adopted by the caller for its next
// request rather than mutated in place behind its back.
package reqctx

import "context"

type contextKey string

const (
	keyRequestID    contextKey = "request_id"
	keyTraceID      contextKey = "trace_id"
	keySnapshotETag contextKey = "snapshot_etag"
	keyPolicyFP     contextKey = "policy_fp"
)

// WithRequestID returns a new context carrying the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request id from the context, or "" if absent.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}

// WithTraceID returns a new context carrying the given trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTraceID, id)
}

// TraceID extracts the trace id from the context, or "" if absent.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(keyTraceID).(string)
	return v
}

// WithSnapshotETag returns a new context carrying the adopted snapshot etag.
func WithSnapshotETag(ctx context.Context, etag string) context.Context {
	return context.WithValue(ctx, keySnapshotETag, etag)
}

// SnapshotETag extracts the snapshot etag from the context, or "" if absent.
func SnapshotETag(ctx context.Context) string {
	v, _ := ctx.Value(keySnapshotETag).(string)
	return v
}

// WithPolicyFingerprint returns a new context carrying the effective policy fingerprint.
func WithPolicyFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, keyPolicyFP, fp)
}

// PolicyFingerprint extracts the policy fingerprint from the context, or "" if absent.
func PolicyFingerprint(ctx context.Context) string {
	v, _ := ctx.Value(keyPolicyFP).(string)
	return v
}
