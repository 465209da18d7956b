// Package artifacts implements the Artifact Sink (spec §4.10): persist
// every stage's output under request_id/ in object storage so a request can
// be replayed and audited after the fact.
//
// No repo in the retrieved corpus calls the AWS SDK directly — only its
// go.mod manifests list it as a dependency — so the client construction
// here follows the SDK's own documented config.LoadDefaultConfig +
// s3.NewFromConfig idiom rather than a pack file; see DESIGN.md.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Kind names one of the six artifacts written per request, in write order.
type Kind string

const (
	KindEnvelope        Kind = "envelope.json"
	KindEvidencePre      Kind = "evidence.pre.json"
	KindEvidencePost     Kind = "evidence.post.json"
	KindLLMRaw           Kind = "llm.raw.json"
	KindValidatorReport  Kind = "validator.report.json"
	KindFinal            Kind = "final.json"
)

// WriteOrder is the sequence artifacts are persisted in during PERSIST
// (spec §4.9); callers writing out of order still produce correct objects,
// but the orchestrator follows this sequence to mirror pipeline progress.
var WriteOrder = []Kind{KindEnvelope, KindEvidencePre, KindEvidencePost, KindLLMRaw, KindValidatorReport, KindFinal}

// PutObjectAPI is the subset of the S3 client the sink needs, so it can be
// faked in tests without standing up MinIO.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// GetObjectAPI is the subset of the S3 client the bundle-verify endpoint
// needs to read a previously persisted artifact back.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ObjectAPI is the full client surface the Sink uses: write during PERSIST,
// read back for GET /v3/bundles/{request_id}.
type ObjectAPI interface {
	PutObjectAPI
	GetObjectAPI
}

// Sink writes pipeline artifacts to an S3-compatible bucket (MinIO in
// development, S3 in production — same API).
type Sink struct {
	client ObjectAPI
	bucket string
}

func New(client *s3.Client, bucket string) *Sink {
	return &Sink{client: client, bucket: bucket}
}

// NewWithClient builds a Sink over any ObjectAPI implementation; used by
// tests to substitute a fake in place of a real S3/MinIO client.
func NewWithClient(client ObjectAPI, bucket string) *Sink {
	return &Sink{client: client, bucket: bucket}
}

// Put writes v as canonical-enough JSON (standard encoding/json; artifacts
// are for replay/audit, not fingerprinting) to <requestID>/<kind>.
func (s *Sink) Put(ctx context.Context, requestID string, kind Kind, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifacts: marshal %s: %w", kind, err)
	}
	key := fmt.Sprintf("%s/%s", requestID, kind)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	return nil
}

// Get reads back a previously persisted artifact's raw JSON bytes.
func (s *Sink) Get(ctx context.Context, requestID string, kind Kind) ([]byte, error) {
	key := fmt.Sprintf("%s/%s", requestID, kind)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", key, err)
	}
	return body, nil
}

// GetFinal reads back the persisted final.json for requestID, for
// GET /v3/bundles/{request_id} (spec §6).
func (s *Sink) GetFinal(ctx context.Context, requestID string) ([]byte, error) {
	return s.Get(ctx, requestID, KindFinal)
}

// Bundle is every artifact produced by one request, in WriteOrder.
type Bundle struct {
	Envelope        any
	EvidencePre     any
	EvidencePost    any
	LLMRaw          any
	ValidatorReport any
	Final           any
}

// PutAll persists every artifact in Bundle under requestID/, in WriteOrder.
// Stops at the first write failure — a partial artifact set still has value
// for debugging and is left in place rather than rolled back.
func (s *Sink) PutAll(ctx context.Context, requestID string, b Bundle) error {
	pairs := []struct {
		kind Kind
		v    any
	}{
		{KindEnvelope, b.Envelope},
		{KindEvidencePre, b.EvidencePre},
		{KindEvidencePost, b.EvidencePost},
		{KindLLMRaw, b.LLMRaw},
		{KindValidatorReport, b.ValidatorReport},
		{KindFinal, b.Final},
	}
	for _, p := range pairs {
		if err := s.Put(ctx, requestID, p.kind, p.v); err != nil {
			return err
		}
	}
	return nil
}
