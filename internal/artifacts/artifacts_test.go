package artifacts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	puts map[string][]byte
	err  error
}

func newFakeS3() *fakeS3 { return &fakeS3{puts: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	buf := make([]byte, 0)
	b := make([]byte, 4096)
	for {
		n, err := params.Body.Read(b)
		buf = append(buf, b[:n]...)
		if err != nil {
			break
		}
	}
	f.puts[*params.Key] = buf
	return &s3.PutObjectOutput{}, nil
}

func TestPutWritesUnderRequestIDPrefix(t *testing.T) {
	fake := newFakeS3()
	sink := NewWithClient(fake, "batvault-artifacts")

	err := sink.Put(context.Background(), "req-1", KindEnvelope, map[string]string{"k": "v"})
	require.NoError(t, err)

	raw, ok := fake.puts["req-1/envelope.json"]
	require.True(t, ok)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "v", decoded["k"])
}

func TestPutAllWritesEveryArtifactInOrder(t *testing.T) {
	fake := newFakeS3()
	sink := NewWithClient(fake, "batvault-artifacts")

	err := sink.PutAll(context.Background(), "req-2", Bundle{
		Envelope:        map[string]string{"e": "1"},
		EvidencePre:     map[string]string{"e": "2"},
		EvidencePost:    map[string]string{"e": "3"},
		LLMRaw:          map[string]string{"e": "4"},
		ValidatorReport: map[string]string{"e": "5"},
		Final:           map[string]string{"e": "6"},
	})
	require.NoError(t, err)
	require.Len(t, fake.puts, 6)
	for _, kind := range WriteOrder {
		_, ok := fake.puts["req-2/"+string(kind)]
		require.True(t, ok, "missing artifact %s", kind)
	}
}
