package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestMarshalPreservesArrayOrder(t *testing.T) {
	in := map[string]any{"ids": []any{"c", "a", "b"}}
	out, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, `{"ids":["c","a","b"]}`, string(out))
}

func TestMarshalNoTrailingZeros(t *testing.T) {
	in := map[string]any{"n": 1.500}
	out, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, `{"n":1.5}`, string(out))
}

func TestMarshalIsDeterministic(t *testing.T) {
	in := struct {
		B string `json:"b"`
		A string `json:"a"`
	}{B: "x", A: "y"}
	out1, err := Marshal(in)
	require.NoError(t, err)
	out2, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint([]byte("hello"))
	require.Len(t, fp, len("sha256:")+64)
	require.Equal(t, "sha256:", fp[:7])
}

func TestFingerprintValueRoundTrip(t *testing.T) {
	v := map[string]any{"x": 1}
	fp1, b1, err := FingerprintValue(v)
	require.NoError(t, err)
	fp2 := Fingerprint(b1)
	require.Equal(t, fp1, fp2)
}
