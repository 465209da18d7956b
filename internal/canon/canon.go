// Package canon produces canonical JSON encodings and their fingerprints.
//
// Canonical form (spec §4.5): object keys sorted lexicographically at
// every depth, UTF-8, no insignificant whitespace, numbers rendered
// without trailing zeros, arrays preserved in the order given by the
// caller. No library in the adopted dependency set provides JSON
// canonicalization (json-diff/marshaling order tools are absent from
// the pack), so this walks encoding/json's generic decode tree by hand
// — the standard approach used by every comparable Go implementation.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal encodes v as canonical JSON bytes.
func Marshal(v any) ([]byte, error) {
	// Round-trip through json.Marshal/Unmarshal(into any) to normalize
	// struct field ordering into map[string]any, then re-emit sorted.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		return encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(b)
	return nil
}

// encodeNumber re-renders a json.Number without insignificant trailing
// zeros or a redundant leading "+", while preserving integer vs. float shape.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number %q: %w", n.String(), err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canon: number %q is not finite JSON", n.String())
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
