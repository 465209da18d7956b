package canon

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns "sha256:<hex>" over raw bytes, per spec §4.5/§9.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FingerprintValue canonicalizes v and fingerprints the result in one step.
func FingerprintValue(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return Fingerprint(b), b, nil
}
