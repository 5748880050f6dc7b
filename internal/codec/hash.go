package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/flowsm/internal/statemachine"
)

// DomainCheckpoint separates checkpoint fingerprints from any other hash
// computed over the same bytes. The version suffix allows a future change of
// encoding.
const DomainCheckpoint = "flowsm/checkpoint/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the content hash of a checkpoint. The store uses it to
// skip rewriting a checkpoint that has not changed.
func Fingerprint(c Codec, cp statemachine.Checkpoint) (string, error) {
	data, err := c.EncodeCheckpoint(cp)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return FingerprintBytes(data)
}

// FingerprintBytes fingerprints an already encoded checkpoint.
func FingerprintBytes(data []byte) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainCheckpoint, canonical), nil
}
