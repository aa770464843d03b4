package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyDomain prefixes every idempotency key digest. The version suffix allows a future algorithm change.
const KeyDomain = "delivery/intent/v1"

// KeyLength is the length of an idempotency key (hex-encoded SHA-256).
const KeyLength = sha256.Size * 2

// IdempotencyKey derives the deterministic key for an intent.
// Intents whose four inputs are equal after canonicalization share a key.
func IdempotencyKey(intent Intent) (string, error) {
	intent = intent.normalized()
	payload, err := decodeJSON(intent.Payload)
	if err != nil {
		return "", err
	}

	material := map[string]any{
		"integration_id":     intent.IntegrationID,
		"operation":          intent.Operation,
		"stable_resource_id": intent.StableResourceID,
		"payload":            payload,
	}
	canonical, err := marshalCanonical(material)
	if err != nil {
		return "", fmt.Errorf("delivery: canonicalize intent: %w", err)
	}

	return hashWithDomain(KeyDomain, canonical), nil
}

// hashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}
