package delivery

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Intent describes a side-effecting call the caller wants delivered.
type Intent struct {
	// IntegrationID names the provider (e.g., "slack"). It selects the rate limit and adapter.
	IntegrationID string
	// Operation names the provider-side action (e.g., "post_message").
	Operation string
	// StableResourceID identifies the business resource the call is about.
	StableResourceID string
	// Payload is the JSON body handed to the adapter.
	Payload json.RawMessage
}

// Validate checks that all four inputs are present, valid UTF-8, and that the payload is
// JSON the idempotency key can be derived from.
func (i Intent) Validate() error {
	if !utf8.ValidString(i.IntegrationID) || !utf8.ValidString(i.Operation) || !utf8.ValidString(i.StableResourceID) {
		return ErrInvalidEncoding
	}
	if strings.TrimSpace(i.IntegrationID) == "" {
		return ErrIntegrationRequired
	}
	if strings.TrimSpace(i.Operation) == "" {
		return ErrOperationRequired
	}
	if strings.TrimSpace(i.StableResourceID) == "" {
		return ErrResourceRequired
	}
	payload := bytes.TrimSpace(i.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return ErrPayloadRequired
	}
	if _, err := canonicalPayload(payload); err != nil {
		return err
	}

	return nil
}

func (i Intent) normalized() Intent {
	return Intent{
		IntegrationID:    strings.TrimSpace(i.IntegrationID),
		Operation:        strings.TrimSpace(i.Operation),
		StableResourceID: strings.TrimSpace(i.StableResourceID),
		Payload:          bytes.TrimSpace(i.Payload),
	}
}
