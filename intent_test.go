package delivery

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestIntentValidate(t *testing.T) {
	validPayload := json.RawMessage(`{"ok":true}`)

	cases := []struct {
		name   string
		intent Intent
		err    error
	}{
		{
			name:   "missing integration",
			intent: Intent{Operation: "post", StableResourceID: "X", Payload: validPayload},
			err:    ErrIntegrationRequired,
		},
		{
			name:   "blank integration",
			intent: Intent{IntegrationID: "  ", Operation: "post", StableResourceID: "X", Payload: validPayload},
			err:    ErrIntegrationRequired,
		},
		{
			name:   "missing operation",
			intent: Intent{IntegrationID: "slack", StableResourceID: "X", Payload: validPayload},
			err:    ErrOperationRequired,
		},
		{
			name:   "missing resource",
			intent: Intent{IntegrationID: "slack", Operation: "post", Payload: validPayload},
			err:    ErrResourceRequired,
		},
		{
			name:   "missing payload",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X"},
			err:    ErrPayloadRequired,
		},
		{
			name:   "null payload",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: json.RawMessage(" null ")},
			err:    ErrPayloadRequired,
		},
		{
			name:   "invalid payload",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: json.RawMessage(`{`)},
			err:    ErrInvalidPayload,
		},
		{
			name:   "invalid UTF-8 payload",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: json.RawMessage("{\"a\":\"\xff\"}")},
			err:    ErrInvalidPayload,
		},
		{
			name:   "invalid UTF-8 resource",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X\xfe", Payload: validPayload},
			err:    ErrInvalidEncoding,
		},
		{
			name:   "number out of range",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: json.RawMessage(`{"a":1e-500}`)},
			err:    ErrInvalidPayload,
		},
		{
			name:   "small number in range",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: json.RawMessage(`{"a":100000e-400}`)},
		},
		{
			name:   "valid",
			intent: Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: validPayload},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.intent.Validate()
			if tc.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if tc.err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest in chain, got %v", err)
			}
		})
	}
}

func TestValidateAgreesWithIdempotencyKey(t *testing.T) {
	payloads := []string{`{"a":1e-500}`, `{"a":100000e-400}`, `{"a":1e400}`, `{"a":1e401}`, `{"a":0e-999}`, "{\"a\":\"\xff\"}"}
	for _, payload := range payloads {
		intent := Intent{IntegrationID: "slack", Operation: "post", StableResourceID: "X", Payload: json.RawMessage(payload)}
		validateErr := intent.Validate()
		_, keyErr := IdempotencyKey(intent)
		if (validateErr == nil) != (keyErr == nil) {
			t.Fatalf("payload %q: validate=%v key=%v", payload, validateErr, keyErr)
		}
	}
}
