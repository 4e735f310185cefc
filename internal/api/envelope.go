package api

import (
	"bytes"
	"encoding/json"
)

// Envelope is the one canonical response shape the rest of the client sees.
// Backends answer with payloads nested zero, one or two levels under a "data"
// wrapper; Normalize unwraps them all into this contract.
type Envelope struct {
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error,omitempty"`
	Status int             `json:"status"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type wireBody struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// Normalize decodes a response body into the canonical envelope. Flat
// payloads pass through; one and two levels of "data" nesting are unwrapped.
// Non-JSON bodies become the raw payload with no error text.
func Normalize(body []byte, status int) *Envelope {
	env := &Envelope{Status: status}
	payload := bytes.TrimSpace(body)
	if len(payload) == 0 {
		return env
	}

	var wire wireBody
	if err := json.Unmarshal(payload, &wire); err != nil {
		env.Data = json.RawMessage(payload)
		return env
	}
	env.Error = wire.Error
	if env.Error == "" {
		env.Error = wire.Message
	}

	if len(wire.Data) == 0 {
		// Flat payload: the whole body is the resource.
		env.Data = json.RawMessage(payload)
		return env
	}

	// One level down; unwrap a second "data" wrapper if present.
	inner := wire.Data
	var nested wireBody
	if err := json.Unmarshal(inner, &nested); err == nil && len(nested.Data) > 0 {
		inner = nested.Data
		if env.Error == "" {
			env.Error = nested.Error
			if env.Error == "" {
				env.Error = nested.Message
			}
		}
	}
	env.Data = inner
	return env
}
