package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame is returned by Decode for frames that are not a valid envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// envelope is the JSON wire form.
type envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
}

// Encode serializes an event. The target is not part of the wire form.
func Encode(e Event) ([]byte, error) {
	env := envelope{
		Type: e.Type,
		Data: e.Data,
		ID:   e.ID,
	}
	if !e.Timestamp.IsZero() {
		env.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses a frame. A missing type, non-object frame or unparseable
// timestamp yields ErrMalformedFrame.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	e := Event{
		Type: env.Type,
		ID:   env.ID,
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		e.Data = env.Data
	}
	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedFrame, err)
		}
		e.Timestamp = ts.UTC()
	}
	return e, nil
}
