package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingType is returned for frames without a "type" field.
var ErrMissingType = errors.New("missing event type")

// ParseError wraps a failure to decode an inbound frame.
type ParseError struct {
	Data []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse event: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// controlTypes are acknowledgments and transport chatter the layer ignores.
var controlTypes = map[string]struct{}{
	"subscribed":   {},
	"unsubscribed": {},
	"pong":         {},
	"ack":          {},
	"error":        {},
	"status":       {},
	"heartbeat":    {},
	"auth_result":  {},
}

// messageEnvelope is used for fast type extraction.
type messageEnvelope struct {
	Type string `json:"type"`
}

// IsControlFrame reports whether data is a control acknowledgment rather than an event.
func IsControlFrame(data []byte) bool {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	_, ok := controlTypes[strings.ToLower(env.Type)]
	return ok
}

// ParseEvent decodes an inbound frame into an Event. Unknown types parse successfully
// as TypeUnknown with an UnknownPayload.
func ParseEvent(data []byte) (Event, error) {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, &ParseError{Data: data, Err: err}
	}
	if wire.Type == "" {
		return Event{}, &ParseError{Data: data, Err: ErrMissingType}
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Event{}, &ParseError{Data: data, Err: err}
	}

	rawType := strings.ToLower(wire.Type)
	t := EventType(rawType)
	if !t.Known() {
		t = TypeUnknown
	}

	return Event{
		Type:      t,
		RawType:   rawType,
		Action:    Action(strings.ToLower(wire.Action)),
		Severity:  Severity(strings.ToLower(wire.Severity)),
		Source:    wire.Source,
		Topic:     wire.Topic,
		Timestamp: ts,
		Payload:   decodePayload(t, rawType, wire.Payload),
	}, nil
}

// parseTimestamp accepts an RFC 3339 string or Unix milliseconds. A missing
// timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		if s == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t.UTC(), nil
	}

	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}
