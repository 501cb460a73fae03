// Package event defines the envelope record that travels across the platform.
// An envelope is the unit of publish and consume: a self-describing, immutable
// event with a partition key, headers, and an opaque JSON payload.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current envelope schema version stamped on new envelopes.
const SchemaVersion = "1.0"

// Envelope is a self-describing event record. Envelopes are immutable once
// created; consumers must treat every field as read-only.
type Envelope struct {
	EventID       string            `json:"event_id"`
	Topic         string            `json:"topic"`
	EventType     string            `json:"event_type"`
	Key           string            `json:"key"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	SchemaVersion string            `json:"schema_version"`
}

// New creates an envelope for the given topic, event type, and partition key.
// The payload may be any JSON-marshalable value. Topic, event type, and key
// must all be non-empty.
func New(topic, eventType, key string, payload interface{}, headers map[string]string) (*Envelope, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("envelope: topic must not be empty")
	}
	if strings.TrimSpace(eventType) == "" {
		return nil, fmt.Errorf("envelope: event_type must not be empty")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("envelope: key must not be empty")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("envelope: failed to marshal payload: %w", err)
		}
		raw = data
	}

	return &Envelope{
		EventID:       uuid.NewString(),
		Topic:         topic,
		EventType:     eventType,
		Key:           key,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Payload:       raw,
		SchemaVersion: SchemaVersion,
	}, nil
}

// Marshal serializes the envelope to canonical JSON. Field order is fixed by
// the struct definition and header keys are emitted in sorted order, so the
// same logical envelope always produces the same bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e.canonical())
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to marshal: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes an envelope previously produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: failed to unmarshal: %w", err)
	}
	if e.EventID == "" || e.Topic == "" || e.Key == "" {
		return nil, fmt.Errorf("envelope: missing required fields")
	}
	return &e, nil
}

// ContentID computes a deterministic identifier from the envelope content,
// excluding the random event id and timestamp. Callers use it as an
// idempotency key when the same logical event may be appended more than once.
func (e *Envelope) ContentID() string {
	h := sha256.New()
	h.Write([]byte(e.Topic))
	h.Write([]byte{0})
	h.Write([]byte(e.EventType))
	h.Write([]byte{0})
	h.Write([]byte(e.Key))
	h.Write([]byte{0})
	for _, k := range sortedHeaderKeys(e.Headers) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(e.Headers[k]))
		h.Write([]byte{0})
	}
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Header returns the header value for key, or "" when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// WithHeader returns a copy of the envelope with the header set. The receiver
// is not modified.
func (e *Envelope) WithHeader(key, value string) *Envelope {
	clone := *e
	clone.Headers = make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		clone.Headers[k] = v
	}
	clone.Headers[key] = value
	return &clone
}

// canonical returns the envelope with headers rebuilt so encoding/json emits
// keys in sorted order. json.Marshal already sorts map keys, so this exists to
// normalize nil-vs-empty maps.
func (e *Envelope) canonical() *Envelope {
	if len(e.Headers) == 0 {
		clone := *e
		clone.Headers = nil
		return &clone
	}
	return e
}

func sortedHeaderKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
