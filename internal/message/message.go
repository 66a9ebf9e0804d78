// Package message defines the logical log message that flows through the
// pipeline after reassembly and decoding.
package message

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Standard GELF field names.
const (
	FieldVersion      = "version"
	FieldHost         = "host"
	FieldShortMessage = "short_message"
	FieldFullMessage  = "full_message"
	FieldTimestamp    = "timestamp"
	FieldLevel        = "level"
	FieldFacility     = "facility"
	FieldFile         = "file"
	FieldLine         = "line"
)

// Message is one log event. Fields holds the message body: the standard
// GELF fields plus any additional ones (stored without the leading
// underscore). A message is owned by exactly one pipeline worker at a time,
// so it carries no lock.
type Message struct {
	ID        string
	Fields    map[string]any
	Timestamp time.Time
	Source    string   // remote address the message arrived from
	Streams   []string // stream names assigned by routing filters

	// ReceiveTime marks Timestamp as the arrival time because the sender
	// supplied none.
	ReceiveTime bool
}

// New creates a message with a fresh ID.
func New(fields map[string]any, ts time.Time, source string) *Message {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Fields:    fields,
		Timestamp: ts,
		Source:    source,
	}
}

// Get returns the field value for key.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// String returns the field value for key formatted as a string, or "" if
// the field is absent.
func (m *Message) String(key string) string {
	v, ok := m.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// Set assigns a field.
func (m *Message) Set(key string, value any) {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[key] = value
}

// Delete removes a field.
func (m *Message) Delete(key string) {
	delete(m.Fields, key)
}

// AddStream appends a stream name unless already present.
func (m *Message) AddStream(name string) {
	for _, s := range m.Streams {
		if s == name {
			return
		}
	}
	m.Streams = append(m.Streams, name)
}

// Clone returns a copy whose Fields and Streams can be mutated
// independently. Field values themselves are shared.
func (m *Message) Clone() *Message {
	c := *m
	c.Fields = maps.Clone(m.Fields)
	if m.Streams != nil {
		c.Streams = append([]string(nil), m.Streams...)
	}
	return &c
}

// Document returns the flattened representation written to outputs:
// all fields plus id, timestamp, source and streams.
func (m *Message) Document() map[string]any {
	doc := make(map[string]any, len(m.Fields)+4)
	maps.Copy(doc, m.Fields)
	doc["_id"] = m.ID
	doc[FieldTimestamp] = float64(m.Timestamp.Unix()) + float64(m.Timestamp.Nanosecond())/1e9
	if m.Source != "" {
		doc["gl2_remote_ip"] = m.Source
	}
	if len(m.Streams) > 0 {
		doc["streams"] = m.Streams
	}
	return doc
}
