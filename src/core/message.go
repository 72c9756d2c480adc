// Package core defines the wire-level data model shared by every
// worker component: topic messages, pipeline descriptors, and the
// results a pipeline callable can hand back.
package core

import "encoding/json"

// MessageId is an opaque identifier for a TopicMessage. Equality,
// not structure, is what downstream code may depend on.
type MessageId string

// Cursor is an opaque resume marker produced by an Inventory.
// Resumption is equality based: two cursors that marshal to the same
// bytes refer to the same point in the inventory.
type Cursor string

// TopicMessage is the immutable record carried between topics and
// pipeline stages.
type TopicMessage struct {
	ID       MessageId              `json:"id" validate:"required"`
	Args     map[string]interface{} `json:"args"`
	Tags     map[string]string      `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ExpireAfter, when set, is the number of seconds a broker-backed
	// topic should honor as the message TTL.
	ExpireAfter *float64 `json:"expire_after,omitempty"`
}

// Extend returns a copy of the message whose Args are the union of
// defaults and the message's own Args, with the message's own values
// winning on key conflict.
func (m TopicMessage) Extend(defaults map[string]interface{}) TopicMessage {
	merged := make(map[string]interface{}, len(defaults)+len(m.Args))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range m.Args {
		merged[k] = v
	}
	m.Args = merged
	return m
}

// Clone returns a deep-enough copy suitable for round-tripping through
// a file-backed topic: Args, Tags and Metadata are independent maps.
func (m TopicMessage) Clone() TopicMessage {
	out := m
	if m.Args != nil {
		out.Args = make(map[string]interface{}, len(m.Args))
		for k, v := range m.Args {
			out.Args[k] = v
		}
	}
	if m.Tags != nil {
		out.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			out.Tags[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// MarshalBinary / UnmarshalBinary let TopicMessage round-trip through
// JSON-lines file topics and Redis stream fields without a bespoke
// encoding layer.
func (m TopicMessage) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *TopicMessage) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}
