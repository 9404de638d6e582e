// Package message defines the wire-level Message value the Bridge and Bus
// exchange (spec 3).
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority controls Bus backpressure behavior (spec 4.5).
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Broadcast is the reserved `to` value meaning "every current subscriber
// of Topic" (spec glossary: Broadcast).
const Broadcast = ""

// Message is immutable once constructed (spec 3).
type Message struct {
	ID        string
	From      string
	To        string // empty when Topic-routed (Broadcast)
	Topic     string
	Payload   json.RawMessage
	Priority  Priority
	CreatedAt int64 // unsigned milliseconds since epoch
	ExpiresAt *int64
}

// New constructs a Message with a fresh random 128-bit id and the current
// wall-clock time, forcing `from` to the supplied caller identity (spec
// 4.3: "Constructs a Message with from forced to the caller").
func New(from, to, topic string, payload json.RawMessage, priority Priority, ttl time.Duration) Message {
	now := time.Now().UnixMilli()
	m := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Topic:     topic,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now + ttl.Milliseconds()
		m.ExpiresAt = &exp
	}
	return m
}

// Expired reports whether m's expires_at is strictly in the past relative
// to now (spec 4.5: "A message with expires_at in the past at delivery
// time is discarded").
func (m Message) Expired(now int64) bool {
	return m.ExpiresAt != nil && *m.ExpiresAt < now
}
