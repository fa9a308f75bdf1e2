package model

import (
	"encoding/json"
	"time"
)

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// EventType is the category of an inbound event.
type EventType string

const (
	TypeDashboard EventType = "dashboard"
	TypeSecurity  EventType = "security"
	TypeCluster   EventType = "cluster"
	TypeAudit     EventType = "audit"
	TypeChat      EventType = "chat"
	TypeSystem    EventType = "system"

	// TypeUnknown marks an event whose wire type this client does not model.
	// Event.RawType keeps the original string.
	TypeUnknown EventType = "unknown"
)

// KnownEventTypes lists the modelled categories.
var KnownEventTypes = []EventType{
	TypeDashboard, TypeSecurity, TypeCluster, TypeAudit, TypeChat, TypeSystem,
}

// Known reports whether t is one of the modelled categories.
func (t EventType) Known() bool {
	for _, k := range KnownEventTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Action is what happened to the subject of an event.
type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionAlert        Action = "alert"
	ActionStatusChange Action = "status_change"
)

// Severity is optional; the zero value means the server sent none.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AtLeast reports whether s is at or above min. An absent severity is below everything.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank() && s != SeverityNone
}

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// TopicAll is the wildcard subscription topic.
const TopicAll = "*"

// Event is a parsed inbound message.
type Event struct {
	Type      EventType
	RawType   string // lower-cased wire "type"; differs from Type only for TypeUnknown
	Action    Action
	Severity  Severity
	Source    string
	Topic     string // optional server-named topic
	Timestamp time.Time
	Payload   Payload
}

// RoutingTopics returns the topics an event is published under: its wire type, the
// type/action pair and the server-named topic when present.
func (e Event) RoutingTopics() []string {
	base := e.RawType
	if base == "" {
		base = string(e.Type)
	}
	topics := make([]string, 0, 3)
	topics = append(topics, base)
	if e.Action != "" {
		topics = append(topics, base+"."+string(e.Action))
	}
	if e.Topic != "" && e.Topic != base {
		topics = append(topics, e.Topic)
	}
	return topics
}

// -----------------------------------------------------------------------------
// Notification
// -----------------------------------------------------------------------------

// Level is the user-facing weight of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a user-facing alert derived from an event.
type Notification struct {
	ID         string    `json:"id"`
	Level      Level     `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Category   string    `json:"category"`
	Persistent bool      `json:"persistent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Origin of a derived notification; empty for notifications created directly.
	EventType EventType `json:"event_type,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// -----------------------------------------------------------------------------
// Outbound frames
// -----------------------------------------------------------------------------

// Control frame types.
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FramePing        = "PING"
)

// FilterSpec is the wire form of a subscription filter.
type FilterSpec struct {
	Types      []string `json:"types,omitempty"`
	Severities []string `json:"severities,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

// ControlFrame announces or withdraws a subscription.
type ControlFrame struct {
	Type           string      `json:"type"`
	Topics         []string    `json:"topics"`
	Filters        *FilterSpec `json:"filters,omitempty"`
	SubscriptionID string      `json:"subscriptionId"`
}

// PingFrame is the application heartbeat.
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// NewPingFrame returns a heartbeat stamped with t.
func NewPingFrame(t time.Time) PingFrame {
	return PingFrame{Type: FramePing, Timestamp: t.UnixMilli()}
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

// eventWire is the inbound JSON shape.
type eventWire struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp json.RawMessage `json:"timestamp"`
	Source    string          `json:"source"`
	Severity  string          `json:"severity"`
	Topic     string          `json:"topic"`
}
