package model

import "encoding/json"

// Payload is the body of an event. The set of implementations is closed.
type Payload interface {
	// Kind returns the event type this payload belongs to.
	Kind() EventType
	// RawJSON returns the payload bytes as received.
	RawJSON() json.RawMessage
	// Summary is a short human-readable description, used for notification text.
	Summary() string

	isPayload()
}

// DashboardPayload carries statistic updates for overview screens.
type DashboardPayload struct {
	Widget string             `json:"widget"`
	Stats  map[string]float64 `json:"stats"`
	Raw    json.RawMessage    `json:"-"`
}

// SecurityPayload describes a security finding or policy violation.
type SecurityPayload struct {
	Rule     string          `json:"rule"`
	Resource string          `json:"resource"`
	Message  string          `json:"message"`
	UserID   string          `json:"user_id"`
	Raw      json.RawMessage `json:"-"`
}

// ClusterPayload describes a change in cluster or workload health.
type ClusterPayload struct {
	ClusterID string          `json:"cluster_id"`
	Name      string          `json:"name"`
	Namespace string          `json:"namespace"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Raw       json.RawMessage `json:"-"`
}

// AuditPayload is a single audit trail entry.
type AuditPayload struct {
	UserID   string          `json:"user_id"`
	Command  string          `json:"command"`
	Resource string          `json:"resource"`
	Result   string          `json:"result"`
	Message  string          `json:"message"`
	Raw      json.RawMessage `json:"-"`
}

// ChatPayload is a chat session message or status.
type ChatPayload struct {
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Raw       json.RawMessage `json:"-"`
}

// SystemPayload reports the state of a backend component.
type SystemPayload struct {
	Component string          `json:"component"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Raw       json.RawMessage `json:"-"`
}

// UnknownPayload preserves the body of an event type this client does not model.
type UnknownPayload struct {
	Type string
	Raw  json.RawMessage
}

func (p DashboardPayload) Kind() EventType { return TypeDashboard }
func (p SecurityPayload) Kind() EventType  { return TypeSecurity }
func (p ClusterPayload) Kind() EventType   { return TypeCluster }
func (p AuditPayload) Kind() EventType     { return TypeAudit }
func (p ChatPayload) Kind() EventType      { return TypeChat }
func (p SystemPayload) Kind() EventType    { return TypeSystem }
func (p UnknownPayload) Kind() EventType   { return TypeUnknown }

func (p DashboardPayload) RawJSON() json.RawMessage { return p.Raw }
func (p SecurityPayload) RawJSON() json.RawMessage  { return p.Raw }
func (p ClusterPayload) RawJSON() json.RawMessage   { return p.Raw }
func (p AuditPayload) RawJSON() json.RawMessage     { return p.Raw }
func (p ChatPayload) RawJSON() json.RawMessage      { return p.Raw }
func (p SystemPayload) RawJSON() json.RawMessage    { return p.Raw }
func (p UnknownPayload) RawJSON() json.RawMessage   { return p.Raw }

func (p DashboardPayload) Summary() string { return p.Widget }

func (p SecurityPayload) Summary() string {
	return firstNonEmpty(p.Message, p.Rule, p.Resource)
}

func (p ClusterPayload) Summary() string {
	return firstNonEmpty(p.Message, p.Status, p.Name, p.ClusterID)
}

func (p AuditPayload) Summary() string {
	return firstNonEmpty(p.Message, p.Command, p.Result)
}

func (p ChatPayload) Summary() string { return p.Content }

func (p SystemPayload) Summary() string {
	return firstNonEmpty(p.Message, p.Status, p.Component)
}

func (p UnknownPayload) Summary() string { return "" }

func (DashboardPayload) isPayload() {}
func (SecurityPayload) isPayload()  {}
func (ClusterPayload) isPayload()   {}
func (AuditPayload) isPayload()     {}
func (ChatPayload) isPayload()      {}
func (SystemPayload) isPayload()    {}
func (UnknownPayload) isPayload()   {}

// decodePayload decodes raw into the variant for t. A body that does not fit the
// variant's shape (e.g. a string where an object is expected) still yields the variant
// with only Raw set, so a field-level mismatch never drops the event.
func decodePayload(t EventType, rawType string, raw json.RawMessage) Payload {
	switch t {
	case TypeDashboard:
		p := DashboardPayload{}
		unmarshalLenient(raw, &p)
		p.Raw = raw
		return p
	case TypeSecurity:
		p := SecurityPayload{}
		unmarshalLenient(raw, &p)
		p.Raw = raw
		return p
	case TypeCluster:
		p := ClusterPayload{}
		unmarshalLenient(raw, &p)
		p.Raw = raw
		return p
	case TypeAudit:
		p := AuditPayload{}
		unmarshalLenient(raw, &p)
		p.Raw = raw
		return p
	case TypeChat:
		p := ChatPayload{}
		unmarshalLenient(raw, &p)
		p.Raw = raw
		return p
	case TypeSystem:
		p := SystemPayload{}
		unmarshalLenient(raw, &p)
		p.Raw = raw
		return p
	default:
		return UnknownPayload{Type: rawType, Raw: raw}
	}
}

func unmarshalLenient(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
