package dispatch

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rickgao/opsstream/internal/model"
)

// Rule maps a class of events to a notification.
type Rule struct {
	Type       model.EventType
	Action     model.Action // empty matches any action
	Severities []model.Severity

	Level      model.Level
	Persistent bool
	Category   string
	Title      string
}

// Matches reports whether e falls under r.
func (r Rule) Matches(e model.Event) bool {
	if e.Type != r.Type {
		return false
	}
	if r.Action != "" && e.Action != r.Action {
		return false
	}
	return len(r.Severities) == 0 || slices.Contains(r.Severities, e.Severity)
}

// DefaultRules returns the built-in classification.
func DefaultRules() []Rule {
	highOrCritical := []model.Severity{model.SeverityHigh, model.SeverityCritical}
	critical := []model.Severity{model.SeverityCritical}

	return []Rule{
		{
			Type:       model.TypeSecurity,
			Severities: highOrCritical,
			Level:      model.LevelWarning,
			Persistent: true,
			Category:   "security",
			Title:      "Security alert",
		},
		{
			Type:       model.TypeCluster,
			Action:     model.ActionAlert,
			Severities: highOrCritical,
			Level:      model.LevelError,
			Persistent: true,
			Category:   "cluster",
			Title:      "Cluster alert",
		},
		{
			Type:       model.TypeSystem,
			Severities: critical,
			Level:      model.LevelError,
			Persistent: true,
			Category:   "system",
			Title:      "System failure",
		},
		{
			Type:       model.TypeAudit,
			Action:     model.ActionAlert,
			Severities: critical,
			Level:      model.LevelWarning,
			Category:   "audit",
			Title:      "Audit alert",
		},
	}
}

// Classify returns the notification for the first rule that matches e.
func Classify(rules []Rule, e model.Event) (model.Notification, bool) {
	for _, r := range rules {
		if !r.Matches(e) {
			continue
		}
		return model.Notification{
			Level:      r.Level,
			Title:      r.Title,
			Message:    describe(e),
			Category:   r.Category,
			Persistent: r.Persistent,
			Timestamp:  e.Timestamp,
			EventType:  e.Type,
			Source:     e.Source,
		}, true
	}
	return model.Notification{}, false
}

// describe builds the notification body from the payload summary.
func describe(e model.Event) string {
	var summary string
	if e.Payload != nil {
		summary = e.Payload.Summary()
	}
	if summary == "" {
		summary = fmt.Sprintf("%s %s", e.Type, strings.ReplaceAll(string(e.Action), "_", " "))
		summary = strings.TrimSpace(summary)
	}
	if e.Severity != model.SeverityNone {
		return fmt.Sprintf("[%s] %s", e.Severity, summary)
	}
	return summary
}
