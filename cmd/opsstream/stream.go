package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/opsstream/internal/connection"
	"github.com/rickgao/opsstream/internal/model"
	"github.com/rickgao/opsstream/internal/service"
	"github.com/rickgao/opsstream/internal/subscription"
)

type streamOptions struct {
	topics     []string
	types      []string
	severities []string
	sources    []string
	jsonOut    bool
}

func newStreamCmd(a *app) *cobra.Command {
	var o streamOptions

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Subscribe to topics and print matching events and notifications",
		Example: `  opsstream stream --topics security,cluster --severity high,critical
  opsstream stream --topics '*' --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(cmd.ErrOrStderr()); err != nil {
				return err
			}
			return a.stream(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}

	cmd.Flags().StringSliceVarP(&o.topics, "topics", "t", []string{model.TopicAll}, "topics to subscribe to")
	cmd.Flags().StringSliceVar(&o.types, "types", nil, "only events of these types")
	cmd.Flags().StringSliceVar(&o.severities, "severity", nil, "only events with these severities")
	cmd.Flags().StringSliceVar(&o.sources, "source", nil, "only events from these sources")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "print one JSON object per line")
	return cmd
}

func (o streamOptions) filter() *subscription.Filter {
	if len(o.types) == 0 && len(o.severities) == 0 && len(o.sources) == 0 {
		return nil
	}
	f := &subscription.Filter{Sources: o.sources}
	for _, t := range o.types {
		f.Types = append(f.Types, model.EventType(strings.ToLower(t)))
	}
	for _, s := range o.severities {
		f.Severities = append(f.Severities, model.Severity(strings.ToLower(s)))
	}
	return f
}

func (a *app) stream(ctx context.Context, out io.Writer, o streamOptions) error {
	svc, err := service.New(a.cfg, a.logger)
	if err != nil {
		return err
	}

	p := &printer{w: out, json: o.jsonOut}

	if _, err := svc.Subscribe(o.topics, p.event, o.filter()); err != nil {
		return err
	}
	svc.OnNotification(p.notification)
	svc.OnConnectionChange(func(c connection.StateChange) {
		attrs := []any{"from", c.From.String(), "to", c.To.String()}
		if c.To == connection.StateReconnecting {
			attrs = append(attrs, "attempt", c.Attempt, "delay", c.Delay)
		}
		if c.Err != nil {
			attrs = append(attrs, "error", c.Err)
		}
		a.logger.Info("connection state changed", attrs...)
	})

	if err := svc.Init(ctx); err != nil {
		_ = svc.Teardown(context.Background())
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return svc.Teardown(shutdownCtx)
}

// printer writes events and notifications as they arrive.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

type eventLine struct {
	Kind      string          `json:"kind"`
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	Severity  string          `json:"severity,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (p *printer) event(e model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		line := eventLine{
			Kind:      "event",
			Type:      e.RawType,
			Action:    string(e.Action),
			Severity:  string(e.Severity),
			Source:    e.Source,
			Timestamp: e.Timestamp,
		}
		if e.Payload != nil {
			line.Payload = e.Payload.RawJSON()
		}
		_ = json.NewEncoder(p.w).Encode(line)
		return
	}

	summary := ""
	if e.Payload != nil {
		summary = e.Payload.Summary()
	}
	fmt.Fprintf(p.w, "%s event %s.%s severity=%s source=%s %s\n",
		e.Timestamp.Format(time.RFC3339), e.RawType, e.Action, orDash(string(e.Severity)), orDash(e.Source), summary)
}

func (p *printer) notification(n model.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.w).Encode(struct {
			Kind string `json:"kind"`
			model.Notification
		}{"notification", n})
		return
	}
	fmt.Fprintf(p.w, "%s notification [%s] %s: %s\n",
		n.Timestamp.Format(time.RFC3339), n.Level, n.Title, n.Message)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
