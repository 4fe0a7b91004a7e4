// Package audit delivers security events to an operator-controlled sink.
// The audit surface sees specific failure causes (locked accounts, MFA
// failures) that end callers never do.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"gatehouse/authc"
)

// DefaultTimeout bounds one webhook delivery attempt.
const DefaultTimeout = 5 * time.Second

// WebhookNotifier posts audit events as JSON to a configured endpoint.
// Delivery is fire and forget: a failed post is logged, never propagated
// into the request path that produced the event.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *slog.Logger
}

// WebhookOption configures WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithTimeout overrides the per-delivery timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		if d > 0 {
			n.client.SetTimeout(d)
		}
	}
}

// WithWebhookLogger attaches a structured logger for delivery failures.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewWebhookNotifier builds a notifier posting to url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		client: resty.New().
			SetTimeout(DefaultTimeout).
			SetHeader("Content-Type", "application/json"),
		url: url,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

type webhookEvent struct {
	Kind      string    `json:"kind"`
	Principal string    `json:"principal,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// Notify implements authc.Auditor.
func (n *WebhookNotifier) Notify(ctx context.Context, event authc.AuditEvent) {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(webhookEvent{
			Kind:      event.Kind,
			Principal: string(event.Principal),
			SessionID: event.SessionID,
			At:        event.At,
			Detail:    event.Detail,
		}).
		Post(n.url)
	if err != nil {
		n.warn(ctx, event.Kind, err.Error())
		return
	}
	if resp.IsError() {
		n.warn(ctx, event.Kind, resp.Status())
	}
}

func (n *WebhookNotifier) warn(ctx context.Context, kind, detail string) {
	if n.logger == nil {
		return
	}
	n.logger.LogAttrs(ctx, slog.LevelWarn, "audit delivery failed",
		slog.String("kind", kind),
		slog.String("detail", detail),
	)
}
