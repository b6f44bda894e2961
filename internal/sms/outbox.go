package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"securetrack/internal/metrics"
)

var (
	ErrNoRecipient = errors.New("sms: no recipient")
	ErrEmptyText   = errors.New("sms: empty text")
)

// Transport delivers one multipart unit to a recipient.
type Transport interface {
	SendParts(ctx context.Context, to string, parts []string) error
}

// Outbox splits and sends outbound text.
type Outbox struct {
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.SecureTrack
}

// NewOutbox creates an Outbox. m may be nil.
func NewOutbox(t Transport, logger *slog.Logger, m *metrics.SecureTrack) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{transport: t, logger: logger, metrics: m}
}

// Send delivers text to one recipient as a single multipart unit.
func (o *Outbox) Send(ctx context.Context, to, text string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipient
	}
	parts := Split(text)
	if len(parts) == 0 {
		return ErrEmptyText
	}

	if err := o.transport.SendParts(ctx, to, parts); err != nil {
		if o.metrics != nil {
			o.metrics.SmsFailed.Inc()
		}
		return fmt.Errorf("send to %s: %w", to, err)
	}

	if o.metrics != nil {
		o.metrics.SmsSent.Inc()
		o.metrics.SmsSegments.Add(uint64(len(parts)))
	}
	o.logger.Debug("sms sent", "recipient", to, "segments", len(parts))
	return nil
}

// BroadcastResult reports a Broadcast outcome.
type BroadcastResult struct {
	Sent   []string
	Failed map[string]error
}

// Err joins the per-recipient failures, or returns nil.
func (r BroadcastResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, err := range r.Failed {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Broadcast sends text to every recipient. A failure for one recipient is
// logged and does not stop delivery to the rest.
func (o *Outbox) Broadcast(ctx context.Context, recipients []string, text string) BroadcastResult {
	res := BroadcastResult{Failed: make(map[string]error)}
	for _, to := range recipients {
		if ctx.Err() != nil {
			res.Failed[to] = ctx.Err()
			continue
		}
		if err := o.Send(ctx, to, text); err != nil {
			o.logger.Warn("alert delivery failed", "recipient", to, "error", err)
			res.Failed[to] = err
			if o.metrics != nil {
				o.metrics.AlertsFailed.Inc()
			}
			continue
		}
		res.Sent = append(res.Sent, to)
		if o.metrics != nil {
			o.metrics.AlertsSent.Inc()
		}
	}
	return res
}
