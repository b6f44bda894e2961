package tamper

import (
	"context"
	"errors"
	"log/slog"

	"securetrack/internal/sms"
	"securetrack/internal/store"
)

// ErrNoContacts is returned when no emergency contact is configured.
var ErrNoContacts = errors.New("tamper: no emergency contacts")

// ContactSource lists emergency contacts, primary first.
type ContactSource interface {
	Contacts(ctx context.Context) ([]store.EmergencyContact, error)
}

// Broadcaster delivers a text to several recipients independently.
type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []string, text string) sms.BroadcastResult
}

// Alerter notifies the emergency contacts.
type Alerter struct {
	contacts ContactSource
	out      Broadcaster
	logger   *slog.Logger
}

// NewAlerter creates an Alerter.
func NewAlerter(contacts ContactSource, out Broadcaster, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{contacts: contacts, out: out, logger: logger}
}

// Alert sends text to every contact. Failures for individual contacts are
// reported in the result and do not stop delivery to the others.
func (a *Alerter) Alert(ctx context.Context, text string) (sms.BroadcastResult, error) {
	contacts, err := a.contacts.Contacts(ctx)
	if err != nil {
		return sms.BroadcastResult{}, err
	}
	if len(contacts) == 0 {
		a.logger.Warn("no emergency contacts configured")
		return sms.BroadcastResult{}, ErrNoContacts
	}

	recipients := make([]string, 0, len(contacts))
	for _, c := range contacts {
		recipients = append(recipients, c.PhoneNumber)
	}
	res := a.out.Broadcast(ctx, recipients, text)
	a.logger.Info("alert sent", "delivered", len(res.Sent), "failed", len(res.Failed))
	return res, nil
}

// Primary returns the primary contact's number, or the first contact's
// when none is marked primary.
func (a *Alerter) Primary(ctx context.Context) (string, error) {
	contacts, err := a.contacts.Contacts(ctx)
	if err != nil {
		return "", err
	}
	if len(contacts) == 0 {
		return "", ErrNoContacts
	}
	for _, c := range contacts {
		if c.IsPrimary {
			return c.PhoneNumber, nil
		}
	}
	return contacts[0].PhoneNumber, nil
}
