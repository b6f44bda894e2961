// Package contacts manages the emergency contacts that receive tamper
// alerts. At most one contact is primary; the primary receives location
// replies for tamper-triggered fixes.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"securetrack/internal/logging"
	"securetrack/internal/store"
)

// Validation errors.
var (
	ErrInvalidName   = errors.New("contacts: name is required")
	ErrInvalidNumber = errors.New("contacts: invalid phone number")
	ErrDuplicate     = errors.New("contacts: number already registered")
)

const maxNameLength = 64

// Store is the persistence the service needs. *store.Store satisfies it.
type Store interface {
	InsertContact(ctx context.Context, c *store.EmergencyContact) (int64, error)
	UpdateContact(ctx context.Context, c *store.EmergencyContact) error
	DeleteContact(ctx context.Context, id int64) error
	Contacts(ctx context.Context) ([]store.EmergencyContact, error)
	PrimaryContact(ctx context.Context) (*store.EmergencyContact, error)
}

// Service validates and applies contact changes.
type Service struct {
	store  Store
	audit  *logging.AuditLogger
	logger *slog.Logger
}

// NewService creates a Service. audit may be nil.
func NewService(s Store, audit *logging.AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: s, audit: audit, logger: logger.With("component", "contacts")}
}

// NormalizeNumber strips formatting from a phone number. The result is an
// optional leading '+' followed by 3 to 15 digits.
func NormalizeNumber(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: unexpected %q", ErrInvalidNumber, r)
		}
	}
	n := b.String()
	digits := len(strings.TrimPrefix(n, "+"))
	if digits < 3 || digits > 15 {
		return "", fmt.Errorf("%w: %d digits", ErrInvalidNumber, digits)
	}
	return n, nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}

// List returns every contact, primary first.
func (s *Service) List(ctx context.Context) ([]store.EmergencyContact, error) {
	return s.store.Contacts(ctx)
}

// Contacts implements the alerter's contact source.
func (s *Service) Contacts(ctx context.Context) ([]store.EmergencyContact, error) {
	return s.store.Contacts(ctx)
}

// Primary returns the primary contact, or store.ErrNotFound.
func (s *Service) Primary(ctx context.Context) (*store.EmergencyContact, error) {
	return s.store.PrimaryContact(ctx)
}

func (s *Service) find(ctx context.Context, id int64) (*store.EmergencyContact, []store.EmergencyContact, error) {
	all, err := s.store.Contacts(ctx)
	if err != nil {
		return nil, nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], all, nil
		}
	}
	return nil, all, store.ErrNotFound
}

func duplicate(all []store.EmergencyContact, number string, except int64) bool {
	for _, c := range all {
		if c.ID != except && c.PhoneNumber == number {
			return true
		}
	}
	return false
}

// Add registers a contact. The first contact always becomes primary.
func (s *Service) Add(ctx context.Context, name, number string, primary bool) (*store.EmergencyContact, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	number, err = NormalizeNumber(number)
	if err != nil {
		return nil, err
	}

	all, err := s.store.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	if duplicate(all, number, 0) {
		return nil, ErrDuplicate
	}

	c := &store.EmergencyContact{Name: name, PhoneNumber: number, IsPrimary: primary || len(all) == 0}
	id, err := s.store.InsertContact(ctx, c)
	if err != nil {
		return nil, err
	}
	c.ID = id
	s.record(ctx, "add", c)
	return c, nil
}

// Update rewrites a contact's name, number and primary flag. Clearing the
// flag on the only primary is ignored so a primary always exists.
func (s *Service) Update(ctx context.Context, id int64, name, number string, primary bool) (*store.EmergencyContact, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	number, err = NormalizeNumber(number)
	if err != nil {
		return nil, err
	}

	cur, all, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if duplicate(all, number, id) {
		return nil, ErrDuplicate
	}

	c := *cur
	c.Name, c.PhoneNumber = name, number
	c.IsPrimary = primary || cur.IsPrimary
	if err := s.store.UpdateContact(ctx, &c); err != nil {
		return nil, err
	}
	s.record(ctx, "update", &c)
	return &c, nil
}

// SetPrimary makes id the primary contact.
func (s *Service) SetPrimary(ctx context.Context, id int64) error {
	cur, _, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if cur.IsPrimary {
		return nil
	}
	cur.IsPrimary = true
	if err := s.store.UpdateContact(ctx, cur); err != nil {
		return err
	}
	s.record(ctx, "set_primary", cur)
	return nil
}

// Delete removes a contact. Removing the primary promotes the next contact
// in list order.
func (s *Service) Delete(ctx context.Context, id int64) error {
	cur, all, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteContact(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "delete", cur)

	if !cur.IsPrimary {
		return nil
	}
	for _, c := range all {
		if c.ID != id {
			return s.SetPrimary(ctx, c.ID)
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, action string, c *store.EmergencyContact) {
	s.logger.Info("contact changed", "action", action, "id", c.ID, "phone", c.PhoneNumber, "primary", c.IsPrimary)
	s.audit.Log(ctx, logging.AuditEvent{
		EventType: logging.AuditContactChanged,
		Action:    action,
		Result:    "success",
		Details:   map[string]any{"id": c.ID, "primary": c.IsPrimary},
	})
}
