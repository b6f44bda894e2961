package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const contactColumns = `id, name, phone_number, is_primary, created_ns, updated_ns`

// InsertContact adds a contact. When c.IsPrimary is set any existing primary
// contact is demoted in the same transaction.
func (s *Store) InsertContact(ctx context.Context, c *EmergencyContact) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(s.now())
	if c.IsPrimary {
		if _, err := tx.ExecContext(ctx, `UPDATE emergency_contacts SET is_primary = 0, updated_ns = ? WHERE is_primary = 1`, now); err != nil {
			return 0, fmt.Errorf("demote primary contact: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO emergency_contacts (name, phone_number, is_primary, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?)`,
		c.Name, c.PhoneNumber, c.IsPrimary, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert contact: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert contact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// UpdateContact rewrites name, number and primary flag of contact c.ID.
func (s *Store) UpdateContact(ctx context.Context, c *EmergencyContact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(s.now())
	if c.IsPrimary {
		if _, err := tx.ExecContext(ctx, `UPDATE emergency_contacts SET is_primary = 0, updated_ns = ? WHERE is_primary = 1 AND id != ?`, now, c.ID); err != nil {
			return fmt.Errorf("demote primary contact: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE emergency_contacts SET name = ?, phone_number = ?, is_primary = ?, updated_ns = ? WHERE id = ?`,
		c.Name, c.PhoneNumber, c.IsPrimary, now, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteContact removes contact id.
func (s *Store) DeleteContact(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM emergency_contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Contacts returns all contacts, primary first, then by name.
func (s *Store) Contacts(ctx context.Context) ([]EmergencyContact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM emergency_contacts ORDER BY is_primary DESC, name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []EmergencyContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// PrimaryContact returns the primary contact, or ErrNotFound.
func (s *Store) PrimaryContact(ctx context.Context) (*EmergencyContact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM emergency_contacts WHERE is_primary = 1 LIMIT 1`)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get primary contact: %w", err)
	}
	return c, nil
}

// ClearContacts removes every contact.
func (s *Store) ClearContacts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emergency_contacts`); err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}
	return nil
}

func scanContact(r rowScanner) (*EmergencyContact, error) {
	var (
		c                EmergencyContact
		created, updated int64
	)
	if err := r.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.IsPrimary, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}
