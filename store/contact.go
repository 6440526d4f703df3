package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// Contact is one address-book entry, unique per chat by email when
// present, otherwise by case-folded name.
type Contact struct {
	ID               int64
	ChatID           int64
	Name             string
	Email            string
	Phone            string
	Company          string
	Role             string
	Notes            string
	PhotoPath        string
	Source           string
	FirstSeen        int64
	LastContact      int64
	InteractionCount int64
	UpdatedAt        int64
}

// Interaction is one contact touchpoint; rows cascade away with their
// contact.
type Interaction struct {
	ID        int64
	ChatID    int64
	ContactID int64
	Type      string
	Source    string
	Summary   string
	Date      int64
	CreatedAt int64
}

const contactColumns = `id, chat_id, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(company, ''),
	COALESCE(role, ''), COALESCE(notes, ''), COALESCE(photo_path, ''), source,
	first_seen, last_contact, interaction_count, updated_at`

// UpsertContact creates or refreshes a contact, matching by
// (chat_id, email) when an email is present, otherwise by
// (chat_id, lower(name)). Returns the stored row.
func (s *Store) UpsertContact(ctx context.Context, c *Contact) (*Contact, error) {
	existing, err := s.findContactKey(ctx, c.ChatID, c.Email, c.Name)
	if err != nil {
		return nil, err
	}

	ts := now()
	if existing == nil {
		if c.Source == "" {
			c.Source = "manual"
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO contacts (chat_id, name, email, phone, company, role, notes, photo_path, source, first_seen, last_contact, interaction_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			c.ChatID, c.Name, c.Email, c.Phone, c.Company, c.Role, c.Notes, c.PhotoPath, c.Source, ts, ts, ts)
		if err != nil {
			return nil, errors.Wrap(err, "failed to insert contact")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read contact id")
		}
		return s.GetContact(ctx, c.ChatID, id)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE contacts SET
			name = ?,
			email = CASE WHEN ? != '' THEN ? ELSE email END,
			phone = CASE WHEN ? != '' THEN ? ELSE phone END,
			company = CASE WHEN ? != '' THEN ? ELSE company END,
			role = CASE WHEN ? != '' THEN ? ELSE role END,
			notes = CASE WHEN ? != '' THEN ? ELSE notes END,
			photo_path = CASE WHEN ? != '' THEN ? ELSE photo_path END,
			last_contact = ?,
			updated_at = ?
		WHERE id = ?`,
		c.Name,
		c.Email, c.Email,
		c.Phone, c.Phone,
		c.Company, c.Company,
		c.Role, c.Role,
		c.Notes, c.Notes,
		c.PhotoPath, c.PhotoPath,
		ts, ts, existing.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update contact")
	}
	return s.GetContact(ctx, c.ChatID, existing.ID)
}

func (s *Store) findContactKey(ctx context.Context, chatID int64, email, name string) (*Contact, error) {
	var row *sql.Row
	if email != "" {
		row = s.db.QueryRowContext(ctx,
			"SELECT "+contactColumns+" FROM contacts WHERE chat_id = ? AND email = ?", chatID, email)
	} else {
		row = s.db.QueryRowContext(ctx,
			"SELECT "+contactColumns+" FROM contacts WHERE chat_id = ? AND lower(name) = ?", chatID, strings.ToLower(name))
	}
	return scanContactRow(row)
}

// GetContact fetches one contact scoped to the chat, or nil.
func (s *Store) GetContact(ctx context.Context, chatID, id int64) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+contactColumns+" FROM contacts WHERE chat_id = ? AND id = ?", chatID, id)
	return scanContactRow(row)
}

// SearchContacts runs a full-text query over name/email/company/role/
// notes. An empty normalized query returns no rows.
func (s *Store) SearchContacts(ctx context.Context, chatID int64, query string, limit int) ([]*Contact, error) {
	match := normalizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.chat_id, c.name, COALESCE(c.email, ''), COALESCE(c.phone, ''), COALESCE(c.company, ''),
			COALESCE(c.role, ''), COALESCE(c.notes, ''), COALESCE(c.photo_path, ''), c.source,
			c.first_seen, c.last_contact, c.interaction_count, c.updated_at
		FROM contacts_fts f
		JOIN contacts c ON c.id = f.rowid
		WHERE contacts_fts MATCH ? AND c.chat_id = ?
		ORDER BY f.rank
		LIMIT ?`,
		match, chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search contacts")
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContactFields(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate contacts")
}

// DeleteContact removes the contact and, by cascade, its interactions.
func (s *Store) DeleteContact(ctx context.Context, chatID, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM contacts WHERE chat_id = ? AND id = ?", chatID, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete contact")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddInteraction records a touchpoint and bumps the contact's counters.
func (s *Store) AddInteraction(ctx context.Context, in *Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin interaction transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := now()
	if in.Date == 0 {
		in.Date = ts
	}
	if in.Type == "" {
		in.Type = "other"
	}
	if in.Source == "" {
		in.Source = "manual"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO interactions (chat_id, contact_id, type, source, summary, date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ChatID, in.ContactID, in.Type, in.Source, in.Summary, in.Date, ts); err != nil {
		return errors.Wrap(err, "failed to insert interaction")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts SET interaction_count = interaction_count + 1, last_contact = ?, updated_at = ?
		WHERE id = ?`, in.Date, ts, in.ContactID); err != nil {
		return errors.Wrap(err, "failed to bump contact counters")
	}
	return errors.Wrap(tx.Commit(), "failed to commit interaction")
}

// ListInteractions returns a contact's touchpoints, newest first.
func (s *Store) ListInteractions(ctx context.Context, chatID, contactID int64, limit int) ([]*Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, contact_id, type, source, COALESCE(summary, ''), date, created_at
		FROM interactions WHERE chat_id = ? AND contact_id = ?
		ORDER BY date DESC, id DESC LIMIT ?`,
		chatID, contactID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list interactions")
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		in := &Interaction{}
		if err := rows.Scan(&in.ID, &in.ChatID, &in.ContactID, &in.Type, &in.Source, &in.Summary, &in.Date, &in.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan interaction")
		}
		out = append(out, in)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate interactions")
}

func scanContactRow(row *sql.Row) (*Contact, error) {
	c := &Contact{}
	err := row.Scan(&c.ID, &c.ChatID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.Role, &c.Notes,
		&c.PhotoPath, &c.Source, &c.FirstSeen, &c.LastContact, &c.InteractionCount, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan contact")
	}
	return c, nil
}

func scanContactFields(rows *sql.Rows) (*Contact, error) {
	c := &Contact{}
	err := rows.Scan(&c.ID, &c.ChatID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.Role, &c.Notes,
		&c.PhotoPath, &c.Source, &c.FirstSeen, &c.LastContact, &c.InteractionCount, &c.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan contact")
	}
	return c, nil
}
