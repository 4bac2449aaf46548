package consent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/audit"
	"github.com/focusloop/regulation-engine/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS consent_flags (
	user_id     TEXT NOT NULL,
	category    TEXT NOT NULL,
	enabled     INTEGER NOT NULL,
	granted_at  TEXT,
	revoked_at  TEXT,
	PRIMARY KEY (user_id, category)
);
`

// #endregion schema

// #region registry
// Registry holds per-user, per-category consent gates. Nothing downstream
// may compute a signal without an affirmative HasConsent check made at the
// start of the computation.
type Registry struct {
	db *sql.DB
}

// NewRegistry ensures the consent schema and returns a registry. Consent
// transitions append audit entries in the same transaction, so the audit
// schema is ensured here as well.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, err
	}
	if err := audit.EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Registry{db: db}, nil
}

// #endregion registry

// #region set-consent
// SetConsent records a grant or revocation. Flags are upserted, never
// deleted. Every actual transition (false→true or true→false, including the
// first write) appends one audit entry in the same transaction.
func (r *Registry) SetConsent(ctx context.Context, userID string, category Category, enabled bool) error {
	if _, err := ParseCategory(string(category)); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prev sql.NullBool
	var prevEnabled int
	err = tx.QueryRow(
		`SELECT enabled FROM consent_flags WHERE user_id = ? AND category = ?`,
		userID, string(category),
	).Scan(&prevEnabled)
	switch {
	case err == sql.ErrNoRows:
		// never touched
	case err != nil:
		return fmt.Errorf("read flag: %w", err)
	default:
		prev = sql.NullBool{Bool: prevEnabled != 0, Valid: true}
	}

	if prev.Valid && prev.Bool == enabled {
		// no transition, nothing to record
		return tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var grantedAt, revokedAt any
	action := audit.ActionConsentRevoked
	if enabled {
		grantedAt = now
		action = audit.ActionConsentGranted
	} else {
		revokedAt = now
	}

	_, err = tx.Exec(
		`INSERT INTO consent_flags (user_id, category, enabled, granted_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, category) DO UPDATE SET
		   enabled = excluded.enabled,
		   granted_at = excluded.granted_at,
		   revoked_at = excluded.revoked_at`,
		userID, string(category), boolToInt(enabled), grantedAt, revokedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert flag: %w", err)
	}

	err = audit.Append(tx, audit.Entry{
		UserID: userID,
		Action: action,
		Actor:  userID,
		Metadata: map[string]any{
			"category": string(category),
		},
	})
	if err != nil {
		return err
	}

	return tx.Commit()
}

// #endregion set-consent

// #region has-consent
// HasConsent reports whether the user has an active grant for the category.
// Unknown pairs default to false.
func (r *Registry) HasConsent(ctx context.Context, userID string, category Category) (bool, error) {
	if _, err := ParseCategory(string(category)); err != nil {
		return false, err
	}
	var enabled int
	err := r.db.QueryRowContext(ctx,
		`SELECT enabled FROM consent_flags WHERE user_id = ? AND category = ?`,
		userID, string(category),
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read flag: %w", err)
	}
	return enabled != 0, nil
}

// #endregion has-consent

// #region list
// List returns the stored flags for a user. Categories never touched have no
// row and are omitted.
func (r *Registry) List(ctx context.Context, userID string) ([]Flag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, category, enabled, granted_at, revoked_at
		 FROM consent_flags WHERE user_id = ? ORDER BY category`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var flags []Flag
	for rows.Next() {
		var f Flag
		var enabled int
		var grantedStr, revokedStr sql.NullString
		if err := rows.Scan(&f.UserID, &f.Category, &enabled, &grantedStr, &revokedStr); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		f.Enabled = enabled != 0
		f.GrantedAt = parseNullTime(grantedStr)
		f.RevokedAt = parseNullTime(revokedStr)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// #endregion list

// #region helpers
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// #endregion helpers
