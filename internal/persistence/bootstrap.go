package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BootstrapAdmin grants the admin role with permissions to the earliest
// created persona unless that persona already holds an admin grant in any
// state. It reports whether a grant was inserted. With no personas it does
// nothing.
func (s *Store) BootstrapAdmin(ctx context.Context, permissions []string) (bool, error) {
	const op = "bootstrap admin"
	perms := NewSet(permissions...)
	if len(perms) == 0 {
		return false, invalidInput(op, "admin permission set is empty")
	}

	var inserted bool
	err := s.withTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		inserted = false
		var rootID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM personas ORDER BY created_at ASC, id ASC LIMIT 1;
		`).Scan(&rootID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: select root persona: %w", op, err)
		}

		nowText, _ := s.nowText()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO persona_roles (id, persona_id, role_name, permissions, granted_by, granted_at, expires_at, is_active)
			SELECT ?, ?, ?, ?, NULL, ?, NULL, 1
			WHERE NOT EXISTS (
				SELECT 1 FROM persona_roles WHERE persona_id = ? AND role_name = ?
			);
		`, newID(), rootID, AdminRole, encodeSet(perms), nowText, rootID, AdminRole)
		if err != nil {
			return fmt.Errorf("%s: insert: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s: rows affected: %w", op, err)
		}
		inserted = n == 1
		if inserted {
			s.logger.Info("admin role bootstrapped", "persona_id", rootID, "permissions", len(perms))
		}
		return nil
	})
	return inserted, err
}
