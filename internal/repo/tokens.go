package repo

import (
	"context"
	"database/sql"

	"dockyard/internal/domain"
)

const tokenColumns = `id,user_id,terminal_id,external_account_id,token,created_at`

func scanToken(scan func(dest ...any) error) (domain.AuthorizationToken, error) {
	var t domain.AuthorizationToken
	err := scan(&t.ID, &t.UserID, &t.TerminalID, &t.ExternalAccountID, &t.Token, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertAuthToken(ctx context.Context, tx *sql.Tx, t domain.AuthorizationToken) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO auth_tokens(`+tokenColumns+`) VALUES (?,?,?,?,?,?)`,
		t.ID, t.UserID, t.TerminalID, t.ExternalAccountID, t.Token, t.CreatedAt)
	return err
}

func (r Repo) GetAuthToken(ctx context.Context, id string) (domain.AuthorizationToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM auth_tokens WHERE id=?`, id)
	return scanToken(row.Scan)
}

// FindAuthToken resolves a token by the triple the polling scheduler and the
// event matcher key on.
func (r Repo) FindAuthToken(ctx context.Context, terminalID, externalAccountID, userID string) (domain.AuthorizationToken, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE terminal_id=? AND external_account_id=? AND user_id=? ORDER BY created_at DESC LIMIT 1`,
		terminalID, externalAccountID, userID)
	return scanToken(row.Scan)
}

func (r Repo) ListAuthTokens(ctx context.Context, userID string) ([]domain.AuthorizationToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM auth_tokens`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuthorizationToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAuthToken(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM auth_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
