package repo

import (
	"context"
	"database/sql"

	"dockyard/internal/domain"
)

const terminalColumns = `id,name,version,endpoint,secret,created_at`

func scanTerminal(scan func(dest ...any) error) (domain.Terminal, error) {
	var t domain.Terminal
	err := scan(&t.ID, &t.Name, &t.Version, &t.Endpoint, &t.Secret, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTerminal(ctx context.Context, tx *sql.Tx, t domain.Terminal) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO terminals(`+terminalColumns+`) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.Version, t.Endpoint, t.Secret, t.CreatedAt)
	return err
}

func (r Repo) UpsertTerminal(ctx context.Context, tx *sql.Tx, t domain.Terminal) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO terminals(`+terminalColumns+`) VALUES (?,?,?,?,?,?)
		ON CONFLICT(name, version) DO UPDATE SET endpoint=excluded.endpoint, secret=excluded.secret`,
		t.ID, t.Name, t.Version, t.Endpoint, t.Secret, t.CreatedAt)
	return err
}

func (r Repo) GetTerminal(ctx context.Context, id string) (domain.Terminal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE id=?`, id)
	return scanTerminal(row.Scan)
}

func (r Repo) GetTerminalByName(ctx context.Context, name, version string) (domain.Terminal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE name=? AND version=?`, name, version)
	return scanTerminal(row.Scan)
}

// GetTerminalBySecret resolves a terminal from its shared secret. Polling
// callbacks and event reports authenticate this way.
func (r Repo) GetTerminalBySecret(ctx context.Context, secret string) (domain.Terminal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+terminalColumns+` FROM terminals WHERE secret=?`, secret)
	return scanTerminal(row.Scan)
}

func (r Repo) ListTerminals(ctx context.Context) ([]domain.Terminal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+terminalColumns+` FROM terminals ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- activity templates ---

const templateColumns = `id,terminal_id,name,version,COALESCE(category,''),needs_authentication`

func scanTemplate(scan func(dest ...any) error) (domain.ActivityTemplate, error) {
	var t domain.ActivityTemplate
	var needsAuth int
	err := scan(&t.ID, &t.TerminalID, &t.Name, &t.Version, &t.Category, &needsAuth)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.NeedsAuthentication = needsAuth != 0
	return t, err
}

func (r Repo) UpsertActivityTemplate(ctx context.Context, tx *sql.Tx, t domain.ActivityTemplate) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO activity_templates(id,terminal_id,name,version,category,needs_authentication) VALUES (?,?,?,?,?,?)
		ON CONFLICT(terminal_id, name, version) DO UPDATE SET category=excluded.category, needs_authentication=excluded.needs_authentication`,
		t.ID, t.TerminalID, t.Name, t.Version, nullable(t.Category), boolInt(t.NeedsAuthentication))
	return err
}

func (r Repo) GetActivityTemplate(ctx context.Context, id string) (domain.ActivityTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM activity_templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) ListActivityTemplates(ctx context.Context, terminalID string) ([]domain.ActivityTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM activity_templates`
	var args []any
	if terminalID != "" {
		query += ` WHERE terminal_id=?`
		args = append(args, terminalID)
	}
	query += ` ORDER BY name, version`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
