package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dockyard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- plans ---

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO plans(id,name,category,plan_type,state,owner_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Category), p.PlanType, p.State, p.OwnerID, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(category,''),plan_type,state,owner_id,created_at,updated_at FROM plans WHERE id=?`, id)
	var p domain.Plan
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.PlanType, &p.State, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPlans(ctx context.Context, state string) ([]domain.Plan, error) {
	query := `SELECT id,name,COALESCE(category,''),plan_type,state,owner_id,created_at,updated_at FROM plans`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.PlanType, &p.State, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePlanState(ctx context.Context, tx *sql.Tx, id, state, updatedAt string) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE plans SET state=?, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePlan(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM plans WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- plan nodes ---

const nodeColumns = `id,plan_id,parent_id,kind,COALESCE(label,''),ordering,activity_template_id,auth_token_id,state,crate_storage`

func scanNode(scan func(dest ...any) error) (domain.PlanNode, error) {
	var n domain.PlanNode
	var parentID, templateID, tokenID sql.NullString
	err := scan(&n.ID, &n.PlanID, &parentID, &n.Kind, &n.Label, &n.Ordering, &templateID, &tokenID, &n.State, &n.CrateStorage)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if parentID.Valid {
		n.ParentID = &parentID.String
	}
	if templateID.Valid {
		n.ActivityTemplateID = &templateID.String
	}
	if tokenID.Valid {
		n.AuthTokenID = &tokenID.String
	}
	return n, nil
}

func (r Repo) InsertNode(ctx context.Context, tx *sql.Tx, n domain.PlanNode) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO plan_nodes(id,plan_id,parent_id,kind,label,ordering,activity_template_id,auth_token_id,state,crate_storage) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.PlanID, nullablePtr(n.ParentID), n.Kind, nullable(n.Label), n.Ordering, nullablePtr(n.ActivityTemplateID), nullablePtr(n.AuthTokenID), n.State, n.CrateStorage)
	return err
}

func (r Repo) GetNode(ctx context.Context, id string) (domain.PlanNode, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM plan_nodes WHERE id=?`, id)
	return scanNode(row.Scan)
}

// ListPlanNodes returns every node of a plan ordered parent-first by
// insertion, suitable for plantree.New.
func (r Repo) ListPlanNodes(ctx context.Context, planID string) ([]domain.PlanNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+nodeColumns+` FROM plan_nodes WHERE plan_id=? ORDER BY ordering`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanNode
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// SaveNodes rewrites the full node set of a plan in one transaction. The
// tree is small and mutations re-pack sibling ordering, so replacing the
// rows wholesale keeps the arena and the table trivially consistent.
func (r Repo) SaveNodes(ctx context.Context, tx *sql.Tx, planID string, nodes []domain.PlanNode) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_nodes WHERE plan_id=?`, planID); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := r.InsertNode(ctx, tx, n); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	return nil
}

func (r Repo) UpdateNodeState(ctx context.Context, tx *sql.Tx, id, state string) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE plan_nodes SET state=? WHERE id=?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateNodeStates(ctx context.Context, tx *sql.Tx, ids []string, state string) error {
	for _, id := range ids {
		if err := r.UpdateNodeState(ctx, tx, id, state); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateNodeCrateStorage(ctx context.Context, tx *sql.Tx, id, storage string) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE plan_nodes SET crate_storage=? WHERE id=?`, storage, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- containers ---

const containerColumns = `id,plan_id,state,current_node_id,next_node_id,payload,cancel_requested,created_at,updated_at`

func scanContainer(scan func(dest ...any) error) (domain.Container, error) {
	var c domain.Container
	var cur, next sql.NullString
	var cancel int
	err := scan(&c.ID, &c.PlanID, &c.State, &cur, &next, &c.Payload, &cancel, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if cur.Valid {
		c.CurrentNodeID = &cur.String
	}
	if next.Valid {
		c.NextNodeID = &next.String
	}
	c.CancelRequested = cancel != 0
	return c, nil
}

func (r Repo) InsertContainer(ctx context.Context, tx *sql.Tx, c domain.Container) error {
	_, err := exec(ctx, r.DB, tx, `INSERT INTO containers(`+containerColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PlanID, c.State, nullablePtr(c.CurrentNodeID), nullablePtr(c.NextNodeID), c.Payload, boolInt(c.CancelRequested), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContainer(ctx context.Context, id string) (domain.Container, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+containerColumns+` FROM containers WHERE id=?`, id)
	return scanContainer(row.Scan)
}

func (r Repo) ListContainers(ctx context.Context, planID string) ([]domain.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id=?`
		args = append(args, planID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Container
	for rows.Next() {
		c, err := scanContainer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateContainer(ctx context.Context, tx *sql.Tx, c domain.Container) error {
	res, err := exec(ctx, r.DB, tx, `UPDATE containers SET state=?, current_node_id=?, next_node_id=?, payload=?, cancel_requested=?, updated_at=? WHERE id=?`,
		c.State, nullablePtr(c.CurrentNodeID), nullablePtr(c.NextNodeID), c.Payload, boolInt(c.CancelRequested), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RequestContainerCancel(ctx context.Context, id, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE containers SET cancel_requested=1, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteContainer(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM containers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

const eventColumns = `id,ts,type,COALESCE(plan_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func (r Repo) ListEvents(ctx context.Context, limit int, planID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id=?`
		args = append(args, planID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, planID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>?`
	args := []any{cursor}
	if planID != "" {
		query += ` AND plan_id=?`
		args = append(args, planID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context, planID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id=?`
		args = append(args, planID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PlanID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func exec(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
