package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tx exposes the process DAO operations inside one transaction.
type Tx struct {
	conn *sql.Conn
}

const recordColumns = `workspace_user_id, host, port, process_id, parent_process_id, platform, project_id, status, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r       Record
		status  string
		updated int64
	)
	if err := row.Scan(&r.WorkspaceUserID, &r.Host, &r.Port, &r.ProcessID, &r.ParentProcessID, &r.Platform, &r.ProjectID, &status, &updated); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

// FindByWorkspaceUserID returns the record for id.
func (t *Tx) FindByWorkspaceUserID(ctx context.Context, id string) (Record, bool, error) {
	row := t.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM wingman_process WHERE workspace_user_id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("find process %s: %w", id, err)
	}
	return r, true, nil
}

// Save inserts or replaces r. UpdatedAt is set to now.
func (t *Tx) Save(ctx context.Context, r Record) error {
	if r.WorkspaceUserID == "" {
		return fmt.Errorf("save process: empty workspace user id")
	}
	if r.Host == "" {
		r.Host = "localhost"
	}
	_, err := t.conn.ExecContext(ctx, `INSERT INTO wingman_process (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_user_id) DO UPDATE SET
			host = excluded.host, port = excluded.port, process_id = excluded.process_id,
			parent_process_id = excluded.parent_process_id, platform = excluded.platform,
			project_id = excluded.project_id, status = excluded.status, updated_at = excluded.updated_at`,
		r.WorkspaceUserID, r.Host, r.Port, r.ProcessID, r.ParentProcessID, r.Platform, r.ProjectID, string(r.Status), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save process %s: %w", r.WorkspaceUserID, err)
	}
	return nil
}

// SetStatus updates only the status of an existing record.
func (t *Tx) SetStatus(ctx context.Context, id string, s Status) error {
	res, err := t.conn.ExecContext(ctx, `UPDATE wingman_process SET status = ?, updated_at = ? WHERE workspace_user_id = ?`,
		string(s), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRecord
	}
	return nil
}

// DeleteByWorkspaceUserID removes the process record for id. Project links
// are kept so a respawned agent still serves them; see DeleteProjects.
func (t *Tx) DeleteByWorkspaceUserID(ctx context.Context, id string) error {
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM wingman_process WHERE workspace_user_id = ?`, id); err != nil {
		return fmt.Errorf("delete process %s: %w", id, err)
	}
	return nil
}

// DeleteProjects removes every project link of id.
func (t *Tx) DeleteProjects(ctx context.Context, id string) error {
	if _, err := t.conn.ExecContext(ctx, `DELETE FROM workspace_user_project WHERE workspace_user_id = ?`, id); err != nil {
		return fmt.Errorf("delete projects %s: %w", id, err)
	}
	return nil
}

// FindHighestPort returns the highest port of any record not STOPPED.
func (t *Tx) FindHighestPort(ctx context.Context) (int, bool, error) {
	var port sql.NullInt64
	err := t.conn.QueryRowContext(ctx, `SELECT MAX(port) FROM wingman_process WHERE status != ? AND port > 0`, string(StatusStopped)).Scan(&port)
	if err != nil {
		return 0, false, fmt.Errorf("highest port: %w", err)
	}
	if !port.Valid {
		return 0, false, nil
	}
	return int(port.Int64), true, nil
}

// List returns all records ordered by port.
func (t *Tx) List(ctx context.Context) ([]Record, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT `+recordColumns+` FROM wingman_process ORDER BY port, workspace_user_id`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveProject links a host project to an identity's agent.
func (t *Tx) SaveProject(ctx context.Context, l ProjectLink) error {
	_, err := t.conn.ExecContext(ctx, `INSERT INTO workspace_user_project (workspace_user_id, project_id, process_id, parent_process_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_user_id, project_id, parent_process_id) DO UPDATE SET process_id = excluded.process_id`,
		l.WorkspaceUserID, l.ProjectID, l.ProcessID, l.ParentProcessID)
	if err != nil {
		return fmt.Errorf("save project %s/%s: %w", l.WorkspaceUserID, l.ProjectID, err)
	}
	return nil
}

// FindProjects returns every link for a (parent pid, project) pair, one per
// identity attached from that host project.
func (t *Tx) FindProjects(ctx context.Context, parentPID int, projectID string) ([]ProjectLink, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT workspace_user_id, project_id, process_id, parent_process_id
		FROM workspace_user_project WHERE parent_process_id = ? AND project_id = ? ORDER BY workspace_user_id`, parentPID, projectID)
	if err != nil {
		return nil, fmt.Errorf("find project: %w", err)
	}
	defer rows.Close()
	var out []ProjectLink
	for rows.Next() {
		var l ProjectLink
		if err := rows.Scan(&l.WorkspaceUserID, &l.ProjectID, &l.ProcessID, &l.ParentProcessID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteProject removes one link.
func (t *Tx) DeleteProject(ctx context.Context, l ProjectLink) error {
	_, err := t.conn.ExecContext(ctx, `DELETE FROM workspace_user_project
		WHERE workspace_user_id = ? AND project_id = ? AND parent_process_id = ?`, l.WorkspaceUserID, l.ProjectID, l.ParentProcessID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// CountProjects returns how many links reference id.
func (t *Tx) CountProjects(ctx context.Context, id string) (int, error) {
	var n int
	if err := t.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspace_user_project WHERE workspace_user_id = ?`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

// Projects returns the links for id.
func (t *Tx) Projects(ctx context.Context, id string) ([]ProjectLink, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT workspace_user_id, project_id, process_id, parent_process_id
		FROM workspace_user_project WHERE workspace_user_id = ? ORDER BY parent_process_id, project_id`, id)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []ProjectLink
	for rows.Next() {
		var l ProjectLink
		if err := rows.Scan(&l.WorkspaceUserID, &l.ProjectID, &l.ProcessID, &l.ParentProcessID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PruneProjects removes links whose host process is no longer alive.
func (t *Tx) PruneProjects(ctx context.Context, id string, alive func(pid int) bool) (int, error) {
	links, err := t.Projects(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range links {
		if alive(l.ParentProcessID) {
			continue
		}
		if err := t.DeleteProject(ctx, l); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
