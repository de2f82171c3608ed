package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsUniqueViolation reports whether err is a Postgres unique constraint breach.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a Postgres foreign key breach.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// InsertProject registers a project. If a row already exists at folder_path
// the existing row is returned; the store's uniqueness constraint mediates
// two near-simultaneous registrations, not the application.
func (s *PostgresStore) InsertProject(ctx context.Context, project Project) (Project, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, folder_path, name, default_page)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (folder_path) DO NOTHING
	`, project.ID, project.FolderPath, project.Name, project.DefaultPage)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProjectByPath(ctx, project.FolderPath)
}

func (s *PostgresStore) GetProjectByPath(ctx context.Context, folderPath string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folder_path, name, default_page, created_at, updated_at
		FROM projects
		WHERE folder_path=$1
	`, folderPath).Scan(&item.ID, &item.FolderPath, &item.Name, &item.DefaultPage, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetProjectByID(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folder_path, name, default_page, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.FolderPath, &item.Name, &item.DefaultPage, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder_path, name, default_page, created_at, updated_at
		FROM projects
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.FolderPath, &item.Name, &item.DefaultPage, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, defaultPage string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		UPDATE projects
		SET name=COALESCE(NULLIF($2, ''), name),
		    default_page=COALESCE(NULLIF($3, ''), default_page),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING id, folder_path, name, default_page, created_at, updated_at
	`, projectID, name, defaultPage).Scan(&item.ID, &item.FolderPath, &item.Name, &item.DefaultPage, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

// DeleteProject removes the project and, through ON DELETE CASCADE, every
// edit, comment, and presence row that references it.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM projects
		WHERE id=$1
		RETURNING id, folder_path, name, default_page, created_at, updated_at
	`, projectID).Scan(&item.ID, &item.FolderPath, &item.Name, &item.DefaultPage, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertEdit(ctx context.Context, edit Edit) (Edit, error) {
	var item Edit
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO edits (id, project_id, page_path, html_content, edited_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, project_id, page_path, html_content, edited_by, created_at
	`, edit.ID, edit.ProjectID, edit.PagePath, edit.HTMLContent, edit.EditedBy).Scan(
		&item.ID, &item.ProjectID, &item.PagePath, &item.HTMLContent, &item.EditedBy, &item.CreatedAt,
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return Edit{}, err
		}
		return Edit{}, fmt.Errorf("insert edit: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetLatestEdit(ctx context.Context, projectID, pagePath string) (Edit, error) {
	var item Edit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, page_path, html_content, edited_by, created_at
		FROM edits
		WHERE project_id=$1 AND page_path=$2
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, pagePath).Scan(&item.ID, &item.ProjectID, &item.PagePath, &item.HTMLContent, &item.EditedBy, &item.CreatedAt)
	if err != nil {
		return Edit{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListEditHistory(ctx context.Context, projectID, pagePath string, limit int) ([]Edit, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, page_path, html_content, edited_by, created_at
		FROM edits
		WHERE project_id=$1 AND page_path=$2
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, pagePath, limit)
	if err != nil {
		return nil, fmt.Errorf("list edit history: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		var item Edit
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.PagePath, &item.HTMLContent, &item.EditedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetEditByID(ctx context.Context, editID string) (Edit, error) {
	var item Edit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, page_path, html_content, edited_by, created_at
		FROM edits
		WHERE id=$1
	`, editID).Scan(&item.ID, &item.ProjectID, &item.PagePath, &item.HTMLContent, &item.EditedBy, &item.CreatedAt)
	if err != nil {
		return Edit{}, err
	}
	return item, nil
}

// ListLatestEditsByProject returns the most recent snapshot per page.
func (s *PostgresStore) ListLatestEditsByProject(ctx context.Context, projectID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (page_path)
			id, project_id, page_path, html_content, edited_by, created_at
		FROM edits
		WHERE project_id=$1
		ORDER BY page_path ASC, created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list latest edits: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		var item Edit
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.PagePath, &item.HTMLContent, &item.EditedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan latest edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest edits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteEdit(ctx context.Context, editID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM edits WHERE id=$1`, editID)
	if err != nil {
		return false, fmt.Errorf("delete edit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete edit rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeletePageEdits(ctx context.Context, projectID, pagePath string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM edits WHERE project_id=$1 AND page_path=$2
	`, projectID, pagePath)
	if err != nil {
		return 0, fmt.Errorf("delete page edits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete page edits rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, project_id, page_path, x_position, y_position, comment_text, author)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, project_id, page_path, x_position, y_position, comment_text, author, resolved, created_at
	`, comment.ID, comment.ProjectID, comment.PagePath, comment.XPosition, comment.YPosition, comment.Text, comment.Author).Scan(
		&item.ID, &item.ProjectID, &item.PagePath, &item.XPosition, &item.YPosition, &item.Text, &item.Author, &item.Resolved, &item.CreatedAt,
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return Comment{}, err
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, projectID, pagePath string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, page_path, x_position, y_position, comment_text, author, resolved, created_at
		FROM comments
		WHERE project_id=$1 AND page_path=$2
		ORDER BY created_at ASC
	`, projectID, pagePath)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.PagePath, &item.XPosition, &item.YPosition, &item.Text, &item.Author, &item.Resolved, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// SetCommentResolved flips the only mutable field a comment has.
func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET resolved=$2
		WHERE id=$1
		RETURNING id, project_id, page_path, x_position, y_position, comment_text, author, resolved, created_at
	`, commentID, resolved).Scan(
		&item.ID, &item.ProjectID, &item.PagePath, &item.XPosition, &item.YPosition, &item.Text, &item.Author, &item.Resolved, &item.CreatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// UpsertPresence records a heartbeat. Re-joining updates the existing row for
// the (project, page, user) triple; last_seen never moves backwards.
func (s *PostgresStore) UpsertPresence(ctx context.Context, row Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (id, project_id, page_path, user_id, user_name, last_seen)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (project_id, page_path, user_id)
		DO UPDATE SET user_name=EXCLUDED.user_name, last_seen=GREATEST(presence.last_seen, EXCLUDED.last_seen)
	`, row.ID, row.ProjectID, row.PagePath, row.UserID, row.UserName)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return err
		}
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// TouchPresence refreshes last_seen for an existing row. A heartbeat for a
// row that does not exist is a no-op, never an error.
func (s *PostgresStore) TouchPresence(ctx context.Context, projectID, pagePath, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE presence
		SET last_seen=GREATEST(last_seen, NOW())
		WHERE project_id=$1 AND page_path=$2 AND user_id=$3
	`, projectID, pagePath, userID)
	if err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// ListActivePresence returns rows whose last_seen falls within the liveness
// window. Always computed fresh; there is no cached online-users structure.
func (s *PostgresStore) ListActivePresence(ctx context.Context, projectID, pagePath string, window time.Duration) ([]Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, page_path, user_id, user_name, last_seen
		FROM presence
		WHERE project_id=$1 AND page_path=$2 AND last_seen > NOW() - $3::interval
		ORDER BY user_name ASC
	`, projectID, pagePath, window.String())
	if err != nil {
		return nil, fmt.Errorf("list active presence: %w", err)
	}
	defer rows.Close()

	items := make([]Presence, 0)
	for rows.Next() {
		var item Presence
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.PagePath, &item.UserID, &item.UserName, &item.LastSeen); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return items, nil
}

// SweepStalePresence hard-deletes rows stale beyond the liveness window so
// the table does not grow without bound.
func (s *PostgresStore) SweepStalePresence(ctx context.Context, window time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM presence WHERE last_seen <= NOW() - $1::interval
	`, window.String())
	if err != nil {
		return 0, fmt.Errorf("sweep presence: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep presence rows: %w", err)
	}
	return affected, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
