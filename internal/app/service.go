package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"liveedit/api/internal/config"
	"liveedit/api/internal/store"
	"liveedit/api/internal/validate"
)

// Wire payloads. REST bodies use snake_case throughout.

type ProjectPayload struct {
	ID          string    `json:"id"`
	FolderPath  string    `json:"folder_path"`
	Name        string    `json:"name"`
	DefaultPage string    `json:"default_page"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type EditPayload struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	PagePath    string    `json:"page_path"`
	HTMLContent string    `json:"html_content"`
	EditedBy    string    `json:"edited_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type CommentPayload struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	PagePath  string    `json:"page_path"`
	XPosition float64   `json:"x_position"`
	YPosition float64   `json:"y_position"`
	Text      string    `json:"comment_text"`
	Author    string    `json:"author"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

type PresencePayload struct {
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	LastSeen time.Time `json:"last_seen"`
}

type dataStore interface {
	InsertProject(context.Context, store.Project) (store.Project, error)
	GetProjectByPath(context.Context, string) (store.Project, error)
	GetProjectByID(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	UpdateProject(context.Context, string, string, string) (store.Project, error)
	DeleteProject(context.Context, string) (store.Project, error)
	InsertEdit(context.Context, store.Edit) (store.Edit, error)
	GetLatestEdit(context.Context, string, string) (store.Edit, error)
	ListEditHistory(context.Context, string, string, int) ([]store.Edit, error)
	GetEditByID(context.Context, string) (store.Edit, error)
	ListLatestEditsByProject(context.Context, string) ([]store.Edit, error)
	DeleteEdit(context.Context, string) (bool, error)
	DeletePageEdits(context.Context, string, string) (int64, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, string, string) ([]store.Comment, error)
	DeleteComment(context.Context, string) (bool, error)
	SetCommentResolved(context.Context, string, bool) (store.Comment, error)
	UpsertPresence(context.Context, store.Presence) error
	TouchPresence(context.Context, string, string, string) error
	ListActivePresence(context.Context, string, string, time.Duration) ([]store.Presence, error)
	SweepStalePresence(context.Context, time.Duration) (int64, error)
	Ping(context.Context) error
}

type Service struct {
	cfg   config.Config
	store dataStore
	now   func() time.Time
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return &Service{cfg: cfg, store: dataStore, now: time.Now}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RegisterProject is idempotent on the normalized folder path: registering an
// existing path returns the existing record, never a duplicate and never an
// error. Two near-simultaneous registrations are mediated by the store's
// uniqueness constraint.
func (s *Service) RegisterProject(ctx context.Context, folderPath, name string) (ProjectPayload, error) {
	normalized, err := validate.FolderPath(folderPath, s.cfg.VirtualRoot)
	if err != nil {
		return ProjectPayload{}, err
	}
	if name == "" {
		name = normalized[strings.LastIndex(normalized, "/")+1:]
	}
	if err := validate.Name("name", name, validate.MaxProjectName); err != nil {
		return ProjectPayload{}, err
	}

	project, err := s.store.InsertProject(ctx, store.Project{
		ID:          uuid.NewString(),
		FolderPath:  normalized,
		Name:        name,
		DefaultPage: "/index.html",
	})
	if err != nil {
		return ProjectPayload{}, err
	}
	return projectPayload(project), nil
}

// GetProject resolves by the normalized path first. The un-normalized input
// and its slash variants are tried afterwards as a legacy fallback for rows
// written before path normalization existed.
func (s *Service) GetProject(ctx context.Context, folderPath string) (ProjectPayload, error) {
	normalized, err := validate.FolderPath(folderPath, s.cfg.VirtualRoot)
	if err != nil {
		return ProjectPayload{}, err
	}

	candidates := []string{normalized}
	raw := strings.TrimSpace(folderPath)
	if raw != normalized {
		candidates = append(candidates, raw)
	}
	if variant := "/" + strings.Trim(raw, "/"); variant != normalized && variant != raw {
		candidates = append(candidates, variant)
	}

	var lastErr error
	for _, candidate := range candidates {
		project, err := s.store.GetProjectByPath(ctx, candidate)
		if err == nil {
			return projectPayload(project), nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ProjectPayload{}, err
		}
		lastErr = err
	}
	return ProjectPayload{}, lastErr
}

func (s *Service) ListProjects(ctx context.Context) ([]ProjectPayload, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]ProjectPayload, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return items, nil
}

func (s *Service) UpdateProject(ctx context.Context, projectID, name, defaultPage string) (ProjectPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return ProjectPayload{}, err
	}
	if name != "" {
		if err := validate.Name("name", name, validate.MaxProjectName); err != nil {
			return ProjectPayload{}, err
		}
	}
	if defaultPage != "" {
		normalized, err := validate.PagePath(defaultPage)
		if err != nil {
			return ProjectPayload{}, err
		}
		defaultPage = normalized
	}
	project, err := s.store.UpdateProject(ctx, projectID, name, defaultPage)
	if err != nil {
		return ProjectPayload{}, err
	}
	return projectPayload(project), nil
}

// DeleteProject removes the project; the store cascades to every edit,
// comment, and presence row referencing it.
func (s *Service) DeleteProject(ctx context.Context, projectID string) (map[string]any, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return nil, err
	}
	project, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":        true,
		"deletedProject": projectPayload(project),
	}, nil
}

// SaveEdit is the sole write path for page content: always a new append-only
// snapshot, never an update of a prior one. Last insert wins; the optimistic
// "did it change under me" check lives in the client.
func (s *Service) SaveEdit(ctx context.Context, projectID, pagePath, htmlContent, editedBy string) (EditPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return EditPayload{}, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return EditPayload{}, err
	}
	if strings.TrimSpace(htmlContent) == "" {
		return EditPayload{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "html_content is required")
	}
	if err := validate.Text("html_content", htmlContent, validate.MaxHTMLBytes); err != nil {
		return EditPayload{}, err
	}
	if err := validate.Name("edited_by", editedBy, validate.MaxNameLen); err != nil {
		return EditPayload{}, err
	}

	edit, err := s.store.InsertEdit(ctx, store.Edit{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		PagePath:    normalized,
		HTMLContent: htmlContent,
		EditedBy:    editedBy,
	})
	if err != nil {
		return EditPayload{}, err
	}
	return editPayload(edit), nil
}

// GetLatestEdit returns the newest snapshot for the pair. A page that was
// never edited is a normal condition surfaced as not-found, not a fault.
func (s *Service) GetLatestEdit(ctx context.Context, projectID, pagePath string) (EditPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return EditPayload{}, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return EditPayload{}, err
	}
	edit, err := s.store.GetLatestEdit(ctx, projectID, normalized)
	if err != nil {
		return EditPayload{}, err
	}
	return editPayload(edit), nil
}

func (s *Service) GetHistory(ctx context.Context, projectID, pagePath string, limit int) ([]EditPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return nil, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > 50 {
		limit = 50
	}
	edits, err := s.store.ListEditHistory(ctx, projectID, normalized, limit)
	if err != nil {
		return nil, err
	}
	items := make([]EditPayload, 0, len(edits))
	for _, edit := range edits {
		items = append(items, editPayload(edit))
	}
	return items, nil
}

func (s *Service) GetEditByID(ctx context.Context, editID string) (EditPayload, error) {
	if err := validate.ID("edit_id", editID); err != nil {
		return EditPayload{}, err
	}
	edit, err := s.store.GetEditByID(ctx, editID)
	if err != nil {
		return EditPayload{}, err
	}
	return editPayload(edit), nil
}

// ListProjectEdits returns the latest snapshot per page of a project.
func (s *Service) ListProjectEdits(ctx context.Context, projectID string) ([]EditPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return nil, err
	}
	edits, err := s.store.ListLatestEditsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]EditPayload, 0, len(edits))
	for _, edit := range edits {
		items = append(items, editPayload(edit))
	}
	return items, nil
}

func (s *Service) DeleteEdit(ctx context.Context, editID string) error {
	if err := validate.ID("edit_id", editID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteEdit(ctx, editID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) DeletePageEdits(ctx context.Context, projectID, pagePath string) (map[string]any, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return nil, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.DeletePageEdits(ctx, projectID, normalized)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "deleted": deleted}, nil
}

func (s *Service) AddComment(ctx context.Context, projectID, pagePath string, x, y float64, text, author string) (CommentPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return CommentPayload{}, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return CommentPayload{}, err
	}
	if err := validate.Position("x_position", x); err != nil {
		return CommentPayload{}, err
	}
	if err := validate.Position("y_position", y); err != nil {
		return CommentPayload{}, err
	}
	if strings.TrimSpace(text) == "" {
		return CommentPayload{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "comment_text is required")
	}
	if err := validate.Text("comment_text", text, validate.MaxCommentBytes); err != nil {
		return CommentPayload{}, err
	}
	if err := validate.Name("author", author, validate.MaxNameLen); err != nil {
		return CommentPayload{}, err
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		PagePath:  normalized,
		XPosition: x,
		YPosition: y,
		Text:      text,
		Author:    author,
	})
	if err != nil {
		return CommentPayload{}, err
	}
	return commentPayload(comment), nil
}

func (s *Service) ListComments(ctx context.Context, projectID, pagePath string) ([]CommentPayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return nil, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, projectID, normalized)
	if err != nil {
		return nil, err
	}
	items := make([]CommentPayload, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

func (s *Service) DeleteComment(ctx context.Context, commentID string) error {
	if err := validate.ID("comment_id", commentID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteComment(ctx, commentID)
	if err != nil {
		return err
	}
	if !deleted {
		return sql.ErrNoRows
	}
	return nil
}

// ResolveComment flips the resolved flag, the only mutation a comment allows.
func (s *Service) ResolveComment(ctx context.Context, commentID string, resolved bool) (CommentPayload, error) {
	if err := validate.ID("comment_id", commentID); err != nil {
		return CommentPayload{}, err
	}
	comment, err := s.store.SetCommentResolved(ctx, commentID, resolved)
	if err != nil {
		return CommentPayload{}, err
	}
	return commentPayload(comment), nil
}

// GetActiveUsers computes the live set fresh from the store, filtered by the
// liveness window at the moment of the request.
func (s *Service) GetActiveUsers(ctx context.Context, projectID, pagePath string) ([]PresencePayload, error) {
	if err := validate.ID("project_id", projectID); err != nil {
		return nil, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListActivePresence(ctx, projectID, normalized, s.cfg.PresenceTTL)
	if err != nil {
		return nil, err
	}
	items := make([]PresencePayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, PresencePayload{UserID: row.UserID, UserName: row.UserName, LastSeen: row.LastSeen})
	}
	return items, nil
}

// JoinRoom validates a realtime join, upserts the presence row, and returns
// the normalized page path plus the current live set for the room.
func (s *Service) JoinRoom(ctx context.Context, projectID, pagePath, userID, userName string) (string, []store.Presence, error) {
	if err := validate.ID("projectId", projectID); err != nil {
		return "", nil, err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return "", nil, err
	}
	if err := validate.Name("userId", userID, validate.MaxUserIDLen); err != nil {
		return "", nil, err
	}
	if err := validate.Name("userName", userName, validate.MaxNameLen); err != nil {
		return "", nil, err
	}

	if err := s.store.UpsertPresence(ctx, store.Presence{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		PagePath:  normalized,
		UserID:    userID,
		UserName:  userName,
	}); err != nil {
		return "", nil, err
	}

	live, err := s.store.ListActivePresence(ctx, projectID, normalized, s.cfg.PresenceTTL)
	if err != nil {
		return "", nil, err
	}
	return normalized, live, nil
}

// Heartbeat refreshes last_seen for an existing presence row. Callers swallow
// the returned error; heartbeats are fire-and-forget.
func (s *Service) Heartbeat(ctx context.Context, projectID, pagePath, userID string) error {
	if err := validate.ID("projectId", projectID); err != nil {
		return err
	}
	normalized, err := validate.PagePath(pagePath)
	if err != nil {
		return err
	}
	if err := validate.Name("userId", userID, validate.MaxUserIDLen); err != nil {
		return err
	}
	return s.store.TouchPresence(ctx, projectID, normalized, userID)
}

// ActiveUsers is the realtime-side presence listing, always a fresh query.
func (s *Service) ActiveUsers(ctx context.Context, projectID, pagePath string) ([]store.Presence, error) {
	return s.store.ListActivePresence(ctx, projectID, pagePath, s.cfg.PresenceTTL)
}

// StartPresenceSweeper hard-deletes stale presence rows on a fixed interval,
// independent of any request, until ctx is cancelled.
func (s *Service) StartPresenceSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.store.SweepStalePresence(ctx, s.cfg.PresenceTTL)
			if err != nil {
				log.Printf("presence sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("presence sweep removed %d stale rows", swept)
			}
		}
	}
}

func (s *Service) Health() map[string]any {
	return map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
}

func projectPayload(project store.Project) ProjectPayload {
	return ProjectPayload{
		ID:          project.ID,
		FolderPath:  project.FolderPath,
		Name:        project.Name,
		DefaultPage: project.DefaultPage,
		CreatedAt:   project.CreatedAt,
		UpdatedAt:   project.UpdatedAt,
	}
}

func editPayload(edit store.Edit) EditPayload {
	return EditPayload{
		ID:          edit.ID,
		ProjectID:   edit.ProjectID,
		PagePath:    edit.PagePath,
		HTMLContent: edit.HTMLContent,
		EditedBy:    edit.EditedBy,
		CreatedAt:   edit.CreatedAt,
	}
}

func commentPayload(comment store.Comment) CommentPayload {
	return CommentPayload{
		ID:        comment.ID,
		ProjectID: comment.ProjectID,
		PagePath:  comment.PagePath,
		XPosition: comment.XPosition,
		YPosition: comment.YPosition,
		Text:      comment.Text,
		Author:    comment.Author,
		Resolved:  comment.Resolved,
		CreatedAt: comment.CreatedAt,
	}
}
