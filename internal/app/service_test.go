package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"liveedit/api/internal/config"
	"liveedit/api/internal/store"
	"liveedit/api/internal/validate"
)

type fakeStore struct {
	insertProjectFn      func(context.Context, store.Project) (store.Project, error)
	getProjectByPathFn   func(context.Context, string) (store.Project, error)
	getProjectByIDFn     func(context.Context, string) (store.Project, error)
	listProjectsFn       func(context.Context) ([]store.Project, error)
	updateProjectFn      func(context.Context, string, string, string) (store.Project, error)
	deleteProjectFn      func(context.Context, string) (store.Project, error)
	insertEditFn         func(context.Context, store.Edit) (store.Edit, error)
	getLatestEditFn      func(context.Context, string, string) (store.Edit, error)
	listEditHistoryFn    func(context.Context, string, string, int) ([]store.Edit, error)
	getEditByIDFn        func(context.Context, string) (store.Edit, error)
	listLatestEditsFn    func(context.Context, string) ([]store.Edit, error)
	deleteEditFn         func(context.Context, string) (bool, error)
	deletePageEditsFn    func(context.Context, string, string) (int64, error)
	insertCommentFn      func(context.Context, store.Comment) (store.Comment, error)
	listCommentsFn       func(context.Context, string, string) ([]store.Comment, error)
	deleteCommentFn      func(context.Context, string) (bool, error)
	setCommentResolvedFn func(context.Context, string, bool) (store.Comment, error)
	upsertPresenceFn     func(context.Context, store.Presence) error
	touchPresenceFn      func(context.Context, string, string, string) error
	listActivePresenceFn func(context.Context, string, string, time.Duration) ([]store.Presence, error)
	sweepStalePresenceFn func(context.Context, time.Duration) (int64, error)
}

func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) (store.Project, error) {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return project, nil
}
func (f *fakeStore) GetProjectByPath(ctx context.Context, folderPath string) (store.Project, error) {
	if f.getProjectByPathFn != nil {
		return f.getProjectByPathFn(ctx, folderPath)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) GetProjectByID(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectByIDFn != nil {
		return f.getProjectByIDFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) ListProjects(ctx context.Context) ([]store.Project, error) {
	if f.listProjectsFn != nil {
		return f.listProjectsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) UpdateProject(ctx context.Context, projectID, name, defaultPage string) (store.Project, error) {
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, projectID, name, defaultPage)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) InsertEdit(ctx context.Context, edit store.Edit) (store.Edit, error) {
	if f.insertEditFn != nil {
		return f.insertEditFn(ctx, edit)
	}
	return edit, nil
}
func (f *fakeStore) GetLatestEdit(ctx context.Context, projectID, pagePath string) (store.Edit, error) {
	if f.getLatestEditFn != nil {
		return f.getLatestEditFn(ctx, projectID, pagePath)
	}
	return store.Edit{}, sql.ErrNoRows
}
func (f *fakeStore) ListEditHistory(ctx context.Context, projectID, pagePath string, limit int) ([]store.Edit, error) {
	if f.listEditHistoryFn != nil {
		return f.listEditHistoryFn(ctx, projectID, pagePath, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetEditByID(ctx context.Context, editID string) (store.Edit, error) {
	if f.getEditByIDFn != nil {
		return f.getEditByIDFn(ctx, editID)
	}
	return store.Edit{}, sql.ErrNoRows
}
func (f *fakeStore) ListLatestEditsByProject(ctx context.Context, projectID string) ([]store.Edit, error) {
	if f.listLatestEditsFn != nil {
		return f.listLatestEditsFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteEdit(ctx context.Context, editID string) (bool, error) {
	if f.deleteEditFn != nil {
		return f.deleteEditFn(ctx, editID)
	}
	return false, nil
}
func (f *fakeStore) DeletePageEdits(ctx context.Context, projectID, pagePath string) (int64, error) {
	if f.deletePageEditsFn != nil {
		return f.deletePageEditsFn(ctx, projectID, pagePath)
	}
	return 0, nil
}
func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return comment, nil
}
func (f *fakeStore) ListComments(ctx context.Context, projectID, pagePath string) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, projectID, pagePath)
	}
	return nil, nil
}
func (f *fakeStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, commentID)
	}
	return false, nil
}
func (f *fakeStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool) (store.Comment, error) {
	if f.setCommentResolvedFn != nil {
		return f.setCommentResolvedFn(ctx, commentID, resolved)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) UpsertPresence(ctx context.Context, row store.Presence) error {
	if f.upsertPresenceFn != nil {
		return f.upsertPresenceFn(ctx, row)
	}
	return nil
}
func (f *fakeStore) TouchPresence(ctx context.Context, projectID, pagePath, userID string) error {
	if f.touchPresenceFn != nil {
		return f.touchPresenceFn(ctx, projectID, pagePath, userID)
	}
	return nil
}
func (f *fakeStore) ListActivePresence(ctx context.Context, projectID, pagePath string, window time.Duration) ([]store.Presence, error) {
	if f.listActivePresenceFn != nil {
		return f.listActivePresenceFn(ctx, projectID, pagePath, window)
	}
	return nil, nil
}
func (f *fakeStore) SweepStalePresence(ctx context.Context, window time.Duration) (int64, error) {
	if f.sweepStalePresenceFn != nil {
		return f.sweepStalePresenceFn(ctx, window)
	}
	return 0, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

func testConfig() config.Config {
	return config.Config{
		VirtualRoot:  "/_live-edits",
		PresenceTTL:  30 * time.Second,
		HistoryLimit: 5,
	}
}

const testProjectID = "7f9c24e5-2f8a-4b3d-9d6e-1a2b3c4d5e6f"

func TestRegisterProjectNormalizesPathAndDefaultsName(t *testing.T) {
	var inserted store.Project
	service := New(testConfig(), &fakeStore{
		insertProjectFn: func(_ context.Context, project store.Project) (store.Project, error) {
			inserted = project
			return project, nil
		},
	})

	payload, err := service.RegisterProject(context.Background(), `\_live-edits\products\demo\`, "")
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	if inserted.FolderPath != "/_live-edits/products/demo" {
		t.Fatalf("stored folder path = %q", inserted.FolderPath)
	}
	if payload.Name != "demo" {
		t.Fatalf("defaulted name = %q, want demo", payload.Name)
	}
	if inserted.DefaultPage != "/index.html" {
		t.Fatalf("default page = %q", inserted.DefaultPage)
	}
}

func TestRegisterProjectOutsideVirtualRootRejectedWithoutMutation(t *testing.T) {
	mutated := false
	service := New(testConfig(), &fakeStore{
		insertProjectFn: func(_ context.Context, project store.Project) (store.Project, error) {
			mutated = true
			return project, nil
		},
	})

	_, err := service.RegisterProject(context.Background(), "/etc/passwd", "Oops")
	var validationErr *validate.Error
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if mutated {
		t.Fatal("rejected registration reached the store")
	}
}

func TestGetProjectFallsBackToLegacyVariants(t *testing.T) {
	var attempts []string
	service := New(testConfig(), &fakeStore{
		getProjectByPathFn: func(_ context.Context, folderPath string) (store.Project, error) {
			attempts = append(attempts, folderPath)
			if folderPath == "/_live-edits/products/demo/" {
				return store.Project{ID: testProjectID, FolderPath: folderPath, Name: "Demo"}, nil
			}
			return store.Project{}, sql.ErrNoRows
		},
	})

	payload, err := service.GetProject(context.Background(), "/_live-edits/products/demo/")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if payload.Name != "Demo" {
		t.Fatalf("payload name = %q", payload.Name)
	}
	if attempts[0] != "/_live-edits/products/demo" {
		t.Fatalf("first lookup should be the normalized path, got %q", attempts[0])
	}
	if len(attempts) < 2 {
		t.Fatalf("expected a legacy fallback lookup, attempts = %v", attempts)
	}
}

func TestGetProjectMissingIsNotFound(t *testing.T) {
	service := New(testConfig(), &fakeStore{})
	_, err := service.GetProject(context.Background(), "/_live-edits/ghost")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSaveEditAppendsNewSnapshot(t *testing.T) {
	var inserted store.Edit
	service := New(testConfig(), &fakeStore{
		insertEditFn: func(_ context.Context, edit store.Edit) (store.Edit, error) {
			inserted = edit
			edit.CreatedAt = time.Now()
			return edit, nil
		},
	})

	payload, err := service.SaveEdit(context.Background(), testProjectID, "products//demo//index.html", "<html></html>", "Alice")
	if err != nil {
		t.Fatalf("SaveEdit: %v", err)
	}
	if inserted.ID == "" {
		t.Fatal("snapshot id not assigned")
	}
	if inserted.PagePath != "/products/demo/index.html" {
		t.Fatalf("stored page path = %q", inserted.PagePath)
	}
	if payload.EditedBy != "Alice" {
		t.Fatalf("payload edited_by = %q", payload.EditedBy)
	}
}

func TestSaveEditRejectsTraversalPathWithoutMutation(t *testing.T) {
	mutated := false
	service := New(testConfig(), &fakeStore{
		insertEditFn: func(_ context.Context, edit store.Edit) (store.Edit, error) {
			mutated = true
			return edit, nil
		},
	})

	_, err := service.SaveEdit(context.Background(), testProjectID, "/safe/../index.html", "<html></html>", "Alice")
	var validationErr *validate.Error
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if mutated {
		t.Fatal("rejected snapshot reached the store")
	}
}

func TestSaveEditRejectsEmptyContent(t *testing.T) {
	service := New(testConfig(), &fakeStore{})
	_, err := service.SaveEdit(context.Background(), testProjectID, "/index.html", "   ", "Alice")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSaveEditRejectsOversizedContent(t *testing.T) {
	service := New(testConfig(), &fakeStore{})
	huge := strings.Repeat("a", validate.MaxHTMLBytes+1)
	_, err := service.SaveEdit(context.Background(), testProjectID, "/index.html", huge, "Alice")
	var validationErr *validate.Error
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetHistoryDefaultsAndCapsLimit(t *testing.T) {
	var requested int
	service := New(testConfig(), &fakeStore{
		listEditHistoryFn: func(_ context.Context, _, _ string, limit int) ([]store.Edit, error) {
			requested = limit
			return nil, nil
		},
	})

	if _, err := service.GetHistory(context.Background(), testProjectID, "/index.html", 0); err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if requested != 5 {
		t.Fatalf("default limit = %d, want 5", requested)
	}

	if _, err := service.GetHistory(context.Background(), testProjectID, "/index.html", 500); err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if requested != 50 {
		t.Fatalf("capped limit = %d, want 50", requested)
	}
}

func TestGetHistoryEmptyIsNotAnError(t *testing.T) {
	service := New(testConfig(), &fakeStore{})
	items, err := service.GetHistory(context.Background(), testProjectID, "/never-edited.html", 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil history, got %v", items)
	}
}

func TestDeleteEditMissingIsNotFound(t *testing.T) {
	service := New(testConfig(), &fakeStore{})
	err := service.DeleteEdit(context.Background(), testProjectID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestAddCommentValidatesPosition(t *testing.T) {
	service := New(testConfig(), &fakeStore{})
	_, err := service.AddComment(context.Background(), testProjectID, "/index.html", 120, 40, "out of frame", "Bob")
	var validationErr *validate.Error
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if validationErr.Field != "x_position" {
		t.Fatalf("field = %q, want x_position", validationErr.Field)
	}
}

func TestAddCommentStoresNormalizedPath(t *testing.T) {
	var inserted store.Comment
	service := New(testConfig(), &fakeStore{
		insertCommentFn: func(_ context.Context, comment store.Comment) (store.Comment, error) {
			inserted = comment
			return comment, nil
		},
	})

	_, err := service.AddComment(context.Background(), testProjectID, `about\team.html`, 10.5, 40, "Looks off", "Bob")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if inserted.PagePath != "/about/team.html" {
		t.Fatalf("stored page path = %q", inserted.PagePath)
	}
}

func TestJoinRoomUpsertsPresenceAndReturnsLiveSet(t *testing.T) {
	var upserted store.Presence
	now := time.Now()
	service := New(testConfig(), &fakeStore{
		upsertPresenceFn: func(_ context.Context, row store.Presence) error {
			upserted = row
			return nil
		},
		listActivePresenceFn: func(_ context.Context, projectID, pagePath string, window time.Duration) ([]store.Presence, error) {
			if window != 30*time.Second {
				t.Fatalf("liveness window = %v", window)
			}
			return []store.Presence{{UserID: "u-alice", UserName: "Alice", LastSeen: now}}, nil
		},
	})

	normalized, live, err := service.JoinRoom(context.Background(), testProjectID, "index.html", "u-alice", "Alice")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if normalized != "/index.html" {
		t.Fatalf("normalized path = %q", normalized)
	}
	if upserted.UserName != "Alice" || upserted.PagePath != "/index.html" {
		t.Fatalf("upserted row = %+v", upserted)
	}
	if len(live) != 1 {
		t.Fatalf("live set = %+v", live)
	}
}

func TestHeartbeatForUnknownRowIsSilent(t *testing.T) {
	service := New(testConfig(), &fakeStore{
		touchPresenceFn: func(context.Context, string, string, string) error {
			return nil
		},
	})
	if err := service.Heartbeat(context.Background(), testProjectID, "/index.html", "u-ghost"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}

func TestResolveCommentRoundTripsFlag(t *testing.T) {
	service := New(testConfig(), &fakeStore{
		setCommentResolvedFn: func(_ context.Context, commentID string, resolved bool) (store.Comment, error) {
			return store.Comment{ID: commentID, Resolved: resolved}, nil
		},
	})
	payload, err := service.ResolveComment(context.Background(), testProjectID, true)
	if err != nil {
		t.Fatalf("ResolveComment: %v", err)
	}
	if !payload.Resolved {
		t.Fatal("resolved flag not set")
	}
}
