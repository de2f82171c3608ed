package store

import "time"

type Project struct {
	ID          string
	FolderPath  string
	Name        string
	DefaultPage string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Edit is one immutable full-content save of a page. Rows are append-only;
// the newest created_at for a (project, page) pair is the page's current state.
type Edit struct {
	ID          string
	ProjectID   string
	PagePath    string
	HTMLContent string
	EditedBy    string
	CreatedAt   time.Time
}

type Comment struct {
	ID        string
	ProjectID string
	PagePath  string
	// Positions are viewport-relative percentages in [0,100], not pixels.
	XPosition float64
	YPosition float64
	Text      string
	Author    string
	Resolved  bool
	CreatedAt time.Time
}

// Presence is one logical row per (project, page, user). last_seen only
// moves forward; rows past the liveness window are invisible to reads until
// the sweeper hard-deletes them.
type Presence struct {
	ID        string
	ProjectID string
	PagePath  string
	UserID    string
	UserName  string
	LastSeen  time.Time
}
