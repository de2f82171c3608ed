package realtime

import "encoding/json"

// The realtime channel speaks camelCase, unlike the REST surface.

// ClientMessage is a frame received from a connected editor.
type ClientMessage struct {
	Type        string          `json:"type"`
	ProjectID   string          `json:"projectId"`
	PagePath    string          `json:"pagePath"`
	UserID      string          `json:"userId"`
	UserName    string          `json:"userName"`
	HTMLContent string          `json:"htmlContent,omitempty"`
	EditedBy    string          `json:"editedBy,omitempty"`
	Comment     json.RawMessage `json:"comment,omitempty"`
	Position    json.RawMessage `json:"position,omitempty"`
}

// PresenceEntry is one live user in a room snapshot.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	LastSeen string `json:"lastSeen"`
}

type serverEvent struct {
	Type        string          `json:"type"`
	Room        string          `json:"room,omitempty"`
	ProjectID   string          `json:"projectId,omitempty"`
	PagePath    string          `json:"pagePath,omitempty"`
	Presence    []PresenceEntry `json:"presence,omitempty"`
	HTMLContent string          `json:"htmlContent,omitempty"`
	EditedBy    string          `json:"editedBy,omitempty"`
	Comment     json.RawMessage `json:"comment,omitempty"`
	Position    json.RawMessage `json:"position,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	UserName    string          `json:"userName,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Message     string          `json:"message,omitempty"`
}
