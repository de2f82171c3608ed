package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"liveedit/api/internal/bus"
	"liveedit/api/internal/store"
)

// PresenceService backs room membership with durable presence rows, so the
// live set survives instance restarts and is shared across instances.
type PresenceService interface {
	JoinRoom(ctx context.Context, projectID, pagePath, userID, userName string) (normalizedPath string, live []store.Presence, err error)
	Heartbeat(ctx context.Context, projectID, pagePath, userID string) error
	ActiveUsers(ctx context.Context, projectID, pagePath string) ([]store.Presence, error)
}

// RoomKey identifies a room: one project page, normalized.
func RoomKey(projectID, pagePath string) string {
	return projectID + "|" + pagePath
}

const memberBuffer = 32

// Member is one connection's seat in the hub. Frames are fanned out through
// the buffered outbox; the transport drains it.
type Member struct {
	hub *Hub

	mu        sync.Mutex
	room      string
	projectID string
	pagePath  string
	userID    string
	userName  string

	out    chan []byte
	closed bool
}

// Outbox returns the channel the transport reads outbound frames from. It is
// closed when the member is removed from the hub.
func (m *Member) Outbox() <-chan []byte { return m.out }

func (m *Member) joined() (room, projectID, pagePath string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room, m.projectID, m.pagePath, m.room != ""
}

func (m *Member) setRoom(room, projectID, pagePath, userID, userName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.room = room
	m.projectID = projectID
	m.pagePath = pagePath
	m.userID = userID
	m.userName = userName
}

// Hub fans frames out to room members. Fan-out never blocks: a member whose
// outbox is full is dropped rather than stalling the room.
type Hub struct {
	presence PresenceService
	bridge   bus.Bridge

	mu    sync.Mutex
	rooms map[string]map[*Member]struct{}

	now func() time.Time
}

func NewHub(presence PresenceService, bridge bus.Bridge) *Hub {
	return &Hub{
		presence: presence,
		bridge:   bridge,
		rooms:    make(map[string]map[*Member]struct{}),
		now:      time.Now,
	}
}

// NewMember allocates a seat. The member belongs to no room until its first
// join frame is handled.
func (h *Hub) NewMember() *Member {
	return &Member{hub: h, out: make(chan []byte, memberBuffer)}
}

// Remove detaches the member and closes its outbox. Safe to call twice.
func (h *Hub) Remove(member *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(member)
}

func (h *Hub) removeLocked(member *Member) {
	member.mu.Lock()
	room := member.room
	alreadyClosed := member.closed
	member.closed = true
	member.mu.Unlock()
	if alreadyClosed {
		return
	}
	h.detachLocked(room, member)
	close(member.out)
}

func (h *Hub) detachLocked(room string, member *Member) {
	if members, ok := h.rooms[room]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// HandleMessage processes one inbound frame. Join failures produce an error
// frame back to the sender; every other failure is logged and swallowed so a
// bad frame never tears down the room.
func (h *Hub) HandleMessage(ctx context.Context, member *Member, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "join":
		h.handleJoin(ctx, member, msg)
	case "heartbeat":
		if err := h.presence.Heartbeat(ctx, msg.ProjectID, msg.PagePath, msg.UserID); err != nil {
			log.Printf("heartbeat dropped for %s: %v", msg.UserID, err)
		}
	case "edit":
		h.relay(ctx, member, serverEvent{
			Type:        "edit-received",
			HTMLContent: msg.HTMLContent,
			EditedBy:    msg.EditedBy,
			UserID:      msg.UserID,
		})
	case "comment":
		h.relay(ctx, member, serverEvent{
			Type:     "comment-received",
			Comment:  msg.Comment,
			UserID:   msg.UserID,
			UserName: msg.UserName,
		})
	case "cursor":
		h.relay(ctx, member, serverEvent{
			Type:     "cursor-update",
			Position: msg.Position,
			UserID:   msg.UserID,
			UserName: msg.UserName,
		})
	default:
		// Unknown frame types are ignored, not errors: older clients may
		// speak a newer dialect.
	}
}

func (h *Hub) handleJoin(ctx context.Context, member *Member, msg ClientMessage) {
	normalized, live, err := h.presence.JoinRoom(ctx, msg.ProjectID, msg.PagePath, msg.UserID, msg.UserName)
	if err != nil {
		h.sendTo(member, serverEvent{Type: "error", Message: err.Error()})
		return
	}

	room := RoomKey(msg.ProjectID, normalized)

	h.mu.Lock()
	member.mu.Lock()
	previous := member.room
	gone := member.closed
	member.mu.Unlock()
	if gone {
		h.mu.Unlock()
		return
	}
	// A re-join to a different page moves the member: it must never stay
	// registered in the old room once its frames belong to the new one.
	if previous != "" && previous != room {
		h.detachLocked(previous, member)
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Member]struct{})
	}
	h.rooms[room][member] = struct{}{}
	h.mu.Unlock()

	member.setRoom(room, msg.ProjectID, normalized, msg.UserID, msg.UserName)

	entries := presenceEntries(live)
	h.sendTo(member, serverEvent{
		Type:     "joined",
		Room:     room,
		Presence: entries,
	})

	// Everyone in the room, joiner included, gets the refreshed live set.
	update := serverEvent{
		Type:      "presence-update",
		ProjectID: msg.ProjectID,
		PagePath:  normalized,
		Presence:  entries,
		Timestamp: h.timestamp(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	h.broadcast(room, data, nil)
	h.publish(ctx, room, data)
}

// relay stamps and fans an event out to the sender's room, excluding the
// sender, then hands it to the bridge for other instances.
func (h *Hub) relay(ctx context.Context, member *Member, event serverEvent) {
	room, projectID, pagePath, ok := member.joined()
	if !ok {
		return
	}
	event.ProjectID = projectID
	event.PagePath = pagePath
	event.Timestamp = h.timestamp()

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.broadcast(room, data, member)
	h.publish(ctx, room, data)
}

// DeliverRemote hands a frame that arrived over the bridge to every local
// member of the room. The bridge already filtered out this instance's own
// frames, so there is no sender to exclude.
func (h *Hub) DeliverRemote(room string, data []byte) {
	h.broadcast(room, data, nil)
}

func (h *Hub) broadcast(room string, data []byte, except *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for member := range h.rooms[room] {
		if member == except {
			continue
		}
		member.mu.Lock()
		closed := member.closed
		member.mu.Unlock()
		if closed {
			// A closed member must never linger in a room set; its outbox
			// cannot accept sends.
			h.detachLocked(room, member)
			continue
		}
		select {
		case member.out <- data:
		default:
			// Full outbox means a stalled transport; drop the member.
			h.removeLocked(member)
		}
	}
}

func (h *Hub) sendTo(member *Member, event serverEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	member.mu.Lock()
	closed := member.closed
	member.mu.Unlock()
	if closed {
		return
	}
	select {
	case member.out <- data:
	default:
		h.removeLocked(member)
	}
}

func (h *Hub) publish(ctx context.Context, room string, data []byte) {
	if h.bridge == nil {
		return
	}
	if err := h.bridge.Publish(ctx, room, data); err != nil {
		log.Printf("bridge publish failed for room %s: %v", room, err)
	}
}

func (h *Hub) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

func presenceEntries(live []store.Presence) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(live))
	for _, row := range live {
		entries = append(entries, PresenceEntry{
			UserID:   row.UserID,
			UserName: row.UserName,
			LastSeen: row.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return entries
}
