package relay

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/notesync/internal/protocol"
	"github.com/roach88/notesync/internal/replica"
)

// Role is a member's role in its room.
type Role string

const (
	RoleMember Role = "member" // global room
	RoleOwner  Role = "owner"
	RoleGuest  Role = "guest"
)

// memberBufferSize bounds the frames queued for one slow member.
const memberBufferSize = 256

type frame struct {
	messageType int
	data        []byte
}

// Member is one connection registered in a room.
type Member struct {
	ID   string
	Role Role

	room    *Room
	send    chan frame
	done    chan struct{}
	closeMu sync.Once
}

func newMember(id string, role Role, room *Room) *Member {
	return &Member{
		ID:   id,
		Role: role,
		room: room,
		send: make(chan frame, memberBufferSize),
		done: make(chan struct{}),
	}
}

// Room returns the room the member belongs to.
func (m *Member) Room() *Room { return m.room }

// Done is closed once the member must disconnect.
func (m *Member) Done() <-chan struct{} { return m.done }

// enqueue queues a frame without blocking. A member whose buffer is full
// is disconnected; it catches up from the full state when it reconnects.
func (m *Member) enqueue(f frame) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.send <- f:
		return true
	default:
		m.close()
		return false
	}
}

// SendUpdate queues a binary update frame.
func (m *Member) SendUpdate(update []byte) bool {
	return m.enqueue(frame{messageType: websocket.BinaryMessage, data: update})
}

// SendControl queues a control envelope.
func (m *Member) SendControl(msg protocol.ControlMessage) bool {
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		return false
	}
	return m.enqueue(frame{messageType: websocket.TextMessage, data: data})
}

func (m *Member) close() {
	m.closeMu.Do(func() { close(m.done) })
}

// Room is the set of connections sharing one document replica.
type Room struct {
	DocName string
	replica *replica.Replica
	session *Session // nil for global rooms

	mu      sync.Mutex
	members map[string]*Member
}

func newRoom(doc string, r *replica.Replica, s *Session) *Room {
	return &Room{DocName: doc, replica: r, session: s, members: make(map[string]*Member)}
}

// Replica returns the room's document replica.
func (r *Room) Replica() *replica.Replica { return r.replica }

// Session returns the room's session, or nil for a global room.
func (r *Room) Session() *Session { return r.session }

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) add(m *Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.ID] = m
	return len(r.members)
}

func (r *Room) remove(m *Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, m.ID)
	return len(r.members)
}

func (r *Room) others(except *Member) []*Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Member, 0, len(r.members))
	for id, m := range r.members {
		if except == nil || id != except.ID {
			out = append(out, m)
		}
	}
	return out
}

// Broadcast sends an update to every member except from.
func (r *Room) Broadcast(from *Member, update []byte) {
	for _, m := range r.others(from) {
		m.SendUpdate(update)
	}
}

func (r *Room) broadcastControl(from *Member, msg protocol.ControlMessage) {
	for _, m := range r.others(from) {
		m.SendControl(msg)
	}
}

func (r *Room) closeAll() {
	for _, m := range r.others(nil) {
		m.close()
	}
}
