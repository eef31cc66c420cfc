package relay

import (
	"context"
	"time"

	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
)

// Session is an ephemeral set of session rooms sharing one join code.
// Its replicas live only in memory.
type Session struct {
	Code        string
	WorkspaceID string
	OwnerID     string
	CreatedAt   time.Time

	replicas   *replica.Manager
	rooms      map[string]*Room
	members    int
	emptySince time.Time
}

func newSession(code, workspaceID string, now time.Time, opts []replica.Option) *Session {
	return &Session{
		Code:        code,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		replicas:    replica.NewManager(store.NewMemory(), opts...),
		rooms:       make(map[string]*Room),
	}
}

// idle reports whether the session has had no members for at least retention.
func (s *Session) idle(now time.Time, retention time.Duration) bool {
	return s.members == 0 && !s.emptySince.IsZero() && now.Sub(s.emptySince) >= retention
}

func (s *Session) close(ctx context.Context) error {
	for _, room := range s.rooms {
		room.closeAll()
	}
	return s.replicas.Close(ctx)
}
