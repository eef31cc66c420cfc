package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/notesync/internal/debounce"
	"github.com/roach88/notesync/internal/errs"
	"github.com/roach88/notesync/internal/protocol"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
)

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 10 * time.Minute
	DefaultWarmTTL       = 5 * time.Minute
	DefaultWarmCapacity  = 1024
)

// ErrClosed is returned by joins after Close.
var ErrClosed = errors.New("relay: registry closed")

// RegistryOption configures a RoomRegistry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	clock          debounce.Clock
	retention      time.Duration
	sweepInterval  time.Duration
	warmTTL        time.Duration
	warmCapacity   uint64
	logger         *slog.Logger
	replicaOptions []replica.Option
	newCode        func() (string, error)
}

// WithClock sets the clock used for session retention and the sweeper.
func WithClock(c debounce.Clock) RegistryOption {
	return func(cfg *registryConfig) { cfg.clock = c }
}

// WithRetention sets how long an empty session survives.
func WithRetention(d time.Duration) RegistryOption {
	return func(cfg *registryConfig) { cfg.retention = d }
}

// WithSweepInterval sets the session sweep period.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(cfg *registryConfig) { cfg.sweepInterval = d }
}

// WithWarmCache sets how long an empty global room's replica stays loaded.
func WithWarmCache(ttl time.Duration, capacity uint64) RegistryOption {
	return func(cfg *registryConfig) {
		cfg.warmTTL = ttl
		cfg.warmCapacity = capacity
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(cfg *registryConfig) { cfg.logger = l }
}

// WithReplicaOptions passes options to every replica the registry opens.
func WithReplicaOptions(opts ...replica.Option) RegistryOption {
	return func(cfg *registryConfig) { cfg.replicaOptions = opts }
}

// withCodeGenerator overrides join code generation in tests.
func withCodeGenerator(fn func() (string, error)) RegistryOption {
	return func(cfg *registryConfig) { cfg.newCode = fn }
}

// RoomRegistry owns every room the relay serves. Global rooms are keyed by
// document name and persist through the backend; session rooms are keyed
// by join code and document name and live in memory.
type RoomRegistry struct {
	cfg    registryConfig
	log    *slog.Logger
	global *replica.Manager
	warm   *ttlcache.Cache[string, *replica.Replica]

	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry whose global rooms persist to backend.
func NewRegistry(backend store.Backend, opts ...RegistryOption) *RoomRegistry {
	cfg := registryConfig{
		clock:         debounce.RealClock(),
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
		warmTTL:       DefaultWarmTTL,
		warmCapacity:  DefaultWarmCapacity,
		logger:        slog.Default(),
		newCode:       protocol.GenerateJoinCode,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &RoomRegistry{
		cfg:      cfg,
		log:      cfg.logger.With("component", "relay"),
		global:   replica.NewManager(backend, cfg.replicaOptions...),
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Session),
	}
	r.warm = ttlcache.New[string, *replica.Replica](
		ttlcache.WithTTL[string, *replica.Replica](cfg.warmTTL),
		ttlcache.WithCapacity[string, *replica.Replica](cfg.warmCapacity),
	)
	r.warm.OnEviction(r.onWarmEviction)
	return r
}

// onWarmEviction frees a cold global replica. Deletions happen when a room
// is revived and must keep the replica.
func (r *RoomRegistry) onWarmEviction(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *replica.Replica]) {
	if reason == ttlcache.EvictionReasonDeleted {
		return
	}
	doc := item.Key()
	r.mu.Lock()
	_, active := r.rooms[doc]
	if !active {
		err := r.global.Release(ctx, doc)
		if err != nil {
			r.log.Warn("release cold document", "doc", doc, "error", err)
		}
	}
	r.mu.Unlock()
	r.log.Debug("warm cache eviction", "doc", doc, "active", active)
}

// JoinGlobal registers a new member in the global room for doc.
func (r *RoomRegistry) JoinGlobal(ctx context.Context, doc string) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	room, ok := r.rooms[doc]
	if !ok {
		rep, err := r.global.Open(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("open room %s: %w", doc, err)
		}
		r.warm.Delete(doc)
		room = newRoom(doc, rep, nil)
		r.rooms[doc] = room
	}
	m := newMember(ulid.Make().String(), RoleMember, room)
	room.add(m)
	r.log.Debug("member joined", "room", doc, "member", m.ID)
	return m, nil
}

// CreateSession starts a session for doc and registers its owner.
// The owner receives session_created.
func (r *RoomRegistry) CreateSession(ctx context.Context, doc, workspaceID string) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	code, err := r.uniqueCode()
	if err != nil {
		return nil, err
	}
	s := newSession(code, workspaceID, r.cfg.clock.Now(), r.cfg.replicaOptions)
	room, err := r.sessionRoom(ctx, s, doc)
	if err != nil {
		return nil, err
	}
	m := newMember(ulid.Make().String(), RoleOwner, room)
	s.OwnerID = m.ID
	r.sessions[code] = s
	r.addSessionMember(s, room, m)

	m.SendControl(protocol.SessionCreated{JoinCode: code, WorkspaceID: workspaceID})
	r.log.Info("session created", "join_code", code, "room", doc, "owner", m.ID)
	return m, nil
}

// JoinSession registers a guest in the session room for doc. Malformed
// codes are refused before lookup.
func (r *RoomRegistry) JoinSession(ctx context.Context, code, doc string) (*Member, error) {
	if err := protocol.ValidateJoinCode(code); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.sessions[code]
	if !ok {
		return nil, errs.NotFound("session", code)
	}
	room, err := r.sessionRoom(ctx, s, doc)
	if err != nil {
		return nil, err
	}
	m := newMember(ulid.Make().String(), RoleGuest, room)
	count := r.addSessionMember(s, room, m)

	m.SendControl(protocol.SessionJoined{JoinCode: code, WorkspaceID: s.WorkspaceID})
	room.broadcastControl(m, protocol.PeerJoined{GuestID: m.ID, PeerCount: count})
	r.log.Info("guest joined", "join_code", code, "room", doc, "guest", m.ID, "peers", count)
	return m, nil
}

func (r *RoomRegistry) uniqueCode() (string, error) {
	for range 8 {
		code, err := r.cfg.newCode()
		if err != nil {
			return "", fmt.Errorf("generate join code: %w", err)
		}
		if _, taken := r.sessions[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("generate join code: no free code")
}

func (r *RoomRegistry) sessionRoom(ctx context.Context, s *Session, doc string) (*Room, error) {
	if room, ok := s.rooms[doc]; ok {
		return room, nil
	}
	rep, err := s.replicas.Open(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("open session room %s: %w", doc, err)
	}
	room := newRoom(doc, rep, s)
	s.rooms[doc] = room
	return room, nil
}

func (r *RoomRegistry) addSessionMember(s *Session, room *Room, m *Member) int {
	count := room.add(m)
	s.members++
	s.emptySince = time.Time{}
	return count
}

// Leave removes a member. Session peers receive peer_left; an emptied
// global room moves its replica into the warm cache.
func (r *RoomRegistry) Leave(ctx context.Context, m *Member) {
	m.close()
	room := m.room

	r.mu.Lock()
	remaining := room.remove(m)
	var cold *replica.Replica
	if s := room.session; s != nil {
		s.members--
		if s.members == 0 {
			s.emptySince = r.cfg.clock.Now()
		}
		room.broadcastControl(m, protocol.PeerLeft{GuestID: m.ID, PeerCount: remaining})
		r.log.Info("session member left", "join_code", s.Code, "room", room.DocName, "member", m.ID, "session_members", s.members)
	} else if remaining == 0 && r.rooms[room.DocName] == room {
		delete(r.rooms, room.DocName)
		cold = room.replica
		if !r.closed {
			r.warm.Set(room.DocName, cold, ttlcache.DefaultTTL)
		}
	}
	r.mu.Unlock()

	if cold != nil {
		if err := cold.Flush(ctx); err != nil {
			r.log.Warn("flush emptied room", "room", room.DocName, "error", err)
		}
	}
}

// Sweep evicts sessions that have had no members for the retention window
// and returns how many were removed.
func (r *RoomRegistry) Sweep(ctx context.Context) int {
	now := r.cfg.clock.Now()
	var evicted []*Session

	r.mu.Lock()
	for code, s := range r.sessions {
		if s.idle(now, r.cfg.retention) {
			delete(r.sessions, code)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		if err := s.close(ctx); err != nil {
			r.log.Warn("close evicted session", "join_code", s.Code, "error", err)
		}
		r.log.Info("session evicted", "join_code", s.Code, "empty_since", s.emptySince)
	}
	return len(evicted)
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (r *RoomRegistry) RunSweeper(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.cfg.clock.After(r.cfg.sweepInterval):
			r.Sweep(ctx)
		}
	}
}

// RunWarmCache runs the warm cache janitor until ctx is done.
func (r *RoomRegistry) RunWarmCache(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.warm.Stop()
	}()
	r.warm.Start()
	return nil
}

// Session returns the live session for code.
func (r *RoomRegistry) Session(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	return s, ok
}

// SessionMembers returns the live member count of a session.
func (r *RoomRegistry) SessionMembers(code string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return 0, false
	}
	return s.members, true
}

// Room returns the active global room for doc.
func (r *RoomRegistry) Room(doc string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[doc]
	return room, ok
}

// Warm reports whether doc's replica is held in the warm cache.
func (r *RoomRegistry) Warm(doc string) bool {
	return r.warm.Has(doc)
}

// Close disconnects every member, drops all sessions and flushes the
// global replicas.
func (r *RoomRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	for _, room := range r.rooms {
		room.closeAll()
	}
	r.mu.Unlock()

	r.warm.DeleteAll()
	var errList []error
	for _, s := range sessions {
		if err := s.close(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	if err := r.global.Close(ctx); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}
