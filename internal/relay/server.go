package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/errs"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/protocol"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 16 << 20
	shutdownTimeout       = 10 * time.Second
)

// ServerOptions configures the websocket relay.
type ServerOptions struct {
	// AllowedOrigins lists CORS and websocket origins. Empty or "*" allows all.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Server relays binary updates between the members of a room.
type Server struct {
	registry *RoomRegistry
	opts     ServerOptions
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a relay server over registry.
func NewServer(registry *RoomRegistry, opts ServerOptions) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		opts:     opts,
		log:      opts.Logger.With("component", "relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) allowAll() bool {
	return len(s.opts.AllowedOrigins) == 0 || slices.Contains(s.opts.AllowedOrigins, "*")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowAll() || slices.Contains(s.opts.AllowedOrigins, origin)
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/{doc}", s.handleSync)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	if s.allowAll() {
		c = cors.AllowAll()
	}
	return c.Handler(mux)
}

// ListenAndServe serves on addr until ctx is done, running the session
// sweeper and the warm cache janitor alongside. The registry is closed on
// return.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("relay listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return s.registry.RunSweeper(gctx) })
	g.Go(func() error { return s.registry.RunWarmCache(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown;
		// closing the registry disconnects them.
		closeErr := s.registry.Close(shutdownCtx)
		return errors.Join(srv.Shutdown(shutdownCtx), closeErr)
	})
	return g.Wait()
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	doc := r.PathValue("doc")
	query := r.URL.Query()
	session := query.Get("session")
	workspace := query.Get("workspace")
	if session == "new" && workspace == "" {
		if kind, id := model.ParseDocName(doc); kind == model.KindWorkspace {
			workspace = id
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "room", doc, "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	var m *Member
	switch session {
	case "":
		m, err = s.registry.JoinGlobal(ctx, doc)
	case "new":
		m, err = s.registry.CreateSession(ctx, doc, workspace)
	default:
		m, err = s.registry.JoinSession(ctx, session, doc)
	}
	if err != nil {
		s.refuse(conn, doc, session, err)
		return
	}
	defer s.registry.Leave(context.WithoutCancel(ctx), m)

	rep := m.room.replica
	if !rep.Doc().Empty() {
		m.SendUpdate(rep.EncodeState())
	}

	go s.writeLoop(conn, m)
	s.readLoop(conn, m)
}

// refuse answers a rejected join with an error envelope and closes.
func (s *Server) refuse(conn *websocket.Conn, doc, session string, err error) {
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	s.log.Info("join refused", "room", doc, "join_code", session, "error", err)
	data, encErr := protocol.EncodeControl(protocol.Error{Message: msg})
	if encErr != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg))
}

func (s *Server) readLoop(conn *websocket.Conn, m *Member) {
	room := m.room
	conn.SetReadLimit(s.opts.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", "room", room.DocName, "member", m.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		switch messageType {
		case websocket.BinaryMessage:
			applied, err := room.replica.ApplyUpdate(data, crdt.OriginRemote)
			if err != nil {
				continue
			}
			if applied {
				room.Broadcast(m, data)
			}
		case websocket.TextMessage:
			msg, err := protocol.DecodeControl(data)
			if err != nil {
				s.log.Debug("ignored text frame", "room", room.DocName, "member", m.ID, "error", err)
				continue
			}
			s.log.Debug("ignored control message", "room", room.DocName, "member", m.ID, "type", msg.Type())
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, m *Member) {
	ping := time.NewTicker(s.opts.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-m.done:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case f := <-m.send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(f.messageType, f.data); err != nil {
				s.log.Debug("write failed", "room", m.room.DocName, "member", m.ID, "error", err)
				m.close()
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.close()
				return
			}
		}
	}
}
