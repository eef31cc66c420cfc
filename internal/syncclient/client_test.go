package syncclient_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/protocol"
	"github.com/roach88/notesync/internal/relay"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
	"github.com/roach88/notesync/internal/syncclient"
)

const wsDoc = "workspace:ws-1"

var quiet = slog.New(slog.DiscardHandler)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	reg := relay.NewRegistry(store.NewMemory(), relay.WithLogger(quiet))
	srv := httptest.NewServer(relay.NewServer(reg, relay.ServerOptions{Logger: quiet}).Handler())
	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		srv.Close()
	})
	return srv
}

func openReplica(t *testing.T, client uint64) *replica.Replica {
	t.Helper()
	rep, err := replica.Open(context.Background(), store.NewMemory(), wsDoc,
		replica.WithClientID(client), replica.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rep.Close(context.Background()) })
	return rep
}

// runClient runs c until the test ends and returns Run's result channel.
func runClient(t *testing.T, c *syncclient.Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	return done
}

func hasFile(rep *replica.Replica, id model.DocumentID) func() bool {
	return func() bool {
		_, ok := rep.Workspace().GetFileMetadata(id)
		return ok
	}
}

func TestClient_ForwardsLocalEditsBothWays(t *testing.T) {
	srv := startRelay(t)
	a, b := openReplica(t, 1), openReplica(t, 2)

	// Written while offline; pushed with the full state on connect.
	offline, err := a.Workspace().CreateFile(nil, "Offline")
	require.NoError(t, err)

	connected := make(chan struct{}, 2)
	onConnect := func(context.Context) { connected <- struct{}{} }
	runClient(t, syncclient.New(srv.URL, a, syncclient.Options{Logger: quiet, OnConnect: onConnect}))
	runClient(t, syncclient.New(srv.URL, b, syncclient.Options{Logger: quiet, OnConnect: onConnect}))
	<-connected
	<-connected

	require.Eventually(t, hasFile(b, offline), 5*time.Second, 10*time.Millisecond)

	online, err := b.Workspace().CreateFile(nil, "Online")
	require.NoError(t, err)
	require.Eventually(t, hasFile(a, online), 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, a.EncodeState(), b.EncodeState())
}

func TestClient_AdoptsCreatedSession(t *testing.T) {
	srv := startRelay(t)
	owner := openReplica(t, 1)

	var mu sync.Mutex
	var got []protocol.ControlMessage
	c := syncclient.New(srv.URL, owner, syncclient.Options{
		Session:     "new",
		WorkspaceID: "ws-1",
		Logger:      quiet,
		OnControl: func(m protocol.ControlMessage) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, m)
		},
	})
	runClient(t, c)

	require.Eventually(t, func() bool { return c.Session() != "new" }, 5*time.Second, 10*time.Millisecond)
	code := c.Session()
	require.NoError(t, protocol.ValidateJoinCode(code))

	mu.Lock()
	assert.Equal(t, []protocol.ControlMessage{protocol.SessionCreated{JoinCode: code, WorkspaceID: "ws-1"}}, got)
	mu.Unlock()

	guestRep := openReplica(t, 2)
	runClient(t, syncclient.New(srv.URL, guestRep, syncclient.Options{Session: code, Logger: quiet}))

	id, err := owner.Workspace().CreateFile(nil, "Shared")
	require.NoError(t, err)
	require.Eventually(t, hasFile(guestRep, id), 5*time.Second, 10*time.Millisecond)
}

func TestClient_RefusedJoinStopsRun(t *testing.T) {
	srv := startRelay(t)
	rep := openReplica(t, 1)

	done := runClient(t, syncclient.New(srv.URL, rep, syncclient.Options{
		Session: "ABCDEFGH-JKLMNPQR",
		Logger:  quiet,
	}))

	select {
	case err := <-done:
		var refused *syncclient.RefusedError
		require.True(t, errors.As(err, &refused), "got %v", err)
		assert.Equal(t, "session not found", refused.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("client kept retrying a refused join")
	}
}

func TestClient_URL(t *testing.T) {
	rep := openReplica(t, 1)
	tests := []struct {
		name string
		base string
		opts syncclient.Options
		want string
	}{
		{"global over http", "http://relay.local:8080", syncclient.Options{}, "ws://relay.local:8080/sync/workspace:ws-1"},
		{"https becomes wss", "https://relay.local/", syncclient.Options{}, "wss://relay.local/sync/workspace:ws-1"},
		{"new session", "ws://relay.local", syncclient.Options{Session: "new", WorkspaceID: "ws-1"},
			"ws://relay.local/sync/workspace:ws-1?session=new&workspace=ws-1"},
		{"join code", "ws://relay.local", syncclient.Options{Session: "ABCDEFGH-JKLMNPQR"},
			"ws://relay.local/sync/workspace:ws-1?session=ABCDEFGH-JKLMNPQR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := syncclient.New(tt.base, rep, tt.opts).URL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := syncclient.New("ftp://relay.local", rep, syncclient.Options{}).URL()
	assert.Error(t, err)
}

func TestClient_InboundUpdatesAreRemote(t *testing.T) {
	srv := startRelay(t)
	a, b := openReplica(t, 1), openReplica(t, 2)

	var mu sync.Mutex
	origins := map[crdt.Origin]int{}
	unobserve := b.Observe(func(ev crdt.Event) {
		mu.Lock()
		defer mu.Unlock()
		origins[ev.Origin]++
	})
	defer unobserve()

	runClient(t, syncclient.New(srv.URL, a, syncclient.Options{Logger: quiet}))
	runClient(t, syncclient.New(srv.URL, b, syncclient.Options{Logger: quiet}))

	id, err := a.Workspace().CreateFile(nil, "Note")
	require.NoError(t, err)
	require.Eventually(t, hasFile(b, id), 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, origins[crdt.OriginLocal])
	assert.Positive(t, origins[crdt.OriginRemote])
}
