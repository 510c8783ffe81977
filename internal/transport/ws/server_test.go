package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sophon.space/internal/persistence/chunkstore"
	"sophon.space/internal/protocol"
	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/miner"
)

type fakeMiner struct {
	mu     sync.Mutex
	subs   []chan miner.Discovered
	radius int64
}

func (f *fakeMiner) Subscribe() (<-chan miner.Discovered, func()) {
	ch := make(chan miner.Discovered, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeMiner) publish(d miner.Discovered) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- d
	}
}

func (f *fakeMiner) IsExploring() bool { return true }

func (f *fakeMiner) Radius() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.radius
}

func (f *fakeMiner) SetRadius(r int64) error {
	if r <= 0 {
		return errors.New("bad radius")
	}
	f.mu.Lock()
	f.radius = r
	f.mu.Unlock()
	return nil
}

func (f *fakeMiner) CurrentChunk() (geom.ChunkFootprint, bool) {
	return geom.ChunkFootprint{BottomLeft: geom.Coords{X: 256}, SideLength: 256}, true
}

func explored(x, y, side int64) chunkstore.ExploredChunk {
	return chunkstore.ExploredChunk{
		ChunkFootprint:  geom.ChunkFootprint{BottomLeft: geom.Coords{X: x, Y: y}, SideLength: side},
		PlanetLocations: []chunkstore.Planet{},
	}
}

func startServer(t *testing.T, radiusUpdates bool) (*httptest.Server, *fakeMiner, *chunkstore.Store) {
	t.Helper()
	store := chunkstore.New(chunkstore.Config{})
	store.Update(explored(0, 0, 256), false)
	store.Update(explored(-256, 0, 256), false)
	fm := &fakeMiner{radius: 40500}

	mux := http.NewServeMux()
	NewServer(Config{
		Store:         store,
		Miner:         fm,
		ChunkSize:     256,
		RadiusUpdates: radiusUpdates,
		PatternName:   "spiral",
		Logger:        zaptest.NewLogger(t),
	}).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fm, store
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func read[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func hello(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version})
	return read[protocol.WelcomeMsg](t, conn)
}

func TestHandshake_RequiresHello(t *testing.T) {
	srv, _, _ := startServer(t, false)
	conn := dial(t, srv)
	send(t, conn, protocol.RadiusMsg{Type: protocol.TypeRadius, ProtocolVersion: protocol.Version, Radius: 5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err=%v", err)
}

func TestHandshake_RejectsOtherVersion(t *testing.T) {
	srv, _, _ := startServer(t, false)
	conn := dial(t, srv)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err=%v", err)
}

func TestSession_WelcomeThenStoredChunksThenFeed(t *testing.T) {
	srv, fm, store := startServer(t, false)
	conn := dial(t, srv)

	w := hello(t, conn)
	require.Equal(t, protocol.TypeWelcome, w.Type)
	require.NotEmpty(t, w.SessionID)
	require.Equal(t, int64(256), w.ChunkSize)
	require.Equal(t, int64(40500), w.WorldRadius)
	require.True(t, w.Exploring)
	require.False(t, w.RadiusUpdates)

	for _, want := range store.All() {
		got := read[protocol.ChunkMsg](t, conn)
		require.Equal(t, protocol.TypeChunk, got.Type)
		require.Equal(t, want, got.Chunk)
	}

	fresh := explored(0, 256, 256)
	fresh.PlanetLocations = []chunkstore.Planet{{
		Coords: geom.Coords{X: 1, Y: 300},
		Hash:   "0000000000000000000000000000000000000000000000000000000000000042",
		Perlin: 17,
	}}
	fm.publish(miner.Discovered{Chunk: fresh, JobID: 1})
	got := read[protocol.ChunkMsg](t, conn)
	require.Equal(t, fresh, got.Chunk)
}

func (f *fakeMiner) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func TestSession_FeedDuringStoredMapIsKeptWithoutDuplicates(t *testing.T) {
	srv, fm, store := startServer(t, false)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return fm.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Published before the stored map is read: one chunk the store already holds, one new.
	fm.publish(miner.Discovered{Chunk: explored(0, 0, 256)})
	fresh := explored(0, 256, 256)
	fm.publish(miner.Discovered{Chunk: fresh})

	hello(t, conn)
	const live = 100
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < live; i++ {
			fm.publish(miner.Discovered{Chunk: explored(int64(i)*256, 1024, 256)})
		}
	}()

	for _, want := range store.All() {
		require.Equal(t, want, read[protocol.ChunkMsg](t, conn).Chunk)
	}
	require.Equal(t, fresh, read[protocol.ChunkMsg](t, conn).Chunk)
	for i := 0; i < live; i++ {
		require.Equal(t, explored(int64(i)*256, 1024, 256), read[protocol.ChunkMsg](t, conn).Chunk)
	}
	<-done
}

func TestSession_RadiusUpdates(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, fm, store := startServer(t, false)
		conn := dial(t, srv)
		hello(t, conn)
		for range store.All() {
			read[protocol.ChunkMsg](t, conn)
		}
		send(t, conn, protocol.RadiusMsg{Type: protocol.TypeRadius, ProtocolVersion: protocol.Version, Radius: 60000})
		e := read[protocol.ErrorMsg](t, conn)
		require.Equal(t, protocol.ErrDisabled, e.Code)
		require.Equal(t, int64(40500), fm.Radius())
	})

	t.Run("enabled", func(t *testing.T) {
		srv, fm, store := startServer(t, true)
		conn := dial(t, srv)
		require.True(t, hello(t, conn).RadiusUpdates)
		for range store.All() {
			read[protocol.ChunkMsg](t, conn)
		}

		send(t, conn, protocol.RadiusMsg{Type: protocol.TypeRadius, ProtocolVersion: protocol.Version, Radius: 60000})
		require.Eventually(t, func() bool { return fm.Radius() == 60000 }, 2*time.Second, 5*time.Millisecond)

		send(t, conn, map[string]any{"type": "RADIUS", "protocol_version": protocol.Version, "radius": -3})
		e := read[protocol.ErrorMsg](t, conn)
		require.Equal(t, protocol.ErrProtoBadRequest, e.Code)

		send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version})
		e = read[protocol.ErrorMsg](t, conn)
		require.Equal(t, protocol.ErrBadRequest, e.Code)
	})
}

func TestStatusHandler(t *testing.T) {
	srv, _, _ := startServer(t, false)

	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st protocol.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, protocol.StatusResponse{
		ProtocolVersion: protocol.Version,
		Exploring:       true,
		Chunks:          2,
		ChunkSize:       256,
		WorldRadius:     40500,
		Pattern:         "spiral",
		CurrentChunk:    "256,0,256",
	}, st)

	post, err := http.Post(srv.URL+"/v1/status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServer_WithoutMinerServesStoredMap(t *testing.T) {
	store := chunkstore.New(chunkstore.Config{})
	store.Update(explored(0, 0, 16), false)
	mux := http.NewServeMux()
	NewServer(Config{Store: store, ChunkSize: 16, WorldRadius: 100, RadiusUpdates: true}).Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	w := hello(t, conn)
	require.False(t, w.Exploring)
	require.Equal(t, int64(100), w.WorldRadius)
	require.Equal(t, "0,0,16", read[protocol.ChunkMsg](t, conn).Chunk.Key())

	send(t, conn, protocol.RadiusMsg{Type: protocol.TypeRadius, ProtocolVersion: protocol.Version, Radius: 500})
	require.Equal(t, protocol.ErrDisabled, read[protocol.ErrorMsg](t, conn).Code)
}
