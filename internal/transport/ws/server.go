// Package ws serves the explored map and the live exploration feed to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sophon.space/internal/persistence/chunkstore"
	"sophon.space/internal/protocol"
	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/miner"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	replyQueue       = 16
)

// Miner is the part of miner.Manager the server needs.
type Miner interface {
	Subscribe() (<-chan miner.Discovered, func())
	IsExploring() bool
	Radius() int64
	SetRadius(r int64) error
	CurrentChunk() (geom.ChunkFootprint, bool)
}

type Config struct {
	Store *chunkstore.Store
	// Miner nil serves the stored map only.
	Miner         Miner
	ChunkSize     int64
	WorldRadius   int64
	RadiusUpdates bool
	PatternName   string
	Logger        *zap.Logger
}

type Server struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Routes registers the websocket feed at /ws and the status endpoint at /v1/status.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.Handler())
	mux.HandleFunc("/v1/status", s.StatusHandler())
}

func (s *Server) worldRadius() int64 {
	if s.cfg.Miner != nil {
		return s.cfg.Miner.Radius()
	}
	return s.cfg.WorldRadius
}

func (s *Server) exploring() bool {
	return s.cfg.Miner != nil && s.cfg.Miner.IsExploring()
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := protocol.StatusResponse{
			ProtocolVersion: protocol.Version,
			Exploring:       s.exploring(),
			Chunks:          s.cfg.Store.Len(),
			ChunkSize:       s.cfg.ChunkSize,
			WorldRadius:     s.worldRadius(),
			Pattern:         s.cfg.PatternName,
			Sessions:        int(s.sessions.Load()),
		}
		if s.cfg.Miner != nil {
			if cur, ok := s.cfg.Miner.CurrentChunk(); ok {
				resp.CurrentChunk = cur.Key()
			}
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Subscribe before the snapshot so nothing explored in between is missed.
		var (
			feed        <-chan miner.Discovered
			unsubscribe = func() {}
		)
		if s.cfg.Miner != nil {
			feed, unsubscribe = s.cfg.Miner.Subscribe()
		}
		defer unsubscribe()

		sid, ok := s.hello(conn)
		if !ok {
			return
		}

		// Drain the feed into a backlog while the stored map is written, so a large map or a
		// slow client never makes the miner drop chunks for this session.
		stopPump := make(chan struct{})
		pumped := make(chan []miner.Discovered, 1)
		go func(feed <-chan miner.Discovered) {
			var backlog []miner.Discovered
			for {
				select {
				case d, ok := <-feed:
					if !ok {
						feed = nil
						continue
					}
					backlog = append(backlog, d)
				case <-stopPump:
					pumped <- backlog
					return
				}
			}
		}(feed)
		sent, ok := s.sendStoredMap(conn, sid)
		close(stopPump)
		backlog := <-pumped
		if !ok {
			return
		}

		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		log := s.log.With(zap.String("session", sid))
		log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Int("backlog", len(backlog)))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		replies := make(chan any, replyQueue)

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for _, d := range backlog {
				// Already part of the stored map the client just received.
				if _, dup := sent[d.Chunk.Key()]; dup {
					continue
				}
				if err := writeJSON(conn, chunkMsg(d.Chunk)); err != nil {
					cancel()
					return
				}
			}
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				var v any
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
						cancel()
						return
					}
					continue
				case v = <-replies:
				case d, ok := <-feed:
					if !ok {
						feed = nil
						continue
					}
					v = chunkMsg(d.Chunk)
				}
				if err := writeJSON(conn, v); err != nil {
					cancel()
					return
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handleFrame(log, msg)
			if reply == nil {
				continue
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
			default:
				// Client is not draining its replies.
			}
			if ctx.Err() != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("client disconnected")
	}
}

// hello requires HELLO as the first frame and answers with WELCOME.
func (s *Server) hello(conn *websocket.Conn) (sessionID string, ok bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}

	base, err := protocol.ValidateInbound(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", false
	}
	if base.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", false
	}

	sessionID = uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		ChunkSize:       s.cfg.ChunkSize,
		WorldRadius:     s.worldRadius(),
		Exploring:       s.exploring(),
		RadiusUpdates:   s.cfg.RadiusUpdates,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", false
	}
	return sessionID, true
}

// sendStoredMap writes every stored chunk and returns the keys it sent.
func (s *Server) sendStoredMap(conn *websocket.Conn, sessionID string) (map[string]struct{}, bool) {
	chunks := s.cfg.Store.All()
	sent := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if err := writeJSON(conn, chunkMsg(c)); err != nil {
			s.log.Debug("stored map write failed", zap.String("session", sessionID), zap.Error(err))
			return nil, false
		}
		sent[c.Key()] = struct{}{}
	}
	return sent, true
}

func chunkMsg(c chunkstore.ExploredChunk) protocol.ChunkMsg {
	return protocol.ChunkMsg{Type: protocol.TypeChunk, ProtocolVersion: protocol.Version, Chunk: c}
}

func (s *Server) handleFrame(log *zap.Logger, msg []byte) any {
	base, err := protocol.ValidateInbound(msg)
	if err != nil {
		return protocol.NewError(protocol.ErrProtoBadRequest, err.Error())
	}
	if base.ProtocolVersion != protocol.Version {
		return protocol.NewError(protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	switch base.Type {
	case protocol.TypeRadius:
		if !s.cfg.RadiusUpdates || s.cfg.Miner == nil {
			return protocol.NewError(protocol.ErrDisabled, "radius updates are disabled")
		}
		var m protocol.RadiusMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(protocol.ErrProtoBadRequest, err.Error())
		}
		if err := s.cfg.Miner.SetRadius(m.Radius); err != nil {
			return protocol.NewError(protocol.ErrBadRequest, err.Error())
		}
		log.Info("radius updated by client", zap.Int64("world_radius", m.Radius))
		return nil
	case protocol.TypeHello:
		return protocol.NewError(protocol.ErrBadRequest, "already greeted")
	default:
		return protocol.NewError(protocol.ErrBadRequest, "unsupported message type")
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
