package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/solocast/solocast/internal/config"
	"github.com/solocast/solocast/internal/sfu"
	"github.com/solocast/solocast/internal/signal"
)

// Server ties the signaling WebSocket, the health surface and the static
// assets onto one HTTP listener.
type Server struct {
	cfg      *config.Config
	registry *sfu.Registry
	log      *logrus.Entry

	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time
}

func New(cfg *config.Config, registry *sfu.Registry, log *logrus.Entry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ping", s.handlePing)
	mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))

	s.httpServer = &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Infof("listening on %s (grace=%s)", s.cfg.BindAddr(), s.cfg.DisconnectGrace)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown notifies every viewer of a permanent disconnect, releases all
// sessions and drains the HTTP listener within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// handleWS owns one signaling connection for its whole lifetime. Messages
// are processed strictly in arrival order, so no two SDP operations ever
// race on the same session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	ch := signal.NewWSChannel(conn, s.cfg.WriteTimeout)

	stopPing := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ch.Ping(); err != nil {
					_ = conn.Close()
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	var (
		bs *sfu.BroadcasterSession
		vs *sfu.ViewerSession
	)

	for {
		_, raw, readErr := conn.ReadMessage()
		if readErr != nil {
			break
		}

		var msg signal.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Decode errors are dropped; the connection stays open.
			s.log.Debugf("dropping malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case signal.TypeRegister:
			if msg.Role != signal.RoleBroadcaster && msg.Role != signal.RoleViewer {
				s.log.Debugf("dropping register with role %q", msg.Role)
				continue
			}
			// A re-register supersedes this connection's current session;
			// release it so it cannot outlive the socket.
			if bs != nil {
				s.registry.BroadcasterClosed(bs)
				bs = nil
			}
			if vs != nil {
				s.registry.ViewerClosed(vs)
				vs = nil
			}
			if msg.Role == signal.RoleBroadcaster {
				if b, err := s.registry.RegisterBroadcaster(ch); err == nil {
					bs = b
				}
			} else if v, err := s.registry.RegisterViewer(msg.ViewerID, ch); err == nil {
				vs = v
			}

		case signal.TypeOffer:
			if bs == nil || msg.Offer == nil {
				continue
			}
			if err := bs.HandleOffer(*msg.Offer); err != nil {
				s.log.Warnf("broadcaster offer failed: %v", err)
			}

		case signal.TypeAnswer:
			if vs == nil || msg.Answer == nil {
				continue
			}
			if err := vs.HandleAnswer(*msg.Answer); err != nil {
				s.log.Warnf("viewer answer failed: %v", err)
			}

		case signal.TypeCandidate:
			if msg.Candidate == nil {
				continue
			}
			switch {
			case bs != nil:
				bs.AddCandidate(*msg.Candidate)
			case vs != nil:
				vs.AddCandidate(*msg.Candidate)
			}

		default:
			s.log.Debugf("dropping message with type %q", msg.Type)
		}
	}

	close(stopPing)
	_ = conn.Close()

	if bs != nil {
		s.registry.BroadcasterClosed(bs)
	}
	if vs != nil {
		s.registry.ViewerClosed(vs)
	}
}
