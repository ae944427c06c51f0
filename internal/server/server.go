package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/gimbalctl/internal/config"
	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/metrics"
	"github.com/shaunagostinho/gimbalctl/internal/recorder"
	"github.com/shaunagostinho/gimbalctl/internal/transport"
)

// Server serves the dashboard, its JSON API and a websocket that streams
// device state at a fixed rate.
type Server struct {
	cfg       *config.Config
	links     *link.Manager
	rec       *recorder.Recorder
	webFS     fs.FS
	log       zerolog.Logger
	listPorts func() ([]string, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader

	router chi.Router
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON document pushed to websocket clients.
type Frame struct {
	Device *gimbal.Snapshot `json:"device,omitempty"`
	Link   link.Status      `json:"link"`
	Stale  bool             `json:"stale"`
	Stamp  int64            `json:"stamp"` // unix ms
}

type Option func(*Server)

// WithPortLister replaces transport.ListPorts.
func WithPortLister(fn func() ([]string, error)) Option {
	return func(s *Server) { s.listPorts = fn }
}

// WithRecorder records every broadcast frame.
func WithRecorder(r *recorder.Recorder) Option {
	return func(s *Server) { s.rec = r }
}

func New(cfg *config.Config, links *link.Manager, webFS fs.FS, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		links:     links,
		webFS:     webFS,
		log:       log,
		listPorts: transport.ListPorts,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.Register()
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/ports", s.handlePorts)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/command", s.handleCommand)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handlePostConfig)
	})
	if s.webFS != nil {
		r.Handle("/*", http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP and broadcasts until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	settings := s.cfg.ServerSettings()
	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.broadcastLoop(ctx, settings.BroadcastHz)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", settings.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// broadcastLoop samples device and link state at hz. Connect and disconnect
// never run here, so a slow dial cannot stall the stream.
func (s *Server) broadcastLoop(ctx context.Context, hz int) {
	if hz <= 0 {
		hz = 20
	}
	t := time.NewTicker(time.Second / time.Duration(hz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.rec != nil {
				s.rec.Close()
			}
			return
		case <-t.C:
			frame := s.frame()
			s.broadcast(frame)
			if s.rec != nil && frame.Device != nil {
				s.rec.Record(*frame.Device, frame.Link.Session, frame.Link.State.String())
			}
		}
	}
}

func (s *Server) frame() Frame {
	b := s.links.Backend()
	f := Frame{
		Link:  b.Status(),
		Stale: b.Device().IsStale(gimbal.DefaultStaleAfter),
		Stamp: time.Now().UnixMilli(),
	}
	if f.Link.State == link.Connected {
		snap := b.Device().Snapshot()
		f.Device = &snap
	}
	return f
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info().Int("clients", n).Msg("websocket client connected")

	if data, err := json.Marshal(s.frame()); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info().Int("clients", n).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast drops the frame for any client whose queue is full.
func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal frame")
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
