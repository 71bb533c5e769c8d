package dispatcher

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server exposes the dispatcher on an HTTP listener: a health endpoint and
// the websocket endpoint clients connect to.
type Server struct {
	listenAddr string
	log        zerolog.Logger
	dispatcher *Dispatcher
	router     *chi.Mux
	wsUpgrader websocket.Upgrader
	httpServer *http.Server

	// Context for connection lifecycles (created in NewServer, canceled in
	// Shutdown).
	connCtx    context.Context
	connCancel context.CancelFunc
}

// NewServer creates the HTTP edge for a dispatcher.
func NewServer(listenAddr string, log zerolog.Logger, d *Dispatcher) *Server {
	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Server{
		listenAddr: listenAddr,
		log:        log.With().Str("component", "server").Logger(),
		dispatcher: d,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connCtx:    connCtx,
		connCancel: connCancel,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/sockethub", s.handleWebSocket)

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	s.dispatcher.HandleConnection(s.connCtx, conn)
}

// Run starts the server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.listenAddr).Msg("starting sockethub server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the dispatcher, then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server...")

	s.dispatcher.Shutdown(ctx)
	s.connCancel()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
