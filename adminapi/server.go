package adminapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/registry"
	"github.com/vinayprograms/fleetlink/results"
)

// Fleet is the coordinator surface the API serves.
type Fleet interface {
	Nodes() []registry.NodeRecord
	Node(id string) (*registry.NodeRecord, error)
	DeadNodes() []string
	SendTask(ctx context.Context, nodeID string, payload []byte) error
	Forget(ctx context.Context, nodeID string) error
	Results() []results.Result
	ClearResults() int
	PendingResults() int
	Registry() *registry.Registry
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Default: ":8080"
	Addr string

	// Logger for request failures. Default: logging.Nop()
	Logger *logging.Logger

	// MaxTaskBytes limits task bodies. Default: 1MB
	MaxTaskBytes int64

	// HeartbeatInterval keeps event streams alive (0 = disabled).
	// Default: 30s
	HeartbeatInterval time.Duration

	// WriteTimeout bounds each WebSocket write. Default: 10s
	WriteTimeout time.Duration

	// JWTSecret, when set, requires every /api request to carry an
	// HMAC-signed bearer token. /healthz stays open.
	JWTSecret string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		MaxTaskBytes:      1024 * 1024,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Server serves the admin API.
type Server struct {
	config   Config
	fleet    Fleet
	logger   *logging.Logger
	router   *mux.Router
	upgrader *websocket.Upgrader

	mu   sync.Mutex
	srv  *http.Server
	done chan struct{}
}

// New creates a server for fleet.
func New(fleet Fleet, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxTaskBytes <= 0 {
		cfg.MaxTaskBytes = def.MaxTaskBytes
	}
	if cfg.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = 0
	} else if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	s := &Server{
		config: cfg,
		fleet:  fleet,
		logger: cfg.Logger.WithComponent("adminapi"),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	if s.config.JWTSecret != "" {
		api.Use(s.requireJWT([]byte(s.config.JWTSecret)))
	}
	api.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/dead", s.deadNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.getNode).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.forgetNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{id}/tasks", s.sendTask).Methods(http.MethodPost)
	api.HandleFunc("/results", s.getResults).Methods(http.MethodGet)
	api.HandleFunc("/results", s.clearResults).Methods(http.MethodDelete)
	api.HandleFunc("/events", s.streamSSE).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", s.streamWebSocket).Methods(http.MethodGet)

	// A subrouter answers its own misses; the root handlers never see them.
	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = http.HandlerFunc(notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "", "route not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on Config.Addr and serves in the background. It returns
// the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("admin_api_listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin_api_failed", map[string]interface{}{"error": err})
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown ends event streams and stops the listener, waiting for
// in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// OnShutdown implements shutdown.Handler.
func (s *Server) OnShutdown(ctx context.Context) error {
	return s.Shutdown(ctx)
}
