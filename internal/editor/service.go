package editor

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"layer-editor/internal/broadcast"
	"layer-editor/internal/clock"
	"layer-editor/internal/collection"
	"layer-editor/internal/history"
)

// Service serves the version and item APIs and the broadcast relay.
type Service struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   *Config
	router   *mux.Router
	logger   zerolog.Logger
}

// Config holds service configuration. Zero values get defaults; nil stores
// and transport get in-memory implementations.
type Config struct {
	MaxMessageSize int64
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxClients     int

	Versions  history.Store
	Items     collection.Repository
	Transport broadcast.Transport
	Logger    zerolog.Logger
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = maxMessageSize
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = writeWait
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = pongWait
	}
	if out.PingInterval <= 0 || out.PingInterval >= out.ReadTimeout {
		out.PingInterval = (out.ReadTimeout * 9) / 10
	}
	if out.MaxClients <= 0 {
		out.MaxClients = 1000
	}
	if out.Versions == nil {
		out.Versions = history.NewMemoryStore()
	}
	if out.Items == nil {
		out.Items = collection.NewMemoryRepository(clock.Real())
	}
	if out.Transport == nil {
		out.Transport = broadcast.NewMemoryTransport()
	}
	return &out
}

// NewService creates a new editor service
func NewService(cfg *Config) *Service {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With().Str("component", "service").Logger()

	s := &Service{
		hub: NewHub(cfg.Transport, cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// TODO: check Origin against the configured editor hosts
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		config: cfg,
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Service) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(instrument)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/versions", s.handleSaveVersion).Methods(http.MethodPost)
	api.HandleFunc("/versions/{type}/{id}", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/collections/{id}/items", s.handleListItems).Methods(http.MethodGet)
	api.HandleFunc("/collections/{id}/items", s.handleCreateItem).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}", s.handleGetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}", s.handleUpdateItem).Methods(http.MethodPut)
	api.HandleFunc("/items/{id}", s.handleDeleteItem).Methods(http.MethodDelete)
	return r
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler { return s.router }

// Start starts the relay hub.
func (s *Service) Start() error {
	s.logger.Info().Int("max_clients", s.config.MaxClients).Msg("starting editor service")
	go s.hub.run()
	return nil
}

// Shutdown closes every relay connection and stops the hub.
func (s *Service) Shutdown() {
	s.logger.Info().Msg("shutting down editor service")
	s.hub.stop()
	s.logger.Info().Msg("editor service shut down complete")
}

// HandleWebSocket upgrades a relay connection. The user query parameter
// names the user the connection publishes as.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}
	if s.hub.Stats().Clients >= s.config.MaxClients {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(s.hub, conn, userID, limits{
		maxMessageSize: s.config.MaxMessageSize,
		writeWait:      s.config.WriteTimeout,
		pongWait:       s.config.ReadTimeout,
		pingPeriod:     s.config.PingInterval,
	}, s.config.Logger)

	if !s.hub.enter(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	s.logger.Debug().Str("client", client.id).Str("user", userID).Msg("client connected")
}

// Stats returns relay statistics.
func (s *Service) Stats() Stats {
	return s.hub.Stats()
}
