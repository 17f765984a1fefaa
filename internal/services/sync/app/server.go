package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/maplocus/wisn/internal/services/sync/storage"
	"github.com/maplocus/wisn/internal/services/sync/storage/sqlite"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMQTTClientID      = "wisn-sync"
)

// Config defines the inputs for the sync process.
//
// An empty BrokerURL disables telemetry ingress and event notifications; the
// edit surface keeps working against the store alone.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	BrokerURL         string
	PositionsTopic    string
	EventsTopic       string
	MQTTClientID      string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the sync HTTP/WebSocket process and its MQTT ingress.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           storage.Store
	bus             *mqttBus
}

// NewServer builds a configured sync server: store open and migrated, rooms
// and ingress wired, MQTT connected when a broker is configured.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.StoragePath) == "" {
		return nil, errors.New("storage path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	if strings.TrimSpace(config.MQTTClientID) == "" {
		config.MQTTClientID = defaultMQTTClientID
	}

	store, err := sqlite.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}

	rooms := newBroadcaster()
	devices := newDeviceTracker()
	ingress := newTelemetryIngress(store, devices, rooms)

	var bus *mqttBus
	var notifier updateNotifier
	if strings.TrimSpace(config.BrokerURL) != "" {
		bus, err = dialMQTT(
			config.BrokerURL,
			config.MQTTClientID,
			config.EventsTopic,
			config.PositionsTopic,
			func(payload []byte) {
				ingress.handleReport(context.Background(), payload)
			},
		)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("dial mqtt: %w", err)
		}
		notifier = bus
	}

	coord := newCoordinator(store, rooms, devices, notifier)
	reg := newRegistry(store, devices, rooms, notifier)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(coord, reg),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		bus:             bus,
	}, nil
}

func newHandler(coord *coordinator, reg *registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(coord.handleConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/optin", reg.handleOptIn)
	mux.HandleFunc("/optout", reg.handleOptOut)
	mux.HandleFunc("/users", reg.handleUsers)

	return mux
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.bus != nil {
		s.bus.close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close sync store: %v", err)
		}
	}
}
