// Package server exposes the series math processor over HTTP and streams
// evaluation events to websocket subscribers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chosenoffset/seriesmath/pkg/seriesmath"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/events"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/metrics"
)

type Options struct {
	Addr         string
	MaxClients   int   // Concurrent websocket subscribers
	MaxBody      int64 // Request body limit in bytes
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	opts      Options
	processor *seriesmath.Processor
	logger    *slog.Logger

	server      *http.Server
	serverMutex sync.Mutex
	upgrader    websocket.Upgrader
	http        *metrics.HTTPMetrics
	registry    *prometheus.Registry

	clients      map[*client]struct{}
	upgrading    int
	clientsMutex sync.RWMutex

	events      chan events.Event
	eventBuffer []events.Event
	eventIndex  int
	eventCount  int
	mutex       sync.RWMutex

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New returns a server evaluating requests with processor. Events dispatched
// to registry are streamed to websocket subscribers.
func New(processor *seriesmath.Processor, registry *events.Registry, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 10 << 20
	}

	s := &Server{
		opts:      opts,
		processor: processor,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     sameOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		http:        metrics.NewHTTPMetrics(),
		registry:    prometheus.NewRegistry(),
		clients:     make(map[*client]struct{}),
		events:      make(chan events.Event, 256),
		eventBuffer: make([]events.Event, 50), // Fixed-size circular buffer
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	s.registry.MustRegister(
		metrics.NewCollector(processor.Stats(), s.http),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if registry != nil {
		registry.RegisterAll(s)
	}
	return s
}

// Handle queues event for subscribers. Events are dropped when the queue is
// full.
func (s *Server) Handle(event events.Event) error {
	select {
	case s.events <- event:
	default:
	}
	return nil
}

// Handler returns the HTTP handler of the API and starts the event
// broadcaster.
func (s *Server) Handler() http.Handler {
	s.startOnce.Do(func() { go s.broadcast() })

	mux := http.NewServeMux()
	s.route(mux, "POST /api/math/evaluate", "evaluate", s.handleEvaluate)
	s.route(mux, "POST /api/math/batch", "batch", s.handleBatch)
	s.route(mux, "POST /api/math/validate", "validate", s.handleValidate)
	s.route(mux, "GET /api/stats", "stats", s.handleStats)
	s.route(mux, "GET /api/events", "events", s.handleEvents)
	s.route(mux, "GET /metrics", "metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.withRequestID(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, s.http.Middleware(name, h))
}

// Start serves until Stop is called. It returns nil after a clean shutdown
// and immediately when Stop was called first.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	s.serverMutex.Lock()
	select {
	case <-s.stop:
		s.serverMutex.Unlock()
		return nil
	default:
	}
	s.server = srv
	s.serverMutex.Unlock()

	s.logger.Info("starting seriesmath server", slog.String("addr", s.opts.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes websocket subscribers and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.serverMutex.Lock()
	s.stopOnce.Do(func() { close(s.stop) })
	srv := s.server
	s.serverMutex.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecentEvents returns the buffered events, oldest first.
func (s *Server) RecentEvents() []events.Event {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]events.Event, s.eventCount)
	if s.eventCount == len(s.eventBuffer) {
		for i := range out {
			out[i] = s.eventBuffer[(s.eventIndex+i)%len(s.eventBuffer)]
		}
	} else {
		copy(out, s.eventBuffer[:s.eventCount])
	}
	return out
}

func (s *Server) broadcast() {
	defer close(s.done)
	for {
		select {
		case event := <-s.events:
			s.mutex.Lock()
			s.eventBuffer[s.eventIndex] = event
			s.eventIndex = (s.eventIndex + 1) % len(s.eventBuffer)
			if s.eventCount < len(s.eventBuffer) {
				s.eventCount++
			}
			s.mutex.Unlock()

			s.broadcastMessage(message{Type: "event", Data: event})
		case <-s.stop:
			return
		}
	}
}
