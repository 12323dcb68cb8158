package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/rfsim/internal/logging"
)

// WebServer exposes telemetry history, live updates and metrics over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds an HTTP server for hub. metrics may be nil.
func NewWebServer(addr string, hub *Hub, metrics *Collector, logger logging.Logger) *WebServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/latest", hub.handleLatest)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/ws", hub.handleWS)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	return &WebServer{
		hub:    hub,
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logging.OrDefault(logger).With(logging.F("subsystem", "telemetry")),
	}
}

// Handler is the routed mux, for embedding or tests.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start serves on ln, or on the configured address when ln is nil, and
// shuts down when the context is canceled.
func (w *WebServer) Start(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", w.srv.Addr)
		if err != nil {
			return err
		}
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("web telemetry shutdown", logging.F("err", err))
		}
	}()

	w.logger.Info("web telemetry listening", logging.F("addr", ln.Addr().String()))
	err := w.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
