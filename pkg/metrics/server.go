package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns a mux exposing g at /metrics. A nil g serves the default
// registry.
func NewMux(g prometheus.Gatherer) *http.ServeMux {
	handler := Handler()
	if g != nil {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	return mux
}

// StartServer serves /metrics on port until ctx is done. The returned channel
// closes once the server has shut down.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) <-chan struct{} {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMux(g),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger := slog.Default().With("component", "metrics-server")

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}()
	return done
}
