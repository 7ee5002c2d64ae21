// Package metrics define telemetry primitives to use across components. it uses the prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config for metrics.
type Config struct {
	Enabled     bool              `mapstructure:"enabled"`
	Port        int               `mapstructure:"port"`
	PushURL     string            `mapstructure:"push-url"`
	PushPeriod  time.Duration     `mapstructure:"push-period"`
	PushHeaders map[string]string `mapstructure:"push-headers"`
}

// DefaultConfig for metrics.
func DefaultConfig() Config {
	return Config{
		Port:       1010,
		PushPeriod: time.Minute,
	}
}

// Server serves /metrics in the prometheus format.
type Server struct {
	logger *zap.Logger
	srv    *http.Server
}

// NewServer serves the default registry on the port.
func NewServer(logger *zap.Logger, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
	return nil
}
