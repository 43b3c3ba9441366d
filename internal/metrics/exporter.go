package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewServer returns an HTTP server exposing the registered metrics on /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

// StartMetricsServer serves metrics on port in the background. Shut the returned server down
// to stop it.
func StartMetricsServer(port int) *http.Server {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "metrics").Logger()
	srv := NewServer(fmt.Sprintf(":%d", port))
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("prometheus exporter listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", srv.Addr).Msg("failed to start metrics server")
		}
	}()
	return srv
}
