package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer exposes the default Prometheus registry on its own
// listener, kept separate from both the tunnel port and the status port so
// an operator can firewall scraping independently of either.
type metricsServer struct {
	httpSrv *http.Server
}

func newMetricsServer(addr string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &metricsServer{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (m *metricsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := m.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
