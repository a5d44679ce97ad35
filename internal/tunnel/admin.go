package tunnel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer is a tiny, optional HTTP surface exposing /healthz and
// /metrics. It is never on the tunnel data path: a forward's public listener
// and the control link are plain net.Listener/net.Conn, entirely separate
// from this server.
type AdminServer struct {
	logger Logger
	srv    *http.Server
}

// NewAdminServer builds an admin HTTP server bound to addr, serving metrics
// registered on reg.
func NewAdminServer(logger Logger, addr string, reg *prometheus.Registry) *AdminServer {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &AdminServer{
		logger: logger,
		srv: &http.Server{
			Addr:    addr,
			Handler: r,
		},
	}
}

// Serve runs the admin server until ctx is cancelled. It never returns an
// error for a clean shutdown.
func (a *AdminServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.ILogf("admin server listening on %s", a.srv.Addr)
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	}
}
