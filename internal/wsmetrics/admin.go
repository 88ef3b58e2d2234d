// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wsmetrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer is the introspection endpoint of SPEC_FULL.md
// §1.6: a tiny mux, separate from the reactor's listeners, serving /metrics
// and a liveness probe. Grounded on the teacher's newAdminHandler/admin.go
// shape (a dedicated internal mux bound to its own listener) but built with
// go-chi instead of a bare http.ServeMux, since routing here is a real
// concern this server can hand to a router library.
type AdminServer struct {
	srv *http.Server
	ln  net.Listener
}

// NewAdminServer binds addr as given and wires /metrics and /healthz. Neither
// this function nor cmd/webserv checks that addr is a loopback address.
func NewAdminServer(addr string, m *Metrics) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}

	return &AdminServer{
		ln: ln,
		srv: &http.Server{
			Handler:           r,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Addr is the address actually bound, useful when addr requested port 0.
func (a *AdminServer) Addr() string {
	return a.ln.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts down gracefully.
func (a *AdminServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.Serve(a.ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
