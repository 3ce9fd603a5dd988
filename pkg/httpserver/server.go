// Copyright 2023 Greptime Team
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

// Package httpserver is the node agent's callback server: the cluster
// control plane's only way to reach into a running pod, per spec.md §6's
// `/containerLogs/{namespace}/{pod}/{container}` and `/exec/...` surface.
// It serves TLS using the same `--cert-file`/`--key-file` pair spec.md's
// CLI surface names.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soenkeliebau/stackable-krustlet/pkg/logger"
)

// LogsProvider is the subset of provider.Provider this server needs: the
// ability to stream a container's logs. Narrowed so httpserver never
// depends on the PS-typed provider.Provider[PS] generic directly.
type LogsProvider interface {
	Logs(ctx context.Context, namespace, podName, container string, w io.Writer) error
}

// Server is the C-adjacent HTTP callback listener. It has no state of its
// own beyond routing: every request is served by calling into the
// Provider.
type Server struct {
	addr     string
	certFile string
	keyFile  string
	logs     LogsProvider
	log      logger.Logger
	router   chi.Router
}

// New builds a Server listening on addr, serving TLS from certFile/keyFile.
func New(addr, certFile, keyFile string, logs LogsProvider, log logger.Logger) *Server {
	s := &Server{addr: addr, certFile: certFile, keyFile: keyFile, logs: logs, log: log}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/containerLogs/{namespace}/{pod}/{container}", s.handleContainerLogs)
	r.HandleFunc("/exec/*", s.handleExec)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	podName := chi.URLParam(r, "pod")
	container := chi.URLParam(r, "container")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.logs.Logs(r.Context(), namespace, podName, container, w); err != nil {
		s.log.Warnf("httpserver: logs %s/%s/%s: %v", namespace, podName, container, err)
	}
}

// handleExec always returns 501: interactive exec into a workload has no
// meaning for this domain's Provider contract (no shell process is ever
// started by a state), unlike container logs which every state naturally
// produces.
func (s *Server) handleExec(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "exec not implemented", http.StatusNotImplemented)
}

// Run serves until ctx is done, then shuts down gracefully. It returns nil
// on a clean shutdown and wraps any other error with context - a bind or TLS
// configuration failure is Misconfiguration-class and should abort
// startup.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:      s.addr,
		Handler:   s.router,
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
