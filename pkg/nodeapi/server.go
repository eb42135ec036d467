package nodeapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/virtual-kubelet/virtual-kubelet/errdefs"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/logger"
	"github.com/wasmkube/vk-wasmcloud-provider/pkg/provider"
)

// Server is the node-agent API the control plane calls back into for
// logs, exec, port-forward and metrics. It serves mTLS only.
type Server struct {
	provider *provider.Provider
	registry *prometheus.Registry
	log      *logger.Logger

	srv *http.Server
}

// NewServer wires the node-agent API around the provider.
func NewServer(p *provider.Provider, registry *prometheus.Registry, tlsConfig *tls.Config, listenPort int, log *logger.Logger) *Server {
	s := &Server{
		provider: p,
		registry: registry,
		log:      log.With("component", "nodeapi"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/containerLogs/{namespace}/{pod}/{container}", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/exec/{namespace}/{pod}/{container}", s.handleExec)
	r.HandleFunc("/portForward/{namespace}/{pod}", s.handlePortForward)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", listenPort),
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("node-agent API listening", "addr", s.srv.Addr)
		// Certificate material comes from TLSConfig.
		if err := s.srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tail := 0
	if raw := r.URL.Query().Get("tailLines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	} else if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}

	stream, err := s.provider.GetContainerLogs(r.Context(), vars["namespace"], vars["pod"], vars["container"], tail)
	if err != nil {
		if errdefs.IsNotFound(err) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("serving container logs", err, "pod", vars["namespace"]+"/"+vars["pod"])
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, stream); err != nil {
		s.log.Warn("log stream interrupted", "error", err.Error())
	}
}

// handleExec reports that interactive sessions are unsupported: wasm
// actors have no shell to attach to.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "exec is not supported: wasm actors have no interactive sessions", http.StatusNotImplemented)
}

// handlePortForward bridges the connection to the actor's HTTP capability
// port when the Pod declared one, over a plain hijacked TCP pipe.
func (s *Server) handlePortForward(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	port, ok := s.provider.PortForwardTarget(vars["namespace"], vars["pod"])
	if !ok {
		http.Error(w, "port forwarding is not supported for pods without an HTTP capability port", http.StatusNotImplemented)
		return
	}

	hijacker, canHijack := w.(http.Hijacker)
	if !canHijack {
		http.Error(w, "connection cannot be hijacked", http.StatusInternalServerError)
		return
	}

	backend, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 5*time.Second)
	if err != nil {
		http.Error(w, "actor port unreachable", http.StatusBadGateway)
		return
	}

	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		backend.Close()
		s.log.Error("hijacking port-forward connection", err)
		return
	}

	go pipe(clientConn, buf, backend, s.log)
}

func pipe(client net.Conn, buf io.ReadWriter, backend net.Conn, log *logger.Logger) {
	defer client.Close()
	defer backend.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backend, buf)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, backend)
		done <- struct{}{}
	}()
	<-done
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.Ping(r.Context()); err != nil {
		http.Error(w, "actor runtime unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
