// Package serve runs the foreground of the thunder service: it launches the
// payload child in its prepared environment and fronts it with an HTTP
// listener that optionally terminates TLS and enforces a password gate,
// reverse-proxying every request to the payload's loopback endpoint.
//
// Run operates in whichever process invokes it — the user's terminal via
// `run`, or the detached supervisor via `start`.
package serve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ianremillard/thunder/internal/manifest"
)

const (
	// shutdownGrace bounds both the listener drain and the payload
	// SIGTERM window during cooperative shutdown.
	shutdownGrace = 5 * time.Second

	// idleTimeout applies to both halves of every proxied connection.
	idleTimeout = 60 * time.Second
)

// ExitError carries the payload's exit status up to the CLI so the process
// can exit with the same code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("payload exited with status %d", e.Code)
}

// Server is the serve front-end.
type Server struct {
	Config   Config
	Manifest manifest.Config

	// PayloadBin, PayloadRoot, and PayloadAddr locate the child and its
	// loopback endpoint; tests point them elsewhere.
	PayloadBin  string
	PayloadRoot string
	PayloadAddr string

	// Sink receives the payload's output (stdout in the foreground, the
	// daemon log file when detached).
	Sink *os.File
}

// New returns a Server wired to the standard payload locations.
func New(cfg Config, m manifest.Config) *Server {
	return &Server{
		Config:      cfg,
		Manifest:    m,
		PayloadBin:  DefaultPayloadBin,
		PayloadRoot: "/opt/thunder",
		PayloadAddr: fmt.Sprintf("127.0.0.1:%d", PayloadPort),
		Sink:        os.Stdout,
	}
}

// Run starts the payload, then the listener, and blocks until the context
// is cancelled (SIGINT/SIGTERM upstream) or the payload exits.  The payload
// starts strictly before the listener accepts its first connection.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Config.Validate(); err != nil {
		return err
	}

	// The payload expects its world to exist before exec: the install root
	// it runs from and the download mount point it writes into.
	for _, dir := range []string{s.PayloadRoot, s.Manifest.MountBindDownloadPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	payload := &Payload{
		Bin:      s.PayloadBin,
		Root:     s.PayloadRoot,
		Manifest: s.Manifest,
		Sink:     s.Sink,
	}
	if err := payload.Start(); err != nil {
		return err
	}
	log.Printf("payload started (pid %d)", payload.PID())

	ln, err := net.Listen("tcp", s.Config.Bind)
	if err != nil {
		payload.Terminate(shutdownGrace)
		return fmt.Errorf("listen on %s: %w", s.Config.Bind, err)
	}
	if s.Config.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(s.Config.TLSCert, s.Config.TLSKey)
		if err != nil {
			ln.Close()
			payload.Terminate(shutdownGrace)
			return fmt.Errorf("load tls keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       idleTimeout,
	}
	log.Printf("listening on %s (tls=%v, auth=%v)",
		s.Config.Bind, s.Config.TLSCert != "", s.Config.AuthPassword != "")

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		// Cooperative shutdown: stop accepting, drain in-flight
		// connections briefly, then bring the payload down.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		srv.Shutdown(shutdownCtx)
		cancel()
		payload.Terminate(shutdownGrace)
		log.Printf("shut down")
		return nil

	case <-payload.Done():
		// The payload is gone; nothing left to proxy to.  Its status
		// becomes ours: clean exit stays clean, failure is surfaced with
		// the last output so the daemon log ends with the evidence.
		srv.Close()
		code := payload.ExitStatus()
		if code == 0 {
			log.Printf("payload exited cleanly")
			return nil
		}
		if tail := payload.Tail(20); tail != "" {
			log.Printf("payload last output:\n%s", tail)
		}
		return &ExitError{Code: code}

	case err := <-serveErr:
		payload.Terminate(shutdownGrace)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// handler builds the request pipeline: access log, optional password gate,
// reverse proxy.
func (s *Server) handler() http.Handler {
	target := &url.URL{Scheme: "http", Host: s.PayloadAddr}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
	}
	proxy.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: idleTimeout,
		}).DialContext,
		IdleConnTimeout: idleTimeout,
	}
	// Stream bodies through unbuffered; the payload emits long-lived
	// progress responses and WebSocket upgrades.
	proxy.FlushInterval = -1
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("proxy %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "payload unavailable", http.StatusBadGateway)
	}

	var h http.Handler = proxy
	if s.Config.AuthPassword != "" {
		h = newAuthGate(s.Config.AuthPassword).wrap(h)
	}
	if s.Config.Debug {
		h = accessLog(h)
	}
	return h
}

// accessLog writes one line per request with a short trace ID.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()[:8]
		log.Printf("<%s> %s %s %s", traceID, r.RemoteAddr, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
