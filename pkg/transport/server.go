// Package transport carries the protocol over HTTP/1.1: a single POST
// body holds one serialized request, the response body one serialized
// response. The content type selects the serializer.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chrisdennis/calcite-avatica/pkg/common/logger"
	"github.com/chrisdennis/calcite-avatica/pkg/message"
	"github.com/chrisdennis/calcite-avatica/pkg/meta"
	"github.com/chrisdennis/calcite-avatica/pkg/session"
)

// Content types selecting the serializer; identification is symmetric
// between client and server.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// DefaultMaxHeaderBytes caps request headers
const DefaultMaxHeaderBytes = 64 * 1024

// Config holds the HTTP listener settings
type Config struct {
	// Host is the bind address; 0.0.0.0 binds all interfaces
	Host string
	// Port is the listen port; 0 picks an ephemeral port
	Port int
	// MaxHeaderBytes caps the request header size
	MaxHeaderBytes int
	// GracefulShutdown bounds in-flight drain on Stop
	GracefulShutdown time.Duration
}

// Server accepts protocol requests over HTTP POST and dispatches them to
// the meta service
type Server struct {
	cfg   Config
	store *session.Store

	mu       sync.Mutex
	running  bool
	svc      *meta.Service
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer builds a server over a session store
func NewServer(cfg Config, store *session.Store) *Server {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.GracefulShutdown <= 0 {
		cfg.GracefulShutdown = 30 * time.Second
	}
	return &Server{cfg: cfg, store: store}
}

// Start binds the listener and begins serving
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	s.svc = meta.NewService(s.store, AdvertisedAddress(s.cfg.Host, port))
	s.httpSrv = &http.Server{
		Handler:        NewHandler(s.svc),
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}
	s.listener = listener
	s.running = true

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve failed: " + err.Error())
		}
	}()

	logger.Info("gateway listening", zap.String("address", s.svc.ServerAddress()))
	return nil
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdown)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	s.running = false
	return err
}

// Service returns the meta service; valid after Start
func (s *Server) Service() *meta.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

// Addr returns the bound listener address; valid after Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdvertisedAddress is the "<hostname>:<port>" reported in RPC metadata:
// the bound interface when specific, else the resolved local hostname.
func AdvertisedAddress(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// NewHandler builds the POST dispatcher around a meta service
func NewHandler(svc *meta.Service) http.Handler {
	return &handler{svc: svc}
}

type handler struct {
	svc *meta.Service
}

func translatorFor(contentType string) (message.Translator, string) {
	ct := strings.ToLower(contentType)
	if strings.HasPrefix(ct, ContentTypeBinary) {
		return message.BinaryTranslator{}, ContentTypeBinary
	}
	return message.JSONTranslator{}, ContentTypeJSON
}

// remoteUser extracts the authenticated identity the HTTP layer
// established; the impersonation boundary receives it via the context
func remoteUser(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok {
		return user
	}
	return r.Header.Get("X-Remote-User")
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	tr, contentType := translatorFor(r.Header.Get("Content-Type"))

	writeError := func(err error) {
		resp := meta.ToErrorResponse(err, h.svc.ServerAddress())
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(tr.ErrorToWire(resp))
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(fmt.Errorf("reading request body: %w", err))
		return
	}

	req, err := tr.ParseRequest(body)
	if err != nil {
		logger.Debug("request decode failed", zap.Error(err))
		writeError(err)
		return
	}

	ctx := session.WithIdentity(r.Context(), remoteUser(r), r.RemoteAddr)
	resp, err := h.svc.Apply(ctx, req)
	if err != nil {
		logger.Debug("dispatch failed",
			zap.String("request", message.RequestName(req)), zap.Error(err))
		writeError(err)
		return
	}

	out, err := tr.SerializeResponse(resp)
	if err != nil {
		writeError(err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(out)
}
