// Package host serves the RPC endpoint the worker calls back into. The
// embedding application registers handlers for the methods it exposes, and
// can install a dispatch wrapper to intercept every inbound call, typically
// to marshal it onto its own execution context before any handler runs.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrUnknownMethod is returned by the default dispatch for methods with no
// registered handler.
var ErrUnknownMethod = errors.New("unknown method")

// Handler serves a single RPC method. params is the raw JSON request body.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatch routes one inbound call to a handler.
type Dispatch func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// DispatchWrapper wraps the server's dispatch. The wrapper decides when and
// where next runs.
type DispatchWrapper func(next Dispatch) Dispatch

// Server binds the negotiated port and serves RPC requests from the worker.
type Server struct {
	logger  *zap.SugaredLogger
	port    int
	session string

	mu       sync.Mutex
	handlers map[string]Handler
	wrapper  DispatchWrapper

	closed    chan struct{}
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithSession attaches a session ID reported on /ping.
func WithSession(id string) Option {
	return func(s *Server) {
		s.session = id
	}
}

// NewServer constructs a server for the given loopback port.
func NewServer(port int, opts ...Option) (*Server, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:   logger.Named("rpc_server").Sugar(),
		port:     port,
		handlers: map[string]Handler{},
		closed:   make(chan struct{}),
		subs:     map[chan Event]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// RegisterHandler installs h for the given method name, replacing any
// previous handler.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// RegisterDispatchWrapper installs w around every subsequent dispatch.
func (s *Server) RegisterDispatchWrapper(w DispatchWrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrapper = w
}

// Serve binds the port and serves until ctx is canceled or Close is called.
// A bind failure is returned immediately; nothing retries it.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", s.port, err)
	}

	router := httprouter.New()
	router.POST("/rpc/:method", s.rpc)
	router.GET("/ping", s.ping)
	router.GET("/events", s.events)

	server := http.Server{Handler: router}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		server.Close()
	}()

	s.logger.Debugf("serving RPC @ %d", s.port)

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Server) rpc(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	method := params.ByName("method")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	wrapper := s.wrapper
	s.mu.Unlock()

	dispatch := s.dispatch
	if wrapper != nil {
		dispatch = wrapper(dispatch)
	}

	result, err := dispatch(r.Context(), method, json.RawMessage(body))
	if err != nil {
		if errors.Is(err, ErrUnknownMethod) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Debugf("dispatch of %q failed: %s", method, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	s.mu.Lock()
	h, ok := s.handlers[method]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return h(ctx, params)
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := struct {
		Session string
	}{
		Session: s.session,
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling ping response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
