// Package extractor serves table records over a framed protobuf protocol
// and provides the matching client.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/NivBraz/groupcount-service/pkg/store"
	"github.com/NivBraz/groupcount-service/pkg/tally"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrServerClosed  = errors.New("extractor: server closed")
)

// HandlerFunc handles one request. The request carries its method name in
// the "method" field.
type HandlerFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Opener opens a keyspace.
type Opener func(keyspace string) (*store.Store, error)

// Server is the record-extraction server.
type Server struct {
	hmu              sync.RWMutex
	handlers         map[string]HandlerFunc
	recoverFromPanic bool

	logger *zap.Logger

	open   Opener
	served *tally.Tally

	mu        sync.Mutex
	stores    map[string]*store.Store
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server that reads existing keyspaces from dataDir.
// It never creates keyspace files.
func NewServer(dataDir string, logger *zap.Logger) *Server {
	return NewServerWithOpener(func(keyspace string) (*store.Store, error) {
		return store.OpenExisting(dataDir, keyspace)
	}, logger)
}

// NewServerWithOpener creates a server with a custom keyspace opener.
func NewServerWithOpener(open Opener, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		handlers:  make(map[string]HandlerFunc),
		logger:    logger.Named("extractor"),
		open:      open,
		served:    tally.New(),
		stores:    make(map[string]*store.Store),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	s.registerBuiltins()
	return s
}

// SetRecoverFromPanic sets whether the server should recover from panic caused
// by the registered handlers
func (s *Server) SetRecoverFromPanic(recover bool) {
	s.hmu.Lock()
	s.recoverFromPanic = recover
	s.hmu.Unlock()
}

// Register registers the handler for method, replacing any previous one.
// It is safe to call while the server is serving.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.hmu.Lock()
	s.handlers[method] = handler
	s.hmu.Unlock()
}

// Served returns the number of rows served per keyspace.table.
func (s *Server) Served() map[string]int64 {
	return s.served.Snapshot()
}

// keyspace returns a cached store for name, opening it on first use.
func (s *Server) keyspace(name string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st, err := s.open(name)
	if err != nil {
		return nil, err
	}
	s.stores[name] = st
	return st, nil
}

// handle dispatches req to its handler.
func (s *Server) handle(ctx context.Context, req *structpb.Struct) (resp *structpb.Struct, err error) {
	method := req.GetFields()["method"].GetStringValue()
	s.hmu.RLock()
	handler, ok := s.handlers[method]
	recoverFromPanic := s.recoverFromPanic
	s.hmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, method)
	}
	if recoverFromPanic {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
	}
	return handler(ctx, req)
}

// handleConn serves requests from conn until it is closed.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("remote", remoteAddr))

	for {
		msg, compression, err := Receive(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("receive failed, closing conn", zap.Error(err))
			}
			return
		}

		var resp *structpb.Struct
		req, ok := msg.(*structpb.Struct)
		if !ok {
			err = fmt.Errorf("unexpected request type %T", msg)
		} else {
			resp, err = s.handle(ctx, req)
		}

		if err != nil {
			logger.Debug("request handled with error",
				zap.String("method", req.GetFields()["method"].GetStringValue()), zap.Error(err))
			err = Send(conn, wrapperspb.String(err.Error()), compression)
		} else {
			err = Send(conn, resp, compression)
		}
		if err != nil {
			logger.Warn("send failed, closing conn", zap.Error(err))
			return
		}
	}
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called, then returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("serving records", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.trackConn(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops all listeners, closes open connections and keyspaces and
// waits for connection handlers to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing keyspace %s: %w", name, err))
		}
	}
	s.stores = nil
	return errors.Join(errs...)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

// trackConn registers c and accounts for its handler in s.wg.
func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
