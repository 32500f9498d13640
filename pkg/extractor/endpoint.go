package extractor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServeConfig describes where the extraction server listens and reads from.
type ServeConfig struct {
	// RPCAddr carries the framed record protocol.
	RPCAddr string
	// AdminAddr carries the HTTP health and statistics endpoints.
	AdminAddr string
	DataDir   string
}

// Endpoint is a bound extraction server.
type Endpoint struct {
	server  *Server
	rpcLn   net.Listener
	adminLn net.Listener
	http    *http.Server
	logger  *zap.Logger
}

// Listen binds both listeners without serving yet.
func Listen(cfg ServeConfig, logger *zap.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcLn, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on rpc address %s: %w", cfg.RPCAddr, err)
	}
	adminLn, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		rpcLn.Close()
		return nil, fmt.Errorf("listening on admin address %s: %w", cfg.AdminAddr, err)
	}

	server := NewServer(cfg.DataDir, logger)
	server.SetRecoverFromPanic(true)

	return &Endpoint{
		server:  server,
		rpcLn:   rpcLn,
		adminLn: adminLn,
		http: &http.Server{
			Handler:           AdminRouter(server),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.Named("extractor"),
	}, nil
}

func (e *Endpoint) RPCAddr() string   { return e.rpcLn.Addr().String() }
func (e *Endpoint) AdminAddr() string { return e.adminLn.Addr().String() }
func (e *Endpoint) Server() *Server   { return e.server }

// Serve runs both listeners until ctx is cancelled or one of them fails.
// A shutdown caused by ctx returns nil.
func (e *Endpoint) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := e.server.Serve(gctx, e.rpcLn)
		if errors.Is(err, ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		e.logger.Info("serving admin", zap.String("addr", e.AdminAddr()))
		err := e.http.Serve(e.adminLn)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpErr := e.http.Shutdown(shutdownCtx)
		return errors.Join(httpErr, e.server.Close())
	})

	err := g.Wait()
	e.logger.Info("extractor stopped")
	return err
}

// ListenAndServe binds cfg's addresses and serves until ctx is done.
func ListenAndServe(ctx context.Context, cfg ServeConfig, logger *zap.Logger) error {
	e, err := Listen(cfg, logger)
	if err != nil {
		return err
	}
	return e.Serve(ctx)
}

// Close releases the listeners of an endpoint that was never served.
func (e *Endpoint) Close() error {
	return errors.Join(e.rpcLn.Close(), e.adminLn.Close(), e.server.Close())
}
