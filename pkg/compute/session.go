// Package compute runs partitioned group-and-count jobs on a local worker
// pool. A Session owns the pool; Datasets are immutable, partitioned
// collections produced and consumed by the package-level operations.
package compute

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NivBraz/groupcount-service/internal/config"
)

const instrumentationName = "github.com/NivBraz/groupcount-service/pkg/compute"

var ErrSessionStopped = errors.New("compute: session stopped")

type Options struct {
	Job    string
	Master string
	// Partitions is the default partition count for shuffles and
	// source splits.
	Partitions int
	Logger     *zap.Logger
}

type Session struct {
	id         string
	job        string
	workers    int
	partitions int
	started    time.Time

	logger  *zap.Logger
	tracer  trace.Tracer
	stopped atomic.Bool
}

// NewSession creates a session whose worker count is derived from
// opts.Master.
func NewSession(opts Options) (*Session, error) {
	workers, err := config.ParseMaster(opts.Master)
	if err != nil {
		return nil, err
	}
	if opts.Partitions <= 0 {
		opts.Partitions = workers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		job:        opts.Job,
		workers:    workers,
		partitions: opts.Partitions,
		started:    time.Now(),
		logger: opts.Logger.Named("compute").With(
			zap.String("session", id), zap.String("job", opts.Job)),
		tracer: otel.Tracer(instrumentationName),
	}
	s.logger.Info("session started",
		zap.String("master", opts.Master),
		zap.Int("workers", workers),
		zap.Int("partitions", opts.Partitions))
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Job() string     { return s.job }
func (s *Session) Workers() int    { return s.workers }
func (s *Session) Partitions() int { return s.partitions }

// Stop ends the session. Further operations fail with ErrSessionStopped.
// Calling Stop more than once is a no-op.
func (s *Session) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.logger.Info("session stopped", zap.Duration("uptime", time.Since(s.started)))
	}
}

func (s *Session) Stopped() bool {
	return s.stopped.Load()
}

func (s *Session) check() error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	return nil
}

// stage opens a span and a timer for one operation. The returned func
// must be called with the operation's error.
func (s *Session) stage(ctx context.Context, name string, partitions int) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "compute."+name, trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("job", s.job),
		attribute.Int("partitions", partitions),
	))
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.logger.Debug("stage finished",
			zap.String("stage", name),
			zap.Int("partitions", partitions),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s, %d workers)", s.id, s.job, s.workers)
}
