package extractor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/NivBraz/groupcount-service/pkg/store"
)

// RemoteError is an error reported by the server's handler.
// Remote errors are never retried.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "extractor: " + e.Message
}

type ClientConfig struct {
	Compression       Compression
	RequestsPerSecond int
	Burst             int
	MaxRetries        uint64
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	DialTimeout       time.Duration
	// ReadyTimeout bounds how long Dial waits for the server to answer.
	ReadyTimeout time.Duration
}

// ScanPage is one batch of rows returned by Scan.
type ScanPage struct {
	Rows []map[string]any
	Last int64
	Done bool
}

// Client talks to a single extraction server. Calls are serialized.
type Client struct {
	addr    string
	config  ClientConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to addr, retrying with exponential backoff until the
// server answers a ping or ReadyTimeout elapses.
func Dial(ctx context.Context, addr string, config ClientConfig, logger *zap.Logger) (*Client, error) {
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 1000
	}
	if config.Burst == 0 {
		config.Burst = 100
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 50 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Second
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		addr:    addr,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		logger:  logger.Named("extractor-client").With(zap.String("addr", addr)),
	}

	bo := c.newBackOff()
	bo.MaxElapsedTime = config.ReadyTimeout
	err := backoff.RetryNotify(func() error {
		return c.ping(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		c.logger.Debug("extractor not ready", zap.Error(err), zap.Duration("retryIn", d))
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to extractor %s: %w", addr, err)
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, map[string]any{"method": MethodPing})
	return err
}

func (c *Client) ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, map[string]any{"method": MethodPing})
	return err
}

// Partitions asks the server to split keyspace.table into at most n ranges.
func (c *Client) Partitions(ctx context.Context, keyspace, table string, n int) ([]store.TokenRange, error) {
	resp, err := c.call(ctx, map[string]any{
		"method":   MethodPartitions,
		"keyspace": keyspace,
		"table":    table,
		"count":    n,
	})
	if err != nil {
		return nil, err
	}

	list := resp.GetFields()["ranges"].GetListValue().GetValues()
	ranges := make([]store.TokenRange, 0, len(list))
	for _, v := range list {
		f := v.GetStructValue().GetFields()
		ranges = append(ranges, store.TokenRange{
			Index: int(f["index"].GetNumberValue()),
			Start: int64(f["start"].GetNumberValue()),
			End:   int64(f["end"].GetNumberValue()),
		})
	}
	return ranges, nil
}

// Columns lists the columns of keyspace.table.
func (c *Client) Columns(ctx context.Context, keyspace, table string) ([]string, error) {
	resp, err := c.call(ctx, map[string]any{
		"method":   MethodColumns,
		"keyspace": keyspace,
		"table":    table,
	})
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, v := range resp.GetFields()["columns"].GetListValue().GetValues() {
		cols = append(cols, v.GetStringValue())
	}
	return cols, nil
}

// Count returns the row count of keyspace.table.
func (c *Client) Count(ctx context.Context, keyspace, table string) (int64, error) {
	resp, err := c.call(ctx, map[string]any{
		"method":   MethodCount,
		"keyspace": keyspace,
		"table":    table,
	})
	if err != nil {
		return 0, err
	}
	return int64(resp.GetFields()["count"].GetNumberValue()), nil
}

// Scan fetches up to limit rows of rng after the given rowid.
func (c *Client) Scan(ctx context.Context, keyspace, table string, rng store.TokenRange, after int64, limit int) (*ScanPage, error) {
	resp, err := c.call(ctx, map[string]any{
		"method":   MethodScan,
		"keyspace": keyspace,
		"table":    table,
		"start":    rng.Start,
		"end":      rng.End,
		"after":    after,
		"limit":    limit,
	})
	if err != nil {
		return nil, err
	}

	f := resp.GetFields()
	values := f["rows"].GetListValue().GetValues()
	page := &ScanPage{
		Rows: make([]map[string]any, 0, len(values)),
		Last: int64(f["last"].GetNumberValue()),
		Done: f["done"].GetBoolValue(),
	}
	for _, v := range values {
		page.Rows = append(page.Rows, v.GetStructValue().AsMap())
	}
	return page, nil
}

// ScanAll streams every row of rng to fn in batches of batchSize.
func (c *Client) ScanAll(ctx context.Context, keyspace, table string, rng store.TokenRange, batchSize int, fn func(rows []map[string]any) error) error {
	after := rng.Start - 1
	for {
		page, err := c.Scan(ctx, keyspace, table, rng, after, batchSize)
		if err != nil {
			return err
		}
		if len(page.Rows) > 0 {
			if err := fn(page.Rows); err != nil {
				return err
			}
			after = page.Last
		}
		if page.Done || len(page.Rows) == 0 {
			return nil
		}
	}
}

// call waits for the rate limiter and performs one request, retrying
// transport failures with exponential backoff.
func (c *Client) call(ctx context.Context, req map[string]any) (*structpb.Struct, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	var resp *structpb.Struct
	op := func() error {
		var err error
		resp, err = c.roundTrip(ctx, req)
		var remote *RemoteError
		if errors.As(err, &remote) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithMaxRetries(backoff.WithContext(c.newBackOff(), ctx), c.config.MaxRetries)
	err := backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		c.logger.Warn("extractor call failed, retrying",
			zap.Any("method", req["method"]), zap.Error(err), zap.Duration("retryIn", d))
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// roundTrip sends req and reads the response on the current connection,
// dialing first if needed. A transport failure drops the connection so
// the next attempt reconnects.
func (c *Client) roundTrip(ctx context.Context, req map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("encoding request: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		d := net.Dialer{Timeout: c.config.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	conn := c.conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := Send(conn, msg, c.config.Compression); err != nil {
		c.dropConn()
		return nil, err
	}
	reply, _, err := Receive(conn)
	if err != nil {
		c.dropConn()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}
		return nil, err
	}

	switch r := reply.(type) {
	case *structpb.Struct:
		return r, nil
	case *wrapperspb.StringValue:
		return nil, &RemoteError{Message: r.GetValue()}
	default:
		return nil, backoff.Permanent(fmt.Errorf("unexpected response type %T", reply))
	}
}

// dropConn closes the connection. c.mu must be held.
func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialBackoff
	bo.MaxInterval = c.config.MaxBackoff
	bo.MaxElapsedTime = 0
	return bo
}
