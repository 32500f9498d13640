package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NivBraz/groupcount-service/internal/config"
	"github.com/NivBraz/groupcount-service/internal/models"
	"github.com/NivBraz/groupcount-service/pkg/compute"
	"github.com/NivBraz/groupcount-service/pkg/extractor"
	"github.com/NivBraz/groupcount-service/pkg/fetcher"
	"github.com/NivBraz/groupcount-service/pkg/mapper"
	"github.com/NivBraz/groupcount-service/pkg/store"
)

// App represents the main application
type App struct {
	config      *config.Config
	logger      *zap.Logger
	key         func(models.Tweet) string
	compression extractor.Compression
	progressOut io.Writer
	listen      func(extractor.ServeConfig, *zap.Logger) (*extractor.Endpoint, error)
}

// New creates a new instance of the application
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	key, err := mapper.KeyFunc(cfg.Grouping.Column)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	compression, err := extractor.ParseCompression(cfg.Extractor.Compression)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var out io.Writer = io.Discard
	if cfg.Output.ShowProgress {
		out = os.Stderr
	}

	return &App{
		config:      cfg,
		logger:      logger,
		key:         key,
		compression: compression,
		progressOut: out,
		listen:      extractor.Listen,
	}, nil
}

// Run starts the extraction server in the background, groups the configured
// table by the configured column and returns the group sizes. The server is
// shut down before Run returns; its failure is part of the returned error.
func (a *App) Run(ctx context.Context) (*models.Result, error) {
	startTime := time.Now()

	endpoint, err := a.listen(extractor.ServeConfig{
		RPCAddr:   a.config.RPCAddr(),
		AdminAddr: a.config.AdminAddr(),
		DataDir:   a.config.Store.DataDir,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("starting extractor: %w", err)
	}

	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		return endpoint.Serve(gctx)
	})

	result, runErr := a.run(gctx, endpoint, startTime)

	stopServer()
	if err := g.Wait(); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("extractor: %w", err))
	}
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (a *App) run(ctx context.Context, endpoint *extractor.Endpoint, startTime time.Time) (*models.Result, error) {
	session, err := compute.NewSession(compute.Options{
		Job:        a.config.Job,
		Master:     a.config.Session.Master,
		Partitions: a.config.Session.Partitions,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer session.Stop()
	if a.config.Session.SparkHome != "" || len(a.config.Session.Jars) > 0 {
		a.logger.Debug("session environment",
			zap.String("sparkHome", a.config.Session.SparkHome),
			zap.Strings("jars", a.config.Session.Jars))
	}

	values := a.config.ExtractorValues()
	a.logger.Info("data source configured",
		zap.String("host", values[config.KeyHost]),
		zap.String("cqlPort", values[config.KeyCQLPort]),
		zap.String("rpcPort", values[config.KeyRPCPort]),
		zap.String("keyspace", values[config.KeyKeyspace]),
		zap.String("table", values[config.KeyTable]))

	client, err := extractor.Dial(ctx, endpoint.RPCAddr(), extractor.ClientConfig{
		Compression:       a.compression,
		RequestsPerSecond: a.config.RateLimit.RequestsPerSecond,
		Burst:             a.config.RateLimit.Burst,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	src := &tweetSource{
		client:    client,
		keyspace:  values[config.KeyKeyspace],
		table:     values[config.KeyTable],
		batchSize: a.config.Extractor.BatchSize,
		out:       a.progressOut,
	}
	tweets, err := compute.FromSource[models.Tweet](ctx, session, src)
	if err != nil {
		return nil, fmt.Errorf("loading %s.%s: %w", src.keyspace, src.table, err)
	}
	src.finish()

	grouped, err := compute.GroupBy(ctx, tweets, a.key)
	if err != nil {
		return nil, fmt.Errorf("grouping by %s: %w", a.config.Grouping.Column, err)
	}
	counted, err := compute.CountGroups(ctx, grouped)
	if err != nil {
		return nil, fmt.Errorf("counting groups: %w", err)
	}
	counts, err := compute.Collect(ctx, counted)
	if err != nil {
		return nil, fmt.Errorf("collecting counts: %w", err)
	}

	groups := len(counts)
	mapper.SortGroupCounts(counts)
	if top := a.config.Output.TopCount; top > 0 && len(counts) > top {
		counts = counts[:top]
	}

	a.logger.Info(fmt.Sprintf("grouped counts by %s:", a.config.Grouping.Column))
	for _, c := range counts {
		a.logger.Info(fmt.Sprintf("%s: %d", c.Key, c.Count))
	}

	result := &models.Result{
		Job:       session.Job(),
		SessionID: session.ID(),
		Column:    a.config.Grouping.Column,
		Counts:    counts,
	}
	result.Stats.Records = tweets.Count()
	result.Stats.Groups = groups
	result.Stats.Partitions = tweets.NumPartitions()
	result.Stats.Served = a.served(ctx, endpoint.AdminAddr(), src.keyspace+"."+src.table)
	result.Stats.TimeElapsed = int(time.Since(startTime).Milliseconds())

	session.Stop()
	return result, nil
}

// served asks the admin endpoint how many rows of table it has served.
// Failures are logged and reported as zero.
func (a *App) served(ctx context.Context, adminAddr, table string) int64 {
	admin, err := fetcher.New(fetcher.FetcherConfig{
		BaseURL:           "http://" + adminAddr,
		RequestsPerSecond: a.config.RateLimit.RequestsPerSecond,
		Burst:             a.config.RateLimit.Burst,
	}, a.logger)
	if err != nil {
		a.logger.Warn("admin client", zap.Error(err))
		return 0
	}
	stats, err := admin.Stats(ctx)
	if err != nil {
		a.logger.Warn("reading extractor stats", zap.Error(err))
		return 0
	}
	return stats.Served[strings.ToLower(table)]
}

// tweetSource reads a table through the extractor, one token range per
// partition.
type tweetSource struct {
	client    *extractor.Client
	keyspace  string
	table     string
	batchSize int
	out       io.Writer

	ranges []store.TokenRange
	bar    *progressbar.ProgressBar
}

func (s *tweetSource) NumPartitions(ctx context.Context, hint int) (int, error) {
	total, err := s.client.Count(ctx, s.keyspace, s.table)
	if err != nil {
		return 0, err
	}
	ranges, err := s.client.Partitions(ctx, s.keyspace, s.table, hint)
	if err != nil {
		return 0, err
	}
	s.ranges = ranges
	if total == 0 {
		return len(ranges), nil
	}

	s.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionSetDescription("Loading "+s.keyspace+"."+s.table+"..."),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
	return len(ranges), nil
}

func (s *tweetSource) ReadPartition(ctx context.Context, index int) ([]models.Tweet, error) {
	var tweets []models.Tweet
	err := s.client.ScanAll(ctx, s.keyspace, s.table, s.ranges[index], s.batchSize, func(rows []map[string]any) error {
		for _, row := range rows {
			tw, err := mapper.ToTweet(row)
			if err != nil {
				return err
			}
			tweets = append(tweets, tw)
		}
		if s.bar != nil {
			_ = s.bar.Add(len(rows))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tweets, nil
}

func (s *tweetSource) finish() {
	if s.bar != nil {
		_ = s.bar.Finish()
	}
}
