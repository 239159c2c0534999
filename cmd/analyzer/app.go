package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/inbox-intel/internal/classifier"
	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/ledger"
	"github.com/ignite/inbox-intel/internal/mailbox"
	"github.com/ignite/inbox-intel/internal/pipeline"
	"github.com/ignite/inbox-intel/internal/pkg/distlock"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
	"github.com/ignite/inbox-intel/internal/publish"
	"github.com/ignite/inbox-intel/internal/render"
	"github.com/ignite/inbox-intel/internal/vision"
	"github.com/ignite/inbox-intel/internal/warehouse"
)

// errVisionOffline makes every analysis fall back to default attributes.
var errVisionOffline = errors.New("vision model disabled (--offline)")

type offlineInvoker struct{}

func (offlineInvoker) Invoke(ctx context.Context, img vision.Image, instructions string) (string, error) {
	return "", retry.Permanent(errVisionOffline)
}

// app is one run's wiring. closers run in reverse order on shutdown.
type app struct {
	cfg      *config.Config
	source   mailbox.Source
	query    mailbox.Query
	pipeline *pipeline.Orchestrator
	registry *prometheus.Registry
	sink     warehouse.Sink
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// execute loads config, wires the run and executes it. The listener, when
// configured, lives exactly as long as the run.
func execute(ctx context.Context, opts options) (pipeline.RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv(opts.configPath)
	if err != nil {
		return pipeline.RunReport{}, fmt.Errorf("load config: %w", err)
	}
	if err := applyOptions(cfg, opts); err != nil {
		return pipeline.RunReport{}, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	if err := cfg.Validate(opts.dryRun); err != nil {
		return pipeline.RunReport{}, err
	}

	query, err := buildQuery(cfg, opts, time.Now())
	if err != nil {
		return pipeline.RunReport{}, err
	}

	a, err := build(ctx, cfg, opts, query)
	if err != nil {
		return pipeline.RunReport{}, err
	}
	defer a.close()

	var phase atomic.Value
	phase.Store("starting")

	if cfg.Metrics.Addr == "" {
		return a.run(ctx, &phase)
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           newRouter(a.registry, &phase),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	runDone, cancelListener := context.WithCancel(gctx)
	defer cancelListener()

	var report pipeline.RunReport
	g.Go(func() error {
		return serve(runDone, srv)
	})
	g.Go(func() error {
		defer cancelListener()
		var err error
		report, err = a.run(gctx, &phase)
		return err
	})
	return report, g.Wait()
}

func (a *app) run(ctx context.Context, phase *atomic.Value) (pipeline.RunReport, error) {
	phase.Store("fetching")
	msgs, err := a.source.Fetch(ctx, a.query)
	if err != nil {
		phase.Store(phaseFailed)
		return pipeline.RunReport{}, fmt.Errorf("fetch messages: %w", err)
	}
	logger.Info("messages fetched", "count", len(msgs), "mailbox", a.query.Mailbox, "folder", a.query.Folder)

	phase.Store("processing")
	report, err := a.pipeline.Run(ctx, msgs)
	if err != nil {
		phase.Store(phaseFailed)
		return report, err
	}
	phase.Store("done")
	if mem, ok := a.sink.(*warehouse.MemorySink); ok {
		logger.Info("dry run: records kept in memory", "records", len(mem.Records()))
	}
	return report, nil
}

// applyOptions lays command-line flags over the loaded config.
func applyOptions(cfg *config.Config, opts options) error {
	if len(opts.mboxPaths) > 0 {
		cfg.Mailbox.Paths = opts.mboxPaths
	}
	if opts.mailbox != "" {
		cfg.Mailbox.Mailbox = opts.mailbox
	}
	if opts.folder != "" {
		cfg.Mailbox.Folder = opts.folder
	}
	if opts.concurrency < 0 {
		return fmt.Errorf("--concurrency must not be negative")
	}
	if opts.concurrency > 0 {
		cfg.Pipeline.Concurrency = opts.concurrency
	}
	if opts.budget > 0 {
		cfg.Pipeline.Budget = opts.budget
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if opts.dryRun {
		cfg.Publish.Mode = "dir"
	}
	if len(cfg.Mailbox.Paths) == 0 {
		return fmt.Errorf("no mbox files given (--mbox or mailbox.paths)")
	}
	return nil
}

// buildQuery defaults the window to the configured lookback ending now.
func buildQuery(cfg *config.Config, opts options, now time.Time) (mailbox.Query, error) {
	since, err := parseTime(opts.since)
	if err != nil {
		return mailbox.Query{}, err
	}
	until, err := parseTime(opts.until)
	if err != nil {
		return mailbox.Query{}, err
	}
	if since.IsZero() && opts.until == "" && cfg.Mailbox.LookbackHours > 0 {
		since = now.Add(-cfg.Mailbox.Lookback()).UTC()
	}
	if !until.IsZero() && !since.IsZero() && !until.After(since) {
		return mailbox.Query{}, fmt.Errorf("--until %s is not after --since %s", until.Format(time.RFC3339), since.Format(time.RFC3339))
	}
	return mailbox.Query{
		Mailbox: cfg.Mailbox.Mailbox,
		Folder:  cfg.Mailbox.Folder,
		Since:   since,
		Until:   until,
	}, nil
}

// build wires every stage. On error anything already opened is closed.
func build(ctx context.Context, cfg *config.Config, opts options, query mailbox.Query) (*app, error) {
	a := &app{cfg: cfg, query: query, source: mailbox.NewMboxSource(cfg.Mailbox.Paths...)}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	var engine render.Engine
	if !opts.offline {
		chrome := render.NewChromeEngine(ctx, cfg.Chrome)
		a.closers = append(a.closers, chrome.Close)
		engine = chrome
	}
	renderer := render.New(engine, cfg.Render)

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var invoker vision.Invoker = offlineInvoker{}
	if !opts.offline {
		bedrockCfg := cfg.Vision.Bedrock
		bedrockCfg.Profile = cfg.Vision.AWSProfile()
		if invoker, err = vision.NewBedrockInvoker(ctx, bedrockCfg); err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
	}
	analyzer, err := vision.NewAnalyzer(invoker, cfg.Vision.Analyzer)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	var (
		sink warehouse.Sink
		pgDB *sql.DB
	)
	if opts.dryRun {
		sink = warehouse.NewMemorySink()
	} else {
		var db *sql.DB
		sink, db, err = openSink(cfg.Warehouse)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if d, _ := warehouse.ParseDialect(cfg.Warehouse.Dialect); d == warehouse.DialectPostgres {
			pgDB = db
		}
	}
	a.sink = sink

	lock, err := buildLock(cfg.Lock, pgDB, a)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.pipeline = pipeline.New(pipeline.Deps{
		Classifier: cls,
		Renderer:   renderer,
		Publisher:  publisher,
		Analyzer:   analyzer,
		Ledger:     ledger.New(sink, cfg.Ledger),
		Sink:       sink,
		Lock:       lock,
		Metrics:    pipeline.NewMetrics(a.registry),
	}, cfg.Pipeline)
	built = true
	return a, nil
}

func buildPublisher(ctx context.Context, cfg *config.Config) (pipeline.Publisher, error) {
	if cfg.Publish.Mode == "dir" {
		return publish.NewDirPublisher(cfg.Publish.Dir, cfg.Publish.BaseURL), nil
	}
	s3Cfg := cfg.Publish.S3
	s3Cfg.Profile = cfg.Publish.AWSProfile()
	p, err := publish.NewS3Publisher(ctx, s3Cfg, retry.DefaultPolicy("s3.put"))
	if err != nil {
		return nil, fmt.Errorf("s3 publisher: %w", err)
	}
	return p, nil
}

// openSink connects to the configured warehouse.
func openSink(cfg config.WarehouseConfig) (warehouse.Sink, *sql.DB, error) {
	dialect, err := warehouse.ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, nil, err
	}

	var db *sql.DB
	switch dialect {
	case warehouse.DialectPostgres:
		db, err = warehouse.OpenPostgres(cfg.PostgresURL)
	default:
		db, err = warehouse.OpenSnowflake(cfg.Snowflake)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open warehouse: %w", err)
	}

	sink, err := warehouse.NewSQLSink(db, dialect, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sink, db, nil
}

// buildLock returns nil when locking is disabled or nothing can back it.
func buildLock(cfg config.LockConfig, pgDB *sql.DB, a *app) (distlock.DistLock, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var client *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(redisOpts)
		a.closers = append(a.closers, func() { _ = client.Close() })
	}
	lock := distlock.NewLock(client, pgDB, cfg.Key, cfg.TTL())
	if lock == nil {
		logger.Warn("run lock enabled but no redis url or postgres warehouse; running unlocked")
	}
	return lock, nil
}

// summarize is the final line a run prints.
func summarize(rep pipeline.RunReport) string {
	return fmt.Sprintf("run %s: %d messages, %d succeeded, %d partial, %d failed, %d skipped (%d excluded, %d duplicate), %d deferred, %d committed",
		rep.RunID, rep.Total, rep.Succeeded, rep.Partial, rep.Failed, rep.Skipped(), rep.Excluded, rep.Duplicates, rep.Deferred, rep.Committed)
}
