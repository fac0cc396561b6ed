// Package app assembles the prospector service from one Config value and
// owns the lifecycle of everything it builds. Build wires stores, the crawl
// pipeline, the verification consumer and the ops API; Run drives them until
// a signal arrives or the target queue drains; Close releases every held
// resource.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localscope/prospector/internal/api"
	"github.com/localscope/prospector/internal/classify"
	"github.com/localscope/prospector/internal/classify/gemini"
	"github.com/localscope/prospector/internal/clock/system"
	"github.com/localscope/prospector/internal/config"
	"github.com/localscope/prospector/internal/crawl"
	"github.com/localscope/prospector/internal/discovery"
	collyfetcher "github.com/localscope/prospector/internal/fetcher/colly"
	"github.com/localscope/prospector/internal/fetcher/headless"
	"github.com/localscope/prospector/internal/governor"
	"github.com/localscope/prospector/internal/hash/sha256"
	"github.com/localscope/prospector/internal/headless/detector"
	uuidgen "github.com/localscope/prospector/internal/id/uuid"
	intakepubsub "github.com/localscope/prospector/internal/intake/pubsub"
	"github.com/localscope/prospector/internal/logging"
	"github.com/localscope/prospector/internal/metrics"
	"github.com/localscope/prospector/internal/partition"
	"github.com/localscope/prospector/internal/policy/ratelimit"
	"github.com/localscope/prospector/internal/progress"
	"github.com/localscope/prospector/internal/progress/sinks"
	"github.com/localscope/prospector/internal/proxy"
	publishermemory "github.com/localscope/prospector/internal/publisher/memory"
	publisherpubsub "github.com/localscope/prospector/internal/publisher/pubsub"
	queuememory "github.com/localscope/prospector/internal/queue/memory"
	"github.com/localscope/prospector/internal/sitecrawl"
	"github.com/localscope/prospector/internal/storage/gcs"
	"github.com/localscope/prospector/internal/storage/local"
	storagememory "github.com/localscope/prospector/internal/storage/memory"
	storememory "github.com/localscope/prospector/internal/store/memory"
	"github.com/localscope/prospector/internal/store/postgres"
	storeredis "github.com/localscope/prospector/internal/store/redis"
	"github.com/localscope/prospector/internal/verify"
	"github.com/localscope/prospector/internal/worker"
)

const (
	// verifyQueueDepth bounds the in-process handoff between workers and
	// the verifier. Workers block once the verifier falls this far behind.
	verifyQueueDepth = 256
	// drainGrace is how long a signal-initiated shutdown waits for workers
	// to finish their current target before canceling them outright.
	drainGrace        = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	httpShutdownGrace = 10 * time.Second
)

// App holds every long-lived service the process runs. It is built once at
// startup and torn down once at exit.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	targets  crawl.TargetStore
	listings crawl.ListingStore
	runs     crawl.RunStore
	states   crawl.StateStore

	manager     *partition.Manager
	verifier    *worker.Verifier
	verifyQueue *queuememory.Queue
	apiServer   *api.Server
	hub         *progress.Hub
	intake      *intakepubsub.Subscriber

	publisher crawl.Publisher
	blobs     crawl.BlobStore
	headless  *headless.Fetcher
	redis     *storeredis.DomainClaimer
	pool      *pgxpool.Pool
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Targets exposes the target store for command-line seeding.
func (a *App) Targets() crawl.TargetStore {
	return a.targets
}

// Listings exposes the listing store.
func (a *App) Listings() crawl.ListingStore {
	return a.listings
}

// Runs exposes the run store.
func (a *App) Runs() crawl.RunStore {
	return a.runs
}

// Blobs exposes the snapshot blob store.
func (a *App) Blobs() crawl.BlobStore {
	return a.blobs
}

// Build assembles a ready-to-run App from cfg. Every backend is a config
// switch: stores fall back to memory without a database DSN, domain claims
// to memory without a Redis address, snapshots to memory without a storage
// backend. Build fails fast and releases anything it already acquired.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.Close(context.Background())
		}
	}()

	clk := system.New()
	ids := uuidgen.New()
	hasher := sha256.New()

	if err := a.setupStores(ctx, clk); err != nil {
		return nil, err
	}
	claims, err := a.setupClaims(ctx, clk)
	if err != nil {
		return nil, err
	}
	if err := a.setupBlobs(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.setupIntake(ctx, ids); err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("build progress sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		sinks.NewStoreSink(a.runs, logger.Named("progress")),
		promSink,
	)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   requestsPerSecond(cfg.Governor.MinDelayMs),
		DefaultBurst: 1,
	})
	fetch := ratelimit.WrapFetcher(collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawl.UserAgent,
		RespectRobots: !cfg.Crawl.IgnoreRobots,
		Timeout:       cfg.FetchTimeout(),
	}, nil), limiter)

	proxyURL := ""
	if len(cfg.Proxy.Endpoints) > 0 {
		proxyURL = cfg.Proxy.Endpoints[0]
	}
	var renderer crawl.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			ProxyURL:          proxyURL,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher unavailable, crawling static only", zap.Error(err))
		} else {
			a.headless = hf
			renderer = hf
		}
	}

	proxies := proxy.New(proxy.Config{
		Endpoints:   cfg.Proxy.Endpoints,
		UserAgents:  cfg.Proxy.UserAgents,
		MaxFailures: cfg.Proxy.MaxFailures,
		Cooldown:    time.Duration(cfg.Proxy.CooldownSeconds) * time.Second,
	}, clk)
	promoter := detector.NewHeuristic(cfg.Headless.PromotionThresh)
	retry := governor.NewExponentialRetry(
		cfg.HTTP.MaxRetries,
		time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
	)

	classifier, err := setupClassifier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	scorer := verify.New(verify.Config{
		WebsiteWeight:   cfg.Verify.WebsiteWeight,
		DiscoveryWeight: cfg.Verify.DiscoveryWeight,
		ExternalWeight:  cfg.Verify.ExternalWeight,
		PassThreshold:   cfg.Verify.PassThreshold,
		FailThreshold:   cfg.Verify.FailThreshold,
	}, clk)
	a.verifyQueue = queuememory.NewQueue(verifyQueueDepth)

	source, err := discovery.NewDirectory(discovery.Config{
		BaseURL:       cfg.Discovery.BaseURL,
		MaxPages:      cfg.Discovery.MaxPages,
		RatePerSecond: cfg.Discovery.RatePerSecond,
		Burst:         cfg.Discovery.Burst,
	}, discovery.Options{
		Fetcher: fetch,
		IDs:     ids,
		Clock:   clk,
		Logger:  logger.Named("discovery"),
	})
	if err != nil {
		return nil, fmt.Errorf("build discovery source: %w", err)
	}

	// One governor per worker replica, shared between its crawl engine and
	// its claim loop. A replacement replica starts with a fresh budget.
	factory := func(id string, quit <-chan struct{}) (partition.Runner, error) {
		gate := governor.New(governor.Config{
			MinDelay:               time.Duration(cfg.Governor.MinDelayMs) * time.Millisecond,
			BaseDelay:              time.Duration(cfg.Governor.BaseDelayMs) * time.Millisecond,
			MaxDelay:               time.Duration(cfg.Governor.MaxDelayMs) * time.Millisecond,
			SuccessFactor:          cfg.Governor.SuccessFactor,
			FailureFactor:          cfg.Governor.FailureFactor,
			BlockFactor:            cfg.Governor.BlockFactor,
			MaxOperations:          cfg.Governor.MaxOperations,
			MaxConsecutiveFailures: cfg.Governor.MaxConsecutiveFailures,
		})
		crawler, err := sitecrawl.New(sitecrawl.Config{
			MaxPagesPerDomain:   cfg.Crawl.MaxPagesPerDomain,
			MaxErrorsPerDomain:  cfg.Crawl.MaxErrorsPerDomain,
			MinTargetsForDone:   cfg.Verify.MinTargetsForDone,
			SnapshotPages:       cfg.Crawl.SnapshotPages,
			SnapshotPrefix:      cfg.Storage.Prefix,
			SnapshotContentType: cfg.Storage.ContentType,
			UserAgent:           cfg.Crawl.UserAgent,
		}, sitecrawl.Options{
			Fetcher:  fetch,
			Renderer: renderer,
			Promoter: promoter,
			States:   a.states,
			Gate:     gate,
			Proxies:  proxies,
			Blobs:    a.blobs,
			Hasher:   hasher,
			Retry:    retry,
			Events:   a.hub,
			Clock:    clk,
			Logger:   logger.Named("sitecrawl"),
		})
		if err != nil {
			return nil, err
		}
		return worker.New(worker.Config{
			ID:           id,
			MaxTargets:   cfg.Worker.MaxTargets,
			IdlePoll:     cfg.IdlePoll(),
			ClaimTTL:     cfg.ClaimTTL(),
			RecrawlTTL:   cfg.RecrawlTTL(),
			ExitWhenIdle: cfg.Worker.ExitWhenIdle,
		}, worker.Options{
			Targets:  a.targets,
			Listings: a.listings,
			Runs:     a.runs,
			Claims:   claims,
			Source:   source,
			Crawler:  crawler,
			Verify:   a.verifyQueue,
			Gate:     gate,
			Quit:     quit,
			IDs:      ids,
			Events:   a.hub,
			Clock:    clk,
			Logger:   logger.Named("worker"),
		})
	}
	a.manager, err = partition.New(partition.Config{
		Workers:  cfg.Worker.Concurrency,
		IDPrefix: cfg.Worker.IDPrefix,
		ClaimTTL: cfg.ClaimTTL(),
	}, partition.Options{
		Targets: a.targets,
		Factory: factory,
		Clock:   clk,
		Logger:  logger.Named("partition"),
	})
	if err != nil {
		return nil, fmt.Errorf("build worker partition: %w", err)
	}

	a.verifier, err = worker.NewVerifier(worker.VerifierConfig{
		Topic: cfg.PubSub.TopicName,
	}, worker.VerifierOptions{
		Queue:      a.verifyQueue,
		Scorer:     scorer,
		Listings:   a.listings,
		Classifier: classifier,
		Publisher:  a.publisher,
		Events:     a.hub,
		Clock:      clk,
		Logger:     logger.Named("verifier"),
	})
	if err != nil {
		return nil, fmt.Errorf("build verifier: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer, err = api.NewServer(api.Config{APIKey: apiKey}, api.Options{
		Targets:  a.targets,
		Listings: a.listings,
		Runs:     a.runs,
		IDs:      ids,
		Clock:    clk,
		Logger:   logger.Named("api"),
	})
	if err != nil {
		return nil, fmt.Errorf("build api server: %w", err)
	}

	built = true
	logger.Info("application assembled",
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Bool("headless", a.headless != nil),
		zap.String("classifier", cfg.Classify.Provider))
	return a, nil
}

// Run drives the pipeline: the worker partition claiming and crawling
// targets, the verification consumer, the optional intake subscriber and
// the ops HTTP server. It returns when every worker finishes on its own,
// when a shutdown signal lands, or when a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers run on their own context so a signal drains them softly
	// before anything is canceled outright.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	errs := make(chan error, 4)

	var intakeWG sync.WaitGroup
	intakeCtx, stopIntake := context.WithCancel(workCtx)
	defer stopIntake()
	if a.intake != nil {
		intakeWG.Add(1)
		go func() {
			defer intakeWG.Done()
			if err := a.intake.Run(intakeCtx); err != nil {
				errs <- fmt.Errorf("intake: %w", err)
			}
		}()
	}

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		verifierDone := make(chan error, 1)
		go func() {
			verifierDone <- a.verifier.Run(workCtx)
		}()
		err := a.manager.Run(workCtx)
		// Workers have all exited, so nothing enqueues verify jobs
		// anymore. Closing the queue lets the verifier drain and stop.
		a.verifyQueue.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("worker partition: %w", err)
		}
		if err := <-verifierDone; err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("verifier: %w", err)
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, draining workers")
		// A second signal bypasses the drain and kills the process.
		stop()
		stopIntake()
		a.manager.Stop()
		select {
		case <-pipelineDone:
		case <-time.After(drainGrace):
			a.logger.Warn("drain grace elapsed, canceling in-flight work")
			cancelWork()
			<-pipelineDone
		}
	case <-pipelineDone:
		a.logger.Info("all workers finished")
	case runErr = <-errs:
		a.logger.Error("component failed, shutting down", zap.Error(runErr))
		cancelWork()
		<-pipelineDone
	}

	stopIntake()
	intakeWG.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	return runErr
}

// Close releases everything Build acquired. It is safe on a partially built
// App and after Run has returned.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close", zap.Error(err))
		}
	}
	if a.intake != nil {
		if err := a.intake.Close(); err != nil {
			a.logger.Warn("intake close", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("blob store close", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	_ = a.logger.Sync()
}

func (a *App) setupStores(ctx context.Context, clk crawl.Clock) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores")
		a.targets = storememory.NewTargetStore(clk)
		a.listings = storememory.NewListingStore(clk)
		a.runs = storememory.NewRunStore()
		a.states = storememory.NewStateStore()
		return nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxOpenConns),
		MinConns: int32(a.cfg.DB.MaxIdleConns),
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	targets, err := postgres.NewTargetStore(pool, clk)
	if err != nil {
		return fmt.Errorf("build target store: %w", err)
	}
	listings, err := postgres.NewListingStore(pool, clk)
	if err != nil {
		return fmt.Errorf("build listing store: %w", err)
	}
	runs, err := postgres.NewRunStore(pool)
	if err != nil {
		return fmt.Errorf("build run store: %w", err)
	}
	states, err := postgres.NewStateStore(pool)
	if err != nil {
		return fmt.Errorf("build state store: %w", err)
	}
	a.targets, a.listings, a.runs, a.states = targets, listings, runs, states
	a.logger.Info("using postgres stores")
	return nil
}

func (a *App) setupClaims(ctx context.Context, clk crawl.Clock) (crawl.DomainClaimer, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("using in-memory domain claims")
		return storememory.NewDomainClaimer(clk), nil
	}
	claimer := storeredis.NewDomainClaimerWithClient(redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}))
	if err := claimer.Ping(ctx); err != nil {
		_ = claimer.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.redis = claimer
	a.logger.Info("using redis domain claims", zap.String("addr", a.cfg.Redis.Addr))
	return claimer, nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "", "memory":
		a.logger.Info("using in-memory snapshot storage")
		a.blobs = storagememory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("build local snapshot storage: %w", err)
		}
		a.logger.Info("using local snapshot storage", zap.String("dir", a.cfg.Storage.LocalDir))
		a.blobs = store
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("build gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("build gcs snapshot storage: %w", err)
		}
		a.logger.Info("using gcs snapshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.blobs = store
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.publisher = publishermemory.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("build pubsub client: %w", err)
	}
	pub, err := publisherpubsub.New(client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("build pubsub publisher: %w", err)
	}
	a.logger.Info("publishing verified listings to pub/sub",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	a.publisher = pub
	return nil
}

func (a *App) setupIntake(ctx context.Context, ids crawl.IDGenerator) error {
	if !a.cfg.PubSub.Enabled || a.cfg.PubSub.Subscription == "" {
		return nil
	}
	sub, err := intakepubsub.New(ctx, intakepubsub.Config{
		ProjectID:    a.cfg.PubSub.ProjectID,
		Subscription: a.cfg.PubSub.Subscription,
	}, a.targets, ids, a.logger.Named("intake"))
	if err != nil {
		return fmt.Errorf("build intake subscriber: %w", err)
	}
	a.logger.Info("receiving targets from pub/sub",
		zap.String("subscription", a.cfg.PubSub.Subscription))
	a.intake = sub
	return nil
}

func setupClassifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.Classifier, error) {
	keyword := classify.NewKeyword()
	switch cfg.Classify.Provider {
	case "", "keyword":
		return keyword, nil
	case "gemini":
		c, err := gemini.New(ctx, gemini.Config{
			APIKey: cfg.Classify.APIKey,
			Model:  cfg.Classify.Model,
		}, keyword.Categories())
		if err != nil {
			return nil, fmt.Errorf("build gemini classifier: %w", err)
		}
		logger.Info("using gemini classifier", zap.String("model", cfg.Classify.Model))
		return c, nil
	default:
		return nil, fmt.Errorf("unknown classify provider %q", cfg.Classify.Provider)
	}
}

// requestsPerSecond translates the governor's floor delay into the hard
// per-domain ceiling the limiter enforces underneath it. Zero disables the
// ceiling.
func requestsPerSecond(minDelayMs int) float64 {
	if minDelayMs <= 0 {
		return 0
	}
	return 1000 / float64(minDelayMs)
}
