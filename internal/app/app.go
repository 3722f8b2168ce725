package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-sentinel/internal/alerting"
	"oracle-sentinel/internal/cache"
	"oracle-sentinel/internal/config"
	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
	"oracle-sentinel/internal/fetcher"
	"oracle-sentinel/internal/metrics"
	"oracle-sentinel/internal/scheduler"
	"oracle-sentinel/internal/service"
	"oracle-sentinel/internal/storage"
	"oracle-sentinel/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func toFeeds(in []config.FeedConfig) []fetcher.Feed {
	out := make([]fetcher.Feed, 0, len(in))
	for _, f := range in {
		out = append(out, fetcher.Feed{Symbol: f.Symbol, ID: f.ID})
	}
	return out
}

func (a *App) newSources(backend fetcher.EthBackend) *fetcher.Sources {
	eth := a.Config.Ethereum
	var fetchers []fetcher.OracleFetcher

	if a.Config.Chainlink.Enabled {
		fetchers = append(fetchers, fetcher.NewChainlink(fetcher.ChainlinkOptions{
			Chain:   eth.Chain,
			Feeds:   toFeeds(a.Config.Chainlink.Feeds),
			Timeout: eth.RequestTimeout,
		}, backend, a.Logger))
	}

	if a.Config.Pyth.Enabled {
		cfg := a.Config.Pyth
		userAgent := cfg.UserAgent
		if userAgent == "" {
			userAgent = version.UserAgent()
		}
		fetchers = append(fetchers, fetcher.NewPyth(fetcher.PythOptions{
			BaseURL:   cfg.BaseURL,
			Chain:     "pythnet",
			Feeds:     toFeeds(cfg.Feeds),
			Timeout:   cfg.RequestTimeout,
			UserAgent: userAgent,
		}, a.Logger))
	}

	if a.Config.Dex.Enabled {
		pairs := make([]fetcher.PairFeed, 0, len(a.Config.Dex.Pairs))
		for _, p := range a.Config.Dex.Pairs {
			pairs = append(pairs, fetcher.PairFeed{
				Symbol:        p.Symbol,
				Address:       p.Address,
				BaseDecimals:  p.BaseDecimals,
				QuoteDecimals: p.QuoteDecimals,
				BaseIsToken0:  p.BaseIsToken0,
			})
		}
		fetchers = append(fetchers, fetcher.NewDexPair(fetcher.DexPairOptions{
			Chain:   eth.Chain,
			Pairs:   pairs,
			Timeout: eth.RequestTimeout,
		}, backend, a.Logger))
	}

	return fetcher.NewSources(fetchers, a.Config.Consensus.StaleAfter, a.Logger)
}

func (a *App) newTransactions(backend fetcher.EthBackend) fetcher.TransactionFetcher {
	cfg := a.Config.Transactions
	if !cfg.Enabled {
		return nil
	}
	return fetcher.NewTransactions(fetcher.TransactionsOptions{
		ChainID:        a.Config.Ethereum.ChainID,
		LookbackBlocks: cfg.LookbackBlocks,
		Watch:          a.Config.WatchedContracts(),
		Timeout:        a.Config.Ethereum.RequestTimeout,
	}, backend, a.Logger)
}

func (a *App) newDetector(opts ...detection.Option) (*detection.Engine, error) {
	opts = append([]detection.Option{detection.WithLogger(a.Logger)}, opts...)
	return detection.NewEngine(a.Config.Detection.Engine(), opts...)
}

// newNotifier 组装已启用的告警通道; nil when none is enabled.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	var notifiers []alerting.Notifier
	closer := func() {}

	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}

	if a.Config.Kafka.Enabled {
		cfg := a.Config.Kafka
		k, err := alerting.NewKafkaNotifier(alerting.KafkaOptions{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			ClientID:     cfg.ClientID,
			BatchTimeout: cfg.BatchTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, k)
		closer = func() {
			if err := k.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close kafka writer")
			}
		}
	}

	switch len(notifiers) {
	case 0:
		return nil, closer, nil
	case 1:
		return notifiers[0], closer, nil
	default:
		return alerting.NewMulti(a.Logger, notifiers...), closer, nil
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.ConsensusCache, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return nil, nil
	}
	return cache.NewConsensusCache(ctx, cache.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
		TTL:       cfg.TTL,
	})
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshotCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if snapshotCache != nil {
		defer snapshotCache.Close()
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	backend := fetcher.NewLazyClient(a.Config.Ethereum.RPCURL)
	defer backend.Close()

	detector, err := a.newDetector()
	if err != nil {
		return err
	}

	deps := service.Deps{
		Quotes:       a.newSources(backend),
		Transactions: a.newTransactions(backend),
		Detector:     detector,
		Notifier:     notifier,
	}

	// reliability comes from stored prices when a database is configured
	var history consensus.HistorySource
	if store != nil {
		history = store
		deps.Prices = store
		deps.Detections = store
		deps.Snapshots = store
		deps.Locker = store
	} else {
		memory := consensus.NewMemoryHistory(a.Config.Consensus.ReliabilityWindow)
		history = memory
		deps.Memory = memory
	}
	if snapshotCache != nil {
		deps.Cache = snapshotCache
	}

	deps.Consensus, err = consensus.NewEngine(a.Config.Consensus.Engine(), nil, history, consensus.WithLogger(a.Logger))
	if err != nil {
		return err
	}

	var registry *prometheus.Registry
	if a.Config.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		deps.Metrics = metrics.New(registry)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		TickTimeout:  a.Config.Scheduler.TickTimeout,
	}, a.Logger)

	svc, err := service.New(a.Config, sched, deps, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if deps.Metrics != nil {
		g.Go(func() error {
			a.Logger.Info().Str("addr", a.Config.Metrics.ListenAddr).Str("path", a.Config.Metrics.Path).Msg("serving metrics")
			return deps.Metrics.Serve(gctx, a.Config.Metrics.ListenAddr, a.Config.Metrics.Path)
		})
	}
	g.Go(func() error {
		a.Logger.Info().Strs("symbols", a.Config.NormalizedSymbols()).Msg("starting monitoring service")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Migrate applies the SQL migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("files", applied).Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting consensus history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ConsensusOptions configure the one-shot consensus command.
type ConsensusOptions struct {
	Symbols []string
	// Cached reads the last snapshot from Redis instead of querying sources.
	Cached bool
}

// DetectionsOptions configure the detections command.
type DetectionsOptions struct {
	Symbol    string
	Limit     int
	SetID     string
	SetStatus string
}

// BackfillOptions configure a detection replay over stored prices.
type BackfillOptions struct {
	Symbols []string
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}

// SimulateOptions configure the synthetic feed.
type SimulateOptions struct {
	Seed       uint64
	Points     int
	BasePrice  float64
	Volatility float64
	SpikeAt    int
	SpikePct   float64
	Notify     bool
}
