package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/alerting"
	"pricekeeper/internal/chain"
	"pricekeeper/internal/config"
	"pricekeeper/internal/daemon"
	"pricekeeper/internal/eventcache"
	"pricekeeper/internal/metrics"
	"pricekeeper/internal/oracle"
	"pricekeeper/internal/policy"
	"pricekeeper/internal/pricestore"
	"pricekeeper/internal/service"
	"pricekeeper/internal/storage"
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

func (a *App) newFeed() *oracle.Feed {
	primary := oracle.NewPrimary(oracle.PrimaryOptions{
		URL:       a.Config.Oracle.PrimaryURL,
		APIKey:    a.Config.Oracle.APIKey,
		Timeout:   a.Config.Oracle.RequestTimeout,
		UserAgent: a.Config.Oracle.UserAgent,
	}, a.Logger)

	var fallback oracle.PriceFetcher
	if a.Config.Oracle.FallbackURL != "" {
		fallback = oracle.NewDexScreener(oracle.DexScreenerOptions{
			URL:       a.Config.Oracle.FallbackURL,
			Timeout:   a.Config.Oracle.RequestTimeout,
			UserAgent: a.Config.Oracle.UserAgent,
		}, a.Logger)
	}

	return oracle.NewFeed(primary, fallback, a.Logger)
}

func (a *App) tierTargets() []chain.TierTarget {
	targets := make([]chain.TierTarget, 0, len(a.Config.Tiers))
	for _, tier := range a.Config.Tiers {
		targets = append(targets, chain.TierTarget{
			Name:             tier.Name,
			USDTarget:        decimal.NewFromFloat(tier.USDTarget),
			SafetyMultiplier: decimal.NewFromFloat(tier.SafetyMultiplier),
		})
	}
	return targets
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	if a.Config.Database.RunMigrations {
		if err := storage.Migrate(a.Config.Database.DSN); err != nil {
			return nil, nil, err
		}
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

func (a *App) openEventCache(ctx context.Context) (*eventcache.Cache, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	return eventcache.New(ctx, eventcache.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		TTL:      a.Config.Redis.TTL,
	}, a.Logger)
}

// Run executes the long-running automation daemon.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateAutomation(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; audit trail disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cache, err := a.openEventCache(ctx)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	dialer := chain.NewDialer(a.Config.Chain.RPCURL)
	defer dialer.Close()

	backend, err := dialer.Client(ctx)
	if err != nil {
		return err
	}

	committer, err := chain.NewCommitter(backend, chain.CommitterOptions{
		PrivateKeyHex:       a.Config.Signer.PrivateKey,
		ContractAddress:     a.Config.Chain.PaymentsAddress,
		ChainID:             a.Config.Chain.ChainID,
		TokenDecimals:       a.Config.Chain.TokenDecimals,
		ConfirmationTimeout: a.Config.Chain.ConfirmationTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("signer", committer.From().Hex()).Msg("automation signer loaded")

	history := pricestore.New(a.Config.Daemon.HistoryFile, a.Logger)
	engine := policy.NewEngine(policy.Options{
		ChangeThreshold:   decimal.NewFromFloat(a.Config.Policy.ChangeThreshold),
		MinUpdateInterval: a.Config.Policy.MinUpdateInterval,
		MaxDailyUpdates:   a.Config.Policy.MaxDailyUpdates,
	}, history, a.Logger)

	mets, registry := metrics.New()
	if a.Config.Metrics.Enabled {
		go metrics.Serve(ctx, a.Config.Metrics.ListenAddr, registry, a.Logger)
	}

	var decisions storage.DecisionStore
	var commits storage.CommitStore
	if store != nil {
		decisions = store
		commits = store
	}

	notifier := a.newNotifier()
	svc := service.New(a.newFeed(), engine, history, committer, a.tierTargets(), service.Options{
		Decisions: decisions,
		Commits:   commits,
		Notifier:  notifier,
		Metrics:   mets,
		Channels:  a.Config.Alerting.Channels,
	}, a.Logger)

	super := daemon.New(svc, nil, engine.Snapshot, daemon.Options{
		TickInterval: a.Config.Daemon.TickInterval,
		PollInterval: a.Config.Monitor.PollInterval,
		StartupDelay: a.Config.Daemon.StartupDelay,
		PIDFile:      a.Config.Daemon.PIDFile,
		StatusFile:   a.Config.Daemon.StatusFile,
		Config:       a.configSummary(),
	}, a.Logger)

	var seen chain.SeenStore
	if cache != nil {
		seen = cache
	}
	monitor := chain.NewMonitor(backend, chain.MonitorOptions{
		ContractAddress: a.Config.Chain.PaymentsAddress,
		LookbackBlocks:  a.Config.Monitor.LookbackBlocks,
		LargePurchase:   decimal.NewFromFloat(a.Config.Monitor.LargePurchase),
		TokenDecimals:   a.Config.Chain.TokenDecimals,
		RecheckDelay:    a.Config.Monitor.RecheckDelay,
	}, seen, super.RunEventCycle, a.Logger)

	super.SetPoller(&monitorPoller{
		monitor:  monitor,
		mets:     mets,
		notifier: notifier,
		channels: a.Config.Alerting.Channels,
		decimals: a.Config.Chain.TokenDecimals,
		logger:   a.Logger,
	})

	if err := super.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.Info().Msg("shutdown signal received")
	super.Stop()

	return nil
}

func (a *App) configSummary() daemon.ConfigSummary {
	return daemon.ConfigSummary{
		TickInterval:      a.Config.Daemon.TickInterval.String(),
		PollInterval:      a.Config.Monitor.PollInterval.String(),
		ChangeThreshold:   a.Config.Policy.ChangeThreshold,
		MinUpdateInterval: a.Config.Policy.MinUpdateInterval.String(),
		MaxDailyUpdates:   a.Config.Policy.MaxDailyUpdates,
		Tiers:             len(a.Config.Tiers),
	}
}

// monitorPoller adapts the chain monitor to the daemon's poller
// interface, feeds event counts into metrics, and raises operator
// alerts for large purchases.
type monitorPoller struct {
	monitor  *chain.Monitor
	mets     *metrics.Set
	notifier alerting.Notifier
	channels []string
	decimals int32
	logger   zerolog.Logger
}

func (p *monitorPoller) PollOnce(ctx context.Context) error {
	result, err := p.monitor.PollOnce(ctx)
	if err != nil {
		return err
	}
	if p.mets != nil {
		if n := len(result.PurchaseEvents); n > 0 {
			p.mets.EventsObserved.WithLabelValues("CreditsPurchased").Add(float64(n))
		}
		if n := len(result.PriceUpdateEvents); n > 0 {
			p.mets.EventsObserved.WithLabelValues("PricesUpdated").Add(float64(n))
		}
	}
	if p.notifier != nil {
		for _, ev := range result.LargePurchases {
			tokens := decimal.NewFromBigInt(ev.TokenAmount, -p.decimals)
			note := alerting.Notification{
				Kind:       alerting.KindLargePurchase,
				OccurredAt: time.Now().UTC(),
				TxHash:     ev.TxHash.Hex(),
				Detail: fmt.Sprintf("buyer %s bought tier %q for %s tokens",
					ev.Buyer.Hex(), ev.Tier, tokens.String()),
				Channels: p.channels,
			}
			if err := p.notifier.Notify(ctx, note); err != nil {
				p.logger.Warn().Err(err).Msg("failed to dispatch large purchase alert")
			}
		}
	}
	return nil
}

func (p *monitorPoller) LastCheckedBlock() uint64 { return p.monitor.LastCheckedBlock() }

func (p *monitorPoller) Stop() { p.monitor.Stop() }

var errDaemonRunning = errors.New("a pricekeeper daemon is already running; stop it first")

// ExportOptions hold parameters for exporting commit history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Decisions bool
}
