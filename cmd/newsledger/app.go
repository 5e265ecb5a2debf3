package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/config"
	"github.com/elonfeng/newsledger/internal/health"
	"github.com/elonfeng/newsledger/internal/logging"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/alert"
	"github.com/elonfeng/newsledger/pkg/cluster"
	"github.com/elonfeng/newsledger/pkg/ledger"
	"github.com/elonfeng/newsledger/pkg/policy"
	"github.com/elonfeng/newsledger/pkg/processor"
	"github.com/elonfeng/newsledger/pkg/publish"
	"github.com/elonfeng/newsledger/pkg/reconcile"
	"github.com/elonfeng/newsledger/pkg/render"
	"github.com/elonfeng/newsledger/pkg/review"
	"github.com/elonfeng/newsledger/pkg/score"
	"github.com/elonfeng/newsledger/pkg/source"
)

// app is every component built from one configuration.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      *store.SQLiteStore
	docs       *state.File
	health     *health.Tracker
	alerts     *alert.Manager
	nats       *alert.NATS
	ledger     *ledger.Ledger
	processor  *processor.Processor
	discord    *review.Discord
	reconciler *reconcile.Reconciler
	handoff    *publish.Handoff
	maintainer *ledger.Maintainer
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path, envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  db,
		docs:   state.NewFile(cfg.Database.StatePath, logger),
	}
	clk := clock.System{}

	a.health = health.NewTracker(cfg.Health.ParseWindow(), cfg.Health.Threshold, clk, logger)
	if err := a.buildAlerts(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if a.alerts.HasNotifiers() {
		a.health.OnEscalate(a.alerts.Escalations())
	}

	a.ledger = ledger.New(db, cluster.NewEngine(cfg.Cluster.ParseWindow(), cfg.Cluster.MaxDistance), clk, logger)

	a.processor = processor.New(processor.Config{
		Sources: buildSources(cfg, clk, logger),
		Ledger:  a.ledger,
		Scorer:  buildScorer(cfg, a.health, logger),
		Policy:  policy.New(cfg.Policy.Pipeline(), db, a.docs, render.New(cfg.Render), clk, logger),
		Docs:    a.docs,
		Health:  a.health,
		Clock:   clk,
		Logger:  logger,
	})

	var notices []alert.Poster
	if cfg.Review.Enabled {
		a.discord = review.NewDiscord(review.DiscordConfig{
			WebhookURL: cfg.Review.WebhookURL,
			BotToken:   cfg.Review.BotToken,
			ChannelID:  cfg.Review.ChannelID,
			APIBase:    cfg.Review.APIBase,
		}, logger)
		a.reconciler = reconcile.New(reconcile.Config{MaxAge: cfg.Review.ParseMaxAge()},
			a.docs, a.ledger, a.discord, a.health, clk, logger)
		notices = append(notices, a.discord)
	}
	if a.alerts.HasNotifiers() {
		notices = append(notices, a.alerts)
	}

	var publisher publish.Publisher
	if cfg.Publish.DryRun {
		publisher = publish.NewDryRun(logger)
	} else {
		cmdPublisher, err := publish.NewCommand(cfg.Publish.Command, cfg.Publish.ParseTimeout())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("publisher: %w", err)
		}
		publisher = cmdPublisher
	}
	a.handoff = publish.NewHandoff(publish.HandoffConfig{StatusURL: cfg.Publish.StatusURL},
		a.docs, a.ledger, publisher, alert.Tee(notices...), a.health, clk, logger)

	rejected, published := cfg.Maintenance.Retention()
	a.maintainer = ledger.NewMaintainer(a.ledger, a.docs, ledger.MaintenanceConfig{
		DraftArchiveDays:   cfg.Maintenance.DraftArchiveDays,
		ClusterPurgeDays:   cfg.Maintenance.ClusterPurgeDays,
		RejectedRetention:  rejected,
		PublishedRetention: published,
		ArchiveDir:         cfg.Maintenance.ArchiveDir,
	})

	return a, nil
}

func (a *app) buildAlerts() error {
	cfg := a.cfg.Alerts
	var notifiers []alert.Notifier

	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Slack.WebhookURL))
	}
	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Discord.WebhookURL))
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret))
	}
	if cfg.NATS.Enabled {
		n, err := alert.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		a.nats = n
		notifiers = append(notifiers, n)
	}

	a.alerts = alert.NewManager(notifiers, a.logger)
	return nil
}

func buildSources(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) []source.Source {
	opts := source.Options{
		MaxAge: cfg.Sources.ParseMaxAge(),
		Filter: source.NewFilter(cfg.Filter.Keywords, cfg.Filter.ExcludeKeywords),
		Clock:  clk,
		Logger: logger,
	}

	var sources []source.Source
	if cfg.Sources.RSS.Enabled && len(cfg.Sources.RSS.Feeds) > 0 {
		sources = append(sources, source.NewRSS(cfg.Sources.RSS.Feeds, opts))
	}
	if cfg.Sources.Twitter.Enabled && len(cfg.Sources.Twitter.Accounts) > 0 {
		sources = append(sources, source.NewTwitter(cfg.Sources.Twitter.NitterURL, cfg.Sources.Twitter.Accounts, opts))
	}
	return sources
}

func buildScorer(cfg *config.Config, tracker *health.Tracker, logger zerolog.Logger) score.Scorer {
	sc := cfg.Scoring
	rules := score.NewRules(score.RulesConfig{
		Credibility:        sc.Credibility,
		DefaultCredibility: sc.DefaultCredibility,
		InterestKeywords:   sc.InterestKeywords,
		TechnicalKeywords:  sc.TechnicalKeywords,
		OfficialSources:    sc.OfficialSources,
	})

	var learned score.Scorer
	if sc.LLM.Enabled && sc.LLM.APIKey != "" {
		timeout, _ := time.ParseDuration(sc.LLM.Timeout)
		learned = score.NewLLM(score.LLMConfig{
			Provider: sc.LLM.Provider,
			Model:    sc.LLM.Model,
			APIKey:   sc.LLM.APIKey,
			BaseURL:  sc.LLM.BaseURL,
			Timeout:  timeout,
		})
		logger.Info().Str("provider", sc.LLM.Provider).Str("model", sc.LLM.Model).Msg("llm scorer enabled")
	}
	return score.NewBlend(learned, rules, tracker, logger)
}

// requireReview fails commands that need the review channel when it is off.
func (a *app) requireReview() error {
	if a.reconciler == nil {
		return fmt.Errorf("review channel is disabled (set review.enabled)")
	}
	return nil
}

// task runs fn and broadcasts a failure.
func (a *app) task(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err != nil && a.alerts.HasNotifiers() {
		if aerr := a.alerts.Fatal(context.WithoutCancel(ctx), name, err); aerr != nil {
			a.logger.Warn().Err(aerr).Msg("failure alert not delivered")
		}
	}
	return err
}

// Close waits for background calls and releases resources.
func (a *app) Close() {
	if a.reconciler != nil {
		a.reconciler.Wait()
	}
	if a.handoff != nil {
		a.handoff.Wait()
	}
	if a.discord != nil {
		a.discord.Wait()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
}
