package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/elonfeng/newsledger/pkg/policy"
	"github.com/elonfeng/newsledger/pkg/render"
	"github.com/elonfeng/newsledger/pkg/source"
)

// ErrMissing is returned by Validate when an enabled feature lacks a
// required setting.
var ErrMissing = errors.New("missing required setting")

// Config is the root configuration.
type Config struct {
	Environment string            `yaml:"environment"`
	LogLevel    string            `yaml:"log_level"`
	Database    DatabaseConfig    `yaml:"database"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Sources     SourcesConfig     `yaml:"sources"`
	Filter      FilterConfig      `yaml:"filter"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Policy      PolicyConfig      `yaml:"policy"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Render      render.Config     `yaml:"render"`
	Review      ReviewConfig      `yaml:"review"`
	Publish     PublishConfig     `yaml:"publish"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Health      HealthConfig      `yaml:"health"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Server      ServerConfig      `yaml:"server"`
}

// DatabaseConfig configures the ledger tables and the ledger document.
type DatabaseConfig struct {
	Path      string `yaml:"path"`
	StatePath string `yaml:"state_path"`
}

// ScheduleConfig configures the daemon's intervals.
type ScheduleConfig struct {
	CollectInterval   string `yaml:"collect_interval"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	PublishInterval   string `yaml:"publish_interval"`
	MaintainInterval  string `yaml:"maintain_interval"`
}

func (s ScheduleConfig) Collect() time.Duration {
	return parseDuration(s.CollectInterval, 15*time.Minute)
}

func (s ScheduleConfig) Reconcile() time.Duration {
	return parseDuration(s.ReconcileInterval, 15*time.Minute)
}

func (s ScheduleConfig) Publish() time.Duration {
	return parseDuration(s.PublishInterval, 5*time.Minute)
}

func (s ScheduleConfig) Maintain() time.Duration {
	return parseDuration(s.MaintainInterval, 24*time.Hour)
}

// SourcesConfig holds configuration for all feeds.
type SourcesConfig struct {
	MaxAge  string        `yaml:"max_age"`
	RSS     RSSConfig     `yaml:"rss"`
	Twitter TwitterConfig `yaml:"twitter"`
}

// ParseMaxAge returns how old an entry may be to be collected.
func (s SourcesConfig) ParseMaxAge() time.Duration {
	return parseDuration(s.MaxAge, 24*time.Hour)
}

// RSSConfig for RSS and Atom feeds.
type RSSConfig struct {
	Enabled bool          `yaml:"enabled"`
	Feeds   []source.Feed `yaml:"feeds"`
}

// TwitterConfig for account timelines read through Nitter.
type TwitterConfig struct {
	Enabled   bool          `yaml:"enabled"`
	NitterURL string        `yaml:"nitter_url"`
	Accounts  []source.Feed `yaml:"accounts"`
}

// FilterConfig limits collection to the topic.
type FilterConfig struct {
	Keywords        []string `yaml:"keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

// ScoringConfig configures the rule scorer and the optional LLM scorer.
type ScoringConfig struct {
	Credibility        map[string]float64 `yaml:"credibility"`
	DefaultCredibility float64            `yaml:"default_credibility"`
	InterestKeywords   []string           `yaml:"interest_keywords"`
	TechnicalKeywords  []string           `yaml:"technical_keywords"`
	OfficialSources    []string           `yaml:"official_sources"`
	LLM                LLMConfig          `yaml:"llm"`
}

// LLMConfig configures the optional LLM scorer.
type LLMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "openai" or "anthropic"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// PolicyConfig configures the draft pipeline.
type PolicyConfig struct {
	DraftThreshold     float64            `yaml:"draft_threshold"`
	PriorityThresholds map[string]float64 `yaml:"priority_thresholds"`
	DailyMaxDrafts     int                `yaml:"daily_max_drafts"`
	ClusterCooldown    string             `yaml:"cluster_cooldown"`
	DraftLookback      string             `yaml:"draft_lookback"`
	DraftSimilarity    int                `yaml:"draft_similarity"`
	DuplicateSuffix    string             `yaml:"duplicate_suffix"`
	Tiers              policy.TierConfig  `yaml:"approval_tiers"`
}

// Pipeline converts the settings to a policy configuration.
func (p PolicyConfig) Pipeline() policy.Config {
	def := policy.DefaultConfig()
	return policy.Config{
		DefaultThreshold:   p.DraftThreshold,
		PriorityThresholds: p.PriorityThresholds,
		DailyMaxDrafts:     p.DailyMaxDrafts,
		ClusterCooldown:    parseDuration(p.ClusterCooldown, def.ClusterCooldown),
		DraftLookback:      parseDuration(p.DraftLookback, def.DraftLookback),
		DraftSimilarity:    p.DraftSimilarity,
		DuplicateSuffix:    p.DuplicateSuffix,
		Tiers:              p.Tiers,
	}
}

// ClusterConfig configures story clustering.
type ClusterConfig struct {
	Window      string `yaml:"window"`
	MaxDistance int    `yaml:"max_distance"`
}

func (c ClusterConfig) ParseWindow() time.Duration {
	return parseDuration(c.Window, 7*24*time.Hour)
}

// ReviewConfig configures the Discord review channel.
type ReviewConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	BotToken   string `yaml:"bot_token"`
	ChannelID  string `yaml:"channel_id"`
	APIBase    string `yaml:"api_base"`
	MaxAge     string `yaml:"max_age"`
}

func (r ReviewConfig) ParseMaxAge() time.Duration {
	return parseDuration(r.MaxAge, 24*time.Hour)
}

// PublishConfig configures the publish handoff.
type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DryRun    bool   `yaml:"dry_run"`
	Command   string `yaml:"command"`
	Timeout   string `yaml:"timeout"`
	StatusURL string `yaml:"status_url"`
}

func (p PublishConfig) ParseTimeout() time.Duration {
	return parseDuration(p.Timeout, 30*time.Second)
}

// MaintenanceConfig configures archival and purging.
type MaintenanceConfig struct {
	DraftArchiveDays   int    `yaml:"draft_archive_days"`
	ClusterPurgeDays   int    `yaml:"cluster_purge_days"`
	RejectedRetention  string `yaml:"rejected_retention"`
	PublishedRetention string `yaml:"published_retention"`
	ArchiveDir         string `yaml:"archive_dir"`
}

// HealthConfig configures failure tracking.
type HealthConfig struct {
	Window    string `yaml:"window"`
	Threshold int    `yaml:"threshold"`
}

func (h HealthConfig) ParseWindow() time.Duration {
	return parseDuration(h.Window, time.Hour)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
	NATS    NATSConfig    `yaml:"nats"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// NATSConfig for publishing alerts to NATS.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	pol := policy.DefaultConfig()
	return &Config{
		Environment: "production",
		LogLevel:    "info",
		Database: DatabaseConfig{
			Path:      "./newsledger.db",
			StatePath: "./ledger.json",
		},
		Schedule: ScheduleConfig{
			CollectInterval:   "15m",
			ReconcileInterval: "15m",
			PublishInterval:   "5m",
			MaintainInterval:  "24h",
		},
		Sources: SourcesConfig{
			MaxAge: "24h",
			RSS:    RSSConfig{Enabled: true},
			Twitter: TwitterConfig{
				NitterURL: "https://nitter.net",
			},
		},
		Scoring: ScoringConfig{
			DefaultCredibility: 0.5,
			LLM: LLMConfig{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				Timeout:  "30s",
			},
		},
		Policy: PolicyConfig{
			DraftThreshold:     pol.DefaultThreshold,
			PriorityThresholds: pol.PriorityThresholds,
			DailyMaxDrafts:     pol.DailyMaxDrafts,
			ClusterCooldown:    "12h",
			DraftLookback:      "168h",
			DraftSimilarity:    pol.DraftSimilarity,
			DuplicateSuffix:    pol.DuplicateSuffix,
			Tiers:              pol.Tiers,
		},
		Cluster: ClusterConfig{Window: "168h", MaxDistance: 8},
		Review:  ReviewConfig{MaxAge: "24h"},
		Publish: PublishConfig{
			DryRun:    true,
			Timeout:   "30s",
			StatusURL: "https://x.com/i/status/%s",
		},
		Maintenance: MaintenanceConfig{
			DraftArchiveDays:   7,
			ClusterPurgeDays:   60,
			RejectedRetention:  "24h",
			PublishedRetention: "72h",
			ArchiveDir:         "./archives",
		},
		Health: HealthConfig{Window: "1h", Threshold: 3},
		Alerts: AlertsConfig{
			NATS: NATSConfig{Subject: "newsledger.alerts"},
		},
		Server: ServerConfig{Port: 8080},
	}
}

// Env holds settings read from NEWSLEDGER_* environment variables. Empty
// values leave the file configuration alone.
type Env struct {
	Environment         string `envconfig:"ENVIRONMENT"`
	LogLevel            string `envconfig:"LOG_LEVEL"`
	DBPath              string `envconfig:"DB_PATH"`
	StatePath           string `envconfig:"STATE_PATH"`
	ReviewWebhookURL    string `envconfig:"REVIEW_WEBHOOK_URL"`
	ReviewBotToken      string `envconfig:"REVIEW_BOT_TOKEN"`
	ReviewChannelID     string `envconfig:"REVIEW_CHANNEL_ID"`
	PublishCommand      string `envconfig:"PUBLISH_COMMAND"`
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY"`
	AnthropicAPIKey     string `envconfig:"ANTHROPIC_API_KEY"`
	SlackWebhookURL     string `envconfig:"SLACK_WEBHOOK_URL"`
	AlertDiscordWebhook string `envconfig:"ALERT_DISCORD_WEBHOOK_URL"`
	AlertWebhookURL     string `envconfig:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret  string `envconfig:"ALERT_WEBHOOK_SECRET"`
	NATSURL             string `envconfig:"NATS_URL"`
	Port                int    `envconfig:"PORT"`
}

// Load reads configuration from a YAML file, loads envFile if it exists and
// applies NEWSLEDGER_* overrides. Variables already set in the environment
// win over the env file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var env Env
	if err := envconfig.Process("newsledger", &env); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	env.apply(cfg)
	return cfg, nil
}

func (e Env) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Environment, e.Environment)
	set(&cfg.LogLevel, e.LogLevel)
	set(&cfg.Database.Path, e.DBPath)
	set(&cfg.Database.StatePath, e.StatePath)
	set(&cfg.Review.WebhookURL, e.ReviewWebhookURL)
	set(&cfg.Review.BotToken, e.ReviewBotToken)
	set(&cfg.Review.ChannelID, e.ReviewChannelID)
	set(&cfg.Publish.Command, e.PublishCommand)
	set(&cfg.Alerts.Webhook.Secret, e.AlertWebhookSecret)

	if e.OpenAIAPIKey != "" {
		cfg.Scoring.LLM.APIKey = e.OpenAIAPIKey
		cfg.Scoring.LLM.Enabled = true
		cfg.Scoring.LLM.Provider = "openai"
	}
	if e.AnthropicAPIKey != "" {
		cfg.Scoring.LLM.APIKey = e.AnthropicAPIKey
		cfg.Scoring.LLM.Enabled = true
		cfg.Scoring.LLM.Provider = "anthropic"
	}
	if e.SlackWebhookURL != "" {
		cfg.Alerts.Slack.WebhookURL = e.SlackWebhookURL
		cfg.Alerts.Slack.Enabled = true
	}
	if e.AlertDiscordWebhook != "" {
		cfg.Alerts.Discord.WebhookURL = e.AlertDiscordWebhook
		cfg.Alerts.Discord.Enabled = true
	}
	if e.AlertWebhookURL != "" {
		cfg.Alerts.Webhook.URL = e.AlertWebhookURL
		cfg.Alerts.Webhook.Enabled = true
	}
	if e.NATSURL != "" {
		cfg.Alerts.NATS.URL = e.NATSURL
		cfg.Alerts.NATS.Enabled = true
	}
	if e.Port != 0 {
		cfg.Server.Port = e.Port
	}
}

// Validate checks that every enabled feature has what it needs.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, name string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrMissing))
		}
	}
	present := func(s string) bool { return strings.TrimSpace(s) != "" }

	require(present(c.Database.Path), "database.path")
	require(present(c.Database.StatePath), "database.state_path")
	if c.Review.Enabled {
		require(present(c.Review.WebhookURL), "review.webhook_url")
		require(present(c.Review.BotToken), "review.bot_token")
		require(present(c.Review.ChannelID), "review.channel_id")
	}
	if c.Publish.Enabled && !c.Publish.DryRun {
		require(present(c.Publish.Command), "publish.command")
	}
	if c.Scoring.LLM.Enabled {
		require(present(c.Scoring.LLM.APIKey), "scoring.llm.api_key")
	}
	if c.Alerts.NATS.Enabled {
		require(present(c.Alerts.NATS.URL), "alerts.nats.url")
	}
	if c.Sources.RSS.Enabled {
		for i, f := range c.Sources.RSS.Feeds {
			require(present(f.Name) && present(f.URL), fmt.Sprintf("sources.rss.feeds[%d]", i))
		}
	}

	durations := map[string]string{
		"schedule.collect_interval":       c.Schedule.CollectInterval,
		"schedule.reconcile_interval":     c.Schedule.ReconcileInterval,
		"schedule.publish_interval":       c.Schedule.PublishInterval,
		"schedule.maintain_interval":      c.Schedule.MaintainInterval,
		"sources.max_age":                 c.Sources.MaxAge,
		"scoring.llm.timeout":             c.Scoring.LLM.Timeout,
		"policy.cluster_cooldown":         c.Policy.ClusterCooldown,
		"policy.draft_lookback":           c.Policy.DraftLookback,
		"cluster.window":                  c.Cluster.Window,
		"review.max_age":                  c.Review.MaxAge,
		"publish.timeout":                 c.Publish.Timeout,
		"maintenance.rejected_retention":  c.Maintenance.RejectedRetention,
		"maintenance.published_retention": c.Maintenance.PublishedRetention,
		"health.window":                   c.Health.Window,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
		}
	}

	return errors.Join(errs...)
}

// Retention returns the rejected and published retention windows.
func (m MaintenanceConfig) Retention() (rejected, published time.Duration) {
	return parseDuration(m.RejectedRetention, 24*time.Hour), parseDuration(m.PublishedRetention, 72*time.Hour)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
