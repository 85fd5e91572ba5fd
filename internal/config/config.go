// Package config loads the engine configuration from YAML with an
// environment overlay. The loaded Config is immutable after startup;
// changing limits or thresholds means restarting with a new version,
// never mutating shared state in place.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// Config holds all configuration for the broadcast engine. Each section
// is an independently-owned aggregate injected into the component that
// needs it.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Redis      RedisConfig            `yaml:"redis"`
	Channels   []domain.ChannelConfig `yaml:"channels"`
	Transports TransportConfig        `yaml:"transports"`
	RateLimits RateLimitConfig        `yaml:"rate_limits"`
	Approval   ApprovalConfig         `yaml:"approval"`
	Dispatch   DispatchConfig         `yaml:"dispatch"`
	Automation AutomationConfig       `yaml:"automation"`
	ABTest     ABTestConfig           `yaml:"ab_test"`
	Compliance ComplianceConfig       `yaml:"compliance"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for rate limiting and
// distributed locks. Empty URL disables Redis; locks fall back to
// PostgreSQL advisory locks and rate limiting refuses to start.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TransportConfig holds the external gateway endpoints, one per channel.
type TransportConfig struct {
	EmailGatewayURL    string `yaml:"email_gateway_url"`
	WhatsAppGatewayURL string `yaml:"whatsapp_gateway_url"`
	SMSGatewayURL      string `yaml:"sms_gateway_url"`
	SocialGatewayURL   string `yaml:"social_gateway_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request gateway timeout.
func (c TransportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChannelCaps bounds messages per window for one channel. Windows are
// wall-clock aligned, not sliding.
type ChannelCaps struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// RateLimitConfig holds per-channel caps.
type RateLimitConfig struct {
	Email    ChannelCaps `yaml:"email"`
	WhatsApp ChannelCaps `yaml:"whatsapp"`
	SMS      ChannelCaps `yaml:"sms"`
	Social   ChannelCaps `yaml:"social"`
}

// Caps returns the caps for a channel.
func (c RateLimitConfig) Caps(ch domain.Channel) ChannelCaps {
	switch ch {
	case domain.ChannelEmail:
		return c.Email
	case domain.ChannelWhatsApp:
		return c.WhatsApp
	case domain.ChannelSMS:
		return c.SMS
	case domain.ChannelSocial:
		return c.Social
	}
	return ChannelCaps{}
}

// ApproverMapping grants one approver authority over a set of categories.
type ApproverMapping struct {
	ApproverID string            `yaml:"approver_id"`
	Categories []domain.Category `yaml:"categories"`
}

// ApprovalConfig holds the budget tiers and approver authority mapping.
// Broadcasts of an always-approve category, or whose estimated cost meets
// the tier threshold, require approval before scheduling.
type ApprovalConfig struct {
	AlwaysApprove  []domain.Category          `yaml:"always_approve"`
	TierThresholds map[string]float64         `yaml:"tier_thresholds"` // low/mid/high -> cost
	GatingTier     string                     `yaml:"gating_tier"`
	UnitCosts      map[domain.Channel]float64 `yaml:"unit_costs"`
	Approvers      []ApproverMapping          `yaml:"approvers"`
}

// GatingThreshold returns the cost above which approval is mandatory.
func (c ApprovalConfig) GatingThreshold() float64 {
	if t, ok := c.TierThresholds[c.GatingTier]; ok {
		return t
	}
	return c.TierThresholds["high"]
}

// DispatchConfig tunes the dispatcher worker pools and retry policy.
type DispatchConfig struct {
	WorkersPerChannel  map[domain.Channel]int `yaml:"workers_per_channel"`
	ClaimBatchSize     int                    `yaml:"claim_batch_size"`
	PollIntervalMS     int                    `yaml:"poll_interval_ms"`
	MaxAttempts        int                    `yaml:"max_attempts"`
	CompletionTimeoutH int                    `yaml:"completion_timeout_hours"`
}

// PollInterval returns how often idle workers poll for pending rows.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CompletionTimeout returns the global per-broadcast dispatch deadline.
func (c DispatchConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutH) * time.Hour
}

// AutomationConfig tunes the rule engine.
type AutomationConfig struct {
	Enabled             bool   `yaml:"enabled"`
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	MaxParallelRules    int    `yaml:"max_parallel_rules"`
	Timezone            string `yaml:"timezone"`
}

// TickInterval returns the scheduler tick period.
func (c AutomationConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// ABTestConfig tunes winner evaluation.
type ABTestConfig struct {
	EvalIntervalMinutes int     `yaml:"eval_interval_minutes"`
	MinSampleSize       int     `yaml:"min_sample_size"`
	MinEffect           float64 `yaml:"min_effect"`
}

// EvalInterval returns how often running tests are re-evaluated.
func (c ABTestConfig) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalMinutes) * time.Minute
}

// ComplianceConfig holds regulator-mandated footer text appended to every
// rendered message, per channel.
type ComplianceConfig struct {
	EmailFooter string `yaml:"email_footer"`
	SMSFooter   string `yaml:"sms_footer"`
}

// FooterFor returns the compliance footer for a channel, empty when the
// channel has no mandated footer.
func (c ComplianceConfig) FooterFor(ch domain.Channel) string {
	switch ch {
	case domain.ChannelEmail:
		return c.EmailFooter
	case domain.ChannelSMS, domain.ChannelWhatsApp:
		return c.SMSFooter
	}
	return ""
}

// Load reads the YAML config at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads .env (if present) for secrets, then the YAML config.
// Environment variables override connection URLs so deployments never
// commit credentials into the config file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Transports.TimeoutSeconds == 0 {
		cfg.Transports.TimeoutSeconds = 30
	}

	if cfg.RateLimits.Email == (ChannelCaps{}) {
		cfg.RateLimits.Email = ChannelCaps{PerMinute: 100, PerHour: 1000, PerDay: 10000}
	}
	if cfg.RateLimits.WhatsApp == (ChannelCaps{}) {
		cfg.RateLimits.WhatsApp = ChannelCaps{PerMinute: 30, PerHour: 500, PerDay: 2000}
	}
	if cfg.RateLimits.SMS == (ChannelCaps{}) {
		cfg.RateLimits.SMS = ChannelCaps{PerMinute: 60, PerHour: 600, PerDay: 5000}
	}
	if cfg.RateLimits.Social == (ChannelCaps{}) {
		cfg.RateLimits.Social = ChannelCaps{PerMinute: 10, PerHour: 100, PerDay: 500}
	}

	if len(cfg.Approval.AlwaysApprove) == 0 {
		cfg.Approval.AlwaysApprove = []domain.Category{domain.CategoryOffer, domain.CategoryPromotion}
	}
	if cfg.Approval.TierThresholds == nil {
		cfg.Approval.TierThresholds = map[string]float64{
			"low":  100,
			"mid":  500,
			"high": 2000,
		}
	}
	if cfg.Approval.GatingTier == "" {
		cfg.Approval.GatingTier = "high"
	}
	if cfg.Approval.UnitCosts == nil {
		cfg.Approval.UnitCosts = map[domain.Channel]float64{
			domain.ChannelEmail:    0.001,
			domain.ChannelWhatsApp: 0.05,
			domain.ChannelSMS:      0.02,
			domain.ChannelSocial:   0,
		}
	}

	if cfg.Dispatch.WorkersPerChannel == nil {
		cfg.Dispatch.WorkersPerChannel = map[domain.Channel]int{
			domain.ChannelEmail:    4,
			domain.ChannelWhatsApp: 2,
			domain.ChannelSMS:      2,
			domain.ChannelSocial:   1,
		}
	}
	if cfg.Dispatch.ClaimBatchSize == 0 {
		cfg.Dispatch.ClaimBatchSize = 50
	}
	if cfg.Dispatch.PollIntervalMS == 0 {
		cfg.Dispatch.PollIntervalMS = 1000
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.CompletionTimeoutH == 0 {
		cfg.Dispatch.CompletionTimeoutH = 24
	}

	if cfg.Automation.TickIntervalSeconds == 0 {
		cfg.Automation.TickIntervalSeconds = 60
	}
	if cfg.Automation.MaxParallelRules == 0 {
		cfg.Automation.MaxParallelRules = 4
	}
	if cfg.Automation.Timezone == "" {
		cfg.Automation.Timezone = "Asia/Kolkata"
	}

	if cfg.ABTest.EvalIntervalMinutes == 0 {
		cfg.ABTest.EvalIntervalMinutes = 5
	}
	if cfg.ABTest.MinSampleSize == 0 {
		cfg.ABTest.MinSampleSize = 100
	}
	if cfg.ABTest.MinEffect == 0 {
		cfg.ABTest.MinEffect = 0.005
	}
}

func (cfg *Config) validate() error {
	for _, cc := range cfg.Channels {
		if !cc.Validate() {
			return fmt.Errorf("channel config for %q must populate exactly its own arm", cc.Channel)
		}
	}
	for _, m := range cfg.Approval.Approvers {
		if m.ApproverID == "" {
			return fmt.Errorf("approver mapping with empty approver_id")
		}
	}
	return nil
}
