package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/robfig/cron/v3"
)

const (
	BackendSimulated = "simulated"
	BackendGemini    = "gemini"

	defaultHTTPListenAddr     = ":8080"
	defaultGRPCListenAddr     = ":7000"
	defaultDatabaseURL        = "sqlite:///tmp/creditgen.db"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultArtifactDir        = "/tmp/creditgen-artifacts"
	defaultTrialCredits int64 = 10
	defaultTextCost     int64 = 1
	defaultImageCost    int64 = 2
	defaultVideoCost    int64 = 5
	defaultTextDeadline       = 2 * time.Minute
	defaultImageDeadline      = 3 * time.Minute
	defaultVideoDeadline      = 10 * time.Minute
	defaultPollInterval       = 10 * time.Second
	defaultMaxJobsPerAccount  = 2
	defaultMaxJobsTotal       = 64
	defaultJobRetention       = 30 * 24 * time.Hour
	defaultPurgeSchedule      = "@every 1h"
	defaultSimulatedLatency   = 3 * time.Second
	defaultMaxBackendCalls    = 4
	defaultShutdownTimeout    = 30 * time.Second
)

// Config aggregates runtime settings for the daemon.
type Config struct {
	HTTPListenAddr string
	GRPCListenAddr string
	DatabaseURL    string
	LogLevel       string
	LogFormat      string

	BotToken          string
	InitDataMaxAge    time.Duration
	SessionSigningKey string
	SessionIssuer     string
	SessionTTL        time.Duration
	AdminToken        string

	AllowedOrigins []string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int

	TrialCredits      int64
	Costs             map[jobs.Kind]int64
	Deadlines         map[jobs.Kind]time.Duration
	PollInterval      time.Duration
	MaxJobsPerAccount int
	MaxJobsTotal      int
	JobRetention      time.Duration
	JobLeaseTTL       time.Duration
	PurgeSchedule     string

	Backend          string
	SimulatedLatency time.Duration
	GeminiAPIKey     string
	GeminiBaseURL    string
	TextModel        string
	ImageModel       string
	VideoModel       string
	MaxBackendCalls  int

	ArtifactDir string
	GCSBucket   string
	GCSPrefix   string

	RedisURL string

	ShutdownTimeout time.Duration
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Backend = strings.ToLower(defaultIfEmpty(cfg.Backend, BackendSimulated))
	cfg.PurgeSchedule = defaultIfEmpty(cfg.PurgeSchedule, defaultPurgeSchedule)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if strings.TrimSpace(cfg.GCSBucket) == "" {
		cfg.ArtifactDir = defaultIfEmpty(cfg.ArtifactDir, defaultArtifactDir)
	}
	if cfg.TrialCredits == 0 {
		cfg.TrialCredits = defaultTrialCredits
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxJobsPerAccount <= 0 {
		cfg.MaxJobsPerAccount = defaultMaxJobsPerAccount
	}
	if cfg.MaxJobsTotal <= 0 {
		cfg.MaxJobsTotal = defaultMaxJobsTotal
	}
	if cfg.JobRetention == 0 {
		cfg.JobRetention = defaultJobRetention
	}
	if cfg.SimulatedLatency <= 0 {
		cfg.SimulatedLatency = defaultSimulatedLatency
	}
	if cfg.MaxBackendCalls <= 0 {
		cfg.MaxBackendCalls = defaultMaxBackendCalls
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.Costs = withDefaults(cfg.Costs, map[jobs.Kind]int64{
		jobs.KindText:  defaultTextCost,
		jobs.KindImage: defaultImageCost,
		jobs.KindVideo: defaultVideoCost,
	})
	cfg.Deadlines = withDefaults(cfg.Deadlines, map[jobs.Kind]time.Duration{
		jobs.KindText:  defaultTextDeadline,
		jobs.KindImage: defaultImageDeadline,
		jobs.KindVideo: defaultVideoDeadline,
	})

	if strings.TrimSpace(cfg.BotToken) == "" {
		return fmt.Errorf("bot token is required")
	}
	if len(cfg.SessionSigningKey) < 16 {
		return fmt.Errorf("session signing key must be at least 16 bytes")
	}
	if cfg.JobLeaseTTL < 0 {
		return fmt.Errorf("job lease ttl must not be negative")
	}
	if cfg.InitDataMaxAge < 0 {
		return fmt.Errorf("init data max age must not be negative")
	}
	if cfg.TrialCredits < 0 {
		return fmt.Errorf("trial credits must not be negative")
	}
	if cfg.JobRetention < 0 {
		return fmt.Errorf("job retention must not be negative")
	}
	for kind, cost := range cfg.Costs {
		if cost <= 0 {
			return fmt.Errorf("cost for %s must be positive", kind)
		}
	}
	for kind, deadline := range cfg.Deadlines {
		if deadline <= 0 {
			return fmt.Errorf("deadline for %s must be positive", kind)
		}
	}
	if cfg.MaxJobsPerAccount > cfg.MaxJobsTotal {
		return fmt.Errorf("max jobs per account %d exceeds system limit %d", cfg.MaxJobsPerAccount, cfg.MaxJobsTotal)
	}
	if _, err := cron.ParseStandard(cfg.PurgeSchedule); err != nil {
		return fmt.Errorf("purge schedule: %w", err)
	}
	switch cfg.Backend {
	case BackendSimulated:
	case BackendGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return fmt.Errorf("gemini api key is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func withDefaults[V comparable](values map[jobs.Kind]V, defaults map[jobs.Kind]V) map[jobs.Kind]V {
	var zero V
	merged := make(map[jobs.Kind]V, len(defaults))
	for kind, fallback := range defaults {
		merged[kind] = fallback
		if value, present := values[kind]; present && value != zero {
			merged[kind] = value
		}
	}
	return merged
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
