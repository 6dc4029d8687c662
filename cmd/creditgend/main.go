package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/gemini"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/imagen"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/restclient"
	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/veo"
	"github.com/MarkoPoloResearchLab/creditgen/internal/daemon"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/identity"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagDatabaseURL       = "database-url"
	flagLogLevel          = "log-level"
	flagLogFormat         = "log-format"
	flagBotToken          = "bot-token"
	flagInitDataMaxAge    = "init-data-max-age"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionTTL        = "session-ttl"
	flagAdminToken        = "admin-token"
	flagAllowedOrigins    = "allowed-origins"
	flagRequestTimeout    = "request-timeout"
	flagRatePerSecond     = "rate-per-second"
	flagRateBurst         = "rate-burst"
	flagTrialCredits      = "trial-credits"
	flagCostText          = "cost-text"
	flagCostImage         = "cost-image"
	flagCostVideo         = "cost-video"
	flagDeadlineText      = "deadline-text"
	flagDeadlineImage     = "deadline-image"
	flagDeadlineVideo     = "deadline-video"
	flagPollInterval      = "poll-interval"
	flagMaxJobsPerAccount = "max-jobs-per-account"
	flagMaxJobsTotal      = "max-jobs-total"
	flagJobRetention      = "job-retention"
	flagJobLeaseTTL       = "job-lease-ttl"
	flagPurgeSchedule     = "purge-schedule"
	flagBackend           = "backend"
	flagSimulatedLatency  = "simulated-latency"
	flagGeminiAPIKey      = "gemini-api-key"
	flagGeminiBaseURL     = "gemini-base-url"
	flagTextModel         = "text-model"
	flagImageModel        = "image-model"
	flagVideoModel        = "video-model"
	flagMaxBackendCalls   = "max-backend-calls"
	flagArtifactDir       = "artifact-dir"
	flagGCSBucket         = "gcs-bucket"
	flagGCSPrefix         = "gcs-prefix"
	flagRedisURL          = "redis-url"
	flagShutdownTimeout   = "shutdown-timeout"
	envPrefix             = "CREDITGEN"
)

var configFlags = []string{
	flagHTTPListenAddr, flagGRPCListenAddr, flagDatabaseURL, flagLogLevel, flagLogFormat,
	flagBotToken, flagInitDataMaxAge, flagSessionSigningKey, flagSessionIssuer, flagSessionTTL, flagAdminToken,
	flagAllowedOrigins, flagRequestTimeout, flagRatePerSecond, flagRateBurst,
	flagTrialCredits, flagCostText, flagCostImage, flagCostVideo, flagDeadlineText, flagDeadlineImage, flagDeadlineVideo,
	flagPollInterval, flagMaxJobsPerAccount, flagMaxJobsTotal, flagJobRetention, flagJobLeaseTTL, flagPurgeSchedule,
	flagBackend, flagSimulatedLatency, flagGeminiAPIKey, flagGeminiBaseURL, flagTextModel, flagImageModel, flagVideoModel,
	flagMaxBackendCalls, flagArtifactDir, flagGCSBucket, flagGCSPrefix, flagRedisURL, flagShutdownTimeout,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditgend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := daemon.Config{}
	cmd := &cobra.Command{
		Use:           "creditgend",
		Short:         "Credit-metered generation job dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "operator gRPC listen address")
	flags.String(flagDatabaseURL, "sqlite:///tmp/creditgen.db", "postgres:// URL or sqlite path")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(flagLogFormat, "json", "log format (json or console)")
	flags.String(flagBotToken, "", "bot token that signs launch payloads (required)")
	flags.Duration(flagInitDataMaxAge, identity.DefaultMaxAge, "maximum launch payload age, 0 disables the check")
	flags.String(flagSessionSigningKey, "", "HS256 key for session tokens, at least 16 bytes (required)")
	flags.String(flagSessionIssuer, identity.DefaultSessionIssuer, "session token issuer")
	flags.Duration(flagSessionTTL, identity.DefaultSessionTTL, "session token lifetime")
	flags.String(flagAdminToken, "", "shared secret required by the operator gRPC API")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 10*time.Second, "per-request timeout for HTTP handlers")
	flags.Float64(flagRatePerSecond, 2, "per-account request rate")
	flags.Int(flagRateBurst, 10, "per-account request burst")
	flags.Int64(flagTrialCredits, 10, "credits granted to new accounts")
	flags.Int64(flagCostText, 1, "credits charged per text job")
	flags.Int64(flagCostImage, 2, "credits charged per image job")
	flags.Int64(flagCostVideo, 5, "credits charged per video job")
	flags.Duration(flagDeadlineText, 2*time.Minute, "deadline for text jobs")
	flags.Duration(flagDeadlineImage, 3*time.Minute, "deadline for image jobs")
	flags.Duration(flagDeadlineVideo, 10*time.Minute, "deadline for video jobs")
	flags.Duration(flagPollInterval, 10*time.Second, "interval between backend polls")
	flags.Int(flagMaxJobsPerAccount, 2, "concurrent jobs allowed per account")
	flags.Int(flagMaxJobsTotal, 64, "concurrent jobs allowed in this process")
	flags.Duration(flagJobRetention, 30*24*time.Hour, "how long finished jobs are kept")
	flags.Duration(flagJobLeaseTTL, 0, "how long a stopped instance keeps its jobs before another one adopts them (0 derives it from the poll interval)")
	flags.String(flagPurgeSchedule, "@every 1h", "cron schedule of the retention janitor")
	flags.String(flagBackend, daemon.BackendSimulated, "generation backend (simulated or gemini)")
	flags.Duration(flagSimulatedLatency, 3*time.Second, "latency of the simulated backend")
	flags.String(flagGeminiAPIKey, "", "Generative Language API key")
	flags.String(flagGeminiBaseURL, restclient.DefaultBaseURL, "Generative Language API root")
	flags.String(flagTextModel, gemini.DefaultModel, "text model")
	flags.String(flagImageModel, imagen.DefaultModel, "image model")
	flags.String(flagVideoModel, veo.DefaultModel, "video model")
	flags.Int(flagMaxBackendCalls, 4, "concurrent blocking backend calls per kind")
	flags.String(flagArtifactDir, "/tmp/creditgen-artifacts", "directory for artifacts when no bucket is set")
	flags.String(flagGCSBucket, "", "Cloud Storage bucket for artifacts")
	flags.String(flagGCSPrefix, "", "object name prefix inside the bucket")
	flags.String(flagRedisURL, "", "redis address or URL for cross-instance account locks")
	flags.Duration(flagShutdownTimeout, 30*time.Second, "grace period for running jobs on shutdown")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *daemon.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	*cfg = daemon.Config{
		HTTPListenAddr:    v.GetString(flagHTTPListenAddr),
		GRPCListenAddr:    v.GetString(flagGRPCListenAddr),
		DatabaseURL:       v.GetString(flagDatabaseURL),
		LogLevel:          v.GetString(flagLogLevel),
		LogFormat:         v.GetString(flagLogFormat),
		BotToken:          v.GetString(flagBotToken),
		InitDataMaxAge:    v.GetDuration(flagInitDataMaxAge),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     v.GetString(flagSessionIssuer),
		SessionTTL:        v.GetDuration(flagSessionTTL),
		AdminToken:        v.GetString(flagAdminToken),
		AllowedOrigins:    daemon.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		RatePerSecond:     v.GetFloat64(flagRatePerSecond),
		RateBurst:         v.GetInt(flagRateBurst),
		TrialCredits:      v.GetInt64(flagTrialCredits),
		Costs: map[jobs.Kind]int64{
			jobs.KindText:  v.GetInt64(flagCostText),
			jobs.KindImage: v.GetInt64(flagCostImage),
			jobs.KindVideo: v.GetInt64(flagCostVideo),
		},
		Deadlines: map[jobs.Kind]time.Duration{
			jobs.KindText:  v.GetDuration(flagDeadlineText),
			jobs.KindImage: v.GetDuration(flagDeadlineImage),
			jobs.KindVideo: v.GetDuration(flagDeadlineVideo),
		},
		PollInterval:      v.GetDuration(flagPollInterval),
		MaxJobsPerAccount: v.GetInt(flagMaxJobsPerAccount),
		MaxJobsTotal:      v.GetInt(flagMaxJobsTotal),
		JobRetention:      v.GetDuration(flagJobRetention),
		JobLeaseTTL:       v.GetDuration(flagJobLeaseTTL),
		PurgeSchedule:     v.GetString(flagPurgeSchedule),
		Backend:           v.GetString(flagBackend),
		SimulatedLatency:  v.GetDuration(flagSimulatedLatency),
		GeminiAPIKey:      v.GetString(flagGeminiAPIKey),
		GeminiBaseURL:     v.GetString(flagGeminiBaseURL),
		TextModel:         v.GetString(flagTextModel),
		ImageModel:        v.GetString(flagImageModel),
		VideoModel:        v.GetString(flagVideoModel),
		MaxBackendCalls:   v.GetInt(flagMaxBackendCalls),
		ArtifactDir:       v.GetString(flagArtifactDir),
		GCSBucket:         v.GetString(flagGCSBucket),
		GCSPrefix:         v.GetString(flagGCSPrefix),
		RedisURL:          v.GetString(flagRedisURL),
		ShutdownTimeout:   v.GetDuration(flagShutdownTimeout),
	}
	return cfg.Validate()
}
