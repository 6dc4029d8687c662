// Package logging builds the process logger and adapts it to the ledger and job hooks.
package logging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
}

// New returns a production zap logger at the requested level; format is json (default) or console.
func New(options Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(options.Level); trimmed != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(trimmed))); err != nil {
			return nil, fmt.Errorf("log level: unsupported value %q", options.Level)
		}
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	switch strings.ToLower(strings.TrimSpace(options.Format)) {
	case "", "json":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", options.Format)
	}
	return config.Build()
}

// LedgerLogger implements ledger.OperationLogger.
type LedgerLogger struct {
	logger *zap.Logger
}

// NewLedgerLogger falls back to a no-op logger when logger is nil.
func NewLedgerLogger(logger *zap.Logger) *LedgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerLogger{logger: logger.Named("ledger")}
}

// LogOperation logs successes at debug, expected refusals at info and everything else at error.
func (ledgerLogger *LedgerLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int64("account_id", entry.AccountID.Int64()),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if !entry.JobID.IsZero() {
		fields = append(fields, zap.String("job_id", entry.JobID.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	switch {
	case entry.Error == nil:
		ledgerLogger.logger.Debug("ledger operation", fields...)
	case isRoutineRefusal(entry.Error):
		ledgerLogger.logger.Info("ledger operation refused", append(fields, zap.Error(entry.Error))...)
	default:
		ledgerLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	}
}

func isRoutineRefusal(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrDuplicateReservation) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey)
}

// JobLogger implements jobs.EventLogger.
type JobLogger struct {
	logger *zap.Logger
}

// NewJobLogger falls back to a no-op logger when logger is nil.
func NewJobLogger(logger *zap.Logger) *JobLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobLogger{logger: logger.Named("jobs")}
}

// LogTransition logs status changes at info. Errors that leave the status unchanged are warnings,
// and ledger invariant breaches are errors.
func (jobLogger *JobLogger) LogTransition(_ context.Context, transition jobs.Transition) {
	fields := []zap.Field{
		zap.String("job_id", transition.JobID),
		zap.Int64("account_id", transition.AccountID),
		zap.String("kind", transition.Kind.String()),
		zap.String("from", transition.From.String()),
		zap.String("to", transition.To.String()),
	}
	if transition.Code != jobs.CodeNone {
		fields = append(fields, zap.String("code", string(transition.Code)))
	}
	if transition.Elapsed > 0 {
		fields = append(fields, zap.Duration("elapsed", transition.Elapsed))
	}
	if transition.Err != nil {
		fields = append(fields, zap.Error(transition.Err))
	}
	switch {
	case transition.Code == jobs.CodeLedgerInvariant || errors.Is(transition.Err, ledger.ErrLedgerInvariantViolation):
		jobLogger.logger.Error("ledger invariant violated", fields...)
	case transition.From == transition.To && transition.Err != nil:
		jobLogger.logger.Warn("job incident", fields...)
	default:
		jobLogger.logger.Info("job transition", fields...)
	}
}

// CronLogger implements cron.Logger on top of zap.
type CronLogger struct {
	logger *zap.SugaredLogger
}

// NewCronLogger falls back to a no-op logger when logger is nil.
func NewCronLogger(logger *zap.Logger) *CronLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronLogger{logger: logger.Named("scheduler").Sugar()}
}

// Info reports routine scheduler activity at debug level.
func (cronLogger *CronLogger) Info(message string, keysAndValues ...any) {
	cronLogger.logger.Debugw(message, keysAndValues...)
}

func (cronLogger *CronLogger) Error(err error, message string, keysAndValues ...any) {
	cronLogger.logger.Errorw(message, append(keysAndValues, "error", err)...)
}
