// Package httpapi is the end-user HTTP surface: session exchange, wallet and generation jobs.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/identity"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout     = 10 * time.Second
	defaultWalletHistoryLimit = 20
	maxWalletHistoryLimit     = 200
	defaultRatePerSecond      = 2
	defaultRateBurst          = 10
	maxRequestBodyBytes       = 64 << 10

	idempotencyKeyHeader = "Idempotency-Key"
)

// Ledger is the part of the ledger the API reads from.
type Ledger interface {
	EnsureAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, bool, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
	ListEntries(ctx context.Context, accountID ledger.AccountID, beforeEntryID int64, limit int) ([]ledger.Entry, error)
}

// Jobs is the job surface the API drives.
type Jobs interface {
	Submit(ctx context.Context, request jobs.SubmitRequest) (jobs.JobView, error)
	Get(ctx context.Context, accountID int64, jobID string) (jobs.JobView, error)
	List(ctx context.Context, accountID int64, limit int) ([]jobs.JobView, error)
	Cancel(ctx context.Context, accountID int64, jobID string) (jobs.JobView, error)
	OpenArtifact(ctx context.Context, accountID int64, jobID string) (io.ReadCloser, string, error)
}

// PayloadVerifier checks signed launch payloads.
type PayloadVerifier interface {
	Assertion(rawPayload string) (identity.Identity, error)
}

// Sessions mints and validates bearer tokens.
type Sessions interface {
	Issue(accountID int64) (identity.Session, error)
	Parse(rawToken string) (int64, error)
}

// Config tunes the router.
type Config struct {
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	RatePerSecond      float64
	RateBurst          int
	WalletHistoryLimit int
}

// Dependencies are the collaborators behind the routes. Middleware and MetricsHandler are optional.
type Dependencies struct {
	Verifier       PayloadVerifier
	Sessions       Sessions
	Ledger         Ledger
	Jobs           Jobs
	Logger         *zap.Logger
	Middleware     []gin.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter validates its inputs and builds the gin engine.
func NewRouter(config Config, dependencies Dependencies) (*gin.Engine, error) {
	if dependencies.Verifier == nil || dependencies.Sessions == nil || dependencies.Ledger == nil || dependencies.Jobs == nil {
		return nil, errors.New("httpapi: verifier, sessions, ledger and jobs are required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = defaultRatePerSecond
	}
	if config.RateBurst <= 0 {
		config.RateBurst = defaultRateBurst
	}
	if config.WalletHistoryLimit <= 0 {
		config.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:       logger.Named("http"),
		verifier:     dependencies.Verifier,
		sessions:     dependencies.Sessions,
		ledger:       dependencies.Ledger,
		jobs:         dependencies.Jobs,
		cfg:          config,
		limiters:     newAccountLimiters(rate.Limit(config.RatePerSecond), config.RateBurst),
		requestClock: time.Now,
	}
	return setupRouter(config, handler, dependencies), nil
}

func setupRouter(config Config, handler *httpHandler, dependencies Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(dependencies.Middleware...)
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  config.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Content-Type", "Origin", "Accept", "Authorization", initDataHeader, idempotencyKeyHeader},
			ExposeHeaders: []string{"Content-Disposition"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if dependencies.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(dependencies.MetricsHandler))
	}

	router.POST("/api/session", handler.handleSession)

	api := router.Group("/api")
	api.Use(handler.authenticate, handler.rateLimit)
	api.GET("/wallet", handler.handleWallet)
	api.POST("/jobs", handler.handleSubmitJob)
	api.GET("/jobs", handler.handleListJobs)
	api.GET("/jobs/:id", handler.handleGetJob)
	api.POST("/jobs/:id/cancel", handler.handleCancelJob)
	api.GET("/jobs/:id/artifact", handler.handleArtifact)

	return router
}

type httpHandler struct {
	logger       *zap.Logger
	verifier     PayloadVerifier
	sessions     Sessions
	ledger       Ledger
	jobs         Jobs
	cfg          Config
	limiters     *accountLimiters
	requestClock func() time.Time
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	rawPayload := launchPayload(ctx.Request)
	if rawPayload == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing launch payload"))
		return
	}
	verified, err := handler.verifier.Assertion(rawPayload)
	if err != nil {
		handler.logger.Info("launch payload rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "launch payload rejected"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	_, created, err := handler.ledger.EnsureAccount(requestCtx, ledger.AccountID(verified.AccountID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	session, err := handler.sessions.Issue(verified.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"token":            session.Token,
		"expires_unix_utc": session.ExpiresAt.Unix(),
		"account_id":       verified.AccountID,
		"username":         verified.Username,
		"first_name":       verified.FirstName,
		"created":          created,
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID := currentAccount(ctx)
	limit, err := queryInt(ctx, "limit", handler.cfg.WalletHistoryLimit)
	if err != nil || limit <= 0 || limit > maxWalletHistoryLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be within 1..%d", maxWalletHistoryLimit)))
		return
	}
	before, err := queryInt(ctx, "before", 0)
	if err != nil || before < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cursor", "before must be a non-negative entry id"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, ledger.AccountID(accountID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.ledger.ListEntries(requestCtx, ledger.AccountID(accountID), int64(before), limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := walletResponse{
		AccountID: accountID,
		Balance:   balancePayload{Available: balance.Available.Int64(), Reserved: balance.Reserved.Int64()},
		Entries:   make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, entryPayload{
			EntryID:        entry.EntryID,
			Kind:           entry.Kind.String(),
			Delta:          entry.Delta.Int64(),
			JobID:          entry.JobID,
			Note:           entry.Note,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	if len(entries) == limit {
		payload.NextBefore = entries[len(entries)-1].EntryID
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleSubmitJob(ctx *gin.Context) {
	var request submitJobRequest
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxRequestBodyBytes)
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with kind and prompt"))
		return
	}
	jobID := strings.TrimSpace(request.JobID)
	if jobID == "" {
		jobID = strings.TrimSpace(ctx.GetHeader(idempotencyKeyHeader))
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	view, err := handler.jobs.Submit(requestCtx, jobs.SubmitRequest{
		JobID:     jobID,
		AccountID: currentAccount(ctx),
		Kind:      request.Kind,
		Prompt:    request.Prompt,
		Params:    request.Params,
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		response := errorResponse("insufficient_funds", "balance does not cover the job cost")
		response["job"] = view
		ctx.JSON(http.StatusPaymentRequired, response)
		return
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if view.Duplicate {
		ctx.JSON(http.StatusOK, view)
		return
	}
	ctx.Header("Location", "/api/jobs/"+view.JobID)
	ctx.JSON(http.StatusAccepted, view)
}

func (handler *httpHandler) handleListJobs(ctx *gin.Context) {
	limit, err := queryInt(ctx, "limit", 0)
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	views, err := handler.jobs.List(requestCtx, currentAccount(ctx), limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": views})
}

func (handler *httpHandler) handleGetJob(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	view, err := handler.jobs.Get(requestCtx, currentAccount(ctx), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (handler *httpHandler) handleCancelJob(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	view, err := handler.jobs.Cancel(requestCtx, currentAccount(ctx), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (handler *httpHandler) handleArtifact(ctx *gin.Context) {
	reader, contentType, err := handler.jobs.OpenArtifact(ctx.Request.Context(), currentAccount(ctx), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	defer reader.Close()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ctx.DataFromReader(http.StatusOK, -1, contentType, reader, map[string]string{
		"Cache-Control": "private, max-age=3600",
	})
}

func queryInt(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

type submitJobRequest struct {
	JobID  string         `json:"job_id"`
	Kind   string         `json:"kind" binding:"required"`
	Prompt string         `json:"prompt" binding:"required"`
	Params map[string]any `json:"params"`
}

type walletResponse struct {
	AccountID  int64          `json:"account_id"`
	Balance    balancePayload `json:"balance"`
	Entries    []entryPayload `json:"entries"`
	NextBefore int64          `json:"next_before,omitempty"`
}

type balancePayload struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
}

type entryPayload struct {
	EntryID        int64  `json:"entry_id"`
	Kind           string `json:"kind"`
	Delta          int64  `json:"delta"`
	JobID          string `json:"job_id,omitempty"`
	Note           string `json:"note,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
