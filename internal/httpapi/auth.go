package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	accountContextKey = "account_id"
	initDataHeader    = "X-Init-Data"

	schemeBearer = "bearer"
	schemeTMA    = "tma"

	limiterIdleTTL     = 10 * time.Minute
	limiterSweepPeriod = time.Minute
)

// authenticate accepts a session token (Authorization: Bearer) or a signed launch payload
// (Authorization: tma, or X-Init-Data). Launch payloads create the account on first sight.
func (handler *httpHandler) authenticate(ctx *gin.Context) {
	scheme, credential := authorization(ctx.Request)
	var accountID int64
	switch {
	case scheme == schemeBearer && credential != "":
		parsed, err := handler.sessions.Parse(credential)
		if err != nil {
			handler.logger.Debug("session rejected", zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session rejected"))
			return
		}
		accountID = parsed
	default:
		rawPayload := launchPayload(ctx.Request)
		if rawPayload == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing credentials"))
			return
		}
		verified, err := handler.verifier.Assertion(rawPayload)
		if err != nil {
			handler.logger.Info("launch payload rejected", zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "launch payload rejected"))
			return
		}
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
		_, _, err = handler.ledger.EnsureAccount(requestCtx, ledger.AccountID(verified.AccountID))
		cancel()
		if err != nil {
			handler.respondError(ctx, err)
			ctx.Abort()
			return
		}
		accountID = verified.AccountID
	}
	ctx.Set(accountContextKey, accountID)
	ctx.Next()
}

func (handler *httpHandler) rateLimit(ctx *gin.Context) {
	if !handler.limiters.allow(currentAccount(ctx), handler.requestClock()) {
		ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
		return
	}
	ctx.Next()
}

func currentAccount(ctx *gin.Context) int64 {
	return ctx.GetInt64(accountContextKey)
}

func authorization(request *http.Request) (string, string) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, credential, found := strings.Cut(header, " ")
	if !found {
		return "", ""
	}
	return strings.ToLower(scheme), strings.TrimSpace(credential)
}

func launchPayload(request *http.Request) string {
	if scheme, credential := authorization(request); scheme == schemeTMA {
		return credential
	}
	return strings.TrimSpace(request.Header.Get(initDataHeader))
}

// accountLimiters keeps one token bucket per account and forgets idle ones.
type accountLimiters struct {
	mutex     sync.Mutex
	limit     rate.Limit
	burst     int
	limiters  map[int64]*accountLimiter
	lastSweep time.Time
}

type accountLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAccountLimiters(limit rate.Limit, burst int) *accountLimiters {
	return &accountLimiters{limit: limit, burst: burst, limiters: make(map[int64]*accountLimiter)}
}

func (limiters *accountLimiters) allow(accountID int64, now time.Time) bool {
	limiters.mutex.Lock()
	defer limiters.mutex.Unlock()
	if now.Sub(limiters.lastSweep) >= limiterSweepPeriod {
		for id, entry := range limiters.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(limiters.limiters, id)
			}
		}
		limiters.lastSweep = now
	}
	entry, exists := limiters.limiters[accountID]
	if !exists {
		entry = &accountLimiter{limiter: rate.NewLimiter(limiters.limit, limiters.burst)}
		limiters.limiters[accountID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
