package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditgen/internal/artifacts"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/identity"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{target: identity.ErrRejected, status: http.StatusUnauthorized, code: "unauthorized", message: "credentials rejected"},
	{target: ledger.ErrInsufficientFunds, status: http.StatusPaymentRequired, code: "insufficient_funds", message: "balance does not cover the job cost"},
	{target: jobs.ErrBusy, status: http.StatusTooManyRequests, code: "busy", message: "too many jobs in flight, retry later"},
	{target: jobs.ErrJobConflict, status: http.StatusConflict, code: "job_conflict", message: "job id is already in use"},
	{target: jobs.ErrJobFinished, status: http.StatusConflict, code: "job_finished", message: "job already finished"},
	{target: jobs.ErrArtifactNotReady, status: http.StatusConflict, code: "artifact_not_ready", message: "job has not succeeded"},
	{target: jobs.ErrJobNotFound, status: http.StatusNotFound, code: "not_found", message: "job not found"},
	{target: artifacts.ErrNotFound, status: http.StatusGone, code: "artifact_gone", message: "artifact is no longer available"},
	{target: jobs.ErrUnsupportedKind, status: http.StatusBadRequest, code: "unsupported_kind", message: ""},
	{target: jobs.ErrInvalidParams, status: http.StatusBadRequest, code: "invalid_params", message: ""},
	{target: jobs.ErrInvalidRequest, status: http.StatusBadRequest, code: "invalid_request", message: ""},
	{target: ledger.ErrInvalidAccountID, status: http.StatusBadRequest, code: "invalid_request", message: ""},
	{target: jobs.ErrShuttingDown, status: http.StatusServiceUnavailable, code: "shutting_down", message: "server is shutting down"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout", message: "request timed out"},
}

// respondError maps domain errors to the {"error":{code,message}} envelope. Validation errors echo
// their message; anything unmapped is logged and hidden behind a generic 500.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	for _, mapping := range errorMappings {
		if !errors.Is(err, mapping.target) {
			continue
		}
		message := mapping.message
		if message == "" {
			message = err.Error()
		}
		ctx.JSON(mapping.status, errorResponse(mapping.code, message))
		return
	}
	handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
