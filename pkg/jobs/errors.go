package jobs

import "errors"

// Adapters wrap their failures with ErrQuotaExceeded or ErrTransient so the orchestrator can classify them.
var (
	ErrQuotaExceeded = errors.New("backend quota exceeded")
	ErrTransient     = errors.New("transient backend failure")
)

var (
	ErrAdapterSubmitFailed       = errors.New("adapter submit failed")
	ErrPollTimeout               = errors.New("poll timeout")
	ErrCanceled                  = errors.New("job canceled")
	ErrShuttingDown              = errors.New("orchestrator shutting down")
	ErrBusy                      = errors.New("too many jobs in flight")
	ErrJobConflict               = errors.New("job id belongs to another account")
	ErrJobExists                 = errors.New("job already exists")
	ErrJobNotFound               = errors.New("job not found")
	ErrJobFinished               = errors.New("job already finished")
	ErrJobSuperseded             = errors.New("job was settled or claimed elsewhere")
	ErrLeaseHeld                 = errors.New("job is driven by another instance")
	ErrInvalidRequest            = errors.New("invalid job request")
	ErrInvalidParams             = errors.New("invalid job params")
	ErrUnsupportedKind           = errors.New("unsupported job kind")
	ErrInvalidOrchestratorConfig = errors.New("invalid orchestrator config")
	ErrArtifactNotReady          = errors.New("artifact not ready")
)
