// Package jobs runs credit-metered generation jobs: reserve, submit to a backend, poll to completion
// under a deadline, then commit or release the reserved credits.
package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
)

// Kind selects the generation backend.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindText, KindImage, KindVideo}
}

// ParseKind validates a client-supplied kind.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindText, KindImage, KindVideo:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
	}
}

func (kind Kind) String() string {
	return string(kind)
}

// Status is a job lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusReserved  Status = "reserved"
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	switch status {
	case StatusCreated, StatusReserved, StatusSubmitted, StatusPolling, StatusSucceeded, StatusFailed, StatusTimedOut, StatusRejected:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// IsTerminal reports whether no further transitions can happen.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusRejected:
		return true
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// ErrorCode is the stable reason recorded on a job that did not succeed.
type ErrorCode string

const (
	CodeNone                 ErrorCode = ""
	CodeInsufficientFunds    ErrorCode = "insufficient_funds"
	CodeReserveFailed        ErrorCode = "reserve_failed"
	CodeAdapterSubmitFailed  ErrorCode = "adapter_submit_failed"
	CodeAdapterQuotaExceeded ErrorCode = "adapter_quota_exceeded"
	CodeAdapterFailed        ErrorCode = "adapter_failed"
	CodePollTimeout          ErrorCode = "poll_timeout"
	CodeCanceled             ErrorCode = "canceled"
	CodeLedgerInvariant      ErrorCode = "ledger_invariant"
	CodeArtifactStoreFailed  ErrorCode = "artifact_store_failed"
	CodeInterrupted          ErrorCode = "interrupted"
)

// Handle is the backend's opaque reference to a submitted operation.
type Handle string

// GenerationSpec is what an adapter receives.
type GenerationSpec struct {
	JobID     string
	AccountID int64
	Kind      Kind
	Prompt    string
	Params    Params
}

// PollState is the backend-reported progress of an operation.
type PollState string

const (
	PollPending   PollState = "pending"
	PollSucceeded PollState = "succeeded"
	PollFailed    PollState = "failed"
)

// Artifact is the output of a successful operation.
type Artifact struct {
	ContentType string
	Data        []byte
}

// PollResult reports the state of an operation; Artifact is set on success and Message on failure.
type PollResult struct {
	State    PollState
	Artifact Artifact
	Message  string
}

// Adapter is the narrow interface to a slow generation backend. Implementations must be safe for
// concurrent use by unrelated jobs.
type Adapter interface {
	Submit(ctx context.Context, spec GenerationSpec) (Handle, error)
	Poll(ctx context.Context, handle Handle) (PollResult, error)
}

// Ledger is the subset of the credit ledger the orchestrator needs.
type Ledger interface {
	Reserve(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, jobID ledger.JobID) error
	Commit(ctx context.Context, jobID ledger.JobID) error
	Release(ctx context.Context, jobID ledger.JobID) error
	Reservation(ctx context.Context, jobID ledger.JobID) (ledger.ReservationState, error)
}

// ArtifactStore persists job outputs.
type ArtifactStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// Store persists job records. A non-terminal job is driven by at most one orchestrator at a
// time: the one named in Owner while LeaseExpiresAt lies in the future.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJob persists job only while the stored row is non-terminal and still owned by job.Owner;
	// otherwise it returns ErrJobSuperseded and leaves the row untouched.
	UpdateJob(ctx context.Context, job Job) error
	// ClaimJob makes owner the driver of a non-terminal job when the job is unowned, already held by
	// owner, or its lease expired before now. It returns ErrLeaseHeld or ErrJobFinished otherwise.
	ClaimJob(ctx context.Context, jobID string, owner string, leaseUntil time.Time, now time.Time) (Job, error)
	// RequestCancel flags a non-terminal job so that its current driver cancels it.
	RequestCancel(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, accountID int64, limit int) ([]Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	DeleteJobs(ctx context.Context, jobIDs []string) error
}

// Job is the persisted record of one generation request.
type Job struct {
	JobID               string
	AccountID           int64
	Kind                Kind
	Prompt              string
	Params              Params
	Cost                int64
	Status              Status
	Handle              Handle
	ArtifactRef         string
	ArtifactContentType string
	ErrorCode           ErrorCode
	ErrorMessage        string
	// FundsReturned is set from the ledger outcome when the job settles: true when the account
	// kept or got back the credits of this job.
	FundsReturned   bool
	Owner           string
	LeaseExpiresAt  time.Time
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Deadline        time.Time
}

// View renders the job for callers.
func (job Job) View(duplicate bool) JobView {
	view := JobView{
		JobID:           job.JobID,
		AccountID:       job.AccountID,
		Kind:            job.Kind,
		Status:          job.Status,
		Prompt:          job.Prompt,
		Cost:            job.Cost,
		ErrorCode:       job.ErrorCode,
		ErrorMessage:    job.ErrorMessage,
		FundsReturned:   job.FundsReturned,
		Duplicate:       duplicate,
		CreatedUnixUTC:  job.CreatedAt.Unix(),
		UpdatedUnixUTC:  job.UpdatedAt.Unix(),
		DeadlineUnixUTC: job.Deadline.Unix(),
	}
	if job.Params != nil {
		view.Params = job.Params.Values()
	}
	if job.Status == StatusSucceeded {
		view.ArtifactRef = job.ArtifactRef
		view.ArtifactContentType = job.ArtifactContentType
	}
	return view
}

// JobView is the caller-facing job status.
type JobView struct {
	JobID               string         `json:"job_id"`
	AccountID           int64          `json:"account_id"`
	Kind                Kind           `json:"kind"`
	Status              Status         `json:"status"`
	Prompt              string         `json:"prompt"`
	Params              map[string]any `json:"params,omitempty"`
	Cost                int64          `json:"cost"`
	ArtifactRef         string         `json:"artifact_ref,omitempty"`
	ArtifactContentType string         `json:"artifact_content_type,omitempty"`
	ErrorCode           ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	FundsReturned       bool           `json:"funds_returned"`
	Duplicate           bool           `json:"duplicate"`
	CreatedUnixUTC      int64          `json:"created_unix_utc"`
	UpdatedUnixUTC      int64          `json:"updated_unix_utc"`
	DeadlineUnixUTC     int64          `json:"deadline_unix_utc"`
}

// Transition describes one status change, reported to every EventLogger.
type Transition struct {
	JobID     string
	AccountID int64
	Kind      Kind
	From      Status
	To        Status
	Code      ErrorCode
	Err       error
	Elapsed   time.Duration
}

// EventLogger observes job transitions.
type EventLogger interface {
	LogTransition(ctx context.Context, transition Transition)
}

// SubmitRequest is an untrusted job request; Params is parsed into a typed variant on Submit.
type SubmitRequest struct {
	JobID     string
	AccountID int64
	Kind      string
	Prompt    string
	Params    map[string]any
}
