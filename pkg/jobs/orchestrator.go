package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval   = 10 * time.Second
	defaultSettleTimeout  = 30 * time.Second
	defaultSettleAttempts = 3
	defaultSettleBackoff  = time.Second
	defaultListLimit      = 20
	maxListLimit          = 100
	purgeBatchSize        = 200
	minLeaseTTL           = 30 * time.Second
)

// Config tunes pricing, deadlines and admission.
type Config struct {
	Costs             map[Kind]int64
	Deadlines         map[Kind]time.Duration
	PollInterval      time.Duration
	MaxJobsPerAccount int
	MaxJobsTotal      int
	Retention         time.Duration
	// LeaseTTL bounds how long a job stays claimed by an orchestrator that stopped renewing it.
	LeaseTTL time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		if now != nil {
			orchestrator.nowFn = now
		}
	}
}

// WithEventLogger adds an observer for job transitions.
func WithEventLogger(logger EventLogger) Option {
	return func(orchestrator *Orchestrator) {
		if logger != nil {
			orchestrator.loggers = append(orchestrator.loggers, logger)
		}
	}
}

// WithIDGenerator overrides how job ids are minted when the caller supplies none.
func WithIDGenerator(newID func() string) Option {
	return func(orchestrator *Orchestrator) {
		if newID != nil {
			orchestrator.newID = newID
		}
	}
}

// WithInstanceID names this orchestrator in job leases. Every process sharing a store needs its own id.
func WithInstanceID(instanceID string) Option {
	return func(orchestrator *Orchestrator) {
		if strings.TrimSpace(instanceID) != "" {
			orchestrator.instanceID = strings.TrimSpace(instanceID)
		}
	}
}

// WithSettleRetry controls how often commit and release are retried on store failures.
func WithSettleRetry(attempts int, backoff time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.settleAttempts = attempts
		orchestrator.settleBackoff = backoff
	}
}

// Orchestrator drives jobs from reservation to settlement. Each accepted job runs in its own goroutine.
type Orchestrator struct {
	store          Store
	ledger         Ledger
	artifacts      ArtifactStore
	adapters       map[Kind]Adapter
	config         Config
	nowFn          func() time.Time
	newID          func() string
	instanceID     string
	loggers        []EventLogger
	settleAttempts int
	settleBackoff  time.Duration

	system     *semaphore.Weighted
	mutex      sync.Mutex
	perAccount map[int64]int
	running    map[string]*runningJob
	closed     bool
	tasks      sync.WaitGroup
}

type runningJob struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewOrchestrator validates dependencies and configuration.
func NewOrchestrator(store Store, ledgerService Ledger, artifacts ArtifactStore, adapters map[Kind]Adapter, config Config, options ...Option) (*Orchestrator, error) {
	if store == nil || ledgerService == nil || artifacts == nil {
		return nil, fmt.Errorf("%w: store, ledger and artifact store are required", ErrInvalidOrchestratorConfig)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: at least one adapter is required", ErrInvalidOrchestratorConfig)
	}
	for kind, adapter := range adapters {
		if adapter == nil {
			return nil, fmt.Errorf("%w: nil adapter for %s", ErrInvalidOrchestratorConfig, kind)
		}
		if config.Costs[kind] <= 0 {
			return nil, fmt.Errorf("%w: cost for %s must be positive", ErrInvalidOrchestratorConfig, kind)
		}
		if config.Deadlines[kind] <= 0 {
			return nil, fmt.Errorf("%w: deadline for %s must be positive", ErrInvalidOrchestratorConfig, kind)
		}
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.MaxJobsPerAccount <= 0 || config.MaxJobsTotal <= 0 {
		return nil, fmt.Errorf("%w: job limits must be positive", ErrInvalidOrchestratorConfig)
	}
	if config.Retention < 0 {
		return nil, fmt.Errorf("%w: retention must not be negative", ErrInvalidOrchestratorConfig)
	}
	if config.LeaseTTL == 0 {
		config.LeaseTTL = max(minLeaseTTL, 3*config.PollInterval)
	}
	if config.LeaseTTL < 2*config.PollInterval {
		return nil, fmt.Errorf("%w: lease ttl must cover at least two poll intervals", ErrInvalidOrchestratorConfig)
	}
	orchestrator := &Orchestrator{
		store:          store,
		ledger:         ledgerService,
		artifacts:      artifacts,
		adapters:       adapters,
		config:         config,
		nowFn:          time.Now,
		newID:          uuid.NewString,
		instanceID:     uuid.NewString(),
		settleAttempts: defaultSettleAttempts,
		settleBackoff:  defaultSettleBackoff,
		system:         semaphore.NewWeighted(int64(config.MaxJobsTotal)),
		perAccount:     make(map[int64]int),
		running:        make(map[string]*runningJob),
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	if orchestrator.settleAttempts <= 0 {
		orchestrator.settleAttempts = 1
	}
	return orchestrator, nil
}

// Submit reserves credits for a new job and starts driving it. Submitting an id that already
// exists for the same account returns the stored job marked as a duplicate without side effects.
// When the account cannot cover the cost the job is stored as rejected and ledger.ErrInsufficientFunds
// is returned together with its view.
func (orchestrator *Orchestrator) Submit(ctx context.Context, request SubmitRequest) (JobView, error) {
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		return JobView{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	kind, err := ParseKind(request.Kind)
	if err != nil {
		return JobView{}, err
	}
	adapter, supported := orchestrator.adapters[kind]
	if !supported {
		return JobView{}, fmt.Errorf("%w: no backend configured for %s", ErrUnsupportedKind, kind)
	}
	prompt, err := NormalizePrompt(request.Prompt)
	if err != nil {
		return JobView{}, err
	}
	params, err := ParseParams(kind, request.Params)
	if err != nil {
		return JobView{}, err
	}
	rawJobID := strings.TrimSpace(request.JobID)
	if rawJobID == "" {
		rawJobID = orchestrator.newID()
	}
	jobID, err := ledger.NewJobID(rawJobID)
	if err != nil {
		return JobView{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	cost := ledger.PositiveCredits(orchestrator.config.Costs[kind])

	existing, err := orchestrator.store.GetJob(ctx, jobID.String())
	switch {
	case err == nil:
		return duplicateView(existing, accountID)
	case !errors.Is(err, ErrJobNotFound):
		return JobView{}, err
	}

	release, err := orchestrator.admit(ctx, accountID.Int64(), false)
	if err != nil {
		return JobView{}, err
	}
	now := orchestrator.nowFn()
	job := Job{
		JobID:          jobID.String(),
		AccountID:      accountID.Int64(),
		Kind:           kind,
		Prompt:         prompt,
		Params:         params,
		Cost:           cost.Int64(),
		Status:         StatusCreated,
		Owner:          orchestrator.instanceID,
		LeaseExpiresAt: now.Add(orchestrator.config.LeaseTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
		Deadline:       now.Add(orchestrator.config.Deadlines[kind]),
	}
	if err := orchestrator.store.CreateJob(ctx, job); err != nil {
		release()
		if errors.Is(err, ErrJobExists) {
			existing, getErr := orchestrator.store.GetJob(ctx, job.JobID)
			if getErr != nil {
				return JobView{}, getErr
			}
			return duplicateView(existing, accountID)
		}
		return JobView{}, err
	}
	orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: kind, To: StatusCreated})

	if err := orchestrator.ledger.Reserve(ctx, accountID, cost, jobID); err != nil {
		release()
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			job.FundsReturned = true
			job, _ = orchestrator.transition(ctx, job, StatusRejected, CodeInsufficientFunds, err)
			return job.View(false), err
		case errors.Is(err, ledger.ErrDuplicateReservation):
			// The ledger already holds entries for this id from a job whose record was purged.
			if deleteErr := orchestrator.store.DeleteJobs(context.WithoutCancel(ctx), []string{job.JobID}); deleteErr != nil {
				orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: kind, From: StatusCreated, To: StatusCreated, Err: fmt.Errorf("discard job: %w", deleteErr)})
			}
			return JobView{}, fmt.Errorf("%w: job id %s was already used", ErrJobConflict, job.JobID)
		default:
			job = orchestrator.abandon(ctx, job, CodeReserveFailed, fmt.Errorf("reserve credits: %w", err))
			return job.View(false), fmt.Errorf("reserve credits: %w", err)
		}
	}
	// The job is tracked before it is visible as reserved, so Cancel always reaches its driver.
	running := orchestrator.track(ctx, job.JobID)
	job, _ = orchestrator.transition(ctx, job, StatusReserved, CodeNone, nil)
	orchestrator.start(running, job, adapter, release)
	return job.View(false), nil
}

// Get returns a job owned by accountID.
func (orchestrator *Orchestrator) Get(ctx context.Context, accountID int64, jobID string) (JobView, error) {
	job, err := orchestrator.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return JobView{}, err
	}
	return job.View(false), nil
}

// Lookup returns any job regardless of owner, for operators.
func (orchestrator *Orchestrator) Lookup(ctx context.Context, jobID string) (JobView, error) {
	job, err := orchestrator.store.GetJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return JobView{}, err
	}
	return job.View(false), nil
}

// List returns the most recent jobs of accountID.
func (orchestrator *Orchestrator) List(ctx context.Context, accountID int64, limit int) ([]JobView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	jobs, err := orchestrator.store.ListJobs(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View(false))
	}
	return views, nil
}

// OpenArtifact streams the output of a succeeded job.
func (orchestrator *Orchestrator) OpenArtifact(ctx context.Context, accountID int64, jobID string) (io.ReadCloser, string, error) {
	job, err := orchestrator.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return nil, "", err
	}
	if job.Status != StatusSucceeded || job.ArtifactRef == "" {
		return nil, "", ErrArtifactNotReady
	}
	reader, err := orchestrator.artifacts.Open(ctx, job.ArtifactRef)
	if err != nil {
		return nil, "", err
	}
	return reader, job.ArtifactContentType, nil
}

// Cancel stops a job as if its deadline had passed and waits for the credits to be released.
// A job driven by another instance is flagged and settled by that instance.
func (orchestrator *Orchestrator) Cancel(ctx context.Context, accountID int64, jobID string) (JobView, error) {
	job, err := orchestrator.ownedJob(ctx, accountID, jobID)
	if err != nil {
		return JobView{}, err
	}
	if job.Status.IsTerminal() {
		return job.View(false), ErrJobFinished
	}
	orchestrator.mutex.Lock()
	running := orchestrator.running[job.JobID]
	orchestrator.mutex.Unlock()
	if running != nil {
		running.cancel(ErrCanceled)
		select {
		case <-running.done:
		case <-ctx.Done():
			return JobView{}, ctx.Err()
		}
		return orchestrator.storedView(ctx, job.JobID)
	}
	if job.Owner == orchestrator.instanceID {
		// Owned here but not handed to a driver yet.
		return job.View(false), fmt.Errorf("%w: job is still being admitted", ErrInvalidRequest)
	}
	claimed, err := orchestrator.claim(ctx, job.JobID)
	switch {
	case err == nil && claimed.Status == StatusCreated:
		claimed = orchestrator.abandon(ctx, claimed, CodeCanceled, ErrCanceled)
		return claimed.View(false), nil
	case err == nil:
		claimed = orchestrator.settle(ctx, claimed, StatusTimedOut, CodeCanceled, ErrCanceled)
		return claimed.View(false), nil
	case errors.Is(err, ErrLeaseHeld) && job.Status == StatusCreated:
		return job.View(false), fmt.Errorf("%w: job is still being admitted", ErrInvalidRequest)
	case errors.Is(err, ErrLeaseHeld):
		if err := orchestrator.store.RequestCancel(ctx, job.JobID); err != nil && !errors.Is(err, ErrJobFinished) {
			return JobView{}, err
		}
		return orchestrator.awaitTerminal(ctx, job.JobID)
	case errors.Is(err, ErrJobFinished):
		view, getErr := orchestrator.storedView(ctx, job.JobID)
		if getErr != nil {
			return JobView{}, getErr
		}
		return view, ErrJobFinished
	default:
		return JobView{}, err
	}
}

// Recover resumes or settles unfinished jobs whose driver is gone: their lease expired or was
// handed back on shutdown. Jobs another live instance holds are left alone. It returns the number
// of resumed jobs.
func (orchestrator *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := orchestrator.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, candidate := range active {
		orchestrator.mutex.Lock()
		_, local := orchestrator.running[candidate.JobID]
		orchestrator.mutex.Unlock()
		if local {
			continue
		}
		job, err := orchestrator.claim(ctx, candidate.JobID)
		switch {
		case errors.Is(err, ErrLeaseHeld), errors.Is(err, ErrJobFinished), errors.Is(err, ErrJobNotFound):
			continue
		case err != nil:
			return resumed, err
		}
		adapter, supported := orchestrator.adapters[job.Kind]
		switch {
		case job.Status == StatusCreated:
			orchestrator.abandon(ctx, job, CodeInterrupted, errors.New("interrupted before submission"))
		case job.CancelRequested:
			orchestrator.settle(ctx, job, StatusTimedOut, CodeCanceled, ErrCanceled)
		case !supported:
			orchestrator.settle(ctx, job, StatusFailed, CodeAdapterFailed, fmt.Errorf("%w: no backend configured for %s", ErrUnsupportedKind, job.Kind))
		case !orchestrator.nowFn().Before(job.Deadline):
			orchestrator.settle(ctx, job, StatusTimedOut, CodePollTimeout, ErrPollTimeout)
		default:
			release, err := orchestrator.admit(ctx, job.AccountID, true)
			if err != nil {
				orchestrator.handOff(ctx, job)
				return resumed, err
			}
			orchestrator.start(orchestrator.track(ctx, job.JobID), job, adapter, release)
			resumed++
		}
	}
	return resumed, nil
}

// PurgeExpired deletes finished jobs and their artifacts once they are older than the retention window.
func (orchestrator *Orchestrator) PurgeExpired(ctx context.Context) (int, error) {
	if orchestrator.config.Retention == 0 {
		return 0, nil
	}
	cutoff := orchestrator.nowFn().Add(-orchestrator.config.Retention)
	purged := 0
	for {
		batch, err := orchestrator.store.ListFinishedBefore(ctx, cutoff, purgeBatchSize)
		if err != nil {
			return purged, err
		}
		if len(batch) == 0 {
			return purged, nil
		}
		jobIDs := make([]string, 0, len(batch))
		for _, job := range batch {
			if job.ArtifactRef != "" {
				if err := orchestrator.artifacts.Delete(ctx, job.ArtifactRef); err != nil {
					orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: fmt.Errorf("delete artifact: %w", err)})
				}
			}
			jobIDs = append(jobIDs, job.JobID)
		}
		if err := orchestrator.store.DeleteJobs(ctx, jobIDs); err != nil {
			return purged, err
		}
		purged += len(jobIDs)
		if len(batch) < purgeBatchSize {
			return purged, nil
		}
	}
}

// Shutdown stops admitting jobs and waits for running ones to stop. Interrupted jobs keep their
// state, give up their lease and are picked up by the next Recover.
func (orchestrator *Orchestrator) Shutdown(ctx context.Context) error {
	orchestrator.mutex.Lock()
	orchestrator.closed = true
	for _, running := range orchestrator.running {
		running.cancel(ErrShuttingDown)
	}
	orchestrator.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		orchestrator.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports how many jobs this process is currently driving.
func (orchestrator *Orchestrator) Running() int {
	orchestrator.mutex.Lock()
	defer orchestrator.mutex.Unlock()
	return len(orchestrator.running)
}

func (orchestrator *Orchestrator) admit(ctx context.Context, accountID int64, recovering bool) (func(), error) {
	if recovering {
		if err := orchestrator.system.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !orchestrator.system.TryAcquire(1) {
		return nil, ErrBusy
	}
	orchestrator.mutex.Lock()
	if orchestrator.closed {
		orchestrator.mutex.Unlock()
		orchestrator.system.Release(1)
		return nil, ErrShuttingDown
	}
	if !recovering && orchestrator.perAccount[accountID] >= orchestrator.config.MaxJobsPerAccount {
		orchestrator.mutex.Unlock()
		orchestrator.system.Release(1)
		return nil, ErrBusy
	}
	orchestrator.perAccount[accountID]++
	orchestrator.tasks.Add(1)
	orchestrator.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			orchestrator.mutex.Lock()
			orchestrator.perAccount[accountID]--
			if orchestrator.perAccount[accountID] <= 0 {
				delete(orchestrator.perAccount, accountID)
			}
			orchestrator.mutex.Unlock()
			orchestrator.system.Release(1)
			orchestrator.tasks.Done()
		})
	}, nil
}

func (orchestrator *Orchestrator) track(ctx context.Context, jobID string) *runningJob {
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	running := &runningJob{ctx: taskCtx, cancel: cancel, done: make(chan struct{})}
	orchestrator.mutex.Lock()
	orchestrator.running[jobID] = running
	if orchestrator.closed {
		cancel(ErrShuttingDown)
	}
	orchestrator.mutex.Unlock()
	return running
}

func (orchestrator *Orchestrator) start(running *runningJob, job Job, adapter Adapter, release func()) {
	go func() {
		defer close(running.done)
		defer release()
		defer func() {
			orchestrator.mutex.Lock()
			delete(orchestrator.running, job.JobID)
			orchestrator.mutex.Unlock()
		}()
		defer running.cancel(nil)
		remaining := job.Deadline.Sub(orchestrator.nowFn())
		deadlineCtx, stop := context.WithTimeoutCause(running.ctx, remaining, ErrPollTimeout)
		defer stop()
		orchestrator.drive(deadlineCtx, job, adapter)
	}()
}

func (orchestrator *Orchestrator) drive(ctx context.Context, job Job, adapter Adapter) {
	var (
		owned bool
		err   error
	)
	if job.Handle == "" {
		if ctx.Err() != nil {
			orchestrator.interrupt(ctx, job)
			return
		}
		if job, owned = orchestrator.renew(ctx, job); !owned {
			return
		}
		if job.CancelRequested {
			orchestrator.settle(ctx, job, StatusTimedOut, CodeCanceled, ErrCanceled)
			return
		}
		handle, submitErr := adapter.Submit(ctx, GenerationSpec{
			JobID:     job.JobID,
			AccountID: job.AccountID,
			Kind:      job.Kind,
			Prompt:    job.Prompt,
			Params:    job.Params,
		})
		if submitErr != nil {
			if ctx.Err() != nil {
				orchestrator.interrupt(ctx, job)
				return
			}
			code := CodeAdapterSubmitFailed
			if errors.Is(submitErr, ErrQuotaExceeded) {
				code = CodeAdapterQuotaExceeded
			}
			orchestrator.settle(ctx, job, StatusFailed, code, fmt.Errorf("%w: %w", ErrAdapterSubmitFailed, submitErr))
			return
		}
		job.Handle = handle
		if job, err = orchestrator.transition(ctx, job, StatusSubmitted, CodeNone, nil); err != nil {
			return
		}
	}
	if job.Status != StatusPolling {
		if job, err = orchestrator.transition(ctx, job, StatusPolling, CodeNone, nil); err != nil {
			return
		}
	}

	timer := time.NewTimer(orchestrator.config.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			orchestrator.interrupt(ctx, job)
			return
		case <-timer.C:
		}
		if job, owned = orchestrator.renew(ctx, job); !owned {
			return
		}
		if job.CancelRequested {
			orchestrator.settle(ctx, job, StatusTimedOut, CodeCanceled, ErrCanceled)
			return
		}
		result, pollErr := adapter.Poll(ctx, job.Handle)
		switch {
		case pollErr != nil && ctx.Err() != nil:
			orchestrator.interrupt(ctx, job)
			return
		case pollErr != nil && errors.Is(pollErr, ErrTransient):
			orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: pollErr})
		case pollErr != nil:
			code := CodeAdapterFailed
			if errors.Is(pollErr, ErrQuotaExceeded) {
				code = CodeAdapterQuotaExceeded
			}
			orchestrator.settle(ctx, job, StatusFailed, code, pollErr)
			return
		case result.State == PollSucceeded:
			orchestrator.succeed(ctx, job, result.Artifact)
			return
		case result.State == PollFailed:
			message := strings.TrimSpace(result.Message)
			if message == "" {
				message = "backend reported failure"
			}
			orchestrator.settle(ctx, job, StatusFailed, CodeAdapterFailed, errors.New(message))
			return
		}
		timer.Reset(orchestrator.config.PollInterval)
	}
}

func (orchestrator *Orchestrator) interrupt(ctx context.Context, job Job) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrShuttingDown):
		orchestrator.handOff(ctx, job)
	case errors.Is(cause, ErrCanceled):
		orchestrator.settle(ctx, job, StatusTimedOut, CodeCanceled, ErrCanceled)
	default:
		orchestrator.settle(ctx, job, StatusTimedOut, CodePollTimeout, ErrPollTimeout)
	}
}

// handOff gives up the lease so that the next Recover, here or on another instance, adopts the job at once.
func (orchestrator *Orchestrator) handOff(ctx context.Context, job Job) {
	job.LeaseExpiresAt = time.Time{}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSettleTimeout)
	defer cancel()
	err := orchestrator.store.UpdateJob(persistCtx, job)
	if err == nil {
		err = ErrShuttingDown
	}
	orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: err})
}

// renew extends the lease of a job this orchestrator drives and picks up cancel requests. It reports
// false once another instance took the job over or it was settled elsewhere.
func (orchestrator *Orchestrator) renew(ctx context.Context, job Job) (Job, bool) {
	claimed, err := orchestrator.claim(ctx, job.JobID)
	switch {
	case err == nil:
		job.Owner = claimed.Owner
		job.LeaseExpiresAt = claimed.LeaseExpiresAt
		job.CancelRequested = claimed.CancelRequested
		return job, true
	case errors.Is(err, ErrLeaseHeld), errors.Is(err, ErrJobFinished), errors.Is(err, ErrJobNotFound):
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: fmt.Errorf("%w: %w", ErrJobSuperseded, err)})
		return job, false
	default:
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: fmt.Errorf("renew lease: %w", err)})
		return job, true
	}
}

func (orchestrator *Orchestrator) claim(ctx context.Context, jobID string) (Job, error) {
	now := orchestrator.nowFn()
	return orchestrator.store.ClaimJob(ctx, jobID, orchestrator.instanceID, now.Add(orchestrator.config.LeaseTTL), now)
}

func (orchestrator *Orchestrator) succeed(ctx context.Context, job Job, artifact Artifact) {
	if len(artifact.Data) == 0 {
		orchestrator.settle(ctx, job, StatusFailed, CodeAdapterFailed, errors.New("backend returned an empty artifact"))
		return
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSettleTimeout)
	defer cancel()
	contentType := strings.TrimSpace(artifact.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ref, err := orchestrator.artifacts.Put(settleCtx, artifactKey(job, contentType), contentType, artifact.Data)
	if err != nil {
		orchestrator.settle(ctx, job, StatusFailed, CodeArtifactStoreFailed, fmt.Errorf("store artifact: %w", err))
		return
	}
	job.ArtifactRef = ref
	job.ArtifactContentType = contentType

	jobID, _ := ledger.NewJobID(job.JobID)
	err = orchestrator.retryLedger(settleCtx, func(ctx context.Context) error {
		return orchestrator.ledger.Commit(ctx, jobID)
	})
	if isClosingConflict(err) {
		// A commit that landed before a retry reports the reservation as closed.
		if state, stateErr := orchestrator.ledger.Reservation(settleCtx, jobID); stateErr == nil && state == ledger.ReservationCommitted {
			err = nil
		}
	}
	switch {
	case err == nil:
		job.FundsReturned = false
		orchestrator.transition(settleCtx, job, StatusSucceeded, CodeNone, nil)
	case isClosingConflict(err):
		job.FundsReturned = orchestrator.fundsReturned(settleCtx, jobID)
		orchestrator.transition(settleCtx, job, StatusFailed, CodeLedgerInvariant, fmt.Errorf("%w: commit: %w", ledger.ErrLedgerInvariantViolation, err))
	default:
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: fmt.Errorf("commit credits: %w", err)})
	}
}

// settle releases the reservation and records the terminal state. When the ledger is unreachable
// the job keeps its current state so that Recover settles it later.
func (orchestrator *Orchestrator) settle(ctx context.Context, job Job, status Status, code ErrorCode, cause error) Job {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSettleTimeout)
	defer cancel()
	jobID, _ := ledger.NewJobID(job.JobID)
	err := orchestrator.retryLedger(settleCtx, func(ctx context.Context) error {
		return orchestrator.ledger.Release(ctx, jobID)
	})
	if isClosingConflict(err) {
		// A release that landed before a retry reports the reservation as closed.
		if state, stateErr := orchestrator.ledger.Reservation(settleCtx, jobID); stateErr == nil && state == ledger.ReservationReleased {
			err = nil
		}
	}
	switch {
	case err == nil:
		job.FundsReturned = true
	case isClosingConflict(err):
		job.FundsReturned = orchestrator.fundsReturned(settleCtx, jobID)
		code = CodeLedgerInvariant
		cause = fmt.Errorf("%w: release: %w", ledger.ErrLedgerInvariantViolation, err)
	default:
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: fmt.Errorf("release credits: %w", err)})
		return job
	}
	job, _ = orchestrator.transition(settleCtx, job, status, code, cause)
	return job
}

// abandon fails a job that never got past admission; it may or may not hold a reservation.
func (orchestrator *Orchestrator) abandon(ctx context.Context, job Job, code ErrorCode, cause error) Job {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSettleTimeout)
	defer cancel()
	jobID, _ := ledger.NewJobID(job.JobID)
	err := orchestrator.retryLedger(settleCtx, func(ctx context.Context) error {
		return orchestrator.ledger.Release(ctx, jobID)
	})
	switch {
	case err == nil, errors.Is(err, ledger.ErrReservationNotFound):
		job.FundsReturned = true
	case isClosingConflict(err):
		job.FundsReturned = orchestrator.fundsReturned(settleCtx, jobID)
	default:
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: job.Status, To: job.Status, Err: fmt.Errorf("release credits: %w", err)})
		return job
	}
	job, _ = orchestrator.transition(settleCtx, job, StatusFailed, code, cause)
	return job
}

// fundsReturned asks the ledger whether the account still has the credits of jobID. An unreadable
// ledger counts as charged.
func (orchestrator *Orchestrator) fundsReturned(ctx context.Context, jobID ledger.JobID) bool {
	state, err := orchestrator.ledger.Reservation(ctx, jobID)
	if err != nil {
		return false
	}
	return state == ledger.ReservationReleased || state == ledger.ReservationNone
}

func (orchestrator *Orchestrator) retryLedger(ctx context.Context, operation func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= orchestrator.settleAttempts; attempt++ {
		err = operation(ctx)
		if err == nil || isClosingConflict(err) || errors.Is(err, ledger.ErrInvalidJobID) {
			return err
		}
		if attempt == orchestrator.settleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(orchestrator.settleBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// transition records a status change. Terminal states are final: a job that already reached one,
// here or in the store, is left as it is and ErrJobSuperseded is returned.
func (orchestrator *Orchestrator) transition(ctx context.Context, job Job, to Status, code ErrorCode, cause error) (Job, error) {
	from := job.Status
	if from.IsTerminal() {
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: from, To: from, Err: fmt.Errorf("%w: not moving to %s", ErrJobSuperseded, to)})
		return job, ErrJobSuperseded
	}
	now := orchestrator.nowFn()
	next := job
	next.Status = to
	next.UpdatedAt = now
	if code != CodeNone {
		next.ErrorCode = code
	}
	if cause != nil && to.IsTerminal() {
		next.ErrorMessage = cause.Error()
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSettleTimeout)
	defer cancel()
	if err := orchestrator.store.UpdateJob(persistCtx, next); err != nil {
		if errors.Is(err, ErrJobSuperseded) {
			orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: from, To: from, Err: fmt.Errorf("not moving to %s: %w", to, err)})
			if stored, getErr := orchestrator.store.GetJob(persistCtx, job.JobID); getErr == nil {
				return stored, ErrJobSuperseded
			}
			return job, ErrJobSuperseded
		}
		orchestrator.report(ctx, Transition{JobID: job.JobID, AccountID: job.AccountID, Kind: job.Kind, From: to, To: to, Err: fmt.Errorf("persist job: %w", err)})
	}
	orchestrator.report(ctx, Transition{
		JobID:     next.JobID,
		AccountID: next.AccountID,
		Kind:      next.Kind,
		From:      from,
		To:        to,
		Code:      code,
		Err:       cause,
		Elapsed:   now.Sub(next.CreatedAt),
	})
	return next, nil
}

func (orchestrator *Orchestrator) report(ctx context.Context, transition Transition) {
	for _, logger := range orchestrator.loggers {
		logger.LogTransition(ctx, transition)
	}
}

func (orchestrator *Orchestrator) storedView(ctx context.Context, jobID string) (JobView, error) {
	job, err := orchestrator.store.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	return job.View(false), nil
}

func (orchestrator *Orchestrator) awaitTerminal(ctx context.Context, jobID string) (JobView, error) {
	ticker := time.NewTicker(orchestrator.config.PollInterval)
	defer ticker.Stop()
	for {
		job, err := orchestrator.store.GetJob(ctx, jobID)
		if err != nil {
			return JobView{}, err
		}
		if job.Status.IsTerminal() {
			return job.View(false), nil
		}
		select {
		case <-ctx.Done():
			return job.View(false), ctx.Err()
		case <-ticker.C:
		}
	}
}

func (orchestrator *Orchestrator) ownedJob(ctx context.Context, accountID int64, jobID string) (Job, error) {
	job, err := orchestrator.store.GetJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return Job{}, err
	}
	if job.AccountID != accountID {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func duplicateView(existing Job, accountID ledger.AccountID) (JobView, error) {
	if existing.AccountID != accountID.Int64() {
		return JobView{}, ErrJobConflict
	}
	return existing.View(true), nil
}

func isClosingConflict(err error) bool {
	return errors.Is(err, ledger.ErrReservationNotFound) || errors.Is(err, ledger.ErrReservationClosed)
}

func artifactKey(job Job, contentType string) string {
	extension := ""
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if extensions, err := mime.ExtensionsByType(mediaType); err == nil && len(extensions) > 0 {
			extension = extensions[0]
		}
	}
	return fmt.Sprintf("%s/%d/%s%s", job.Kind, job.AccountID, uuid.NewString(), extension)
}
