// Package inflight turns a blocking generator into a submit-and-poll backend.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent = 4
	defaultCallTimeout   = 10 * time.Minute
	defaultResultTTL     = time.Hour
)

// ErrUnknownHandle is returned for handles this process never issued or already forgot.
var ErrUnknownHandle = errors.New("unknown operation handle")

// Generator performs one blocking generation call.
type Generator interface {
	Generate(ctx context.Context, spec jobs.GenerationSpec) (jobs.Artifact, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxConcurrent bounds simultaneous backend calls; extra submissions wait their turn.
func WithMaxConcurrent(limit int) Option {
	return func(tracker *Tracker) {
		if limit > 0 {
			tracker.slots = semaphore.NewWeighted(int64(limit))
		}
	}
}

// WithCallTimeout bounds a single backend call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(tracker *Tracker) {
		if timeout > 0 {
			tracker.callTimeout = timeout
		}
	}
}

// WithResultTTL controls how long an unclaimed result is kept.
func WithResultTTL(ttl time.Duration) Option {
	return func(tracker *Tracker) {
		if ttl > 0 {
			tracker.resultTTL = ttl
		}
	}
}

// Tracker implements jobs.Adapter over a Generator.
type Tracker struct {
	prefix      string
	generator   Generator
	slots       *semaphore.Weighted
	callTimeout time.Duration
	resultTTL   time.Duration
	baseCtx     context.Context
	stop        context.CancelFunc

	mutex      sync.Mutex
	operations map[jobs.Handle]*operation
	running    sync.WaitGroup
}

type operation struct {
	done       bool
	result     jobs.PollResult
	err        error
	finishedAt time.Time
}

// New returns a Tracker whose handles start with prefix.
func New(prefix string, generator Generator, options ...Option) *Tracker {
	baseCtx, stop := context.WithCancel(context.Background())
	tracker := &Tracker{
		prefix:      prefix,
		generator:   generator,
		slots:       semaphore.NewWeighted(defaultMaxConcurrent),
		callTimeout: defaultCallTimeout,
		resultTTL:   defaultResultTTL,
		baseCtx:     baseCtx,
		stop:        stop,
		operations:  make(map[jobs.Handle]*operation),
	}
	for _, option := range options {
		if option != nil {
			option(tracker)
		}
	}
	return tracker
}

// Submit starts the generation in the background and returns immediately.
func (tracker *Tracker) Submit(ctx context.Context, spec jobs.GenerationSpec) (jobs.Handle, error) {
	handle := jobs.Handle(tracker.prefix + "/" + uuid.NewString())
	tracker.mutex.Lock()
	if tracker.baseCtx.Err() != nil {
		tracker.mutex.Unlock()
		return "", fmt.Errorf("%w: tracker closed", jobs.ErrTransient)
	}
	tracker.evictExpired(time.Now())
	tracker.operations[handle] = &operation{}
	tracker.running.Add(1)
	tracker.mutex.Unlock()

	go tracker.run(handle, spec)
	return handle, nil
}

// Poll reports the state of handle. Finished operations are forgotten once reported.
func (tracker *Tracker) Poll(_ context.Context, handle jobs.Handle) (jobs.PollResult, error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	current, exists := tracker.operations[handle]
	if !exists {
		return jobs.PollResult{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if !current.done {
		return jobs.PollResult{State: jobs.PollPending}, nil
	}
	delete(tracker.operations, handle)
	return current.result, current.err
}

// Close cancels outstanding calls and waits for them to return.
func (tracker *Tracker) Close() {
	tracker.mutex.Lock()
	tracker.stop()
	tracker.mutex.Unlock()
	tracker.running.Wait()
}

func (tracker *Tracker) run(handle jobs.Handle, spec jobs.GenerationSpec) {
	defer tracker.running.Done()
	result, err := tracker.generate(spec)

	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	current, exists := tracker.operations[handle]
	if !exists {
		return
	}
	current.done = true
	current.finishedAt = time.Now()
	current.result = result
	current.err = err
}

func (tracker *Tracker) generate(spec jobs.GenerationSpec) (jobs.PollResult, error) {
	if err := tracker.slots.Acquire(tracker.baseCtx, 1); err != nil {
		return jobs.PollResult{}, fmt.Errorf("%w: %v", jobs.ErrTransient, err)
	}
	defer tracker.slots.Release(1)

	callCtx, cancel := context.WithTimeout(tracker.baseCtx, tracker.callTimeout)
	defer cancel()
	artifact, err := tracker.generator.Generate(callCtx, spec)
	switch {
	case err == nil:
		return jobs.PollResult{State: jobs.PollSucceeded, Artifact: artifact}, nil
	case errors.Is(err, jobs.ErrQuotaExceeded):
		return jobs.PollResult{}, err
	default:
		return jobs.PollResult{State: jobs.PollFailed, Message: err.Error()}, nil
	}
}

func (tracker *Tracker) evictExpired(now time.Time) {
	for handle, current := range tracker.operations {
		if current.done && now.Sub(current.finishedAt) > tracker.resultTTL {
			delete(tracker.operations, handle)
		}
	}
}
