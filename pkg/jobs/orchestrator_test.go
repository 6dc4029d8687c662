package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/ledger"
)

const (
	testPollInterval = 5 * time.Millisecond
	testWaitTimeout  = 5 * time.Second
)

func TestSubmitSucceedsAndCommits(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindText].completeAfter = 2

	view, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-ok", AccountID: 7, Kind: "text", Prompt: "hello"})
	if err != nil {
		test.Fatalf("submit: %v", err)
	}
	if view.Status != StatusReserved || view.Cost != 1 {
		test.Fatalf("unexpected submit view %+v", view)
	}

	finished := fixture.waitForTerminal(test, 7, "job-ok")
	if finished.Status != StatusSucceeded {
		test.Fatalf("expected succeeded, got %+v", finished)
	}
	if finished.ArtifactRef == "" || finished.ArtifactContentType != "text/plain" {
		test.Fatalf("expected artifact reference, got %+v", finished)
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected balance 9, got %d", balance)
	}
	if commits := fixture.ledger.count("commit"); commits != 1 {
		test.Fatalf("expected one commit, got %d", commits)
	}
	reader, contentType, err := fixture.orchestrator.OpenArtifact(context.Background(), 7, "job-ok")
	if err != nil {
		test.Fatalf("open artifact: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if contentType != "text/plain" || string(data) != "generated: hello" {
		test.Fatalf("unexpected artifact %q (%s)", data, contentType)
	}
}

func TestSubmitRejectsWhenBalanceTooLow(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 1)

	view, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-video", AccountID: 7, Kind: "video", Prompt: "waves"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if view.Status != StatusRejected || view.ErrorCode != CodeInsufficientFunds {
		test.Fatalf("expected rejected view, got %+v", view)
	}
	if submits := fixture.adapters[KindVideo].submits.Load(); submits != 0 {
		test.Fatalf("expected no backend call, got %d", submits)
	}
	if balance := fixture.ledger.balance(7); balance != 1 {
		test.Fatalf("expected balance untouched, got %d", balance)
	}
	stored := fixture.mustGet(test, 7, "job-video")
	if stored.Status != StatusRejected || !stored.FundsReturned {
		test.Fatalf("expected stored rejection, got %+v", stored)
	}
}

func TestSubmitIsIdempotentByJobID(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindImage].completeAfter = 1

	request := SubmitRequest{JobID: "job-dup", AccountID: 7, Kind: "image", Prompt: "a cat"}
	if _, err := fixture.orchestrator.Submit(context.Background(), request); err != nil {
		test.Fatalf("first submit: %v", err)
	}
	second, err := fixture.orchestrator.Submit(context.Background(), request)
	if err != nil {
		test.Fatalf("second submit: %v", err)
	}
	if !second.Duplicate || second.JobID != "job-dup" {
		test.Fatalf("expected duplicate view, got %+v", second)
	}
	fixture.waitForTerminal(test, 7, "job-dup")
	third, err := fixture.orchestrator.Submit(context.Background(), request)
	if err != nil || !third.Duplicate || third.Status != StatusSucceeded {
		test.Fatalf("expected finished duplicate, got %+v (%v)", third, err)
	}
	if reservations := fixture.ledger.count("reserve"); reservations != 1 {
		test.Fatalf("expected one reservation, got %d", reservations)
	}
	if submits := fixture.adapters[KindImage].submits.Load(); submits != 1 {
		test.Fatalf("expected one backend submission, got %d", submits)
	}
	if balance := fixture.ledger.balance(7); balance != 8 {
		test.Fatalf("expected balance 8, got %d", balance)
	}
}

func TestSubmitRejectsJobIDOfAnotherAccount(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.ledger.fund(8, 10)

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "shared", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "shared", AccountID: 8, Kind: "text", Prompt: "x"}); !errors.Is(err, ErrJobConflict) {
		test.Fatalf("expected ErrJobConflict, got %v", err)
	}
	if _, err := fixture.orchestrator.Get(context.Background(), 8, "shared"); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected other accounts to see nothing, got %v", err)
	}
}

func TestPollTimeoutReleasesReservation(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{deadline: 60 * time.Millisecond})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindVideo].completeAfter = -1

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-slow", AccountID: 7, Kind: "video", Prompt: "slow"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	finished := fixture.waitForTerminal(test, 7, "job-slow")
	if finished.Status != StatusTimedOut || finished.ErrorCode != CodePollTimeout || !finished.FundsReturned {
		test.Fatalf("expected timed out job, got %+v", finished)
	}
	if balance := fixture.ledger.balance(7); balance != 10 {
		test.Fatalf("expected full balance after release, got %d", balance)
	}
	if released := fixture.ledger.released("job-slow"); released != 5 {
		test.Fatalf("expected release of 5, got %d", released)
	}
}

func TestBackendFailuresReleaseCredits(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		configure    func(adapter *scriptedAdapter)
		expectedCode ErrorCode
	}{
		{
			name:         "submit error",
			configure:    func(adapter *scriptedAdapter) { adapter.submitErr = errors.New("boom") },
			expectedCode: CodeAdapterSubmitFailed,
		},
		{
			name:         "submit quota",
			configure:    func(adapter *scriptedAdapter) { adapter.submitErr = fmt.Errorf("%w: 429", ErrQuotaExceeded) },
			expectedCode: CodeAdapterQuotaExceeded,
		},
		{
			name: "poll reports failure",
			configure: func(adapter *scriptedAdapter) {
				adapter.completeAfter = 1
				adapter.failMessage = "blocked by safety filter"
			},
			expectedCode: CodeAdapterFailed,
		},
		{
			name:         "poll hard error",
			configure:    func(adapter *scriptedAdapter) { adapter.pollErrs = []error{errors.New("bad handle")} },
			expectedCode: CodeAdapterFailed,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newFixture(test, fixtureOptions{})
			fixture.ledger.fund(7, 10)
			testCase.configure(fixture.adapters[KindImage])

			if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-fail", AccountID: 7, Kind: "image", Prompt: "x"}); err != nil {
				test.Fatalf("submit: %v", err)
			}
			finished := fixture.waitForTerminal(test, 7, "job-fail")
			if finished.Status != StatusFailed || finished.ErrorCode != testCase.expectedCode {
				test.Fatalf("expected failed with %s, got %+v", testCase.expectedCode, finished)
			}
			if balance := fixture.ledger.balance(7); balance != 10 {
				test.Fatalf("expected credits returned, got %d", balance)
			}
		})
	}
}

func TestTransientPollErrorsAreRetried(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	adapter := fixture.adapters[KindText]
	adapter.pollErrs = []error{fmt.Errorf("%w: 503", ErrTransient), fmt.Errorf("%w: reset", ErrTransient)}
	adapter.completeAfter = 1

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-flaky", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	finished := fixture.waitForTerminal(test, 7, "job-flaky")
	if finished.Status != StatusSucceeded {
		test.Fatalf("expected success after transient errors, got %+v", finished)
	}
	if polls := adapter.polls.Load(); polls < 3 {
		test.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestCancelReleasesCredits(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindVideo].completeAfter = -1

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-cancel", AccountID: 7, Kind: "video", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	if _, err := fixture.orchestrator.Cancel(context.Background(), 8, "job-cancel"); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected other account cancel to fail, got %v", err)
	}
	view, err := fixture.orchestrator.Cancel(context.Background(), 7, "job-cancel")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if view.Status != StatusTimedOut || view.ErrorCode != CodeCanceled {
		test.Fatalf("expected canceled job, got %+v", view)
	}
	if balance := fixture.ledger.balance(7); balance != 10 {
		test.Fatalf("expected credits returned, got %d", balance)
	}
	if _, err := fixture.orchestrator.Cancel(context.Background(), 7, "job-cancel"); !errors.Is(err, ErrJobFinished) {
		test.Fatalf("expected ErrJobFinished, got %v", err)
	}
}

func TestAdmissionLimits(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{perAccount: 1, total: 2})
	for _, accountID := range []ledger.AccountID{7, 8, 9} {
		fixture.ledger.fund(accountID, 10)
	}
	fixture.adapters[KindText].completeAfter = -1

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "a-1", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "a-2", AccountID: 7, Kind: "text", Prompt: "x"}); !errors.Is(err, ErrBusy) {
		test.Fatalf("expected per-account ErrBusy, got %v", err)
	}
	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "b-1", AccountID: 8, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit second account: %v", err)
	}
	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "c-1", AccountID: 9, Kind: "text", Prompt: "x"}); !errors.Is(err, ErrBusy) {
		test.Fatalf("expected global ErrBusy, got %v", err)
	}
	if reservations := fixture.ledger.count("reserve"); reservations != 2 {
		test.Fatalf("expected busy submissions to reserve nothing, got %d reservations", reservations)
	}
	if _, err := fixture.store.GetJob(context.Background(), "a-2"); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected busy submission to leave no record, got %v", err)
	}

	if _, err := fixture.orchestrator.Cancel(context.Background(), 7, "a-1"); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "a-3", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("expected capacity after cancel, got %v", err)
	}
}

func TestSubmitValidatesRequest(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	testCases := []struct {
		name     string
		request  SubmitRequest
		expected error
	}{
		{name: "account", request: SubmitRequest{AccountID: 0, Kind: "text", Prompt: "x"}, expected: ErrInvalidRequest},
		{name: "kind", request: SubmitRequest{AccountID: 7, Kind: "audio", Prompt: "x"}, expected: ErrUnsupportedKind},
		{name: "prompt", request: SubmitRequest{AccountID: 7, Kind: "text", Prompt: " "}, expected: ErrInvalidRequest},
		{name: "params", request: SubmitRequest{AccountID: 7, Kind: "image", Prompt: "x", Params: map[string]any{"aspect_ratio": "5:4"}}, expected: ErrInvalidParams},
		{name: "job id", request: SubmitRequest{JobID: strings.Repeat("j", 129), AccountID: 7, Kind: "text", Prompt: "x"}, expected: ErrInvalidRequest},
	}
	for _, testCase := range testCases {
		if _, err := fixture.orchestrator.Submit(context.Background(), testCase.request); !errors.Is(err, testCase.expected) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
	if reservations := fixture.ledger.count("reserve"); reservations != 0 {
		test.Fatalf("expected invalid requests to reserve nothing, got %d", reservations)
	}
}

func TestSubmitGeneratesJobID(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{idGenerator: func() string { return "generated-1" }})
	fixture.ledger.fund(7, 10)

	view, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{AccountID: 7, Kind: "text", Prompt: "x"})
	if err != nil {
		test.Fatalf("submit: %v", err)
	}
	if view.JobID != "generated-1" {
		test.Fatalf("expected generated id, got %q", view.JobID)
	}
}

func TestShutdownLeavesJobsForRecovery(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindText].completeAfter = -1

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-restart", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	fixture.waitForStatus(test, "job-restart", StatusPolling)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
	defer cancel()
	if err := fixture.orchestrator.Shutdown(shutdownCtx); err != nil {
		test.Fatalf("shutdown: %v", err)
	}
	stored := fixture.mustStored(test, "job-restart")
	if stored.Status != StatusPolling || stored.Handle == "" {
		test.Fatalf("expected job to stay polling, got %+v", stored)
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected reservation to stay open, got balance %d", balance)
	}
	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-late", AccountID: 7, Kind: "text", Prompt: "x"}); !errors.Is(err, ErrShuttingDown) {
		test.Fatalf("expected ErrShuttingDown, got %v", err)
	}

	fixture.adapters[KindText].setCompleteAfter(1)
	restarted := fixture.restart(test)
	resumed, err := restarted.Recover(context.Background())
	if err != nil {
		test.Fatalf("recover: %v", err)
	}
	if resumed != 1 {
		test.Fatalf("expected one resumed job, got %d", resumed)
	}
	fixture.orchestrator = restarted
	finished := fixture.waitForTerminal(test, 7, "job-restart")
	if finished.Status != StatusSucceeded {
		test.Fatalf("expected resumed job to succeed, got %+v", finished)
	}
	if submits := fixture.adapters[KindText].submits.Load(); submits != 1 {
		test.Fatalf("expected resumed job to reuse its handle, got %d submissions", submits)
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected balance 9, got %d", balance)
	}
}

func TestRecoverSettlesExpiredAndUnadmittedJobs(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	past := time.Now().Add(-time.Hour)
	jobID, _ := ledger.NewJobID("job-expired")
	if err := fixture.ledger.Reserve(context.Background(), 7, 1, jobID); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	fixture.store.put(Job{JobID: "job-expired", AccountID: 7, Kind: KindText, Prompt: "x", Params: TextParams{}, Cost: 1, Status: StatusPolling, Handle: "h-1", CreatedAt: past, UpdatedAt: past, Deadline: past.Add(time.Minute)})
	fixture.store.put(Job{JobID: "job-created", AccountID: 7, Kind: KindText, Prompt: "x", Params: TextParams{}, Cost: 1, Status: StatusCreated, CreatedAt: past, UpdatedAt: past, Deadline: time.Now().Add(time.Hour)})

	resumed, err := fixture.orchestrator.Recover(context.Background())
	if err != nil {
		test.Fatalf("recover: %v", err)
	}
	if resumed != 0 {
		test.Fatalf("expected nothing resumed, got %d", resumed)
	}
	expired := fixture.mustStored(test, "job-expired")
	if expired.Status != StatusTimedOut || expired.ErrorCode != CodePollTimeout {
		test.Fatalf("expected expired job timed out, got %+v", expired)
	}
	created := fixture.mustStored(test, "job-created")
	if created.Status != StatusFailed || created.ErrorCode != CodeInterrupted {
		test.Fatalf("expected unadmitted job failed, got %+v", created)
	}
	if balance := fixture.ledger.balance(7); balance != 10 {
		test.Fatalf("expected credits returned, got %d", balance)
	}
}

func TestLedgerInvariantViolationIsRecorded(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindText].submitErr = errors.New("boom")
	fixture.ledger.mutex.Lock()
	fixture.ledger.releaseErr = ledger.ErrReservationClosed
	fixture.ledger.mutex.Unlock()

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-broken", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	finished := fixture.waitForTerminal(test, 7, "job-broken")
	if finished.ErrorCode != CodeLedgerInvariant {
		test.Fatalf("expected ledger invariant code, got %+v", finished)
	}
	if !fixture.events.sawError(ledger.ErrLedgerInvariantViolation) {
		test.Fatalf("expected invariant violation to be reported")
	}
}

func TestCancelDuringAdmissionSkipsBackend(test *testing.T) {
	test.Parallel()
	var testFixture *fixture
	canceled := make(chan error, 1)
	var once sync.Once
	hook := transitionHook(func(_ context.Context, transition Transition) {
		if transition.JobID != "job-racing" || transition.To != StatusReserved || transition.Err != nil {
			return
		}
		once.Do(func() {
			orchestrator := testFixture.orchestrator
			orchestrator.mutex.Lock()
			running := orchestrator.running["job-racing"]
			orchestrator.mutex.Unlock()
			if running == nil {
				canceled <- errors.New("reserved job is not tracked")
				return
			}
			go func() {
				_, err := orchestrator.Cancel(context.Background(), 7, "job-racing")
				canceled <- err
			}()
			select {
			case <-running.ctx.Done():
			case <-time.After(testWaitTimeout):
			}
		})
	})
	testFixture = newFixture(test, fixtureOptions{loggers: []EventLogger{hook}})
	testFixture.ledger.fund(7, 10)
	testFixture.adapters[KindText].completeAfter = -1

	if _, err := testFixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-racing", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	select {
	case err := <-canceled:
		if err != nil {
			test.Fatalf("cancel: %v", err)
		}
	case <-time.After(testWaitTimeout):
		test.Fatalf("cancel did not return")
	}
	stored := testFixture.mustStored(test, "job-racing")
	if stored.Status != StatusTimedOut || stored.ErrorCode != CodeCanceled || !stored.FundsReturned {
		test.Fatalf("expected canceled job with funds returned, got %+v", stored)
	}
	if submits := testFixture.adapters[KindText].submits.Load(); submits != 0 {
		test.Fatalf("expected no backend submission, got %d", submits)
	}
	if balance := testFixture.ledger.balance(7); balance != 10 {
		test.Fatalf("expected credits returned, got %d", balance)
	}
	if commits := testFixture.ledger.count("commit"); commits != 0 {
		test.Fatalf("expected no commit, got %d", commits)
	}
	if testFixture.events.sawError(ledger.ErrLedgerInvariantViolation) {
		test.Fatalf("expected no invariant violation")
	}
}

func TestLateSettleKeepsTerminalState(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	jobID, _ := ledger.NewJobID("job-settled")
	if err := fixture.ledger.Reserve(context.Background(), 7, 1, jobID); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := fixture.ledger.Commit(context.Background(), jobID); err != nil {
		test.Fatalf("commit: %v", err)
	}
	now := time.Now()
	stale := Job{JobID: "job-settled", AccountID: 7, Kind: KindText, Prompt: "x", Params: TextParams{}, Cost: 1, Status: StatusPolling, Handle: "h-1", CreatedAt: now, UpdatedAt: now, Deadline: now.Add(time.Minute)}
	succeeded := stale
	succeeded.Status = StatusSucceeded
	fixture.store.put(succeeded)

	result := fixture.orchestrator.settle(context.Background(), stale, StatusTimedOut, CodeCanceled, ErrCanceled)
	if result.Status != StatusSucceeded {
		test.Fatalf("expected settle to return the stored outcome, got %+v", result)
	}
	stored := fixture.mustStored(test, "job-settled")
	if stored.Status != StatusSucceeded || stored.ErrorCode != CodeNone || stored.FundsReturned {
		test.Fatalf("expected succeeded job untouched, got %+v", stored)
	}
	if _, err := fixture.orchestrator.transition(context.Background(), stored, StatusFailed, CodeAdapterFailed, errors.New("late failure")); !errors.Is(err, ErrJobSuperseded) {
		test.Fatalf("expected ErrJobSuperseded, got %v", err)
	}
	if !fixture.events.sawError(ErrJobSuperseded) {
		test.Fatalf("expected superseded transition to be reported")
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected charge kept, got %d", balance)
	}
}

func TestFundsReturnedFollowsLedger(test *testing.T) {
	test.Parallel()

	test.Run("lost commit acknowledgement", func(test *testing.T) {
		test.Parallel()
		fixture := newFixture(test, fixtureOptions{})
		fixture.ledger.fund(7, 10)
		fixture.ledger.mutex.Lock()
		fixture.ledger.lostCommits = 1
		fixture.ledger.mutex.Unlock()

		if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-lost-ack", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
			test.Fatalf("submit: %v", err)
		}
		finished := fixture.waitForTerminal(test, 7, "job-lost-ack")
		if finished.Status != StatusSucceeded || finished.FundsReturned {
			test.Fatalf("expected charged success, got %+v", finished)
		}
		if balance := fixture.ledger.balance(7); balance != 9 {
			test.Fatalf("expected balance 9, got %d", balance)
		}
	})

	test.Run("release after foreign commit", func(test *testing.T) {
		test.Parallel()
		fixture := newFixture(test, fixtureOptions{})
		fixture.ledger.fund(7, 10)
		adapter := fixture.adapters[KindText]
		adapter.completeAfter = -1

		if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-charged", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
			test.Fatalf("submit: %v", err)
		}
		fixture.waitForStatus(test, "job-charged", StatusPolling)
		jobID, _ := ledger.NewJobID("job-charged")
		if err := fixture.ledger.Commit(context.Background(), jobID); err != nil {
			test.Fatalf("commit: %v", err)
		}
		adapter.mutex.Lock()
		adapter.failMessage = "backend gave up"
		adapter.mutex.Unlock()
		adapter.setCompleteAfter(1)

		finished := fixture.waitForTerminal(test, 7, "job-charged")
		if finished.Status != StatusFailed || finished.ErrorCode != CodeLedgerInvariant {
			test.Fatalf("expected ledger invariant failure, got %+v", finished)
		}
		if finished.FundsReturned {
			test.Fatalf("expected funds_returned false for a charged job, got %+v", finished)
		}
		if balance := fixture.ledger.balance(7); balance != 9 {
			test.Fatalf("expected balance 9, got %d", balance)
		}
	})
}

func TestRecoverLeavesJobsOfLiveInstances(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	adapter := fixture.adapters[KindText]
	adapter.setCompleteAfter(-1)

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-live", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	fixture.waitForStatus(test, "job-live", StatusPolling)

	peer := fixture.restart(test)
	resumed, err := peer.Recover(context.Background())
	if err != nil {
		test.Fatalf("recover: %v", err)
	}
	if resumed != 0 || peer.Running() != 0 {
		test.Fatalf("expected peer to leave the job alone, resumed %d running %d", resumed, peer.Running())
	}

	adapter.setCompleteAfter(1)
	finished := fixture.waitForTerminal(test, 7, "job-live")
	if finished.Status != StatusSucceeded {
		test.Fatalf("expected job to succeed, got %+v", finished)
	}
	if submits := adapter.submits.Load(); submits != 1 {
		test.Fatalf("expected one backend submission, got %d", submits)
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected balance 9, got %d", balance)
	}
	if fixture.events.sawError(ErrJobSuperseded) {
		test.Fatalf("expected the driver to keep its lease")
	}
}

func TestRecoverClaimsExpiredLeases(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	now := time.Now()
	testCases := []struct {
		jobID string
		owner string
		lease time.Time
	}{
		{jobID: "job-stale", owner: "crashed", lease: now.Add(-time.Minute)},
		{jobID: "job-held", owner: "peer", lease: now.Add(time.Hour)},
	}
	for _, testCase := range testCases {
		jobID, _ := ledger.NewJobID(testCase.jobID)
		if err := fixture.ledger.Reserve(context.Background(), 7, 1, jobID); err != nil {
			test.Fatalf("reserve %s: %v", testCase.jobID, err)
		}
		fixture.store.put(Job{JobID: testCase.jobID, AccountID: 7, Kind: KindText, Prompt: "x", Params: TextParams{}, Cost: 1, Status: StatusPolling, Handle: Handle("handle-" + testCase.jobID + "|x"), Owner: testCase.owner, LeaseExpiresAt: testCase.lease, CreatedAt: now, UpdatedAt: now, Deadline: now.Add(time.Hour)})
	}

	resumed, err := fixture.orchestrator.Recover(context.Background())
	if err != nil {
		test.Fatalf("recover: %v", err)
	}
	if resumed != 1 {
		test.Fatalf("expected only the stale job resumed, got %d", resumed)
	}
	if finished := fixture.waitForTerminal(test, 7, "job-stale"); finished.Status != StatusSucceeded {
		test.Fatalf("expected stale job to succeed, got %+v", finished)
	}
	held := fixture.mustStored(test, "job-held")
	if held.Status != StatusPolling || held.Owner != "peer" {
		test.Fatalf("expected held job untouched, got %+v", held)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*testPollInterval)
	defer cancel()
	if _, err := fixture.orchestrator.Cancel(cancelCtx, 7, "job-held"); !errors.Is(err, context.DeadlineExceeded) {
		test.Fatalf("expected cancel to wait for the owner, got %v", err)
	}
	if !fixture.mustStored(test, "job-held").CancelRequested {
		test.Fatalf("expected cancel request to be recorded")
	}

	owner := fixture.restart(test, WithInstanceID("peer"))
	if resumed, err := owner.Recover(context.Background()); err != nil || resumed != 0 {
		test.Fatalf("expected owner to settle the canceled job, resumed %d err %v", resumed, err)
	}
	canceled := fixture.mustStored(test, "job-held")
	if canceled.Status != StatusTimedOut || canceled.ErrorCode != CodeCanceled || !canceled.FundsReturned {
		test.Fatalf("expected canceled job, got %+v", canceled)
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected balance 9, got %d", balance)
	}
}

func TestCancelFromAnotherInstanceStopsDriver(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{})
	fixture.ledger.fund(7, 10)
	fixture.adapters[KindImage].setCompleteAfter(-1)

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-remote", AccountID: 7, Kind: "image", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	fixture.waitForStatus(test, "job-remote", StatusPolling)

	peer := fixture.restart(test)
	cancelCtx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
	defer cancel()
	view, err := peer.Cancel(cancelCtx, 7, "job-remote")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if view.Status != StatusTimedOut || view.ErrorCode != CodeCanceled || !view.FundsReturned {
		test.Fatalf("expected canceled job, got %+v", view)
	}
	if balance := fixture.ledger.balance(7); balance != 10 {
		test.Fatalf("expected credits returned, got %d", balance)
	}
	if released := fixture.ledger.released("job-remote"); released != 2 {
		test.Fatalf("expected a single release of 2, got %d", released)
	}
}

func TestSubmitRejectsReusedJobIDAfterPurge(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, fixtureOptions{retention: time.Nanosecond})
	fixture.ledger.fund(7, 10)

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-reused", AccountID: 7, Kind: "text", Prompt: "x"}); err != nil {
		test.Fatalf("submit: %v", err)
	}
	fixture.waitForTerminal(test, 7, "job-reused")
	time.Sleep(time.Millisecond)
	if purged, err := fixture.orchestrator.PurgeExpired(context.Background()); err != nil || purged != 1 {
		test.Fatalf("expected one purged job, got %d err %v", purged, err)
	}

	if _, err := fixture.orchestrator.Submit(context.Background(), SubmitRequest{JobID: "job-reused", AccountID: 7, Kind: "text", Prompt: "x"}); !errors.Is(err, ErrJobConflict) {
		test.Fatalf("expected ErrJobConflict, got %v", err)
	}
	if _, err := fixture.store.GetJob(context.Background(), "job-reused"); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected no record for the reused id, got %v", err)
	}
	if balance := fixture.ledger.balance(7); balance != 9 {
		test.Fatalf("expected only the first charge, got %d", balance)
	}
}

func TestPurgeExpiredRemovesOldJobsAndArtifacts(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixture := newFixture(test, fixtureOptions{retention: 24 * time.Hour, clock: func() time.Time { return now }})
	old := now.Add(-48 * time.Hour)
	ref, _ := fixture.artifacts.Put(context.Background(), "image/7/old.png", "image/png", []byte("png"))
	fixture.store.put(Job{JobID: "old", AccountID: 7, Kind: KindImage, Status: StatusSucceeded, ArtifactRef: ref, CreatedAt: old, UpdatedAt: old, Deadline: old})
	fixture.store.put(Job{JobID: "old-active", AccountID: 7, Kind: KindImage, Status: StatusPolling, CreatedAt: old, UpdatedAt: old, Deadline: old})
	fixture.store.put(Job{JobID: "recent", AccountID: 7, Kind: KindImage, Status: StatusFailed, CreatedAt: now, UpdatedAt: now, Deadline: now})

	purged, err := fixture.orchestrator.PurgeExpired(context.Background())
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected one purged job, got %d", purged)
	}
	if _, err := fixture.store.GetJob(context.Background(), "old"); !errors.Is(err, ErrJobNotFound) {
		test.Fatalf("expected old job removed, got %v", err)
	}
	for _, remaining := range []string{"old-active", "recent"} {
		if _, err := fixture.store.GetJob(context.Background(), remaining); err != nil {
			test.Fatalf("expected %s kept: %v", remaining, err)
		}
	}
	if fixture.artifacts.has(ref) {
		test.Fatalf("expected artifact removed")
	}
}

func TestNewOrchestratorValidatesConfig(test *testing.T) {
	test.Parallel()
	adapters := map[Kind]Adapter{KindText: newScriptedAdapter("text/plain")}
	valid := Config{
		Costs:             map[Kind]int64{KindText: 1},
		Deadlines:         map[Kind]time.Duration{KindText: time.Minute},
		MaxJobsPerAccount: 1,
		MaxJobsTotal:      1,
	}
	if _, err := NewOrchestrator(newMemoryStore(), newFakeLedger(), newMemoryArtifacts(), adapters, valid); err != nil {
		test.Fatalf("expected valid config, got %v", err)
	}
	missingCost := valid
	missingCost.Costs = map[Kind]int64{}
	noLimits := valid
	noLimits.MaxJobsTotal = 0
	shortLease := valid
	shortLease.PollInterval = time.Second
	shortLease.LeaseTTL = time.Second
	for name, config := range map[string]Config{"cost": missingCost, "limits": noLimits, "lease": shortLease} {
		if _, err := NewOrchestrator(newMemoryStore(), newFakeLedger(), newMemoryArtifacts(), adapters, config); !errors.Is(err, ErrInvalidOrchestratorConfig) {
			test.Fatalf("%s: expected ErrInvalidOrchestratorConfig, got %v", name, err)
		}
	}
	if _, err := NewOrchestrator(nil, newFakeLedger(), newMemoryArtifacts(), adapters, valid); !errors.Is(err, ErrInvalidOrchestratorConfig) {
		test.Fatalf("expected nil store to fail, got %v", err)
	}
}

type fixtureOptions struct {
	deadline    time.Duration
	perAccount  int
	total       int
	retention   time.Duration
	clock       func() time.Time
	idGenerator func() string
	loggers     []EventLogger
}

type fixture struct {
	options      fixtureOptions
	store        *memoryStore
	ledger       *fakeLedger
	artifacts    *memoryArtifacts
	adapters     map[Kind]*scriptedAdapter
	events       *eventRecorder
	orchestrator *Orchestrator
}

func newFixture(test *testing.T, options fixtureOptions) *fixture {
	test.Helper()
	if options.deadline == 0 {
		options.deadline = testWaitTimeout
	}
	if options.perAccount == 0 {
		options.perAccount = 4
	}
	if options.total == 0 {
		options.total = 16
	}
	testFixture := &fixture{
		options:   options,
		store:     newMemoryStore(),
		ledger:    newFakeLedger(),
		artifacts: newMemoryArtifacts(),
		adapters: map[Kind]*scriptedAdapter{
			KindText:  newScriptedAdapter("text/plain"),
			KindImage: newScriptedAdapter("image/png"),
			KindVideo: newScriptedAdapter("video/mp4"),
		},
		events: &eventRecorder{},
	}
	testFixture.orchestrator = testFixture.build(test)
	test.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
		defer cancel()
		_ = testFixture.orchestrator.Shutdown(ctx)
	})
	return testFixture
}

func (testFixture *fixture) build(test *testing.T, extra ...Option) *Orchestrator {
	test.Helper()
	adapters := make(map[Kind]Adapter, len(testFixture.adapters))
	deadlines := make(map[Kind]time.Duration, len(testFixture.adapters))
	for kind, adapter := range testFixture.adapters {
		adapters[kind] = adapter
		deadlines[kind] = testFixture.options.deadline
	}
	options := []Option{
		WithEventLogger(testFixture.events),
		WithSettleRetry(2, time.Millisecond),
		WithIDGenerator(testFixture.options.idGenerator),
	}
	if testFixture.options.clock != nil {
		options = append(options, WithClock(testFixture.options.clock))
	}
	for _, logger := range testFixture.options.loggers {
		options = append(options, WithEventLogger(logger))
	}
	options = append(options, extra...)
	orchestrator, err := NewOrchestrator(testFixture.store, testFixture.ledger, testFixture.artifacts, adapters, Config{
		Costs:             map[Kind]int64{KindText: 1, KindImage: 2, KindVideo: 5},
		Deadlines:         deadlines,
		PollInterval:      testPollInterval,
		MaxJobsPerAccount: testFixture.options.perAccount,
		MaxJobsTotal:      testFixture.options.total,
		Retention:         testFixture.options.retention,
	}, options...)
	if err != nil {
		test.Fatalf("new orchestrator: %v", err)
	}
	return orchestrator
}

// restart builds a second orchestrator over the same store and ledger, as another process would.
func (testFixture *fixture) restart(test *testing.T, extra ...Option) *Orchestrator {
	test.Helper()
	orchestrator := testFixture.build(test, extra...)
	test.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
	})
	return orchestrator
}

func (testFixture *fixture) mustGet(test *testing.T, accountID int64, jobID string) JobView {
	test.Helper()
	view, err := testFixture.orchestrator.Get(context.Background(), accountID, jobID)
	if err != nil {
		test.Fatalf("get %s: %v", jobID, err)
	}
	return view
}

func (testFixture *fixture) mustStored(test *testing.T, jobID string) Job {
	test.Helper()
	job, err := testFixture.store.GetJob(context.Background(), jobID)
	if err != nil {
		test.Fatalf("stored %s: %v", jobID, err)
	}
	return job
}

func (testFixture *fixture) waitForTerminal(test *testing.T, accountID int64, jobID string) JobView {
	test.Helper()
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		view := testFixture.mustGet(test, accountID, jobID)
		if view.Status.IsTerminal() {
			return view
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.Fatalf("job %s did not finish", jobID)
	return JobView{}
}

func (testFixture *fixture) waitForStatus(test *testing.T, jobID string, status Status) {
	test.Helper()
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		if testFixture.mustStored(test, jobID).Status == status {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.Fatalf("job %s never reached %s", jobID, status)
}

type scriptedAdapter struct {
	contentType string
	submits     atomic.Int64
	polls       atomic.Int64

	mutex         sync.Mutex
	submitErr     error
	pollErrs      []error
	completeAfter int
	failMessage   string
	pollCounts    map[Handle]int
}

func newScriptedAdapter(contentType string) *scriptedAdapter {
	return &scriptedAdapter{contentType: contentType, completeAfter: 1, pollCounts: map[Handle]int{}}
}

func (adapter *scriptedAdapter) setCompleteAfter(polls int) {
	adapter.mutex.Lock()
	defer adapter.mutex.Unlock()
	adapter.completeAfter = polls
	adapter.pollCounts = map[Handle]int{}
}

func (adapter *scriptedAdapter) Submit(_ context.Context, spec GenerationSpec) (Handle, error) {
	adapter.submits.Add(1)
	adapter.mutex.Lock()
	defer adapter.mutex.Unlock()
	if adapter.submitErr != nil {
		return "", adapter.submitErr
	}
	return Handle("handle-" + spec.JobID + "|" + spec.Prompt), nil
}

func (adapter *scriptedAdapter) Poll(_ context.Context, handle Handle) (PollResult, error) {
	adapter.polls.Add(1)
	adapter.mutex.Lock()
	defer adapter.mutex.Unlock()
	if len(adapter.pollErrs) > 0 {
		err := adapter.pollErrs[0]
		adapter.pollErrs = adapter.pollErrs[1:]
		return PollResult{}, err
	}
	adapter.pollCounts[handle]++
	if adapter.completeAfter < 0 || adapter.pollCounts[handle] < adapter.completeAfter {
		return PollResult{State: PollPending}, nil
	}
	if adapter.failMessage != "" {
		return PollResult{State: PollFailed, Message: adapter.failMessage}, nil
	}
	prompt := string(handle)[strings.Index(string(handle), "|")+1:]
	return PollResult{State: PollSucceeded, Artifact: Artifact{ContentType: adapter.contentType, Data: []byte("generated: " + prompt)}}, nil
}

type reservation struct {
	accountID ledger.AccountID
	amount    int64
	closed    string
}

type fakeLedger struct {
	mutex        sync.Mutex
	balances     map[ledger.AccountID]int64
	reservations map[string]*reservation
	calls        map[string]int
	releases     map[string]int64
	releaseErr   error
	// lostCommits counts commits that are applied but reported as failed.
	lostCommits int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:     map[ledger.AccountID]int64{},
		reservations: map[string]*reservation{},
		calls:        map[string]int{},
		releases:     map[string]int64{},
	}
}

func (fake *fakeLedger) fund(accountID ledger.AccountID, amount int64) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.balances[accountID] += amount
}

func (fake *fakeLedger) balance(accountID ledger.AccountID) int64 {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.balances[accountID]
}

func (fake *fakeLedger) count(operation string) int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.calls[operation]
}

func (fake *fakeLedger) released(jobID string) int64 {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.releases[jobID]
}

func (fake *fakeLedger) Reserve(_ context.Context, accountID ledger.AccountID, amount ledger.PositiveCredits, jobID ledger.JobID) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if _, exists := fake.reservations[jobID.String()]; exists {
		return ledger.ErrDuplicateReservation
	}
	if fake.balances[accountID] < amount.Int64() {
		return ledger.ErrInsufficientFunds
	}
	fake.calls["reserve"]++
	fake.balances[accountID] -= amount.Int64()
	fake.reservations[jobID.String()] = &reservation{accountID: accountID, amount: amount.Int64()}
	return nil
}

func (fake *fakeLedger) Commit(_ context.Context, jobID ledger.JobID) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	open, err := fake.openReservation(jobID)
	if err != nil {
		return err
	}
	fake.calls["commit"]++
	open.closed = "commit"
	if fake.lostCommits > 0 {
		fake.lostCommits--
		return errors.New("connection reset")
	}
	return nil
}

func (fake *fakeLedger) Release(_ context.Context, jobID ledger.JobID) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if fake.releaseErr != nil {
		return fake.releaseErr
	}
	open, err := fake.openReservation(jobID)
	if err != nil {
		return err
	}
	fake.calls["release"]++
	open.closed = "release"
	fake.balances[open.accountID] += open.amount
	fake.releases[jobID.String()] += open.amount
	return nil
}

func (fake *fakeLedger) Reservation(_ context.Context, jobID ledger.JobID) (ledger.ReservationState, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	existing, exists := fake.reservations[jobID.String()]
	switch {
	case !exists:
		return ledger.ReservationNone, nil
	case existing.closed == "commit":
		return ledger.ReservationCommitted, nil
	case existing.closed == "release":
		return ledger.ReservationReleased, nil
	default:
		return ledger.ReservationOpen, nil
	}
}

func (fake *fakeLedger) openReservation(jobID ledger.JobID) (*reservation, error) {
	open, exists := fake.reservations[jobID.String()]
	if !exists {
		return nil, ledger.ErrReservationNotFound
	}
	if open.closed != "" {
		return nil, ledger.ErrReservationClosed
	}
	return open, nil
}

type memoryStore struct {
	mutex sync.Mutex
	jobs  map[string]Job
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: map[string]Job{}}
}

func (store *memoryStore) put(job Job) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.jobs[job.JobID] = job
}

func (store *memoryStore) CreateJob(_ context.Context, job Job) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.jobs[job.JobID]; exists {
		return ErrJobExists
	}
	store.jobs[job.JobID] = job
	return nil
}

func (store *memoryStore) GetJob(_ context.Context, jobID string) (Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	job, exists := store.jobs[jobID]
	if !exists {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (store *memoryStore) UpdateJob(_ context.Context, job Job) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	current, exists := store.jobs[job.JobID]
	if !exists {
		return ErrJobNotFound
	}
	if current.Status.IsTerminal() || current.Owner != job.Owner {
		return ErrJobSuperseded
	}
	job.CancelRequested = current.CancelRequested
	store.jobs[job.JobID] = job
	return nil
}

func (store *memoryStore) ClaimJob(_ context.Context, jobID string, owner string, leaseUntil time.Time, now time.Time) (Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	current, exists := store.jobs[jobID]
	switch {
	case !exists:
		return Job{}, ErrJobNotFound
	case current.Status.IsTerminal():
		return Job{}, ErrJobFinished
	case current.Owner != "" && current.Owner != owner && !current.LeaseExpiresAt.Before(now):
		return Job{}, ErrLeaseHeld
	}
	current.Owner = owner
	current.LeaseExpiresAt = leaseUntil
	store.jobs[jobID] = current
	return current, nil
}

func (store *memoryStore) RequestCancel(_ context.Context, jobID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	current, exists := store.jobs[jobID]
	switch {
	case !exists:
		return ErrJobNotFound
	case current.Status.IsTerminal():
		return ErrJobFinished
	}
	current.CancelRequested = true
	store.jobs[jobID] = current
	return nil
}

func (store *memoryStore) ListJobs(_ context.Context, accountID int64, limit int) ([]Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var jobs []Job
	for _, job := range store.jobs {
		if job.AccountID == accountID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(left, right int) bool { return jobs[left].CreatedAt.After(jobs[right].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (store *memoryStore) ListActiveJobs(_ context.Context) ([]Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var jobs []Job
	for _, job := range store.jobs {
		if !job.Status.IsTerminal() {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (store *memoryStore) ListFinishedBefore(_ context.Context, cutoff time.Time, limit int) ([]Job, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var jobs []Job
	for _, job := range store.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			jobs = append(jobs, job)
		}
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (store *memoryStore) DeleteJobs(_ context.Context, jobIDs []string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, jobID := range jobIDs {
		delete(store.jobs, jobID)
	}
	return nil
}

type memoryArtifacts struct {
	mutex   sync.Mutex
	objects map[string][]byte
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{objects: map[string][]byte{}}
}

func (artifacts *memoryArtifacts) has(ref string) bool {
	artifacts.mutex.Lock()
	defer artifacts.mutex.Unlock()
	_, exists := artifacts.objects[ref]
	return exists
}

func (artifacts *memoryArtifacts) Put(_ context.Context, key string, _ string, data []byte) (string, error) {
	artifacts.mutex.Lock()
	defer artifacts.mutex.Unlock()
	ref := "mem://" + key
	artifacts.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (artifacts *memoryArtifacts) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	artifacts.mutex.Lock()
	defer artifacts.mutex.Unlock()
	data, exists := artifacts.objects[ref]
	if !exists {
		return nil, errors.New("artifact missing")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (artifacts *memoryArtifacts) Delete(_ context.Context, ref string) error {
	artifacts.mutex.Lock()
	defer artifacts.mutex.Unlock()
	delete(artifacts.objects, ref)
	return nil
}

type transitionHook func(ctx context.Context, transition Transition)

func (hook transitionHook) LogTransition(ctx context.Context, transition Transition) {
	hook(ctx, transition)
}

type eventRecorder struct {
	mutex       sync.Mutex
	transitions []Transition
}

func (recorder *eventRecorder) LogTransition(_ context.Context, transition Transition) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.transitions = append(recorder.transitions, transition)
}

func (recorder *eventRecorder) sawError(target error) bool {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	for _, transition := range recorder.transitions {
		if transition.Err != nil && errors.Is(transition.Err, target) {
			return true
		}
	}
	return false
}
