package daemon

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"go.uber.org/zap"
)

const (
	testBotToken   = "424242:integration-token"
	testAccountID  = int64(991)
	waitForTimeout = 5 * time.Second
)

func TestDaemonServesJobLifecycle(test *testing.T) {
	daemon := newTestDaemon(test)
	handler := daemon.Handler()

	sessionRecorder := performRequest(handler, http.MethodPost, "/api/session", nil, map[string]string{
		"X-Init-Data": signLaunchPayload(testBotToken, testAccountID),
	})
	if sessionRecorder.Code != http.StatusOK {
		test.Fatalf("session exchange failed: %d %s", sessionRecorder.Code, sessionRecorder.Body.String())
	}
	var session struct {
		Token   string `json:"token"`
		Created bool   `json:"created"`
	}
	decodeBody(test, sessionRecorder, &session)
	if session.Token == "" || !session.Created {
		test.Fatalf("unexpected session: %+v", session)
	}
	auth := map[string]string{"Authorization": "Bearer " + session.Token}

	expectBalance(test, handler, auth, 10)

	submitRecorder := performRequest(handler, http.MethodPost, "/api/jobs",
		[]byte(`{"job_id":"job-text","kind":"text","prompt":"hello there"}`), auth)
	if submitRecorder.Code != http.StatusAccepted {
		test.Fatalf("submit failed: %d %s", submitRecorder.Code, submitRecorder.Body.String())
	}

	succeeded := waitForTerminal(test, handler, auth, "job-text")
	if succeeded.Status != jobs.StatusSucceeded || succeeded.FundsReturned {
		test.Fatalf("expected succeeded job, got %+v", succeeded)
	}
	artifactRecorder := performRequest(handler, http.MethodGet, "/api/jobs/job-text/artifact", nil, auth)
	if artifactRecorder.Code != http.StatusOK {
		test.Fatalf("artifact fetch failed: %d %s", artifactRecorder.Code, artifactRecorder.Body.String())
	}
	if !strings.Contains(artifactRecorder.Body.String(), "hello there") {
		test.Fatalf("unexpected artifact body: %q", artifactRecorder.Body.String())
	}
	expectBalance(test, handler, auth, 9)

	failRecorder := performRequest(handler, http.MethodPost, "/api/jobs",
		[]byte(`{"job_id":"job-video","kind":"video","prompt":"a storm [fail]"}`), auth)
	if failRecorder.Code != http.StatusAccepted {
		test.Fatalf("submit failed: %d %s", failRecorder.Code, failRecorder.Body.String())
	}
	failed := waitForTerminal(test, handler, auth, "job-video")
	if failed.Status != jobs.StatusFailed || failed.ErrorCode != jobs.CodeAdapterFailed || !failed.FundsReturned {
		test.Fatalf("expected failed job with funds returned, got %+v", failed)
	}
	expectBalance(test, handler, auth, 9)

	duplicateRecorder := performRequest(handler, http.MethodPost, "/api/jobs",
		[]byte(`{"job_id":"job-text","kind":"text","prompt":"hello there"}`), auth)
	if duplicateRecorder.Code != http.StatusOK {
		test.Fatalf("expected duplicate to return 200, got %d", duplicateRecorder.Code)
	}

	metricsRecorder := performRequest(handler, http.MethodGet, "/metrics", nil, nil)
	if !strings.Contains(metricsRecorder.Body.String(), "creditgen_jobs_transitions_total") {
		test.Fatalf("expected job metrics to be exported")
	}
}

func TestDaemonRunStopsOnCancel(test *testing.T) {
	daemon := newTestDaemon(test)
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("run returned error: %v", err)
		}
	case <-time.After(waitForTimeout):
		test.Fatalf("run did not stop after cancellation")
	}
}

func TestNewRejectsInvalidConfig(test *testing.T) {
	if _, err := New(context.Background(), Config{}, zap.NewNop()); err == nil {
		test.Fatalf("expected validation error")
	}
}

func newTestDaemon(test *testing.T) *Daemon {
	test.Helper()
	root := test.TempDir()
	daemon, err := New(context.Background(), Config{
		HTTPListenAddr:    "127.0.0.1:0",
		GRPCListenAddr:    "127.0.0.1:0",
		DatabaseURL:       filepath.Join(root, "creditgen.db"),
		ArtifactDir:       filepath.Join(root, "artifacts"),
		BotToken:          testBotToken,
		SessionSigningKey: "integration-signing-key",
		RatePerSecond:     1000,
		RateBurst:         1000,
		PollInterval:      10 * time.Millisecond,
		SimulatedLatency:  20 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
	}, zap.NewNop())
	if err != nil {
		test.Fatalf("daemon init failed: %v", err)
	}
	test.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitForTimeout)
		defer cancel()
		_ = daemon.Orchestrator().Shutdown(ctx)
		if err := daemon.Close(); err != nil {
			test.Errorf("close failed: %v", err)
		}
	})
	return daemon
}

func waitForTerminal(test *testing.T, handler http.Handler, headers map[string]string, jobID string) jobs.JobView {
	test.Helper()
	deadline := time.Now().Add(waitForTimeout)
	for time.Now().Before(deadline) {
		recorder := performRequest(handler, http.MethodGet, "/api/jobs/"+jobID, nil, headers)
		if recorder.Code != http.StatusOK {
			test.Fatalf("get job failed: %d %s", recorder.Code, recorder.Body.String())
		}
		var view jobs.JobView
		decodeBody(test, recorder, &view)
		if view.Status.IsTerminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	test.Fatalf("job %s did not finish in time", jobID)
	return jobs.JobView{}
}

func expectBalance(test *testing.T, handler http.Handler, headers map[string]string, available int64) {
	test.Helper()
	recorder := performRequest(handler, http.MethodGet, "/api/wallet", nil, headers)
	if recorder.Code != http.StatusOK {
		test.Fatalf("wallet failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var wallet struct {
		Balance struct {
			Available int64 `json:"available"`
			Reserved  int64 `json:"reserved"`
		} `json:"balance"`
	}
	decodeBody(test, recorder, &wallet)
	if wallet.Balance.Available != available || wallet.Balance.Reserved != 0 {
		test.Fatalf("expected available %d and nothing reserved, got %+v", available, wallet.Balance)
	}
}

func performRequest(handler http.Handler, method string, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder, target any) {
	test.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		test.Fatalf("decode body failed: %v (%s)", err, recorder.Body.String())
	}
}

func signLaunchPayload(botToken string, accountID int64) string {
	fields := map[string]string{
		"auth_date": "1700000000",
		"user":      fmt.Sprintf(`{"id":%d,"first_name":"Grace"}`, accountID),
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, key+"="+fields[key])
	}
	secretMac := hmac.New(sha256.New, []byte("WebAppData"))
	secretMac.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secretMac.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))

	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}
