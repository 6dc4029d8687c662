// Package simulated is an in-process backend with predictable latency and outcomes, used for local
// runs and end-to-end tests. Handles carry their own state, so a restarted process can keep polling.
package simulated

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
)

const (
	handlePrefix = "sim"

	// Prompt markers that steer the outcome.
	MarkerFail  = "[fail]"
	MarkerQuota = "[quota]"
	MarkerFlaky = "[flaky]"
	MarkerHang  = "[hang]"

	imageSide = 8
)

var errMalformedHandle = errors.New("simulated: malformed handle")

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(adapter *Adapter) {
		if now != nil {
			adapter.now = now
		}
	}
}

// Adapter implements jobs.Adapter for one kind.
type Adapter struct {
	kind    jobs.Kind
	latency time.Duration
	now     func() time.Time
}

// New returns an Adapter whose operations complete latency after submission.
func New(kind jobs.Kind, latency time.Duration, options ...Option) *Adapter {
	if latency < 0 {
		latency = 0
	}
	adapter := &Adapter{kind: kind, latency: latency, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(adapter)
		}
	}
	return adapter
}

// Submit encodes the ready time and the prompt into the handle.
func (adapter *Adapter) Submit(ctx context.Context, spec jobs.GenerationSpec) (jobs.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Contains(spec.Prompt, MarkerQuota) {
		return "", fmt.Errorf("%w: simulated rate limit", jobs.ErrQuotaExceeded)
	}
	readyAt := adapter.now().Add(adapter.latency).UnixMilli()
	encodedPrompt := base64.RawURLEncoding.EncodeToString([]byte(spec.Prompt))
	return jobs.Handle(strings.Join([]string{handlePrefix, string(adapter.kind), strconv.FormatInt(readyAt, 10), encodedPrompt}, ":")), nil
}

// Poll reports pending until the ready time, then the deterministic outcome of the prompt.
func (adapter *Adapter) Poll(ctx context.Context, handle jobs.Handle) (jobs.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return jobs.PollResult{}, err
	}
	kind, readyAt, prompt, err := parseHandle(handle)
	if err != nil {
		return jobs.PollResult{}, err
	}
	now := adapter.now()
	if strings.Contains(prompt, MarkerHang) || now.Before(readyAt) {
		if strings.Contains(prompt, MarkerFlaky) && now.UnixMilli()%2 == 0 {
			return jobs.PollResult{}, fmt.Errorf("%w: simulated hiccup", jobs.ErrTransient)
		}
		return jobs.PollResult{State: jobs.PollPending}, nil
	}
	if strings.Contains(prompt, MarkerFail) {
		return jobs.PollResult{State: jobs.PollFailed, Message: "simulated backend rejected the prompt"}, nil
	}
	artifact, err := render(kind, prompt)
	if err != nil {
		return jobs.PollResult{}, err
	}
	return jobs.PollResult{State: jobs.PollSucceeded, Artifact: artifact}, nil
}

func parseHandle(handle jobs.Handle) (jobs.Kind, time.Time, string, error) {
	parts := strings.SplitN(string(handle), ":", 4)
	if len(parts) != 4 || parts[0] != handlePrefix {
		return "", time.Time{}, "", fmt.Errorf("%w: %q", errMalformedHandle, handle)
	}
	kind, err := jobs.ParseKind(parts[1])
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: %v", errMalformedHandle, err)
	}
	readyMillis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: %v", errMalformedHandle, err)
	}
	prompt, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: %v", errMalformedHandle, err)
	}
	return kind, time.UnixMilli(readyMillis), string(prompt), nil
}

func render(kind jobs.Kind, prompt string) (jobs.Artifact, error) {
	switch kind {
	case jobs.KindImage:
		data, err := swatch(prompt)
		if err != nil {
			return jobs.Artifact{}, err
		}
		return jobs.Artifact{ContentType: "image/png", Data: data}, nil
	case jobs.KindVideo:
		data, err := json.Marshal(map[string]any{"storyboard": prompt, "frames": 24})
		if err != nil {
			return jobs.Artifact{}, err
		}
		return jobs.Artifact{ContentType: "application/json", Data: data}, nil
	default:
		return jobs.Artifact{ContentType: "text/plain; charset=utf-8", Data: []byte("simulated response to: " + prompt)}, nil
	}
}

// swatch draws a solid square whose colour is derived from the prompt.
func swatch(prompt string) ([]byte, error) {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(prompt))
	sum := hasher.Sum32()
	fill := color.RGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 0xff}
	canvas := image.NewRGBA(image.Rect(0, 0, imageSide, imageSide))
	for y := 0; y < imageSide; y++ {
		for x := 0; x < imageSide; x++ {
			canvas.Set(x, y, fill)
		}
	}
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, canvas); err != nil {
		return nil, fmt.Errorf("encode swatch: %w", err)
	}
	return buffer.Bytes(), nil
}
