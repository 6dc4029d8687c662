// Package veo drives video generation through predictLongRunning operations.
package veo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/restclient"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
)

const (
	DefaultModel = "veo-3.1-fast-generate-preview"

	defaultContentType = "video/mp4"
)

// Adapter implements jobs.Adapter directly: the backend already exposes a long-running operation.
type Adapter struct {
	client *restclient.Client
	model  string
}

// NewAdapter returns a video Adapter for model.
func NewAdapter(client *restclient.Client, model string) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("veo: client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{client: client, model: model}, nil
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string `json:"prompt"`
}

type parameters struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
			RAIMediaFilteredReasons []string `json:"raiMediaFilteredReasons"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

// Submit starts a generation and returns the operation name as the handle.
func (adapter *Adapter) Submit(ctx context.Context, spec jobs.GenerationSpec) (jobs.Handle, error) {
	request := predictRequest{Instances: []instance{{Prompt: spec.Prompt}}}
	if params, ok := spec.Params.(jobs.VideoParams); ok {
		request.Parameters = parameters{AspectRatio: params.AspectRatio, DurationSeconds: params.DurationSeconds}
	}
	var started operation
	path := fmt.Sprintf("models/%s:predictLongRunning", adapter.model)
	if err := adapter.client.PostJSON(ctx, path, request, &started); err != nil {
		return "", fmt.Errorf("veo submit: %w", err)
	}
	if strings.TrimSpace(started.Name) == "" {
		return "", errors.New("veo submit: operation name missing")
	}
	return jobs.Handle(started.Name), nil
}

// Poll reads the operation and downloads the first sample once it is done.
func (adapter *Adapter) Poll(ctx context.Context, handle jobs.Handle) (jobs.PollResult, error) {
	var current operation
	if err := adapter.client.GetJSON(ctx, string(handle), &current); err != nil {
		return jobs.PollResult{}, fmt.Errorf("veo poll: %w", err)
	}
	if !current.Done {
		return jobs.PollResult{State: jobs.PollPending}, nil
	}
	if current.Error != nil {
		return jobs.PollResult{State: jobs.PollFailed, Message: fmt.Sprintf("veo: %s (code %d)", current.Error.Message, current.Error.Code)}, nil
	}
	if current.Response == nil || len(current.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
		message := "veo: no video returned"
		if current.Response != nil && len(current.Response.GenerateVideoResponse.RAIMediaFilteredReasons) > 0 {
			message += ": " + strings.Join(current.Response.GenerateVideoResponse.RAIMediaFilteredReasons, "; ")
		}
		return jobs.PollResult{State: jobs.PollFailed, Message: message}, nil
	}
	uri := current.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI
	if uri == "" {
		return jobs.PollResult{State: jobs.PollFailed, Message: "veo: sample has no uri"}, nil
	}
	data, contentType, err := adapter.client.Download(ctx, uri)
	if err != nil {
		return jobs.PollResult{}, fmt.Errorf("veo download: %w", err)
	}
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = defaultContentType
	}
	return jobs.PollResult{State: jobs.PollSucceeded, Artifact: jobs.Artifact{ContentType: contentType, Data: data}}, nil
}
