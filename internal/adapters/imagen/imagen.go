// Package imagen generates still images with the Imagen predict endpoint.
package imagen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/restclient"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
)

const (
	DefaultModel = "imagen-3.0-generate-001"

	defaultContentType = "image/png"
)

// Generator calls models/{model}:predict for a single image.
type Generator struct {
	client *restclient.Client
	model  string
}

// NewGenerator returns an image Generator for model.
func NewGenerator(client *restclient.Client, model string) (*Generator, error) {
	if client == nil {
		return nil, errors.New("imagen: client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model}, nil
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string `json:"prompt"`
}

type parameters struct {
	SampleCount      int    `json:"sampleCount"`
	AspectRatio      string `json:"aspectRatio,omitempty"`
	SafetySetting    string `json:"safetySetting,omitempty"`
	PersonGeneration string `json:"personGeneration,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
		RAIFilteredReason  string `json:"raiFilteredReason"`
	} `json:"predictions"`
}

// Generate performs one blocking call and returns the first image.
func (generator *Generator) Generate(ctx context.Context, spec jobs.GenerationSpec) (jobs.Artifact, error) {
	request := predictRequest{
		Instances: []instance{{Prompt: spec.Prompt}},
		Parameters: parameters{
			SampleCount:      1,
			SafetySetting:    "block_some",
			PersonGeneration: "allow_adult",
		},
	}
	if params, ok := spec.Params.(jobs.ImageParams); ok {
		request.Parameters.AspectRatio = params.AspectRatio
	}
	var response predictResponse
	path := fmt.Sprintf("models/%s:predict", generator.model)
	if err := generator.client.PostJSON(ctx, path, request, &response); err != nil {
		return jobs.Artifact{}, fmt.Errorf("imagen predict: %w", err)
	}
	if len(response.Predictions) == 0 {
		return jobs.Artifact{}, errors.New("imagen: no image returned, the prompt was likely filtered")
	}
	prediction := response.Predictions[0]
	if prediction.BytesBase64Encoded == "" {
		reason := prediction.RAIFilteredReason
		if reason == "" {
			reason = "empty prediction"
		}
		return jobs.Artifact{}, fmt.Errorf("imagen: %s", reason)
	}
	data, err := base64.StdEncoding.DecodeString(prediction.BytesBase64Encoded)
	if err != nil {
		return jobs.Artifact{}, fmt.Errorf("imagen: decode image: %w", err)
	}
	contentType := prediction.MimeType
	if contentType == "" {
		contentType = defaultContentType
	}
	return jobs.Artifact{ContentType: contentType, Data: data}, nil
}
