// Package gemini generates text with the Gemini generateContent endpoint.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgen/internal/adapters/restclient"
	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
)

const (
	DefaultModel = "gemini-1.5-pro-latest"

	contentTypeText = "text/plain; charset=utf-8"
	roleUser        = "user"
)

// Generator calls models/{model}:generateContent.
type Generator struct {
	client *restclient.Client
	model  string
}

// NewGenerator returns a text Generator for model.
func NewGenerator(client *restclient.Client, model string) (*Generator, error) {
	if client == nil {
		return nil, errors.New("gemini: client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model}, nil
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Generate performs one blocking call and returns the concatenated candidate text.
func (generator *Generator) Generate(ctx context.Context, spec jobs.GenerationSpec) (jobs.Artifact, error) {
	request := generateRequest{
		Contents: []content{{Role: roleUser, Parts: []part{{Text: spec.Prompt}}}},
	}
	if params, ok := spec.Params.(jobs.TextParams); ok && (params.Temperature != nil || params.MaxOutputTokens > 0) {
		request.GenerationConfig = &generationConfig{
			Temperature:     params.Temperature,
			MaxOutputTokens: params.MaxOutputTokens,
		}
	}
	var response generateResponse
	path := fmt.Sprintf("models/%s:generateContent", generator.model)
	if err := generator.client.PostJSON(ctx, path, request, &response); err != nil {
		return jobs.Artifact{}, fmt.Errorf("gemini generate: %w", err)
	}
	if reason := response.PromptFeedback.BlockReason; reason != "" {
		return jobs.Artifact{}, fmt.Errorf("gemini: prompt blocked (%s)", reason)
	}
	if len(response.Candidates) == 0 {
		return jobs.Artifact{}, errors.New("gemini: no candidates returned")
	}
	var builder strings.Builder
	for _, candidatePart := range response.Candidates[0].Content.Parts {
		builder.WriteString(candidatePart.Text)
	}
	if builder.Len() == 0 {
		return jobs.Artifact{}, fmt.Errorf("gemini: empty response (finish reason %s)", response.Candidates[0].FinishReason)
	}
	return jobs.Artifact{ContentType: contentTypeText, Data: []byte(builder.String())}, nil
}
