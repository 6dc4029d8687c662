package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	maxPromptLength = 4000

	paramTemperature     = "temperature"
	paramMaxOutputTokens = "max_output_tokens"
	paramAspectRatio     = "aspect_ratio"
	paramDurationSeconds = "duration_seconds"

	defaultImageAspectRatio = "1:1"
	defaultVideoAspectRatio = "16:9"
	defaultVideoDuration    = 4
	minVideoDuration        = 4
	maxVideoDuration        = 8
	maxOutputTokensLimit    = 8192
	maxTemperature          = 2.0
)

var (
	imageAspectRatios = []string{"1:1", "16:9", "9:16", "3:4", "4:3"}
	videoAspectRatios = []string{"16:9", "9:16"}
)

// Params is the typed, validated parameter set of one kind.
type Params interface {
	Kind() Kind
	Values() map[string]any
	isParams()
}

// TextParams tunes text generation. Zero values mean backend defaults.
type TextParams struct {
	Temperature     *float64
	MaxOutputTokens int
}

// ImageParams selects the output frame.
type ImageParams struct {
	AspectRatio string
}

// VideoParams selects clip length and frame.
type VideoParams struct {
	DurationSeconds int
	AspectRatio     string
}

func (TextParams) Kind() Kind  { return KindText }
func (ImageParams) Kind() Kind { return KindImage }
func (VideoParams) Kind() Kind { return KindVideo }

func (TextParams) isParams()  {}
func (ImageParams) isParams() {}
func (VideoParams) isParams() {}

func (params TextParams) Values() map[string]any {
	values := map[string]any{}
	if params.Temperature != nil {
		values[paramTemperature] = *params.Temperature
	}
	if params.MaxOutputTokens > 0 {
		values[paramMaxOutputTokens] = params.MaxOutputTokens
	}
	return values
}

func (params ImageParams) Values() map[string]any {
	return map[string]any{paramAspectRatio: params.AspectRatio}
}

func (params VideoParams) Values() map[string]any {
	return map[string]any{
		paramDurationSeconds: params.DurationSeconds,
		paramAspectRatio:     params.AspectRatio,
	}
}

// ParseParams validates the open parameter map of a request against the schema of kind.
// Unknown keys are rejected; missing keys take their defaults.
func ParseParams(kind Kind, raw map[string]any) (Params, error) {
	switch kind {
	case KindText:
		if err := rejectUnknownKeys(raw, paramTemperature, paramMaxOutputTokens); err != nil {
			return nil, err
		}
		params := TextParams{}
		if value, present := raw[paramTemperature]; present {
			temperature, err := floatParam(paramTemperature, value)
			if err != nil {
				return nil, err
			}
			if temperature < 0 || temperature > maxTemperature {
				return nil, fmt.Errorf("%w: %s must be within 0..%g", ErrInvalidParams, paramTemperature, maxTemperature)
			}
			params.Temperature = &temperature
		}
		if value, present := raw[paramMaxOutputTokens]; present {
			tokens, err := intParam(paramMaxOutputTokens, value)
			if err != nil {
				return nil, err
			}
			if tokens < 1 || tokens > maxOutputTokensLimit {
				return nil, fmt.Errorf("%w: %s must be within 1..%d", ErrInvalidParams, paramMaxOutputTokens, maxOutputTokensLimit)
			}
			params.MaxOutputTokens = tokens
		}
		return params, nil
	case KindImage:
		if err := rejectUnknownKeys(raw, paramAspectRatio); err != nil {
			return nil, err
		}
		aspectRatio, err := aspectRatioParam(raw, defaultImageAspectRatio, imageAspectRatios)
		if err != nil {
			return nil, err
		}
		return ImageParams{AspectRatio: aspectRatio}, nil
	case KindVideo:
		if err := rejectUnknownKeys(raw, paramAspectRatio, paramDurationSeconds); err != nil {
			return nil, err
		}
		aspectRatio, err := aspectRatioParam(raw, defaultVideoAspectRatio, videoAspectRatios)
		if err != nil {
			return nil, err
		}
		duration := defaultVideoDuration
		if value, present := raw[paramDurationSeconds]; present {
			duration, err = intParam(paramDurationSeconds, value)
			if err != nil {
				return nil, err
			}
			if duration < minVideoDuration || duration > maxVideoDuration {
				return nil, fmt.Errorf("%w: %s must be within %d..%d", ErrInvalidParams, paramDurationSeconds, minVideoDuration, maxVideoDuration)
			}
		}
		return VideoParams{DurationSeconds: duration, AspectRatio: aspectRatio}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// DecodeParams restores stored params.
func DecodeParams(kind Kind, data []byte) (Params, error) {
	raw := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	return ParseParams(kind, raw)
}

// NormalizePrompt trims the prompt and enforces its bounds.
func NormalizePrompt(raw string) (string, error) {
	prompt := strings.TrimSpace(raw)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return "", fmt.Errorf("%w: prompt longer than %d characters", ErrInvalidRequest, maxPromptLength)
	}
	return prompt, nil
}

func rejectUnknownKeys(raw map[string]any, allowed ...string) error {
	var unknown []string
	for key := range raw {
		known := false
		for _, candidate := range allowed {
			if key == candidate {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: unknown keys %s", ErrInvalidParams, strings.Join(unknown, ", "))
}

func aspectRatioParam(raw map[string]any, fallback string, allowed []string) (string, error) {
	value, present := raw[paramAspectRatio]
	if !present {
		return fallback, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidParams, paramAspectRatio)
	}
	text = strings.TrimSpace(text)
	for _, candidate := range allowed {
		if text == candidate {
			return text, nil
		}
	}
	return "", fmt.Errorf("%w: %s must be one of %s", ErrInvalidParams, paramAspectRatio, strings.Join(allowed, ", "))
}

func floatParam(name string, value any) (float64, error) {
	switch typed := value.(type) {
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParams, name)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidParams, name)
	}
}

func intParam(name string, value any) (int, error) {
	switch typed := value.(type) {
	case int:
		return typed, nil
	case int64:
		return int(typed), nil
	}
	parsed, err := floatParam(name, value)
	if err != nil {
		return 0, err
	}
	if parsed != math.Trunc(parsed) || math.Abs(parsed) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, name)
	}
	return int(parsed), nil
}
