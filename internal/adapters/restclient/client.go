// Package restclient is the JSON-over-HTTP client shared by the generative backend adapters.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/pkg/jobs"
	"google.golang.org/api/googleapi"
)

const (
	// DefaultBaseURL is the public Gemini API root.
	DefaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta/"
	defaultHTTPTimeout = 2 * time.Minute
	defaultMaxDownload = 256 << 20
	apiKeyHeader       = "x-goog-api-key"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithMaxDownload bounds the size of downloaded artifacts.
func WithMaxDownload(limit int64) Option {
	return func(client *Client) {
		if limit > 0 {
			client.maxDownload = limit
		}
	}
}

// Client issues authenticated requests against one API root.
type Client struct {
	baseURL     *url.URL
	apiKey      string
	httpClient  *http.Client
	maxDownload int64
}

// New validates the base URL and returns a Client.
func New(baseURL string, apiKey string, options ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid backend base url %q", baseURL)
	}
	client := &Client{
		baseURL:     parsed,
		apiKey:      strings.TrimSpace(apiKey),
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		maxDownload: defaultMaxDownload,
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// PostJSON sends body to path (relative to the base URL) and decodes the response into out.
func (client *Client) PostJSON(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return client.doJSON(ctx, http.MethodPost, path, bytes.NewReader(encoded), out)
}

// GetJSON fetches path (relative to the base URL) and decodes the response into out.
func (client *Client) GetJSON(ctx context.Context, path string, out any) error {
	return client.doJSON(ctx, http.MethodGet, path, nil, out)
}

// Download fetches an absolute URL issued by the backend and returns its body and content type.
func (client *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	request, err := client.newRequest(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, "", classify(ctx, fmt.Errorf("download: %w", err))
	}
	defer response.Body.Close()
	if err := googleapi.CheckResponse(response); err != nil {
		return nil, "", classify(ctx, err)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, client.maxDownload+1))
	if err != nil {
		return nil, "", classify(ctx, fmt.Errorf("read download: %w", err))
	}
	if int64(len(data)) > client.maxDownload {
		return nil, "", fmt.Errorf("download exceeds %d bytes", client.maxDownload)
	}
	return data, response.Header.Get("Content-Type"), nil
}

func (client *Client) doJSON(ctx context.Context, method string, path string, body io.Reader, out any) error {
	reference, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	request, err := client.newRequest(ctx, method, client.baseURL.ResolveReference(reference).String(), body)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return classify(ctx, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer response.Body.Close()
	if err := googleapi.CheckResponse(response); err != nil {
		return classify(ctx, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (client *Client) newRequest(ctx context.Context, method string, target string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if client.apiKey != "" {
		request.Header.Set(apiKeyHeader, client.apiKey)
	}
	return request, nil
}

// classify marks rate limits as quota errors and retryable failures as transient.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", jobs.ErrQuotaExceeded, err)
		case apiErr.Code == http.StatusRequestTimeout, apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", jobs.ErrTransient, err)
		default:
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", jobs.ErrTransient, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", jobs.ErrTransient, err)
	}
	return err
}
