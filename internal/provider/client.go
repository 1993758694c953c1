// Package provider talks to the external image-generation APIs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imalyk/go-image-processor/pkg/job"
)

const (
	DefaultSubmitTimeout = 30 * time.Second
	DefaultPollTimeout   = 10 * time.Second
	maxImageBytes        = 50 << 20
)

type Config struct {
	BaseURL       string
	APIKey        string
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	HTTPClient    *http.Client
}

type client struct {
	base          string
	apiKey        string
	http          *http.Client
	submitTimeout time.Duration
	pollTimeout   time.Duration
}

func newClient(cfg Config) client {
	c := client{
		base:          strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		http:          cfg.HTTPClient,
		submitTimeout: cfg.SubmitTimeout,
		pollTimeout:   cfg.PollTimeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = DefaultSubmitTimeout
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = DefaultPollTimeout
	}
	return c
}

// do sends a JSON request and decodes a JSON response into out.
func (c client) do(ctx context.Context, timeout time.Duration, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// checkStatus maps an HTTP error response to an error. Rate and concurrency
// limit responses wrap job.ErrProviderThrottled.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(snippet))
	if resp.StatusCode == http.StatusTooManyRequests || isThrottleMessage(msg) {
		return fmt.Errorf("%w: status %d: %s", job.ErrProviderThrottled, resp.StatusCode, msg)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}

func isThrottleMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range []string{"rate limit", "too many requests", "concurrency limit", "concurrent", "throttl"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Fetcher downloads images by URL.
type Fetcher struct {
	http    *http.Client
	timeout time.Duration
}

func NewFetcher(httpClient *http.Client, timeout time.Duration) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Fetcher{http: httpClient, timeout: timeout}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	return data, nil
}
