// Package imagegen calls the image generation backend.
//
// The backend either answers a generate request with the image directly or
// hands back a job id. Jobs are polled on a ticker until they finish, fail,
// or the configured maximum wait elapses.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/finitoshi/chibi/pkg/metrics"
)

var (
	// ErrTimeout is returned when a job does not finish within the max wait.
	ErrTimeout = errors.New("image generation timed out")
	// ErrJobFailed is returned when the backend reports a failed job.
	ErrJobFailed = errors.New("image generation failed")
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// Options configures a Client.
type Options struct {
	URL          string
	Token        string
	PollInterval time.Duration
	MaxWait      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Client generates images from text prompts.
type Client struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	maxWait      time.Duration
	httpClient   *http.Client
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

func New(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(opts.URL, "/"),
		token:        opts.Token,
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		httpClient:   opts.HTTPClient,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	if c.maxWait <= 0 {
		c.maxWait = 2 * time.Minute
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Configured reports whether a backend URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Generate returns the decoded image for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	img, err := c.generate(ctx, prompt)
	switch {
	case err == nil:
		c.metrics.ImageJob("ok")
	case errors.Is(err, ErrTimeout):
		c.metrics.ImageJob("timeout")
	default:
		c.metrics.ImageJob("error")
	}
	return img, err
}

func (c *Client) generate(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/generate", body)
	if err != nil {
		return nil, err
	}

	if img := gjson.GetBytes(resp, "image"); img.Exists() {
		return decodeImage(img.String())
	}
	jobID := gjson.GetBytes(resp, "job_id").String()
	if jobID == "" {
		return nil, fmt.Errorf("generate: response has neither image nor job_id")
	}

	c.logger.Debug("image job queued", zap.String("job_id", jobID))
	return c.poll(ctx, jobID)
}

func (c *Client) poll(ctx context.Context, jobID string) ([]byte, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	jobURL := c.baseURL + "/jobs/" + url.PathEscape(jobID)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("job %s: %w", jobID, ErrTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		resp, err := c.do(ctx, http.MethodGet, jobURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Warn("image job poll failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		switch status := gjson.GetBytes(resp, "status").String(); status {
		case "done", "completed", "succeeded":
			return decodeImage(gjson.GetBytes(resp, "image").String())
		case "failed", "error":
			return nil, fmt.Errorf("job %s: %w: %s", jobID, ErrJobFailed, gjson.GetBytes(resp, "error").String())
		}
	}
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image backend returned status %d", resp.StatusCode)
	}
	return respBody, nil
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, fmt.Errorf("decode image: empty payload")
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
