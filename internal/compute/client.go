package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config holds compute backend connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client is the HTTP implementation of Backend.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. Every call carries the configured
// request timeout; expiry surfaces as context.DeadlineExceeded, which the
// pacer treats as transient.
func NewClient(config *Config, logger *slog.Logger) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logger,
	}
}

func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	var resp struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", req, &resp); err != nil {
		return "", err
	}
	if resp.CorrelationID == "" {
		return "", fmt.Errorf("backend accepted dispatch but returned no correlation id")
	}

	c.logger.Debug("Dispatched job to compute backend",
		slog.String("job_id", req.JobID),
		slog.String("correlation_id", resp.CorrelationID),
	)
	return resp.CorrelationID, nil
}

func (c *Client) Cancel(ctx context.Context, correlationID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	path := fmt.Sprintf("/v1/predictions/%s/cancel", correlationID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) PollStatus(ctx context.Context, correlationID string) (JobState, error) {
	var state JobState
	path := fmt.Sprintf("/v1/predictions/%s", correlationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &state); err != nil {
		return JobState{}, err
	}
	state.CorrelationID = correlationID
	return state, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("compute backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &BackendError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return nil
}
