package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"watchkeeper/internal/models"
	"watchkeeper/pkg/clients"
	"watchkeeper/pkg/logging"
)

type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("content provider returned status: %d", e.StatusCode)
}

// Client talks to the playlist service over HTTP. Requests go through a
// retry policy and a circuit breaker so a flapping provider does not
// stall the supervisor.
type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	logger       logging.Logger
}

type Option func(*Client)

func NewClient(baseURL, token string, logger logging.Logger, opts ...Option) *Client {
	cfg := clients.DefaultHTTPExecutorConfig()
	cfg.CircuitBreaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:   "content-provider",
		Logger: logger,
	})
	c := &Client{
		baseURL:      baseURL,
		token:        token,
		client:       &http.Client{Timeout: 10 * time.Second},
		httpExecutor: clients.NewHTTPExecutor(cfg),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutor(executor failsafe.Executor[*http.Response]) Option {
	return func(c *Client) {
		if executor != nil {
			c.httpExecutor = executor
		}
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.client.Do(req)
		if clients.DefaultShouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

// NextItem asks the provider for the next automated-path item.
func (c *Client) NextItem(ctx context.Context) (*models.PlayableItem, error) {
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/playlist/next", nil)
	})
	if err != nil {
		return nil, models.NewFault(models.FaultContent, "content provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewFault(models.FaultContent, "content provider error", &APIError{StatusCode: resp.StatusCode})
	}

	var item models.PlayableItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, models.NewFault(models.FaultContent, "malformed provider response", err)
	}
	if item.FilePath == "" {
		return nil, models.NewFault(models.FaultContent, "provider returned an empty item", nil)
	}
	return &item, nil
}

type failureReport struct {
	FilePath string `json:"file_path"`
	Reason   string `json:"reason"`
}

// ReportFailure marks an item unplayable so the provider rotates past it.
func (c *Client) ReportFailure(ctx context.Context, item *models.PlayableItem, reason string) error {
	body, err := json.Marshal(failureReport{FilePath: item.FilePath, Reason: reason})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/playback/failures", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("report playback failure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Healthy probes the provider's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	})
	if err != nil {
		return models.NewFault(models.FaultContent, "content provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.NewFault(models.FaultContent, "content provider unhealthy", &APIError{StatusCode: resp.StatusCode})
	}
	return nil
}
