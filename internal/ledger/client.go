package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/config"
	"github.com/temreyildirim8/credit-ledger-on-trust-sub003/internal/models"

	"golang.org/x/time/rate"
)

// ErrUnauthorized marks replay failures that automatic retries cannot fix;
// the processor parks the entry until the user re-authenticates.
var ErrUnauthorized = errors.New("ledger: unauthorized")

// StatusError is returned for non-2xx replies so callers can distinguish
// retryable server trouble from permanent rejections.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is worth another attempt. Client
// errors other than rate limiting are permanent.
func (e *StatusError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// Client talks to the hosted ledger API. Every write carries an
// Idempotency-Key header so a replayed entry has effect at most once.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// CreateTransaction records a debt or payment against a customer.
func (c *Client) CreateTransaction(ctx context.Context, idempotencyKey string, tx *models.Transaction) error {
	endpoint := fmt.Sprintf("%s/api/v1/transactions", c.baseURL)
	return c.do(ctx, http.MethodPost, endpoint, idempotencyKey, tx)
}

// UpdateCustomer upserts a customer directory entry.
func (c *Client) UpdateCustomer(ctx context.Context, idempotencyKey string, customer *models.Customer) error {
	endpoint := fmt.Sprintf("%s/api/v1/customers/%s", c.baseURL, url.PathEscape(customer.ID))
	return c.do(ctx, http.MethodPut, endpoint, idempotencyKey, customer)
}

// DeleteCustomer removes a customer.
func (c *Client) DeleteCustomer(ctx context.Context, idempotencyKey, customerID string) error {
	endpoint := fmt.Sprintf("%s/api/v1/customers/%s", c.baseURL, url.PathEscape(customerID))
	return c.do(ctx, http.MethodDelete, endpoint, idempotencyKey, nil)
}

// Ping checks backend reachability; the connectivity prober uses it to
// detect the offline to online transition.
func (c *Client) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/v1/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
