package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tradeflow/internal/model"
)

// NewRetryableError wraps err as a transient connection failure for the
// backoff machinery.
func NewRetryableError(exchange, op string, err error) error {
	return model.NewConnectionError(exchange, op, err)
}

// NewFatalError wraps err as a non-retryable connection failure.
func NewFatalError(exchange, op string, err error) error {
	return model.NewFatalConnectionError(exchange, op, err)
}

const userAgent = "tradeflow/1.0"

// RESTClient is the shared HTTP layer for drivers that talk to their
// exchange directly. Private endpoints are signed by the injected Signer.
type RESTClient struct {
	Exchange string
	BaseURL  string
	Signer   Signer
	HTTP     *http.Client
}

func NewRESTClient(exchange, baseURL string, signer Signer) *RESTClient {
	return &RESTClient{
		Exchange: exchange,
		BaseURL:  baseURL,
		Signer:   signer,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Get performs a public GET and decodes the JSON response into out.
func (c *RESTClient) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out, false)
}

// GetSigned performs an authenticated GET.
func (c *RESTClient) GetSigned(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out, true)
}

// PostSigned performs an authenticated POST with a JSON body.
func (c *RESTClient) PostSigned(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out, true)
}

// DeleteSigned performs an authenticated DELETE.
func (c *RESTClient) DeleteSigned(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, out, true)
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, signed bool) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	var reader io.Reader
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.Signer == nil {
			return NewFatalError(c.Exchange, method+" "+path, fmt.Errorf("no signer configured for private endpoint"))
		}
		if err := c.Signer.Sign(req, payload); err != nil {
			return NewFatalError(c.Exchange, method+" "+path, fmt.Errorf("sign request: %w", err))
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return NewRetryableError(c.Exchange, method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewRetryableError(c.Exchange, method+" "+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(c.Exchange, method+" "+path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.Exchange, err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy: timeouts,
// 5xx and rate-limit responses are retryable; auth failures are fatal.
func classifyStatus(exchange, op string, status int, body []byte) error {
	err := fmt.Errorf("HTTP %d: %s", status, truncate(body, 200))
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return NewRetryableError(exchange, op, err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return NewFatalError(exchange, op, err)
	default:
		return NewFatalError(exchange, op, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
