// Package platform talks to the hosted Rankwell platform: invoking its
// functions, resolving the workspace identity, and fanning out connection
// change events to local consumers.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rankwell/rankwell/internal/logging"
	"github.com/rankwell/rankwell/internal/util"
)

const defaultHTTPTimeout = 30 * time.Second

// Client invokes hosted platform functions over HTTP+JSON. The agent never
// holds the OAuth client secret; token exchange happens server-side behind
// these functions.
type Client struct {
	baseURL         string
	anonKey         string
	exchangeTimeout time.Duration
	http            *http.Client
}

// ClientOptions configures a platform Client.
type ClientOptions struct {
	BaseURL string
	AnonKey string
	// ExchangeTimeout bounds a single token-exchange invocation.
	// DefaultExchangeTimeout when zero.
	ExchangeTimeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		anonKey:         opts.AnonKey,
		exchangeTimeout: opts.ExchangeTimeout,
		http:            opts.HTTPClient,
	}
	if c.exchangeTimeout <= 0 {
		c.exchangeTimeout = DefaultExchangeTimeout
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return c
}

// FunctionError is the typed failure a platform function returns. Callers
// get either a decoded payload or one of these, never loose JSON.
type FunctionError struct {
	Status  int
	Code    string
	Message string
}

func (e *FunctionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform function failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform function failed (%d): %s", e.Status, e.Message)
}

// Invoke calls the named function with a JSON payload and decodes the
// response into out (skipped when out is nil).
func (c *Client) Invoke(ctx context.Context, name string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", name, err)
	}

	url := c.baseURL + "/functions/v1/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to invoke %s: %w", name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", name, err)
	}

	logger := logging.FromContext(ctx)
	logger.Debug("platform function invoked",
		"function", name,
		"status", resp.StatusCode,
		"body", util.TruncateBytes(respBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseFunctionError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	return nil
}

// parseFunctionError maps the error envelope a function returns into a
// FunctionError. Both `{"error": "msg"}` and `{"error": {"code", "message"}}`
// shapes occur in the wild.
func parseFunctionError(status int, body []byte) *FunctionError {
	fe := &FunctionError{
		Status:  status,
		Message: util.TruncateLog(strings.TrimSpace(string(body)), 200),
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		switch {
		case len(envelope.Error) > 0:
			var msg string
			if json.Unmarshal(envelope.Error, &msg) == nil && msg != "" {
				fe.Message = msg
				break
			}
			var obj struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &obj) == nil {
				if obj.Message != "" {
					fe.Message = obj.Message
				}
				fe.Code = obj.Code
			}
		case envelope.Message != "":
			fe.Message = envelope.Message
		}
	}

	if fe.Message == "" {
		fe.Message = http.StatusText(status)
	}
	return fe
}
