// Package nimble implements engine.StorageBackend against the Nimble REST API v1.
//
// Capacities travel in MiB on the wire and in bytes everywhere else. Reads are
// retried on transport errors and 5xx responses; writes are sent exactly once.
package nimble

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/dsctl/pkg/engine"
)

const (
	apiPrefix   = "/v1"
	tokenHeader = "X-Auth-Token"
)

// Client is a session-token authenticated array client.
type Client struct {
	config *Config
	base   *url.URL
	http   *retryablehttp.Client
	logger zerolog.Logger

	mu    sync.Mutex
	token string
}

// New creates an array client. No request is made until the first call.
func New(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid array configuration", err)
	}
	base, err := url.Parse(strings.TrimRight(config.Endpoint, "/"))
	if err != nil {
		return nil, engine.NewConfigurationError("invalid array endpoint", err)
	}

	logger = logger.With().Str("component", "nimble").Str("endpoint", base.Host).Logger()

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMin = config.RetryWaitMin
	rc.RetryWaitMax = config.RetryWaitMax
	rc.CheckRetry = retryReadsOnly
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger}
	rc.HTTPClient = &http.Client{
		Timeout: config.RequestTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			// nolint:gosec // arrays ship self-signed certificates; opt-in via config
			TLSClientConfig: &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify},
		},
	}

	return &Client{
		config: config,
		base:   base,
		http:   rc,
		logger: logger,
	}, nil
}

type idempotentKey struct{}

// retryReadsOnly applies the default retry policy to requests marked idempotent.
func retryReadsOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if idem, _ := ctx.Value(idempotentKey{}).(bool); !idem {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	e.Msg(msg)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.event(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.event(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.event(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.event(l.logger.Trace(), msg, kv) }

// envelope is the wrapper of every request and response body.
type envelope struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Messages  []apiMessage    `json:"messages,omitempty"`
	StartRow  int             `json:"startRow,omitempty"`
	EndRow    int             `json:"endRow,omitempty"`
	TotalRows int             `json:"totalRows,omitempty"`
}

type apiMessage struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

// APIError is a non-2xx array response.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Code       string
	Text       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

// classify maps an array response to the engine error taxonomy.
func classify(apiErr *APIError, resource string) error {
	var ee *engine.EngineError
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		ee = engine.NewConfigurationError("array rejected the credentials", apiErr)
	case apiErr.StatusCode == http.StatusNotFound:
		ee = engine.NewValidationError("array object not found", apiErr).WithCode(engine.ErrCodeNotFound)
	case apiErr.StatusCode == http.StatusConflict:
		ee = engine.NewValidationError("array object already exists", apiErr).WithCode(engine.ErrCodeAlreadyExists)
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		ee = engine.NewValidationError("array rejected the request", apiErr)
	default:
		ee = engine.NewConnectivityError("array request failed", apiErr).WithCode(engine.ErrCodeBackendFailed)
	}
	return ee.WithResource(resource).WithOperation(apiErr.Method + " " + apiErr.Path)
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	body := map[string]string{"username": c.config.Username, "password": c.config.Password}
	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.send(ctx, http.MethodPost, "/tokens", nil, body, &out, ""); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", classify(apiErr, c.config.Username)
		}
		return "", err
	}
	if out.SessionToken == "" {
		return "", engine.NewConnectivityError("array returned an empty session token", nil)
	}
	c.token = out.SessionToken
	c.logger.Debug().Msg("Array session established")
	return c.token, nil
}

func (c *Client) dropToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
	}
}

// do performs an authenticated request and decodes the data field into out.
// An expired token is renewed once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	_, err := c.doPage(ctx, method, path, query, body, out)
	return err
}

func (c *Client) doPage(ctx context.Context, method, path string, query url.Values, body, out interface{}) (*envelope, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}
		env := &envelope{}
		err = c.sendEnvelope(ctx, method, path, query, body, out, token, env)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			c.logger.Debug().Msg("Array session expired, renewing")
			c.dropToken(token)
			continue
		}
		return env, err
	}
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body, out interface{}, token string) error {
	return c.sendEnvelope(ctx, method, path, query, body, out, token, &envelope{})
}

func (c *Client) sendEnvelope(ctx context.Context, method, path string, query url.Values, body, out interface{}, token string, env *envelope) error {
	u := *c.base
	u.Path += apiPrefix + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var raw []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		raw, err = json.Marshal(envelope{Data: data})
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	if method == http.MethodGet {
		ctx = context.WithValue(ctx, idempotentKey{}, true)
	}
	var reqBody interface{}
	if raw != nil {
		reqBody = bytes.NewReader(raw)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	c.logger.Trace().Str("method", method).Str("path", path).Msg("Array request")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.NewConnectivityError("array unreachable", err).WithOperation(method + " " + path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.NewConnectivityError("failed to read array response", err).WithOperation(method + " " + path)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, env); err != nil && resp.StatusCode < 300 {
			return engine.NewConnectivityError("malformed array response", err).WithOperation(method + " " + path)
		}
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path}
		if len(env.Messages) > 0 {
			apiErr.Code = env.Messages[0].Code
			apiErr.Text = env.Messages[0].Text
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return engine.NewConnectivityError("malformed array response data", err).WithOperation(method + " " + path)
		}
	}
	return nil
}

// call is do with API errors classified against resource.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}, resource string) error {
	err := c.do(ctx, method, path, query, body, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classify(apiErr, resource)
	}
	return err
}

// list fetches every page of a collection.
func list[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var all []T
	start := 0
	for {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("startRow", strconv.Itoa(start))
		q.Set("pageSize", strconv.Itoa(c.config.PageSize))

		var page []T
		env, err := c.doPage(ctx, http.MethodGet, path, q, nil, &page)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return nil, classify(apiErr, path)
			}
			return nil, err
		}
		all = append(all, page...)
		if len(page) == 0 || env.EndRow >= env.TotalRows {
			return all, nil
		}
		start = env.EndRow
	}
}
