package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MozGangster/ydsync/internal/errors"
	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
	"github.com/MozGangster/ydsync/pkg/version"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrUnauthenticated is returned before any network call when no token is available
var ErrUnauthenticated = utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
	"not connected: access token missing").
	WithContext("suggestedAction", "run 'ydsync auth login --token <token>'").
	Build())

// Client wraps the disk REST API with authentication, rate-limit handling and retries
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	authScheme string
	policy     RetryPolicy
	profile    string
	logger     logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	lastError string
}

// ClientOptions configures NewClient
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     oauth2.TokenSource
	AuthScheme string
	Policy     RetryPolicy
	Profile    string
	Logger     logging.Logger
}

// NewClient creates a new disk API client
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.BaseURL == "" {
		opts.BaseURL = utils.DiskAPIBase
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = utils.DefaultAuthScheme
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		tokens:     opts.Tokens,
		authScheme: opts.AuthScheme,
		policy:     opts.Policy,
		profile:    opts.Profile,
		logger:     opts.Logger,
		sleep:      sleepContext,
	}
}

// NewRequestContext creates a new request context with trace ID
func NewRequestContext(profile string, requestType types.RequestType, path string) *types.RequestContext {
	return &types.RequestContext{
		Profile:     profile,
		TraceID:     uuid.New().String(),
		RequestType: requestType,
		Path:        path,
	}
}

// RequestOptions shapes a single logical request
type RequestOptions struct {
	Query  url.Values
	Header http.Header
	// Body is called once per attempt so retries resend the full payload
	Body          func() (io.ReadCloser, error)
	ContentLength int64
	// Policy overrides the client policy for this request
	Policy      *RetryPolicy
	RequestType types.RequestType
	// Path is the remote path involved, used for error context
	Path string
}

// BytesBody adapts an in-memory payload to RequestOptions.Body
func BytesBody(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// LastError returns a description of the most recent failed attempt
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Client) setLastError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = msg
}

// Policy returns the client's default retry policy
func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// BaseURL returns the API root
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) token() (*oauth2.Token, error) {
	if c.tokens == nil {
		return nil, ErrUnauthenticated
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			fmt.Sprintf("failed to load access token: %v", err)).Build(), err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, ErrUnauthenticated
	}
	return &oauth2.Token{AccessToken: tok.AccessToken, TokenType: c.authScheme}, nil
}

func (c *Client) resolveURL(raw string, query url.Values) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = c.baseURL + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request url %q: %w", raw, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Do executes a request with authentication and the retry policy applied.
// On success the caller owns resp.Body. Rate-limited responses (429) are
// always retried after the server-advised wait and do not consume attempts.
func (c *Client) Do(ctx context.Context, method, rawURL string, opts RequestOptions) (*http.Response, error) {
	token, err := c.token()
	if err != nil {
		c.setLastError(err.Error())
		return nil, err
	}

	target, err := c.resolveURL(rawURL, opts.Query)
	if err != nil {
		return nil, err
	}

	policy := c.policy
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	reqCtx := NewRequestContext(c.profile, opts.RequestType, opts.Path)
	logger := c.logger.WithTraceID(reqCtx.TraceID)
	logger.Debug("API request starting",
		logging.F("method", method),
		logging.F("requestType", reqCtx.RequestType),
		logging.F("path", opts.Path),
	)

	start := time.Now()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt++

		resp, reqErr := c.attempt(ctx, method, target, token, opts)
		if reqErr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		switch policy.classifyAttempt(status, attempt) {
		case outcomeSuccess:
			logger.Debug("API request completed",
				logging.F("status", status),
				logging.F("attempts", attempt),
				logging.F("duration_ms", time.Since(start).Milliseconds()),
			)
			return resp, nil

		case outcomeRateLimited:
			wait := policy.RateLimitWait(resp.Header)
			drainAndClose(resp)
			c.setLastError("HTTP 429: too many requests")
			logger.Warn("Rate limited, waiting before retry",
				logging.F("wait_ms", wait.Milliseconds()),
				logging.F("path", opts.Path),
			)
			attempt--
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case outcomeRetryable:
			failure := responseError(resp, reqErr)
			c.setLastError(describeFailure(failure))
			delay := policy.Backoff(attempt)
			logger.Warn("API request failed (retryable)",
				logging.F("attempt", attempt),
				logging.F("maxAttempts", policy.attempts()),
				logging.F("delay_ms", delay.Milliseconds()),
				logging.F("error", describeFailure(failure)),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			failure := responseError(resp, reqErr)
			c.setLastError(describeFailure(failure))
			logger.Error("API request failed",
				logging.F("attempts", attempt),
				logging.F("duration_ms", time.Since(start).Milliseconds()),
				logging.F("error", describeFailure(failure)),
			)
			return nil, errors.ClassifyHTTPError("disk", failure, false, reqCtx, c.logger)
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, target string, token *oauth2.Token, opts RequestOptions) (*http.Response, error) {
	var body io.ReadCloser
	if opts.Body != nil {
		b, err := opts.Body()
		if err != nil {
			return nil, fmt.Errorf("failed to open request body: %w", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}
	if opts.ContentLength > 0 {
		req.ContentLength = opts.ContentLength
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	token.SetAuthHeader(req)

	return c.httpClient.Do(req)
}

// responseError turns a failed attempt into an error, consuming resp.
func responseError(resp *http.Response, reqErr error) error {
	if reqErr != nil {
		return reqErr
	}
	defer resp.Body.Close()
	if err := googleapi.CheckResponse(resp); err != nil {
		return err
	}
	return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
}

func describeFailure(err error) string {
	if apiErr, ok := err.(*googleapi.Error); ok {
		body := apiErr.Body
		if len(body) > 200 {
			body = body[:200]
		}
		if body == "" {
			return fmt.Sprintf("HTTP %d", apiErr.Code)
		}
		return fmt.Sprintf("HTTP %d: %s", apiErr.Code, body)
	}
	return err.Error()
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// DoJSON executes a request and decodes a JSON response into out (if non-nil)
func (c *Client) DoJSON(ctx context.Context, method, rawURL string, opts RequestOptions, out interface{}) (int, error) {
	resp, err := c.Do(ctx, method, rawURL, opts)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if stderrors.Is(err, io.EOF) {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// GetJSON issues a GET and decodes the JSON body into out
func (c *Client) GetJSON(ctx context.Context, rawURL string, opts RequestOptions, out interface{}) error {
	_, err := c.DoJSON(ctx, http.MethodGet, rawURL, opts, out)
	return err
}

// GetBytes issues a GET and returns the full body with the response headers
func (c *Client) GetBytes(ctx context.Context, rawURL string, opts RequestOptions) ([]byte, http.Header, error) {
	resp, err := c.Do(ctx, http.MethodGet, rawURL, opts)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.Header, nil
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
