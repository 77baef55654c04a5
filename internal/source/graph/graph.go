// Package graph reads Microsoft Graph collections with an app-only OAuth2
// token (client credentials).
//
// A collection is fetched page by page: the first request carries the
// endpoint's $select, $filter and extra query parameters; later requests
// follow @odata.nextLink verbatim until a page has none.
//
// Throttling (429) and server errors (5xx) are retried with exponential
// backoff, honoring Retry-After. Any other non-2xx status fails the fetch with
// a *StatusError.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"intunesync/internal/source"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

const (
	// DefaultScope requests every application permission granted to the app.
	DefaultScope = "https://graph.microsoft.com/.default"

	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	maxErrorBody = 512
)

// Options configures a Client.
type Options struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the tenant token endpoint.
	TokenURL string
	// Scopes default to DefaultScope.
	Scopes []string

	// Timeout bounds one HTTP request. Defaults to 60s.
	Timeout time.Duration
	// MaxAttempts per page, including the first. Defaults to 5.
	MaxAttempts int
	// BaseBackoff doubles per attempt up to MaxBackoff. Defaults 2s / 60s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger *zap.Logger

	// base is the transport-level client (token and API calls); tests point
	// it at httptest servers.
	base *http.Client
}

// StatusError is a non-2xx Graph response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph: GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client implements source.Source for Graph endpoints.
type Client struct {
	http        *http.Client
	log         *zap.Logger
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) bool
}

// New builds a Client. The token is fetched lazily on the first request and
// refreshed by the oauth2 transport before it expires.
//
// ctx scopes token acquisition only; pass a long-lived context.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("graph: client id and secret are required")
	}
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		if opts.TenantID == "" {
			return nil, errors.New("graph: tenant id is required")
		}
		tokenURL = fmt.Sprintf(tokenURLFormat, url.PathEscape(opts.TenantID))
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := opts.base
	if base == nil {
		base = newHTTPClient(timeout)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cc := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	httpClient := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	httpClient.Timeout = timeout

	c := &Client{
		http:        httpClient,
		log:         log.With(zap.String("source", source.KindGraph)),
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		sleep:       sleepContext,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = 2 * time.Second
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 60 * time.Second
	}
	return c, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
		},
	}
}

// Fetch returns every item of the endpoint's collection, in page order.
func (c *Client) Fetch(ctx context.Context, ep source.Endpoint) ([]records.Record, error) {
	next, err := FirstPageURL(ep)
	if err != nil {
		return nil, err
	}

	var out []records.Record
	seen := make(map[string]bool)
	for page := 1; next != ""; page++ {
		if seen[next] {
			return out, fmt.Errorf("graph: %s: nextLink loop at page %d", ep.Name, page)
		}
		seen[next] = true

		body, err := c.get(ctx, next)
		if err != nil {
			return out, fmt.Errorf("graph: %s page %d: %w", ep.Name, page, err)
		}
		recs, link, err := decodePage(body)
		if err != nil {
			return out, fmt.Errorf("graph: %s page %d: %w", ep.Name, page, err)
		}
		out = append(out, recs...)
		c.log.Debug("page fetched", zap.String("endpoint", ep.Name), zap.Int("page", page), zap.Int("items", len(recs)))
		next = link
	}

	c.log.Info("endpoint fetched", zap.String("endpoint", ep.Name), zap.Int("items", len(out)))
	return out, nil
}

// FirstPageURL adds $select, $filter and the extra query parameters to the
// endpoint URL. Existing query parameters are kept.
func FirstPageURL(ep source.Endpoint) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ep.URL))
	if err != nil {
		return "", fmt.Errorf("graph: %s: invalid url: %w", ep.Name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("graph: %s: invalid url %q", ep.Name, ep.URL)
	}

	q := u.Query()
	for k, v := range ep.QueryParams {
		q.Set(k, v)
	}
	if len(ep.SelectFields) > 0 {
		q.Set("$select", strings.Join(ep.SelectFields, ","))
	}
	if f := strings.TrimSpace(ep.Filter); f != "" {
		q.Set("$filter", f)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// get performs one page request with retries.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, retryAfter, err := c.do(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.maxAttempts {
			break
		}

		wait := nextRetryDelay(attempt, retryAfter, c.baseBackoff, c.maxBackoff)
		c.log.Warn("graph request retry",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseRetryAfter(resp.Header), &StatusError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Body:       excerpt(body),
		}
	}
	return body, 0, nil
}

// retryable: throttling, server errors and transport failures. Token
// endpoint rejections and context cancellation are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var re *oauth2.RetrieveError
	return !errors.As(err, &re)
}

// decodePage returns the page's items and its nextLink. A page without a
// "value" array is one item.
func decodePage(body []byte) ([]records.Record, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, "", fmt.Errorf("decode page: %w", err)
	}

	var next string
	if obj, ok := root.(map[string]any); ok {
		next, _ = obj["@odata.nextLink"].(string)
	}
	recs, err := records.FromValue(root)
	if err != nil {
		return nil, "", err
	}
	return recs, strings.TrimSpace(next), nil
}

func nextRetryDelay(attempt int, retryAfter, base, max time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

var _ source.Source = (*Client)(nil)
