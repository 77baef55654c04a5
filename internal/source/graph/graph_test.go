package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"intunesync/internal/source"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer issues a fixed bearer token and counts requests.
func tokenServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, tokenURL string) *Client {
	t.Helper()
	c, err := New(context.Background(), Options{
		ClientID:     "app",
		ClientSecret: "secret",
		TokenURL:     tokenURL,
		MaxAttempts:  3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		base:         &http.Client{Timeout: 5 * time.Second},
	})
	require.NoError(t, err)
	return c
}

func TestFetchFollowsNextLink(t *testing.T) {
	t.Parallel()

	var tokenCalls int32
	tok := tokenServer(t, &tokenCalls)

	var api *httptest.Server
	api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "":
			assert.Equal(t, "id,serialNumber", r.URL.Query().Get("$select"))
			assert.Equal(t, "operatingSystem eq 'Windows'", r.URL.Query().Get("$filter"))
			assert.Equal(t, "2", r.URL.Query().Get("$top"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value":           []any{map[string]any{"serialNumber": "A"}, map[string]any{"serialNumber": "B"}},
				"@odata.nextLink": api.URL + "/managedDevices?page=2",
			})
		case "2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []any{map[string]any{"serialNumber": "C", "totalStorageSpaceInBytes": 256}},
			})
		}
	}))
	t.Cleanup(api.Close)

	c := newTestClient(t, tok.URL)
	recs, err := c.Fetch(context.Background(), source.Endpoint{
		Name:         "devices",
		URL:          api.URL + "/managedDevices",
		SelectFields: []string{"id", "serialNumber"},
		Filter:       "operatingSystem eq 'Windows'",
		QueryParams:  map[string]string{"$top": "2"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "A", recs[0]["serialNumber"])
	assert.Equal(t, "C", recs[2]["serialNumber"])
	assert.Equal(t, json.Number("256"), recs[2]["totalStorageSpaceInBytes"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token must be cached across pages")
}

func TestFetchSingleItemPage(t *testing.T) {
	t.Parallel()

	var tokenCalls int32
	tok := tokenServer(t, &tokenCalls)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"id":"org-1","displayName":"Contoso"}`)
	}))
	t.Cleanup(api.Close)

	recs, err := newTestClient(t, tok.URL).Fetch(context.Background(), source.Endpoint{Name: "org", URL: api.URL})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Contoso", recs[0]["displayName"])
}

func TestFetchRetriesThrottling(t *testing.T) {
	t.Parallel()

	var tokenCalls, apiCalls int32
	tok := tokenServer(t, &tokenCalls)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&apiCalls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, `{"value":[{"serialNumber":"A"}]}`)
	}))
	t.Cleanup(api.Close)

	recs, err := newTestClient(t, tok.URL).Fetch(context.Background(), source.Endpoint{Name: "devices", URL: api.URL})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))
}

func TestFetchClientErrorIsFinal(t *testing.T) {
	t.Parallel()

	var tokenCalls, apiCalls int32
	tok := tokenServer(t, &tokenCalls)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = fmt.Fprint(w, `{"error":{"code":"Authorization_RequestDenied"}}`)
	}))
	t.Cleanup(api.Close)

	_, err := newTestClient(t, tok.URL).Fetch(context.Background(), source.Endpoint{Name: "devices", URL: api.URL})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Contains(t, se.Body, "Authorization_RequestDenied")
	assert.Equal(t, int32(1), atomic.LoadInt32(&apiCalls))
}

func TestFetchTokenRejected(t *testing.T) {
	t.Parallel()

	tok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	t.Cleanup(tok.Close)

	var apiCalls int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
	}))
	t.Cleanup(api.Close)

	_, err := newTestClient(t, tok.URL).Fetch(context.Background(), source.Endpoint{Name: "devices", URL: api.URL})
	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&apiCalls))
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Options{ClientID: "a"})
	assert.Error(t, err)
	_, err = New(context.Background(), Options{ClientID: "a", ClientSecret: "b"})
	assert.Error(t, err, "tenant is needed without a token url override")
}

func TestFirstPageURL(t *testing.T) {
	t.Parallel()

	got, err := FirstPageURL(source.Endpoint{
		URL:          "https://graph.microsoft.com/v1.0/users?$count=true",
		SelectFields: []string{"id", "mail"},
	})
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "true", u.Query().Get("$count"))
	assert.Equal(t, "id,mail", u.Query().Get("$select"))
	assert.Empty(t, u.Query().Get("$filter"))

	_, err = FirstPageURL(source.Endpoint{Name: "bad", URL: "not a url"})
	assert.Error(t, err)
}

func TestNextRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3*time.Second, nextRetryDelay(1, 3*time.Second, time.Second, time.Minute))
	assert.Equal(t, time.Second, nextRetryDelay(1, 0, time.Second, time.Minute))
	assert.Equal(t, 4*time.Second, nextRetryDelay(3, 0, time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextRetryDelay(20, 0, time.Second, time.Minute))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h))
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, parseRetryAfter(h))
	h.Set("Retry-After", "-1")
	assert.Zero(t, parseRetryAfter(h))
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, retryable(&StatusError{StatusCode: 503}))
	assert.True(t, retryable(&StatusError{StatusCode: 429}))
	assert.False(t, retryable(&StatusError{StatusCode: 404}))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(errors.New("connection reset by peer")))
}
