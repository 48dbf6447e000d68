package forwarder_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadbalancer/internal/forwarder"
)

// fakeRegistry is a minimal single-or-multi-backend stand-in for
// *registry.Registry, giving tests direct control over Select's verdict
// and a record of Release/SetHealth calls.
type fakeRegistry struct {
	mu           sync.Mutex
	targets      []string
	next         int
	released     []string
	unhealthySet []string
	selectErr    error
}

func newFakeRegistry(targets ...string) *fakeRegistry {
	return &fakeRegistry{targets: targets}
}

func (f *fakeRegistry) Select() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return "", f.selectErr
	}
	t := f.targets[f.next%len(f.targets)]
	return t, nil
}

func (f *fakeRegistry) Release(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, url)
}

func (f *fakeRegistry) SetHealth(url string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !healthy {
		f.unhealthySet = append(f.unhealthySet, url)
	}
}

func (f *fakeRegistry) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

// fakeManagement never claims any path, so every request in these tests
// reaches the proxy path.
type fakeManagement struct{}

func (fakeManagement) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "should never be called", http.StatusTeapot)
}

func (fakeManagement) Handles(path string) bool { return false }

type managedPaths map[string]bool

func (m managedPaths) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("managed"))
}

func (m managedPaths) Handles(path string) bool { return m[path] }

func TestServeHTTP_RoutesManagementPaths(t *testing.T) {
	reg := newFakeRegistry("http://unused:1")
	mgmt := managedPaths{"/servers": true}
	fwd := forwarder.New(reg, mgmt, http.DefaultClient, forwarder.DefaultRetryPolicy())

	rec := httptest.NewRecorder()
	fwd.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/servers", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "managed", rec.Body.String())
}

func TestProxy_StreamsRequestAndResponseBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.DefaultRetryPolicy())
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/echo", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo:hello", string(body))
}

func TestProxy_StripsHopByHopResponseHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Custom", "keep-me")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("body"))
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.DefaultRetryPolicy())
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, resp.Header.Get("Transfer-Encoding"))
	assert.Equal(t, "keep-me", resp.Header.Get("X-Custom"))
}

func TestProxy_OmitsQueryStringWhenEmpty(t *testing.T) {
	var gotURL string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.RequestURI()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.DefaultRetryPolicy())
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/path")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/path", gotURL, "no trailing ? when RawQuery is empty")
}

func TestProxy_PreservesQueryString(t *testing.T) {
	var gotURL string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.RequestURI()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.DefaultRetryPolicy())
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/path?a=1&b=2")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/path?a=1&b=2", gotURL)
}

func TestProxy_NoHealthyBackend_Returns503(t *testing.T) {
	reg := newFakeRegistry("unused")
	reg.selectErr = errors.New("no healthy backend")

	fwd := forwarder.New(reg, fakeManagement{}, http.DefaultClient, forwarder.DefaultRetryPolicy())
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "No available backends")
}

func TestProxy_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Abort the connection before any response headers are sent,
			// simulating a transport-level failure on the first attempt.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	})
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "first attempt fails, second succeeds")
}

func TestProxy_AllAttemptsFail_Returns502AndMarksUnhealthy(t *testing.T) {
	reg := newFakeRegistry("http://127.0.0.1:1")
	fwd := forwarder.New(reg, fakeManagement{}, &http.Client{Timeout: 200 * time.Millisecond}, forwarder.RetryPolicy{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	})
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, reg.unhealthySet, "http://127.0.0.1:1")
}

func TestProxy_ClientDisconnectDuringBackoff_DoesNotMarkUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     time.Second,
	})
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = http.DefaultClient.Do(req)
	assert.Error(t, err, "the client's own cancellation should surface as a request error")

	assert.NotContains(t, reg.unhealthySet, backend.URL,
		"a client disconnect during backoff must not be mistaken for a backend failure")
}

func TestProxy_ReleasesExactlyOnceOnSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := newFakeRegistry(backend.URL)
	fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.DefaultRetryPolicy())
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1, reg.releaseCount())
}

func TestProxy_ReleasesExactlyOnceOnFailure(t *testing.T) {
	reg := newFakeRegistry("http://127.0.0.1:1")
	fwd := forwarder.New(reg, fakeManagement{}, &http.Client{Timeout: 200 * time.Millisecond}, forwarder.RetryPolicy{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
	})
	srv := httptest.NewServer(fwd)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 1, reg.releaseCount())
}

func TestProxy_ForwardsVariousStatusCodes(t *testing.T) {
	for _, code := range []int{200, 201, 404, 500} {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			defer backend.Close()

			reg := newFakeRegistry(backend.URL)
			fwd := forwarder.New(reg, fakeManagement{}, backend.Client(), forwarder.DefaultRetryPolicy())
			srv := httptest.NewServer(fwd)
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, code, resp.StatusCode)
		})
	}
}

