package interceptor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/budget-planner/offline-cache/internal/cache"
)

var errOffline = errors.New("network unreachable")

// stubOrigin 记录每个 URL 的调用次数，并按 URL 返回预设响应。
type stubOrigin struct {
	mu      sync.Mutex
	calls   map[string]int
	reloads map[string]bool
	reply   func(req *Request, call int) (*Response, error)
}

func newStubOrigin(reply func(req *Request, call int) (*Response, error)) *stubOrigin {
	return &stubOrigin{
		calls:   make(map[string]int),
		reloads: make(map[string]bool),
		reply:   reply,
	}
}

func (s *stubOrigin) Fetch(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.calls[req.URL]++
	call := s.calls[req.URL]
	s.reloads[req.URL] = req.Reload
	s.mu.Unlock()
	return s.reply(req, call)
}

func (s *stubOrigin) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func (s *stubOrigin) wasReload(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads[url]
}

func okResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func echoOrigin() *stubOrigin {
	return newStubOrigin(func(req *Request, call int) (*Response, error) {
		return okResponse("body of " + req.URL), nil
	})
}

func testOptions(manifest ...string) Options {
	if len(manifest) == 0 {
		manifest = []string{"/", "/static/style.css"}
	}
	return Options{
		StaticPartition:  "budget-planner-static-v2.0",
		DynamicPartition: "budget-planner-dynamic-v1",
		SeedManifest:     manifest,
		APIPrefix:        "/api/",
		FallbackPath:     "/",
		SeedConcurrency:  2,
		MaxRetries:       0,
		InitialBackoff:   time.Millisecond,
	}
}

func newTestInterceptor(t *testing.T, store cache.Store, fetcher Fetcher, opts Options) *Interceptor {
	t.Helper()
	ic, err := New(store, fetcher, nil, opts)
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	t.Cleanup(ic.Wait)
	return ic
}

func seedEntry(t *testing.T, store cache.Store, partition, url, body string) {
	t.Helper()
	err := store.Put(context.Background(), partition, cache.NewKey(http.MethodGet, url), cache.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
}

func matchBody(t *testing.T, store cache.Store, partition, url string) (string, bool) {
	t.Helper()
	snapshot, err := store.Match(context.Background(), partition, cache.NewKey(http.MethodGet, url))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match %s: %v", url, err)
	}
	return string(snapshot.Body), true
}

func get(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

func TestNewValidatesOptions(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := echoOrigin()

	opts := testOptions()
	opts.DynamicPartition = opts.StaticPartition
	if _, err := New(store, origin, nil, opts); err == nil {
		t.Fatalf("expected error for identical partition names")
	}

	opts = testOptions()
	opts.APIPrefix = ""
	if _, err := New(store, origin, nil, opts); err == nil {
		t.Fatalf("expected error for empty api prefix")
	}

	if _, err := New(nil, origin, nil, testOptions()); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(store, nil, nil, testOptions()); err == nil {
		t.Fatalf("expected error for nil fetcher")
	}
}

func TestClassify(t *testing.T) {
	ic := newTestInterceptor(t, cache.NewMemoryStore(), echoOrigin(), testOptions())

	cases := []struct {
		method string
		url    string
		want   Strategy
	}{
		{http.MethodGet, "/", StrategyCacheFirst},
		{http.MethodGet, "/static/app.js", StrategyCacheFirst},
		{http.MethodGet, "/api/summary", StrategyStaleWhileRevalidate},
		{http.MethodGet, "/v2/api/summary?month=1", StrategyStaleWhileRevalidate},
		{http.MethodGet, "/budget?next=/api/x", StrategyCacheFirst},
		{"get", "/api/summary", StrategyStaleWhileRevalidate},
		{http.MethodPost, "/api/summary", StrategyPassthrough},
		{http.MethodPost, "/add_income", StrategyPassthrough},
		{http.MethodHead, "/", StrategyPassthrough},
	}
	for _, tc := range cases {
		got := ic.Classify(&Request{Method: tc.method, URL: tc.url})
		if got != tc.want {
			t.Fatalf("%s %s: expected %s, got %s", tc.method, tc.url, tc.want, got)
		}
	}
}

func TestStaleWhileRevalidateServesCachedWithoutWaiting(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	seedEntry(t, store, opts.DynamicPartition, "/api/summary", `{"total":100}`)

	gate := make(chan struct{})
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		<-gate
		return okResponse(`{"total":150}`), nil
	})
	ic := newTestInterceptor(t, store, origin, opts)

	done := make(chan *Response, 1)
	go func() {
		resp, err := ic.Handle(context.Background(), get("/api/summary"))
		if err != nil {
			t.Errorf("handle: %v", err)
		}
		done <- resp
	}()

	var resp *Response
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatalf("cached response blocked on network")
	}
	if resp == nil {
		close(gate)
		t.Fatalf("expected response")
	}
	if string(resp.Body) != `{"total":100}` || resp.Source != SourceCache {
		close(gate)
		t.Fatalf("expected stale cached body, got %q from %s", resp.Body, resp.Source)
	}

	close(gate)
	ic.Wait()

	body, ok := matchBody(t, store, opts.DynamicPartition, "/api/summary")
	if !ok || body != `{"total":150}` {
		t.Fatalf("expected refreshed entry, got %q (found=%v)", body, ok)
	}

	resp, err := ic.Handle(context.Background(), get("/api/summary"))
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if string(resp.Body) != `{"total":150}` {
		t.Fatalf("expected refreshed body on next request, got %q", resp.Body)
	}
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return okResponse(`{"incomes":[]}`), nil
	})
	ic := newTestInterceptor(t, store, origin, opts)

	resp, err := ic.Handle(context.Background(), get("/api/incomes"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceNetwork || resp.Strategy != StrategyStaleWhileRevalidate {
		t.Fatalf("unexpected source/strategy: %s/%s", resp.Source, resp.Strategy)
	}
	if string(resp.Body) != `{"incomes":[]}` {
		t.Fatalf("unexpected body %q", resp.Body)
	}

	ic.Wait()
	if body, ok := matchBody(t, store, opts.DynamicPartition, "/api/incomes"); !ok || body != `{"incomes":[]}` {
		t.Fatalf("expected entry stored in dynamic partition, got %q (found=%v)", body, ok)
	}
	if _, ok := matchBody(t, store, opts.StaticPartition, "/api/incomes"); ok {
		t.Fatalf("api response must not land in static partition")
	}
}

func TestStaleWhileRevalidateHidesRefreshFailure(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	seedEntry(t, store, opts.DynamicPartition, "/api/summary", `{"total":100}`)
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return nil, errOffline
	})
	ic := newTestInterceptor(t, store, origin, opts)

	resp, err := ic.Handle(context.Background(), get("/api/summary"))
	if err != nil {
		t.Fatalf("expected cached response despite offline origin: %v", err)
	}
	if string(resp.Body) != `{"total":100}` {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	ic.Wait()
	if body, _ := matchBody(t, store, opts.DynamicPartition, "/api/summary"); body != `{"total":100}` {
		t.Fatalf("failed refresh must keep entry, got %q", body)
	}
}

func TestStaleWhileRevalidateMissAndOfflineFails(t *testing.T) {
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return nil, errOffline
	})
	ic := newTestInterceptor(t, cache.NewMemoryStore(), origin, testOptions())

	if _, err := ic.Handle(context.Background(), get("/api/summary")); !errors.Is(err, errOffline) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestStaleWhileRevalidateSkipsErrorStatus(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return &Response{Status: http.StatusInternalServerError, Header: http.Header{}, Body: []byte("boom")}, nil
	})
	ic := newTestInterceptor(t, store, origin, opts)

	resp, err := ic.Handle(context.Background(), get("/api/summary"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected upstream status to pass through, got %d", resp.Status)
	}
	ic.Wait()
	names, err := store.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("error responses must not create partitions, got %v", names)
	}
}

func TestCacheFirstMissStoresResponse(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	origin := echoOrigin()
	ic := newTestInterceptor(t, store, origin, opts)

	resp, err := ic.Handle(context.Background(), get("/static/app.js"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Source != SourceNetwork || resp.Strategy != StrategyCacheFirst {
		t.Fatalf("unexpected source/strategy: %s/%s", resp.Source, resp.Strategy)
	}
	if body, ok := matchBody(t, store, opts.StaticPartition, "/static/app.js"); !ok || body != "body of /static/app.js" {
		t.Fatalf("expected stored entry before return, got %q (found=%v)", body, ok)
	}

	resp, err = ic.Handle(context.Background(), get("/static/app.js"))
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if resp.Source != SourceCache {
		t.Fatalf("expected cache hit, got %s", resp.Source)
	}
	if origin.callCount("/static/app.js") != 1 {
		t.Fatalf("cache hit must not reach network, calls=%d", origin.callCount("/static/app.js"))
	}
}

func TestCacheFirstKeysIncludeQuery(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := echoOrigin()
	ic := newTestInterceptor(t, store, origin, testOptions())

	for _, url := range []string{"/report?month=1", "/report?month=2"} {
		resp, err := ic.Handle(context.Background(), get(url))
		if err != nil {
			t.Fatalf("handle %s: %v", url, err)
		}
		if string(resp.Body) != "body of "+url {
			t.Fatalf("unexpected body for %s: %q", url, resp.Body)
		}
	}
	if origin.callCount("/report?month=1") != 1 || origin.callCount("/report?month=2") != 1 {
		t.Fatalf("distinct queries must be fetched separately")
	}
}

func TestCacheFirstNavigationFallsBackToShell(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	seedEntry(t, store, opts.StaticPartition, "/", "<html>shell</html>")
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return nil, errOffline
	})
	ic := newTestInterceptor(t, store, origin, opts)

	req := get("/budget?month=2024-05")
	req.Navigate = true
	resp, err := ic.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if resp.Source != SourceFallback || string(resp.Body) != "<html>shell</html>" {
		t.Fatalf("unexpected fallback response: %s %q", resp.Source, resp.Body)
	}
}

func TestCacheFirstNonNavigationFailurePropagates(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	seedEntry(t, store, opts.StaticPartition, "/", "<html>shell</html>")
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return nil, errOffline
	})
	ic := newTestInterceptor(t, store, origin, opts)

	if _, err := ic.Handle(context.Background(), get("/static/missing.png")); !errors.Is(err, errOffline) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestCacheFirstNavigationWithoutShellFails(t *testing.T) {
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		return nil, errOffline
	})
	ic := newTestInterceptor(t, cache.NewMemoryStore(), origin, testOptions())

	req := get("/budget")
	req.Navigate = true
	if _, err := ic.Handle(context.Background(), req); !errors.Is(err, errOffline) {
		t.Fatalf("expected network error without cached shell, got %v", err)
	}
}

func TestCacheFirstSkipsErrorStatusAndOversizedBodies(t *testing.T) {
	store := cache.NewMemoryStore()
	opts := testOptions()
	opts.MaxEntryBytes = 8
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		switch req.URL {
		case "/missing":
			return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("nope")}, nil
		case "/big":
			return okResponse(strings.Repeat("x", 64)), nil
		default:
			return okResponse("small"), nil
		}
	})
	ic := newTestInterceptor(t, store, origin, opts)

	for _, url := range []string{"/missing", "/big", "/small"} {
		if _, err := ic.Handle(context.Background(), get(url)); err != nil {
			t.Fatalf("handle %s: %v", url, err)
		}
	}
	if _, ok := matchBody(t, store, opts.StaticPartition, "/missing"); ok {
		t.Fatalf("404 must not be stored")
	}
	if _, ok := matchBody(t, store, opts.StaticPartition, "/big"); ok {
		t.Fatalf("oversized body must not be stored")
	}
	if _, ok := matchBody(t, store, opts.StaticPartition, "/small"); !ok {
		t.Fatalf("small body should be stored")
	}
}

func TestPassthroughNeverCaches(t *testing.T) {
	store := cache.NewMemoryStore()
	origin := newStubOrigin(func(req *Request, call int) (*Response, error) {
		if string(req.Body) != "amount=10" {
			t.Errorf("request body not forwarded: %q", req.Body)
		}
		return &Response{Status: http.StatusFound, Header: http.Header{"Location": []string{"/"}}}, nil
	})
	ic := newTestInterceptor(t, store, origin, testOptions())

	for n := 0; n < 2; n++ {
		resp, err := ic.Handle(context.Background(), &Request{
			Method: http.MethodPost,
			URL:    "/add_income",
			Body:   []byte("amount=10"),
		})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if resp.Strategy != StrategyPassthrough || resp.Status != http.StatusFound {
			t.Fatalf("unexpected passthrough response: %s %d", resp.Strategy, resp.Status)
		}
	}
	if origin.callCount("/add_income") != 2 {
		t.Fatalf("every POST must reach origin, calls=%d", origin.callCount("/add_income"))
	}
	names, _ := store.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("passthrough must not create partitions, got %v", names)
	}
}
