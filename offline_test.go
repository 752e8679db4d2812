package offline

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mamcisaac/offline-gateway/cache"
	"github.com/mamcisaac/offline-gateway/queue"

	"github.com/rs/zerolog"
)

type gatewayEnv struct {
	gateway *Gateway
	store   cache.Provider
	queue   queue.Queue
}

func newTestGateway(t *testing.T, origin string, registrar ReplayRegistrar) gatewayEnv {
	t.Helper()
	originURL, err := url.Parse(origin)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	store := cache.NewMemCache()
	q := queue.NewMemQueue()
	gateway := NewGateway(GatewayConfig{
		Store:          store,
		Queue:          q,
		OriginURL:      *originURL,
		APIPrefix:      "/api/",
		CacheablePaths: []string{"/api/templates", "/api/plans", "/api/curriculum"},
		Shell:          "/index.html",
		StaticRegion:   "static-v1",
		DynamicRegion:  "dynamic-data-v1",
		Registrar:      registrar,
		Logger:         &logger,
	})
	return gatewayEnv{gateway: gateway, store: store, queue: q}
}

// deadOrigin returns a url that refuses connections.
func deadOrigin(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	return addr
}

func TestAPIGetServedFromCacheWhenOffline(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1,"name":"Weekly plan"}]`))
	}))
	env := newTestGateway(t, origin.URL, nil)

	first := httptest.NewRecorder()
	env.gateway.ServeHTTP(first, httptest.NewRequest("GET", "/api/templates", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("status is %d", first.Code)
	}
	if first.Header().Get(HeaderServedByCache) != "" {
		t.Fatal("live response marked as cache-served")
	}

	origin.Close()

	second := httptest.NewRecorder()
	env.gateway.ServeHTTP(second, httptest.NewRequest("GET", "/api/templates", nil))
	if second.Code != http.StatusOK {
		t.Fatalf("status is %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("cached body %q differs from live body %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderServedByCache) != "true" {
		t.Fatal("cache-served header missing")
	}
	if _, err := time.Parse(time.RFC3339, second.Header().Get(HeaderCacheTimestamp)); err != nil {
		t.Fatalf("cache timestamp %q: %v", second.Header().Get(HeaderCacheTimestamp), err)
	}
}

func TestAPIGetOfflineWithoutCachedEntry(t *testing.T) {
	env := newTestGateway(t, deadOrigin(t), nil)

	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/api/templates", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status is %d", rr.Code)
	}
	var payload OfflineError
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Error != "Offline" || !payload.Offline {
		t.Fatalf("payload is %+v", payload)
	}
}

func TestAPIGetOutsideAllowListNotCached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"me"}`))
	}))
	env := newTestGateway(t, origin.URL, nil)

	env.gateway.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/profile", nil))
	origin.Close()

	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/api/profile", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status is %d, want offline error for non-cacheable path", rr.Code)
	}
}

func TestMutationPassesThroughWhenOnline(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "created: %s", body)
	}))
	defer origin.Close()
	env := newTestGateway(t, origin.URL, nil)

	req := httptest.NewRequest("POST", "/api/evidence", strings.NewReader(`{"note":"great work"}`))
	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status is %d", rr.Code)
	}
	if rr.Body.String() != `created: {"note":"great work"}` {
		t.Fatalf("body is %s", rr.Body.String())
	}
	if n, _ := env.queue.Len(); n != 0 {
		t.Fatalf("queue has %d records after successful write", n)
	}
}

type countingRegistrar struct {
	calls int
}

func (c *countingRegistrar) Register() error {
	c.calls++
	return nil
}

func TestMutationQueuedWhenOffline(t *testing.T) {
	registrar := &countingRegistrar{}
	env := newTestGateway(t, deadOrigin(t), registrar)

	req := httptest.NewRequest("POST", "/api/evidence", strings.NewReader(`{"note":"offline save"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status is %d", rr.Code)
	}
	var ack QueuedAck
	if err := json.NewDecoder(rr.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success || !ack.Queued || !ack.Offline {
		t.Fatalf("ack is %+v", ack)
	}

	records, err := env.queue.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("queue has %d records", len(records))
	}
	rec := records[0]
	if rec.Method != "POST" || rec.URL != "/api/evidence" {
		t.Fatalf("record is %s %s", rec.Method, rec.URL)
	}
	if string(rec.Body) != `{"note":"offline save"}` {
		t.Fatalf("record body is %s", rec.Body)
	}
	if rec.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("record header is %v", rec.Header)
	}
	if registrar.calls != 1 {
		t.Fatalf("registrar called %d times", registrar.calls)
	}
}

func TestStaticCacheFirst(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("console.log('app')"))
	}))
	defer origin.Close()
	env := newTestGateway(t, origin.URL, nil)

	env.gateway.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/app.js", nil))
	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))

	if handleCount != 1 {
		t.Fatalf("origin handled %d requests", handleCount)
	}
	if rr.Body.String() != "console.log('app')" {
		t.Fatalf("body is %s", rr.Body.String())
	}
}

func TestStaticErrorResponsesNotCached(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer origin.Close()
	env := newTestGateway(t, origin.URL, nil)

	env.gateway.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing.js", nil))
	env.gateway.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing.js", nil))

	if handleCount != 2 {
		t.Fatalf("origin handled %d requests, 404 must not be cached", handleCount)
	}
}

func TestNavigationFallsBackToShell(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.html" {
			w.Write([]byte("<html>shell</html>"))
			return
		}
		w.Write([]byte("<html>page</html>"))
	}))
	env := newTestGateway(t, origin.URL, nil)

	// warm the shell, then lose the network
	env.gateway.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/index.html", nil))
	origin.Close()

	nav := httptest.NewRequest("GET", "/planner/week/12", nil)
	nav.Header.Set("Accept", "text/html,application/xhtml+xml")
	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, nav)

	if rr.Code != http.StatusOK {
		t.Fatalf("status is %d", rr.Code)
	}
	if rr.Body.String() != "<html>shell</html>" {
		t.Fatalf("body is %s", rr.Body.String())
	}

	// a non-navigation asset request gets the offline error instead
	rr = httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/planner.css", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status is %d", rr.Code)
	}
}

func TestNonNetworkSchemeBypassesCaching(t *testing.T) {
	env := newTestGateway(t, deadOrigin(t), nil)

	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "ftp://files.example.com/doc.pdf", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status is %d", rr.Code)
	}
	var keys []string
	env.store.AllKeys("", func(key string) { keys = append(keys, key) })
	if len(keys) != 0 {
		t.Fatalf("pass-through stored keys: %v", keys)
	}
	if n, _ := env.queue.Len(); n != 0 {
		t.Fatalf("pass-through queued %d records", n)
	}
}

type panickingStore struct {
	cache.MemCache
}

func (p panickingStore) Get(key string) (cache.Entry, bool, error) {
	panic("store gone")
}

func TestGatewayNeverPropagatesPanics(t *testing.T) {
	env := newTestGateway(t, deadOrigin(t), nil)
	env.gateway.store = panickingStore{cache.NewMemCache()}

	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/api/templates", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status is %d", rr.Code)
	}
}

type erroringStore struct {
	cache.MemCache
}

func (e erroringStore) Get(key string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, fmt.Errorf("disk full")
}

func (e erroringStore) Put(entry cache.Entry) error {
	return fmt.Errorf("disk full")
}

func TestStoreFailureDegradesToNetworkOnly(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live"))
	}))
	defer origin.Close()
	env := newTestGateway(t, origin.URL, nil)
	env.gateway.store = erroringStore{cache.NewMemCache()}

	rr := httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/api/templates", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "live" {
		t.Fatalf("response is %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.gateway.ServeHTTP(rr, httptest.NewRequest("GET", "/app.js", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "live" {
		t.Fatalf("response is %d %s", rr.Code, rr.Body.String())
	}
}
