package offline

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mamcisaac/offline-gateway/cache"
	"github.com/mamcisaac/offline-gateway/queue"

	"github.com/rs/zerolog"
)

// ReplayRegistrar schedules a future replay of the write queue with the
// hosting platform. Registration is best-effort: a nil registrar or a
// registration error only means the explicit sync trigger is the sole way
// queued mutations get replayed.
type ReplayRegistrar interface {
	Register() error
}

type GatewayConfig struct {
	// Storage for captured responses.
	Store cache.Provider
	// Durable queue for mutations that failed due to connectivity.
	Queue queue.Queue
	// URL of the origin server.
	OriginURL url.URL
	// Path prefix of the origin's REST surface.
	APIPrefix string
	// API path prefixes whose GET responses may be cached (the allow-list).
	CacheablePaths []string
	// Path of the application shell document, served as the last-resort
	// response for offline navigations.
	Shell string
	// Current region generations.
	StaticRegion  string
	DynamicRegion string
	// Optional deferred-replay registration (see ReplayRegistrar).
	Registrar ReplayRegistrar
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Gateway intercepts every outgoing call of the application and applies one
// of three strategies: cache-first for static assets, network-first for API
// reads, and queue-on-failure for API writes. It never lets an error or
// panic propagate to the caller; every path writes a usable response.
type Gateway struct {
	store         cache.Provider
	queue         queue.Queue
	origin        url.URL
	apiPrefix     string
	cacheable     []string
	shell         string
	staticRegion  string
	dynamicRegion string
	registrar     ReplayRegistrar
	client        *http.Client
	log           zerolog.Logger
}

// NewGateway initializes the gateway instance.
func NewGateway(config GatewayConfig) *Gateway {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	return &Gateway{
		store:         config.Store,
		queue:         config.Queue,
		origin:        config.OriginURL,
		apiPrefix:     config.APIPrefix,
		cacheable:     config.CacheablePaths,
		shell:         config.Shell,
		staticRegion:  config.StaticRegion,
		dynamicRegion: config.DynamicRegion,
		registrar:     config.Registrar,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger,
	}
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer g.recover(w)
	g.route(w, r)
}

// recover keeps panics inside the gateway boundary.
func (g *Gateway) recover(w http.ResponseWriter) {
	if err := recover(); err != nil {
		g.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in gateway handler")
		writeOfflineError(w)
	}
}

// route classifies the intercepted call and dispatches to a strategy.
func (g *Gateway) route(w http.ResponseWriter, r *http.Request) {
	if scheme := r.URL.Scheme; scheme != "" && scheme != "http" && scheme != "https" {
		g.passThrough(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, g.apiPrefix) {
		if r.Method == http.MethodGet {
			g.apiGet(w, r)
		} else {
			g.apiMutation(w, r)
		}
		return
	}
	g.static(w, r)
}

// apiGet is network-first: the live response wins, the dynamic-data region
// is the fallback, and a structured offline error is the floor.
func (g *Gateway) apiGet(w http.ResponseWriter, r *http.Request) {
	sig := cache.Signature(r)
	log := g.log.With().Str("signature", sig).Logger()

	res, err := g.fetch(r)
	if err == nil {
		if res.StatusCode == http.StatusOK && g.isCacheable(r.URL.Path) {
			g.saveResponse(cache.Key(g.dynamicRegion, sig), res, log)
		}
		send(w, res)
		return
	}
	log.Debug().Err(err).Msg("Network failed, falling back to dynamic-data region")

	entry, ok, cerr := g.store.Get(cache.Key(g.dynamicRegion, sig))
	if cerr != nil {
		log.Error().Err(cerr).Msg("Could not read from cache")
	}
	if !ok {
		writeOfflineError(w)
		return
	}
	if err := g.sendCached(w, entry, true); err != nil {
		log.Error().Err(err).Str("key", entry.Key).Msg("Corrupted cache entry")
		g.store.Purge(entry.Key)
		writeOfflineError(w)
	}
}

// apiMutation attempts the write directly. A network failure is converted
// into a durable queue record and an accepted-for-sync acknowledgement
// instead of an error.
func (g *Gateway) apiMutation(w http.ResponseWriter, r *http.Request) {
	// buffer the body up front so it can be captured if the call fails
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Could not read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	res, err := g.fetch(r)
	if err == nil {
		send(w, res)
		return
	}

	rec := queue.Record{
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Header:   r.Header.Clone(),
		Body:     body,
		QueuedAt: time.Now(),
	}
	id, qerr := g.queue.Append(rec)
	if qerr != nil {
		// queue unavailable: nothing durable to promise, so this becomes
		// a plain offline error
		g.log.Error().Err(qerr).Str("url", rec.URL).Msg("Could not queue mutation")
		writeOfflineError(w)
		return
	}
	g.log.Info().
		Int64("id", id).
		Str("method", rec.Method).
		Str("url", rec.URL).
		Msg("Queued mutation for sync")
	g.registerReplay()
	writeQueuedAck(w)
}

// static is cache-first on the static region, with the app shell as the
// last resort for offline navigations.
func (g *Gateway) static(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.bypass(w, r)
		return
	}
	key := cache.Key(g.staticRegion, cache.Signature(r))
	log := g.log.With().Str("key", key).Logger()

	if entry, ok, err := g.store.Get(key); err != nil {
		log.Error().Err(err).Msg("Could not read from cache")
	} else if ok {
		if err := g.sendCached(w, entry, false); err == nil {
			log.Trace().Msg("Static cache hit")
			return
		}
		log.Error().Msg("Corrupted cache entry")
		g.store.Purge(key)
	}

	res, err := g.fetch(r)
	if err == nil {
		// every response here comes from our own origin, so only the
		// status gates storing
		if res.StatusCode == http.StatusOK {
			g.saveResponse(key, res, log)
		}
		send(w, res)
		return
	}
	log.Debug().Err(err).Msg("Network failed for static asset")

	if isNavigation(r) {
		shellKey := cache.Key(g.staticRegion, cache.GetSignature(g.shell))
		if entry, ok, _ := g.store.Get(shellKey); ok {
			if err := g.sendCached(w, entry, false); err == nil {
				log.Trace().Str("shell", g.shell).Msg("Served app shell for offline navigation")
				return
			}
		}
	}
	writeOfflineError(w)
}

// passThrough forwards a non-network-scheme call untouched, with no caching
// or queueing involved.
func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequest(r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, "Could not forward request", http.StatusBadGateway)
		return
	}
	copyHeader(req.Header, r.Header)
	res, err := g.client.Do(req)
	if err != nil {
		http.Error(w, "Could not reach upstream", http.StatusBadGateway)
		return
	}
	send(w, res)
}

// bypass pipes the request through to the origin without caching.
func (g *Gateway) bypass(w http.ResponseWriter, r *http.Request) {
	res, err := g.fetch(r)
	if err != nil {
		http.Error(w, "Could not reach origin", http.StatusBadGateway)
		return
	}
	send(w, res)
}

// fetch the resource specified in the incoming request from the origin.
func (g *Gateway) fetch(r *http.Request) (*http.Response, error) {
	uri := g.origin.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content
	// is zero length, see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequest(r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble upstream
	req.Header.Del("Connection")
	return g.client.Do(req)
}

// saveResponse writes the response into the store under the given key.
// A store failure degrades to network-only behavior and is only logged.
func (g *Gateway) saveResponse(key string, res *http.Response, log zerolog.Logger) {
	bts, err := responseToBytes(res)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return
	}
	entry := cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts}
	if err := g.store.Put(entry); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	log.Trace().Str("key", key).Msg("Cache write")
}

// sendCached writes a stored entry to the client. When marked is set, the
// served-from-cache headers are added.
func (g *Gateway) sendCached(w http.ResponseWriter, entry cache.Entry, marked bool) error {
	res, err := bytesToResponse(entry.Bytes)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	if marked {
		w.Header().Set(HeaderServedByCache, "true")
		w.Header().Set(HeaderCacheTimestamp, cacheTimestamp(entry.StoredAt))
	}
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
	return nil
}

func (g *Gateway) registerReplay() {
	if g.registrar == nil {
		return
	}
	if err := g.registrar.Register(); err != nil {
		// best-effort: the explicit sync trigger remains available
		g.log.Debug().Err(err).Msg("Could not register deferred replay")
	}
}

func (g *Gateway) isCacheable(path string) bool {
	for _, prefix := range g.cacheable {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// isNavigation reports whether the request is a page navigation, i.e. a
// candidate for the app shell fallback.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func send(w http.ResponseWriter, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like the presence of these headers in the
		// downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
