package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mamcisaac/offline-gateway/cache"

	"github.com/rs/zerolog"
)

type State int32

const (
	StateNew State = iota
	StateInstalling
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "new"
	}
}

// Lifecycle owns cache-region versioning: it pre-warms the static region on
// install and purges retired region generations on activation. Activation
// is the only place old generations are deleted.
type Lifecycle struct {
	store         cache.Provider
	origin        url.URL
	staticRegion  string
	dynamicRegion string
	manifest      PrecacheManifest
	broadcast     *Broadcaster
	client        *http.Client
	log           zerolog.Logger
	state         atomic.Int32
}

func NewLifecycle(store cache.Provider, origin url.URL, versions RegionVersions, manifest PrecacheManifest, b *Broadcaster, logger *zerolog.Logger) *Lifecycle {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Lifecycle{
		store:         store,
		origin:        origin,
		staticRegion:  versions.Static,
		dynamicRegion: versions.DynamicData,
		manifest:      manifest,
		broadcast:     b,
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           log.With().Str("origin", origin.String()).Logger(),
	}
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Run performs the install/activate cycle. An install failure aborts
// activation entirely, leaving the previous generation's regions in place.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.Install(ctx); err != nil {
		l.log.Error().Err(err).Msg("Install failed, keeping previous version active")
		return err
	}
	return l.Activate()
}

// Install pre-warms the static region at the current version. Every
// essential manifest file must end up cached or the install fails; optional
// files are fetched best-effort. Files already cached under the current
// version are not refetched, so re-running an unchanged install is free.
func (l *Lifecycle) Install(ctx context.Context) error {
	prev := l.State()
	l.state.Store(int32(StateInstalling))
	l.log.Info().
		Str("region", l.staticRegion).
		Int("essential", len(l.manifest.Essential)).
		Int("optional", len(l.manifest.Optional)).
		Msg("Installing")

	for _, path := range l.manifest.Essential {
		if err := l.warm(ctx, path, false); err != nil {
			l.state.Store(int32(prev))
			return fmt.Errorf("precache %s: %w", path, err)
		}
	}
	for _, path := range l.manifest.Optional {
		if err := l.warm(ctx, path, false); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("Skipping optional precache file")
		}
	}
	return nil
}

// Activate purges every region generation not in the current version set
// and then claims the open application instances by broadcasting, so the
// new version serves requests without waiting for a reload.
func (l *Lifecycle) Activate() error {
	prev := l.State()
	l.state.Store(int32(StateActivating))

	live := map[string]bool{
		l.staticRegion:  true,
		l.dynamicRegion: true,
	}
	stale := make(map[string]struct{})
	l.store.AllKeys("", func(key string) {
		if region := cache.RegionOf(key); !live[region] {
			stale[region] = struct{}{}
		}
	})
	for region := range stale {
		if err := l.store.PurgePrefix(cache.RegionPrefix(region)); err != nil {
			l.state.Store(int32(prev))
			return fmt.Errorf("purge region %s: %w", region, err)
		}
		l.log.Info().Str("region", region).Msg("Purged retired region")
	}

	l.state.Store(int32(StateActive))
	l.broadcast.Publish(Message{Type: MessageActivated, Timestamp: time.Now()})
	l.log.Info().Str("region", l.staticRegion).Msg("Activated")
	return nil
}

// Precache fetches the given paths into the static region, overwriting any
// stored copies. This backs the application's pre-fetch command, used e.g.
// for taking curriculum documents offline. Individual failures are counted,
// never fatal.
func (l *Lifecycle) Precache(ctx context.Context, paths []string) (cached, failed int) {
	for _, path := range paths {
		if err := l.warm(ctx, path, true); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("Could not precache")
			failed++
			continue
		}
		cached++
	}
	return cached, failed
}

// warm fetches one path from the origin into the static region. Unless
// force is set, a path already cached under the current version is skipped
// without a network call.
func (l *Lifecycle) warm(ctx context.Context, path string, force bool) error {
	key := cache.Key(l.staticRegion, cache.GetSignature(path))
	if !force && l.store.Has(key) {
		l.log.Trace().Str("key", key).Msg("Already cached, skipping fetch")
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.origin.String()+path, nil)
	if err != nil {
		return err
	}
	res, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	bts, err := responseToBytes(res)
	if err != nil {
		return err
	}
	l.log.Trace().Str("key", key).Msg("Cache write")
	return l.store.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts})
}
