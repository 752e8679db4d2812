package offline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mamcisaac/offline-gateway/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Control is the command surface the application talks to: explicit sync,
// skip-waiting activation, pre-caching, status, and the event stream that
// delivers broadcast messages to open application instances.
type Control struct {
	lifecycle *Lifecycle
	syncer    *Syncer
	queue     queue.Queue
	broadcast *Broadcaster
	versions  RegionVersions
	log       zerolog.Logger
}

func NewControl(l *Lifecycle, s *Syncer, q queue.Queue, b *Broadcaster, versions RegionVersions, logger *zerolog.Logger) *Control {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Control{
		lifecycle: l,
		syncer:    s,
		queue:     q,
		broadcast: b,
		versions:  versions,
		log:       log,
	}
}

func (c *Control) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sync", c.handleSync)
	r.Post("/activate", c.handleActivate)
	r.Post("/precache", c.handlePrecache)
	r.Get("/status", c.handleStatus)
	r.Get("/events", c.handleEvents)
	return r
}

func (c *Control) handleSync(w http.ResponseWriter, r *http.Request) {
	out, err := c.syncer.Drain(r.Context())
	if err != nil {
		http.Error(w, "Could not read queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"succeeded":   out.Succeeded,
		"failed":      out.Failed,
		"completedAt": out.CompletedAt.UTC().Format(time.RFC3339),
	})
}

// handleActivate is the skip-waiting command: activate the current version
// now instead of waiting for the next restart.
func (c *Control) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := c.lifecycle.Activate(); err != nil {
		c.log.Error().Err(err).Msg("Could not activate")
		http.Error(w, "Could not activate", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": c.lifecycle.State().String(),
	})
}

func (c *Control) handlePrecache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Could not parse url list", http.StatusBadRequest)
		return
	}
	cached, failed := c.lifecycle.Precache(r.Context(), body.URLs)
	writeJSON(w, http.StatusOK, map[string]any{
		"cached": cached,
		"failed": failed,
	})
}

func (c *Control) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := c.queue.Len()
	if err != nil {
		c.log.Error().Err(err).Msg("Could not read queue length")
		http.Error(w, "Could not read queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  c.lifecycle.State().String(),
		"queued": pending,
		"versions": map[string]string{
			"static":      c.versions.Static,
			"dynamicData": c.versions.DynamicData,
		},
	})
}

// handleEvents streams broadcast messages as server-sent events. Each open
// application instance holds one of these connections.
func (c *Control) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	ch, cancel := c.broadcast.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			b, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("Could not marshal broadcast message")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
