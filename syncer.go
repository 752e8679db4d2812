package offline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mamcisaac/offline-gateway/queue"

	"github.com/rs/zerolog"
)

// Outcome is the summary of one drain cycle.
type Outcome struct {
	Succeeded   int
	Failed      int
	CompletedAt time.Time
}

// Syncer is the only component that drains the write queue and the only
// path that reissues queued calls against the network.
type Syncer struct {
	queue      queue.Queue
	origin     url.URL
	broadcast  *Broadcaster
	client     *http.Client
	log        zerolog.Logger
	drainMutex sync.Mutex
}

func NewSyncer(q queue.Queue, origin url.URL, b *Broadcaster, logger *zerolog.Logger) *Syncer {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Syncer{
		queue:     q,
		origin:    origin,
		broadcast: b,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log.With().Str("origin", origin.String()).Logger(),
	}
}

// Drain makes one FIFO pass over the queue, reissuing each record
// sequentially. A delivered record is deleted; a failed one is left in
// place and the pass continues. The loop rechecks the context between
// records, so an interrupted drain leaves a valid, resumable queue.
// When the pass completes, the outcome is broadcast to all subscribers.
func (s *Syncer) Drain(ctx context.Context) (Outcome, error) {
	s.drainMutex.Lock()
	defer s.drainMutex.Unlock()

	records, err := s.queue.All()
	if err != nil {
		s.log.Error().Err(err).Msg("Could not read queue for drain")
		return Outcome{}, err
	}
	s.log.Debug().Int("pending", len(records)).Msg("Starting queue drain")

	var out Outcome
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if !s.replay(ctx, rec) {
			out.Failed++
			continue
		}
		if err := s.queue.Delete(rec.ID); err != nil {
			// the record was delivered but is still queued: the next drain
			// will replay it again, which at-least-once delivery allows
			s.log.Error().Err(err).Int64("id", rec.ID).Msg("Could not delete replayed record")
			out.Failed++
			continue
		}
		out.Succeeded++
	}
	out.CompletedAt = time.Now()

	s.broadcast.Publish(Message{
		Type:      MessageSyncComplete,
		Timestamp: out.CompletedAt,
		Succeeded: out.Succeeded,
		Failed:    out.Failed,
	})
	s.log.Info().
		Int("succeeded", out.Succeeded).
		Int("failed", out.Failed).
		Msg("Queue drain complete")
	return out, nil
}

// replay reissues one record against the origin. Any response counts as
// delivered unless it is a server error: a 4xx is a permanent rejection of
// the record, and retrying it forever would wedge the queue behind it.
func (s *Syncer) replay(ctx context.Context, rec queue.Record) bool {
	log := s.log.With().Int64("id", rec.ID).Str("method", rec.Method).Str("url", rec.URL).Logger()

	req, err := http.NewRequestWithContext(ctx, rec.Method, s.origin.String()+rec.URL, bytes.NewReader(rec.Body))
	if err != nil {
		log.Error().Err(err).Msg("Could not create request from record")
		return false
	}
	copyHeader(req.Header, rec.Header)
	req.Header.Del("Connection")

	res, err := s.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Replay failed, leaving record queued")
		return false
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode >= 500 {
		log.Warn().Int("status", res.StatusCode).Msg("Origin rejected replay, leaving record queued")
		return false
	}
	log.Debug().Int("status", res.StatusCode).Msg("Replayed record")
	return true
}

// Watch polls origin reachability while records are pending and kicks a
// drain when connectivity returns. This is the connectivity-restored
// trigger; the explicit trigger is the control API's sync endpoint.
func (s *Syncer) Watch(ctx context.Context, interval time.Duration) {
	s.log.Info().Msgf("Starting connectivity watch with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pending, err := s.queue.Len()
		if err != nil || pending == 0 {
			continue
		}
		if !s.online(ctx) {
			s.log.Trace().Int("pending", pending).Msg("Origin still unreachable")
			continue
		}
		s.Drain(ctx)
	}
}

func (s *Syncer) online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.origin.String()+"/", nil)
	if err != nil {
		return false
	}
	res, err := s.client.Do(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return true
}

// TimerRegistrar is a ReplayRegistrar that schedules a one-shot drain after
// a fixed delay. Repeated registrations while one is pending are collapsed.
type TimerRegistrar struct {
	syncer  *Syncer
	delay   time.Duration
	pending atomic.Bool
}

func NewTimerRegistrar(s *Syncer, delay time.Duration) *TimerRegistrar {
	return &TimerRegistrar{syncer: s, delay: delay}
}

func (t *TimerRegistrar) Register() error {
	if !t.pending.CompareAndSwap(false, true) {
		return nil
	}
	time.AfterFunc(t.delay, func() {
		t.pending.Store(false)
		t.syncer.Drain(context.Background())
	})
	return nil
}
