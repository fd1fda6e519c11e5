package store

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HTTPDispatcher delivers observer notifications as best-effort HTTP
// POST callbacks: delivery is fire and forget, failures are retried
// with backoff, and a callback URL that keeps answering 404 is evicted
// into a trash bin so it stops being called. Other failures are not
// counted toward eviction.
type HTTPDispatcher struct {
	client *http.Client
	log    zerolog.Logger

	// EvictAfter404s is the number of consecutive 404 responses, within
	// EvictWindow, after which a callback URL is evicted.
	EvictAfter404s int
	EvictWindow    time.Duration

	mu      sync.Mutex
	strikes map[string][]time.Time
	trashed map[string]bool

	// active gates delivery: only the current leader fires callbacks,
	// so the gate is wired to Agent.IsLeader. nil means always fire.
	active func() bool

	// onEvict is invoked once a URL crosses the strike threshold, so
	// the owning agent can remove the observer from the replicated set
	// with a committed transaction rather than leaving peers disagreeing
	// about who is still watching.
	onEvict func(path Path, key ObserverKey)
}

// NewHTTPDispatcher builds a dispatcher with the given trash-bin policy.
// A policy of 3 strikes within 10 minutes matches the default agreed on
// for this store's observer handling.
func NewHTTPDispatcher(log zerolog.Logger, evictAfter int, evictWindow time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		client:         &http.Client{Timeout: 5 * time.Second},
		log:            log,
		EvictAfter404s: evictAfter,
		EvictWindow:    evictWindow,
		strikes:        make(map[string][]time.Time),
		trashed:        make(map[string]bool),
	}
}

type observerPayload struct {
	Path string          `json:"path"`
	Kind ValueKind       `json:"kind,omitempty"`
	Node *observerNodeJS `json:"node"`
}

type observerNodeJS struct {
	Scalar string   `json:"scalar,omitempty"`
	Array  []string `json:"array,omitempty"`
	Object string    `json:"object,omitempty"`
}

// SetActive installs the leadership gate consulted before delivery.
func (d *HTTPDispatcher) SetActive(fn func() bool) { d.active = fn }

// SetOnEvict installs the trash-bin callback.
func (d *HTTPDispatcher) SetOnEvict(fn func(path Path, key ObserverKey)) { d.onEvict = fn }

// Fire delivers one notification asynchronously. It never blocks the
// caller (the store's apply path) on network I/O.
func (d *HTTPDispatcher) Fire(f firedObserver) {
	if d.active != nil && !d.active() {
		return
	}
	d.mu.Lock()
	if d.trashed[f.Key.URL] {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	go d.deliver(f)
}

func (d *HTTPDispatcher) deliver(f firedObserver) {
	payload := observerPayload{Path: f.Path.String()}
	if f.Node != nil && f.Node.isLeaf() {
		payload.Kind = f.Node.Value.Kind
		payload.Node = &observerNodeJS{
			Scalar: f.Node.Value.Scalar,
			Array:  f.Node.Value.Array,
			Object: f.Node.Value.Object,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error().Err(err).Str("url", f.Key.URL).Msg("observer payload encode failed")
		return
	}

	const maxAttempts = 3
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := d.client.Post(f.Key.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			d.log.Warn().Err(err).Str("url", f.Key.URL).Int("attempt", attempt).Msg("observer callback failed")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			d.strike(f)
			return
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			d.clearStrikes(f.Key.URL)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (d *HTTPDispatcher) strike(f firedObserver) {
	url := f.Key.URL
	d.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-d.EvictWindow)
	kept := d.strikes[url][:0]
	for _, t := range d.strikes[url] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	d.strikes[url] = kept

	evicted := len(kept) >= d.EvictAfter404s
	if evicted {
		d.trashed[url] = true
		delete(d.strikes, url)
		d.log.Info().Str("url", url).Msg("observer callback evicted to trash bin")
	}
	d.mu.Unlock()

	if evicted && d.onEvict != nil {
		d.onEvict(f.Path, f.Key)
	}
}

func (d *HTTPDispatcher) clearStrikes(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.strikes, url)
}

// Trashed reports whether url has been evicted.
func (d *HTTPDispatcher) Trashed(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trashed[url]
}

// Restore clears a URL's trash-bin status, used when a client
// re-registers an observer after fixing its callback endpoint.
func (d *HTTPDispatcher) Restore(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.trashed, url)
	delete(d.strikes, url)
}
