// Package dedupe tracks recently seen replicated message ids so a node never
// applies the same cross-node delivery twice within the TTL window.
package dedupe

import (
	"sync"
	"time"
)

// DefaultTTL is how long a (document, message id) pair stays suppressed.
// Deployments with wide pub/sub delivery latency should raise this.
const DefaultTTL = 60 * time.Second

// pruneInterval paces the background sweep of expired entries.
const pruneInterval = 10 * time.Second

type key struct {
	doc string
	msg string
}

// Deduper is a TTL set keyed by (namespaced document id, message id).
// Concurrency-safe; ShouldAccept is O(1) amortised.
type Deduper struct {
	mu      sync.Mutex
	seen    map[key]time.Time // value: expiry deadline
	ttl     time.Duration
	stop    chan struct{}
	stopped sync.Once
	now     func() time.Time
}

// New creates a deduper with the given TTL (DefaultTTL when zero) and starts
// its pruning loop.
func New(ttl time.Duration) *Deduper {
	return newWithClock(ttl, time.Now)
}

func newWithClock(ttl time.Duration, now func() time.Time) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &Deduper{
		seen: make(map[key]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
		now:  now,
	}
	go d.prune()
	return d
}

// ShouldAccept returns true exactly once per (doc, message id) pair within
// the TTL window.
func (d *Deduper) ShouldAccept(namespacedDocumentID, messageID string) bool {
	k := key{doc: namespacedDocumentID, msg: messageID}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.seen[k]; ok && now.Before(expiry) {
		return false
	}
	d.seen[k] = now.Add(d.ttl)
	return true
}

// Len reports the number of live entries. Exposed for metrics.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) prune() {
	interval := pruneInterval
	if d.ttl < interval {
		interval = d.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			now := d.now()
			d.mu.Lock()
			for k, expiry := range d.seen {
				if !now.Before(expiry) {
					delete(d.seen, k)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Close stops the pruning loop. Idempotent.
func (d *Deduper) Close() {
	d.stopped.Do(func() { close(d.stop) })
}
