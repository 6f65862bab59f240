package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/coachpo/autotrader/internal/clock"
	"github.com/coachpo/autotrader/internal/domain/schema"
)

// DefaultDedupWindow is how long a fingerprint suppresses identical signals.
const DefaultDedupWindow = 60 * time.Second

// Deduplicator remembers signal fingerprints for a sliding window measured
// from first sight. It is safe for concurrent use.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	seen   map[string]time.Time
}

// NewDeduplicator creates a deduplicator. A non-positive window uses the default.
func NewDeduplicator(window time.Duration, c clock.Clock) *Deduplicator {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduplicator{window: window, clock: clock.OrReal(c), seen: make(map[string]time.Time)}
}

// Fingerprint hashes symbol, action, quantity and timestamp.
func Fingerprint(sig schema.Signal) string {
	key := sig.Symbol + ":" + string(sig.Action) + ":" + sig.Quantity.String() + ":" + sig.Timestamp.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Seen reports whether sig was already observed inside the window and records
// it when not.
func (d *Deduplicator) Seen(sig schema.Signal) bool {
	fp := Fingerprint(sig)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.seen[fp] = now
	return false
}

// Forget drops sig's fingerprint so an identical resend is treated as new.
func (d *Deduplicator) Forget(sig schema.Signal) {
	fp := Fingerprint(sig)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fp)
}

// Len reports the number of live fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
