// Package pending implements the in-flight render registry: per-process
// deduplication of concurrent render requests that target the same
// fingerprint, with futures waiters block on until a worker replies.
package pending

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/snapshot"
)

// Fingerprint identifies one logical render job. Two requests that would
// produce the same job (same key and callback) share one in-flight entry.
type Fingerprint struct {
	Site        string
	Path        string
	DeviceType  snapshot.DeviceType
	Type        snapshot.Kind
	CallbackURL string
}

// Hash returns a stable 64-bit digest of the fingerprint, used as the
// registry's map key so entries are cheap to compare and log.
func (f Fingerprint) Hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(f.Site)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(f.Path)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(f.DeviceType))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(f.Type))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(f.CallbackURL)
	return h.Sum64()
}

// Outcome is what a future resolves to: either a successful snapshot or a
// failure reason matching one of the mapped error kinds.
type Outcome struct {
	OK        bool
	Snapshot  *snapshot.Snapshot
	ErrorKind string
	ErrorMsg  string
}

// Future is handed to every waiter on a fingerprint; Wait blocks until the
// registry resolves it or the given deadline elapses.
type Future struct {
	ch <-chan Outcome
}

// Wait blocks until the future resolves or deadline is reached, whichever
// comes first. Returns (Outcome{}, false) on timeout.
func (f Future) Wait(deadline time.Duration) (Outcome, bool) {
	select {
	case o := <-f.ch:
		return o, true
	case <-time.After(deadline):
		return Outcome{}, false
	}
}

type inflight struct {
	correlationID string
	publishedAt   time.Time
	noWait        bool
	waiters       []chan Outcome
}

// Registry tracks in-flight fingerprints and the correlationId each one is
// published under, so a reply can be routed back to every waiter.
type Registry struct {
	mu          sync.Mutex
	byHash      map[uint64]*inflight
	byCorrID    map[string]uint64
	workerTimeout time.Duration
}

// NewRegistry creates a Registry; workerTimeout bounds how long an
// in-flight entry may live before SweepExpired fails it.
func NewRegistry(workerTimeout time.Duration) *Registry {
	return &Registry{
		byHash:        make(map[uint64]*inflight),
		byCorrID:      make(map[string]uint64),
		workerTimeout: workerTimeout,
	}
}

// BeginOrJoin registers fp as in-flight under correlationID if it isn't
// already, or joins the existing entry. Returns leader=true only for the
// caller that should actually publish the RenderJob.
func (r *Registry) BeginOrJoin(fp Fingerprint, correlationID string, noWait bool) (leader bool, future Future) {
	h := fp.Hash()
	ch := make(chan Outcome, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[h]; ok {
		existing.waiters = append(existing.waiters, ch)
		return false, Future{ch: ch}
	}

	entry := &inflight{
		correlationID: correlationID,
		publishedAt:   time.Now(),
		noWait:        noWait,
		waiters:       []chan Outcome{ch},
	}
	r.byHash[h] = entry
	r.byCorrID[correlationID] = h
	return true, Future{ch: ch}
}

// AddWaiter registers an additional, independent waiter on the in-flight
// entry for correlationID and returns its Future. Used when one leader
// needs two consumers of the same outcome (e.g. the blocking request path
// and a callback goroutine) since a Future's channel delivers to exactly
// one reader. Returns ok=false if correlationID has already resolved.
func (r *Registry) AddWaiter(correlationID string) (future Future, ok bool) {
	ch := make(chan Outcome, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byCorrID[correlationID]
	if !ok {
		return Future{}, false
	}
	entry := r.byHash[h]
	entry.waiters = append(entry.waiters, ch)
	return Future{ch: ch}, true
}

// Complete resolves every waiter on correlationID with outcome and purges
// the entry. No-op if the correlationID is unknown (late or duplicate
// reply after a sweep already failed it).
func (r *Registry) Complete(correlationID string, outcome Outcome) {
	r.resolve(correlationID, outcome)
}

// Fail resolves every waiter on correlationID with a failure outcome.
func (r *Registry) Fail(correlationID string, errorKind, message string) {
	r.resolve(correlationID, Outcome{OK: false, ErrorKind: errorKind, ErrorMsg: message})
}

func (r *Registry) resolve(correlationID string, outcome Outcome) {
	r.mu.Lock()
	h, ok := r.byCorrID[correlationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry := r.byHash[h]
	delete(r.byCorrID, correlationID)
	delete(r.byHash, h)
	r.mu.Unlock()

	for _, w := range entry.waiters {
		w <- outcome
		close(w)
	}
}

// SweepExpired fails every in-flight entry published more than
// workerTimeout before now, returning how many were swept.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	var expired []string
	for corrID, h := range r.byCorrID {
		entry := r.byHash[h]
		if now.Sub(entry.publishedAt) > r.workerTimeout {
			expired = append(expired, corrID)
		}
	}
	r.mu.Unlock()

	for _, corrID := range expired {
		r.Fail(corrID, "SERVER_WORKER_TIMEOUT", "worker did not reply within the configured timeout")
	}
	return len(expired)
}

// OutcomeFromReply converts a bus RenderReply into a registry Outcome.
func OutcomeFromReply(reply bus.RenderReply) Outcome {
	return Outcome{
		OK:        reply.OK,
		Snapshot:  reply.Snapshot,
		ErrorKind: reply.ErrorKind,
		ErrorMsg:  reply.ErrorMessage,
	}
}

// Len reports how many fingerprints are currently in flight, for metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHash)
}
