// Package statistics counts proxied connections per credential for the
// diagnostics surface.
package statistics

import "sync"

type record struct {
	credential string
	dest       string
}

// Recorder aggregates connection counts fed through a buffered channel so
// the proxy data path never blocks on accounting.
type Recorder struct {
	ch   chan record
	done chan struct{}

	mu     sync.RWMutex
	counts map[string]int
	dests  map[string]string
}

func NewRecorder() *Recorder {
	return &Recorder{
		ch:     make(chan record, 1024),
		done:   make(chan struct{}),
		counts: make(map[string]int),
		dests:  make(map[string]string),
	}
}

// Start runs the aggregation worker until Close is called.
func (r *Recorder) Start() {
	go func() {
		for {
			select {
			case rec := <-r.ch:
				r.mu.Lock()
				r.counts[rec.credential]++
				r.dests[rec.credential] = rec.dest
				r.mu.Unlock()
			case <-r.done:
				return
			}
		}
	}()
}

func (r *Recorder) Close() error {
	close(r.done)
	return nil
}

// Record notes one authenticated connection. Drops the sample when the
// channel is full rather than stalling the caller.
func (r *Recorder) Record(credential, dest string) {
	select {
	case r.ch <- record{credential: credential, dest: dest}:
	default:
	}
}

// ConnectionCount holds one snapshot row.
type ConnectionCount struct {
	Credential string `json:"credential"`
	Dest       string `json:"dest"`
	Count      int    `json:"count"`
}

// Snapshot returns the current per-credential counts.
func (r *Recorder) Snapshot() []ConnectionCount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionCount, 0, len(r.counts))
	for cred, n := range r.counts {
		out = append(out, ConnectionCount{Credential: cred, Dest: r.dests[cred], Count: n})
	}
	return out
}
