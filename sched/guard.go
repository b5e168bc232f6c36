package sched

import (
	"sync"
	"time"

	"github.com/user/glowlink/gatt"
	"github.com/user/glowlink/logger"
)

// GuardedWriter is a standalone single-outstanding-write wrapper for one
// peer, for producers that do not need a full per-peer queue (continuous
// color changes, for example). At most one operation is in flight; a new
// submission replaces any not-yet-started pending operation of the same
// class; a silent transport is force-completed after the timeout so the
// slot never stalls.
type GuardedWriter struct {
	transport gatt.Transport
	peer      string
	timeout   time.Duration

	mu      sync.Mutex
	busy    bool
	gen     uint64
	done    func(gatt.Result)
	guard   *time.Timer
	pending []*guardedReq
}

type guardedReq struct {
	class string
	op    gatt.Op
	done  func(gatt.Result)
}

// NewGuardedWriter creates a writer for one peer. timeout <= 0 uses
// DefaultWriteTimeout.
func NewGuardedWriter(transport gatt.Transport, peer string, timeout time.Duration) *GuardedWriter {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &GuardedWriter{
		transport: transport,
		peer:      peer,
		timeout:   timeout,
	}
}

// Submit queues an operation. Any pending (not yet started) operation of
// the same class is discarded first, so high-frequency producers keep only
// their latest value. done may be nil.
func (g *GuardedWriter) Submit(class string, op gatt.Op, done func(gatt.Result)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if class != "" {
		kept := g.pending[:0]
		for _, r := range g.pending {
			if r.class == class {
				logger.Trace(prefix(g.peer), "guarded writer replaced pending %q", class)
				continue
			}
			kept = append(kept, r)
		}
		g.pending = kept
	}
	g.pending = append(g.pending, &guardedReq{class: class, op: op, done: done})

	if !g.busy {
		g.startLocked()
	}
}

// Pending reports the number of queued, not-yet-started operations.
func (g *GuardedWriter) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *GuardedWriter) startLocked() {
	r := g.pending[0]
	g.pending = g.pending[1:]
	g.busy = true
	g.gen++
	g.done = r.done

	gen := g.gen
	g.guard = time.AfterFunc(g.timeout, func() {
		g.complete(gen, gatt.Result{Ok: false, Err: ErrWriteTimeout})
	})

	r.op.Start(g.transport, g.peer, func(res gatt.Result) {
		g.complete(gen, res)
	})
}

func (g *GuardedWriter) complete(gen uint64, res gatt.Result) {
	g.mu.Lock()
	if !g.busy || gen != g.gen {
		// Stale: the guard already fired, or vice versa.
		g.mu.Unlock()
		return
	}
	g.busy = false
	if g.guard != nil {
		g.guard.Stop()
		g.guard = nil
	}
	done := g.done
	g.done = nil
	if len(g.pending) > 0 {
		g.startLocked()
	}
	g.mu.Unlock()

	if done != nil {
		done(res)
	}
}
