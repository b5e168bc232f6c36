package sched

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/user/glowlink/gatt"
	"github.com/user/glowlink/logger"
)

// ErrWriteTimeout is the synthesized failure for a transport that never
// reports completion within the configured deadline.
var ErrWriteTimeout = errors.New("gatt operation timed out waiting for completion")

// Command is one unit of work for a peer. Commands for the same peer run
// strictly one at a time in FIFO order, modulo coalescing and overflow
// trimming.
type Command struct {
	// Label is diagnostic only.
	Label string
	// CoalesceKey groups replaceable commands. When Replace is true and the
	// key is non-empty, enqueuing removes every still-pending command for
	// the same peer sharing the key. A running command is never touched.
	CoalesceKey string
	Replace     bool
	// Op is the operation to run on the transport.
	Op gatt.Op
	// OnComplete, if set, receives the operation's outcome after the peer's
	// queue has been unblocked. Callbacks run off the control path on a
	// dedicated goroutine, one at a time, in completion order.
	OnComplete func(gatt.Result)
}

type completionJob struct {
	fn  func(gatt.Result)
	res gatt.Result
}

type entry struct {
	id  string
	cmd Command
}

type peerQueue struct {
	pending    []*entry
	running    bool
	runningID  string
	runningCmd *entry
	lastDone   time.Time
	wake       *time.Timer
	wakeArmed  bool
	guard      *time.Timer
}

func (pq *peerQueue) cancelWake() {
	if pq.wake != nil {
		pq.wake.Stop()
		pq.wake = nil
	}
	pq.wakeArmed = false
}

func (pq *peerQueue) cancelGuard() {
	if pq.guard != nil {
		pq.guard.Stop()
		pq.guard = nil
	}
}

// Scheduler serializes GATT operations per peer. All queue and timer state
// is owned by a single control goroutine; operations themselves start
// asynchronously on the transport and complete via callbacks posted back
// onto the control path. Independent peers proceed in parallel.
type Scheduler struct {
	transport gatt.Transport

	ctrl chan func()
	quit chan struct{}
	once sync.Once

	// Owned by the control goroutine.
	cfg     Config
	limiter *rate.Limiter
	peers   map[string]*peerQueue

	// Completion callbacks queue here and drain on one goroutine so
	// callers observe completions in order.
	deliverMu   sync.Mutex
	deliverQ    []completionJob
	deliverWake chan struct{}
}

// New creates a scheduler over the transport and starts its control loop.
func New(transport gatt.Transport, cfg Config) *Scheduler {
	s := &Scheduler{
		transport:   transport,
		ctrl:        make(chan func(), 256),
		quit:        make(chan struct{}),
		peers:       make(map[string]*peerQueue),
		deliverWake: make(chan struct{}, 1),
	}
	s.applyConfig(cfg)
	go s.run()
	go s.deliver()
	return s
}

// deliver drains queued completion callbacks one at a time. A callback may
// re-enter the scheduler (Enqueue, Clear); it must not block indefinitely
// or it stalls every later delivery.
func (s *Scheduler) deliver() {
	for {
		select {
		case <-s.deliverWake:
		case <-s.quit:
			return
		}
		for {
			s.deliverMu.Lock()
			if len(s.deliverQ) == 0 {
				s.deliverMu.Unlock()
				break
			}
			job := s.deliverQ[0]
			s.deliverQ = s.deliverQ[1:]
			s.deliverMu.Unlock()
			job.fn(job.res)
		}
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case fn := <-s.ctrl:
			fn()
		case <-s.quit:
			for _, pq := range s.peers {
				pq.cancelWake()
				pq.cancelGuard()
			}
			return
		}
	}
}

// post hands a state mutation to the control goroutine. Mutations never
// block the control path; anything slow runs on its own goroutine.
func (s *Scheduler) post(fn func()) {
	select {
	case s.ctrl <- fn:
	case <-s.quit:
	}
}

// Stop shuts down the control loop and cancels all timers. In-flight
// transport completions arriving afterwards are dropped.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.quit) })
}

// Enqueue appends a command to the peer's queue. It never fails; callers
// must ensure each started operation eventually completes (the timeout
// guard covers a silent transport).
func (s *Scheduler) Enqueue(peer string, cmd Command) {
	s.post(func() {
		pq := s.peers[peer]
		if pq == nil {
			pq = &peerQueue{}
			s.peers[peer] = pq
		}

		if cmd.Replace && cmd.CoalesceKey != "" {
			kept := pq.pending[:0]
			for _, e := range pq.pending {
				if e.cmd.CoalesceKey == cmd.CoalesceKey {
					logger.Trace(prefix(peer), "coalesced %q (key=%s)", e.cmd.Label, cmd.CoalesceKey)
					continue
				}
				kept = append(kept, e)
			}
			pq.pending = kept
		}

		pq.pending = append(pq.pending, &entry{id: uuid.NewString(), cmd: cmd})

		for len(pq.pending) > s.cfg.MaxQueuePerPeer {
			var dropped *entry
			if s.cfg.Overflow == DropNewest {
				// Trim from the tail, but keep the entry just inserted.
				i := len(pq.pending) - 2
				dropped = pq.pending[i]
				pq.pending = append(pq.pending[:i], pq.pending[i+1:]...)
			} else {
				dropped = pq.pending[0]
				pq.pending = pq.pending[1:]
			}
			logger.Debug(prefix(peer), "queue overflow (%s), dropped %q", s.cfg.Overflow, dropped.cmd.Label)
		}

		s.maybeStart(peer, pq)
	})
}

// SignalComplete marks the peer idle and schedules the next pending
// command. It is a no-op for an idle or unknown peer, so late completions
// after Clear are safely ignored.
func (s *Scheduler) SignalComplete(peer string) {
	s.post(func() {
		pq := s.peers[peer]
		if pq == nil || !pq.running {
			return
		}
		s.finish(peer, pq, pq.runningID, gatt.Result{Ok: true})
	})
}

// Clear discards all pending commands for the peer, cancels any scheduled
// wake-up and resets the running flag. Called on disconnect; a completion
// for an already-started operation later arrives against an absent queue
// and is dropped.
func (s *Scheduler) Clear(peer string) {
	s.post(func() {
		pq := s.peers[peer]
		if pq == nil {
			return
		}
		pq.cancelWake()
		pq.cancelGuard()
		if n := len(pq.pending); n > 0 {
			logger.Debug(prefix(peer), "cleared %d pending command(s)", n)
		}
		delete(s.peers, peer)
	})
}

// Configure atomically replaces the active configuration. It takes effect
// on the next scheduling decision and never cancels an in-flight command.
func (s *Scheduler) Configure(cfg Config) {
	s.post(func() {
		s.applyConfig(cfg)
		logger.Info("sched", "reconfigured: min_interval=%s max_queue=%d overflow=%s timeout=%s",
			s.cfg.MinInterval, s.cfg.MaxQueuePerPeer, s.cfg.Overflow, s.cfg.WriteTimeout)
	})
}

func (s *Scheduler) applyConfig(cfg Config) {
	s.cfg = cfg.normalized()
	if s.cfg.CommandsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.CommandsPerSecond), s.cfg.Burst)
	} else {
		s.limiter = nil
	}
}

// PendingCount reports the number of queued (not yet started) commands for
// the peer.
func (s *Scheduler) PendingCount(peer string) int {
	reply := make(chan int, 1)
	s.post(func() {
		if pq := s.peers[peer]; pq != nil {
			reply <- len(pq.pending)
		} else {
			reply <- 0
		}
	})
	select {
	case n := <-reply:
		return n
	case <-s.quit:
		return 0
	}
}

// Running reports whether a command is currently in flight for the peer.
func (s *Scheduler) Running(peer string) bool {
	reply := make(chan bool, 1)
	s.post(func() {
		pq := s.peers[peer]
		reply <- pq != nil && pq.running
	})
	select {
	case r := <-reply:
		return r
	case <-s.quit:
		return false
	}
}

// maybeStart decides whether the peer's next command runs now, later, or
// not yet. Runs on the control goroutine.
func (s *Scheduler) maybeStart(peer string, pq *peerQueue) {
	if len(pq.pending) == 0 {
		pq.cancelWake()
		return
	}
	if pq.running || pq.wakeArmed {
		return
	}

	var wait time.Duration
	if s.cfg.MinInterval > 0 && !pq.lastDone.IsZero() {
		wait = s.cfg.MinInterval - time.Since(pq.lastDone)
	}
	if s.limiter != nil {
		if d := s.limiter.Reserve().Delay(); d > wait {
			wait = d
		}
	}

	if wait <= 0 {
		s.startNext(peer, pq)
		return
	}

	pq.wakeArmed = true
	pq.wake = time.AfterFunc(wait, func() {
		s.post(func() {
			q := s.peers[peer]
			if q == nil || !q.wakeArmed {
				return
			}
			q.wakeArmed = false
			q.wake = nil
			if !q.running && len(q.pending) > 0 {
				s.startNext(peer, q)
			}
		})
	})
	logger.Trace(prefix(peer), "next command in %s", wait)
}

// startNext pops the head of the queue, marks the peer running, arms the
// completion timeout guard and begins the operation on the transport.
func (s *Scheduler) startNext(peer string, pq *peerQueue) {
	e := pq.pending[0]
	pq.pending = pq.pending[1:]
	if len(pq.pending) == 0 {
		pq.cancelWake()
	}

	pq.running = true
	pq.runningID = e.id
	pq.runningCmd = e

	id := e.id
	pq.guard = time.AfterFunc(s.cfg.WriteTimeout, func() {
		s.post(func() {
			q := s.peers[peer]
			if q == nil {
				return
			}
			logger.Warn(prefix(peer), "no completion for %q within %s, forcing failure", e.cmd.Label, s.cfg.WriteTimeout)
			s.finish(peer, q, id, gatt.Result{Ok: false, Err: ErrWriteTimeout})
		})
	})

	logger.Trace(prefix(peer), "start %q (%s)", e.cmd.Label, e.cmd.Op.Kind)
	e.cmd.Op.Start(s.transport, peer, func(res gatt.Result) {
		s.post(func() {
			q := s.peers[peer]
			if q == nil {
				return
			}
			s.finish(peer, q, id, res)
		})
	})
}

// finish records completion of the running command. Stale completions (a
// transport callback racing a fired timeout guard, or arriving after
// Clear) are dropped by the id check.
func (s *Scheduler) finish(peer string, pq *peerQueue, id string, res gatt.Result) {
	if !pq.running || pq.runningID != id {
		return
	}
	e := pq.runningCmd
	pq.running = false
	pq.runningID = ""
	pq.runningCmd = nil
	pq.cancelGuard()
	pq.lastDone = time.Now()

	if e != nil && e.cmd.OnComplete != nil {
		s.deliverMu.Lock()
		s.deliverQ = append(s.deliverQ, completionJob{fn: e.cmd.OnComplete, res: res})
		s.deliverMu.Unlock()
		select {
		case s.deliverWake <- struct{}{}:
		default:
		}
	}
	s.maybeStart(peer, pq)
}

// prefix shortens a peer address for log output, like "AA:BB:CC sched".
func prefix(peer string) string {
	if len(peer) > 8 {
		peer = peer[:8]
	}
	return peer + " sched"
}
