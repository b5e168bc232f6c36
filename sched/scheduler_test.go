package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/glowlink/gatt"
)

// testTransport is a scriptable in-memory transport that tracks start
// times and concurrent in-flight operations per peer.
type testTransport struct {
	mu          sync.Mutex
	delay       time.Duration
	mtu         int
	inflight    map[string]int
	maxInflight map[string]int
	starts      map[string][]time.Time
	writes      map[string][][]byte
	failNext    map[string]int
	dropNext    map[string]int
}

func newTestTransport(delay time.Duration) *testTransport {
	return &testTransport{
		delay:       delay,
		mtu:         185,
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		starts:      make(map[string][]time.Time),
		writes:      make(map[string][][]byte),
		failNext:    make(map[string]int),
		dropNext:    make(map[string]int),
	}
}

func (t *testTransport) IsConnected(peer string) bool { return true }

func (t *testTransport) StartWrite(peer string, data []byte, kind gatt.WriteKind, done func(ok bool)) {
	t.mu.Lock()
	if t.dropNext[peer] > 0 {
		t.dropNext[peer]--
		t.mu.Unlock()
		return
	}
	fail := false
	if t.failNext[peer] > 0 {
		t.failNext[peer]--
		fail = true
	}
	t.inflight[peer]++
	if t.inflight[peer] > t.maxInflight[peer] {
		t.maxInflight[peer] = t.inflight[peer]
	}
	t.starts[peer] = append(t.starts[peer], time.Now())
	buf := make([]byte, len(data))
	copy(buf, data)
	t.writes[peer] = append(t.writes[peer], buf)
	delay := t.delay
	t.mu.Unlock()

	go func() {
		time.Sleep(delay)
		t.mu.Lock()
		t.inflight[peer]--
		t.mu.Unlock()
		done(!fail)
	}()
}

func (t *testTransport) StartMtuRequest(peer string, size int, done func(mtu int, ok bool)) {
	go func() {
		time.Sleep(t.delay)
		mtu := size
		if t.mtu < mtu {
			mtu = t.mtu
		}
		done(mtu, true)
	}()
}

func (t *testTransport) maxConcurrent(peer string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInflight[peer]
}

func (t *testTransport) peerWrites(peer string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes[peer]))
	copy(out, t.writes[peer])
	return out
}

func (t *testTransport) startTimes(peer string) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.starts[peer]))
	copy(out, t.starts[peer])
	return out
}

func writeCmd(label string, payload byte, onDone func(gatt.Result)) Command {
	return Command{
		Label:      label,
		Op:         gatt.Op{Kind: gatt.OpWrite, Data: []byte{payload}},
		OnComplete: onDone,
	}
}

func TestScheduler_FIFOCompletionOrder(t *testing.T) {
	tr := newTestTransport(5 * time.Millisecond)
	s := New(tr, DefaultConfig())
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	const n = 10

	completed := make(chan byte, n)
	for i := 0; i < n; i++ {
		payload := byte(i)
		s.Enqueue(peer, writeCmd("w", payload, func(res gatt.Result) {
			if !res.Ok {
				t.Errorf("write %d failed unexpectedly", payload)
			}
			completed <- payload
		}))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-completed:
			if got != byte(i) {
				t.Errorf("completion %d: expected payload %d, got %d", i, i, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for completion %d", i)
		}
	}

	writes := tr.peerWrites(peer)
	if len(writes) != n {
		t.Fatalf("expected %d writes, got %d", n, len(writes))
	}
	for i, w := range writes {
		if w[0] != byte(i) {
			t.Errorf("write %d: expected payload %d, got %d", i, i, w[0])
		}
	}
}

func TestScheduler_FIFOOrderWithInstantTransport(t *testing.T) {
	tr := newTestTransport(0)
	cfg := DefaultConfig()
	cfg.MaxQueuePerPeer = 1000
	s := New(tr, cfg)
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	const n = 200

	completed := make(chan int, n)
	for i := 0; i < n; i++ {
		seq := i
		s.Enqueue(peer, writeCmd("w", byte(seq), func(gatt.Result) {
			completed <- seq
		}))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-completed:
			if got != i {
				t.Fatalf("completion %d: expected command %d, got %d", i, i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for completion %d", i)
		}
	}
}

func TestScheduler_MutualExclusionUnderStorm(t *testing.T) {
	tr := newTestTransport(2 * time.Millisecond)
	s := New(tr, DefaultConfig())
	defer s.Stop()

	peers := []string{
		"AA:00:00:00:00:01", "AA:00:00:00:00:02", "AA:00:00:00:00:03", "AA:00:00:00:00:04",
		"AA:00:00:00:00:05", "AA:00:00:00:00:06", "AA:00:00:00:00:07", "AA:00:00:00:00:08",
	}
	const perPeer = 25

	var completed atomic.Int32
	var g errgroup.Group
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			for i := 0; i < perPeer; i++ {
				s.Enqueue(peer, writeCmd("storm", byte(i), func(gatt.Result) {
					completed.Add(1)
				}))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("enqueue storm failed: %v", err)
	}

	want := int32(len(peers) * perPeer)
	deadline := time.After(10 * time.Second)
	for completed.Load() != want {
		select {
		case <-deadline:
			t.Fatalf("timeout: %d/%d completed", completed.Load(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}

	for _, peer := range peers {
		if max := tr.maxConcurrent(peer); max > 1 {
			t.Errorf("peer %s: %d operations in flight at once", peer, max)
		}
	}
}

func TestScheduler_CoalescingKeepsNewest(t *testing.T) {
	tr := newTestTransport(50 * time.Millisecond)
	s := New(tr, DefaultConfig())
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	completed := make(chan byte, 3)
	coalesced := func(label string, payload byte) Command {
		return Command{
			Label:       label,
			CoalesceKey: "color",
			Replace:     true,
			Op:          gatt.Op{Kind: gatt.OpWrite, Data: []byte{payload}},
			OnComplete:  func(gatt.Result) { completed <- payload },
		}
	}

	// A starts immediately; B and C queue behind it, C replaces B.
	s.Enqueue(peer, coalesced("A", 1))
	time.Sleep(10 * time.Millisecond)
	s.Enqueue(peer, coalesced("B", 2))
	s.Enqueue(peer, coalesced("C", 3))

	var order []byte
	for i := 0; i < 2; i++ {
		select {
		case p := <-completed:
			order = append(order, p)
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for completion %d (got %v)", i, order)
		}
	}

	if order[0] != 1 || order[1] != 3 {
		t.Errorf("expected completions [1 3], got %v", order)
	}
	select {
	case p := <-completed:
		t.Errorf("unexpected extra completion: %d", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestScheduler_OverflowDropOldest(t *testing.T) {
	tr := newTestTransport(60 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.MaxQueuePerPeer = 3
	s := New(tr, cfg)
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	var done atomic.Int32

	// Blocker occupies the transport; 1..5 pile up behind it.
	s.Enqueue(peer, writeCmd("blocker", 0, func(gatt.Result) { done.Add(1) }))
	time.Sleep(10 * time.Millisecond)
	for i := byte(1); i <= 5; i++ {
		s.Enqueue(peer, writeCmd("w", i, func(gatt.Result) { done.Add(1) }))
	}

	if n := s.PendingCount(peer); n != 3 {
		t.Errorf("expected 3 pending after trimming, got %d", n)
	}

	waitFor(t, func() bool { return done.Load() == 4 }, 3*time.Second, "completions")

	writes := tr.peerWrites(peer)
	want := []byte{0, 3, 4, 5}
	if len(writes) != len(want) {
		t.Fatalf("expected %d writes, got %d", len(want), len(writes))
	}
	for i, w := range writes {
		if w[0] != want[i] {
			t.Errorf("write %d: expected %d, got %d", i, want[i], w[0])
		}
	}
}

func TestScheduler_OverflowDropNewest(t *testing.T) {
	tr := newTestTransport(60 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.MaxQueuePerPeer = 3
	cfg.Overflow = DropNewest
	s := New(tr, cfg)
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	var done atomic.Int32

	s.Enqueue(peer, writeCmd("blocker", 0, func(gatt.Result) { done.Add(1) }))
	time.Sleep(10 * time.Millisecond)
	for i := byte(1); i <= 5; i++ {
		s.Enqueue(peer, writeCmd("w", i, func(gatt.Result) { done.Add(1) }))
	}

	waitFor(t, func() bool { return done.Load() == 4 }, 3*time.Second, "completions")

	// Each overflowing insert drops the previously-newest pending entry,
	// keeping the oldest entries plus the latest arrival.
	writes := tr.peerWrites(peer)
	want := []byte{0, 1, 2, 5}
	if len(writes) != len(want) {
		t.Fatalf("expected %d writes, got %d", len(want), len(writes))
	}
	for i, w := range writes {
		if w[0] != want[i] {
			t.Errorf("write %d: expected %d, got %d", i, want[i], w[0])
		}
	}
}

func TestScheduler_MinIntervalBetweenStarts(t *testing.T) {
	tr := newTestTransport(time.Millisecond)
	cfg := DefaultConfig()
	cfg.MinInterval = 50 * time.Millisecond
	s := New(tr, cfg)
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	const n = 4

	var done atomic.Int32
	for i := 0; i < n; i++ {
		s.Enqueue(peer, writeCmd("paced", byte(i), func(gatt.Result) { done.Add(1) }))
	}
	waitFor(t, func() bool { return done.Load() == n }, 5*time.Second, "completions")

	starts := tr.startTimes(peer)
	if len(starts) != n {
		t.Fatalf("expected %d starts, got %d", n, len(starts))
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		// Timer granularity eats a few milliseconds.
		if gap < 45*time.Millisecond {
			t.Errorf("gap %d too short: %s", i, gap)
		}
	}
}

func TestScheduler_TimeoutGuardUnblocksQueue(t *testing.T) {
	tr := newTestTransport(time.Millisecond)
	cfg := DefaultConfig()
	cfg.WriteTimeout = 80 * time.Millisecond
	s := New(tr, cfg)
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	tr.mu.Lock()
	tr.dropNext[peer] = 1
	tr.mu.Unlock()

	results := make(chan gatt.Result, 2)
	s.Enqueue(peer, writeCmd("silent", 1, func(res gatt.Result) { results <- res }))
	s.Enqueue(peer, writeCmd("after", 2, func(res gatt.Result) { results <- res }))

	select {
	case res := <-results:
		if res.Ok {
			t.Error("swallowed write should be reported as failure")
		}
		if res.Err != ErrWriteTimeout {
			t.Errorf("expected ErrWriteTimeout, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout guard never fired")
	}

	select {
	case res := <-results:
		if !res.Ok {
			t.Errorf("follow-up write should succeed, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queue stayed blocked after timeout guard")
	}
}

func TestScheduler_ClearDiscardsPending(t *testing.T) {
	tr := newTestTransport(50 * time.Millisecond)
	s := New(tr, DefaultConfig())
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		s.Enqueue(peer, writeCmd("w", byte(i), func(gatt.Result) { done.Add(1) }))
	}
	time.Sleep(10 * time.Millisecond)

	s.Clear(peer)

	if n := s.PendingCount(peer); n != 0 {
		t.Errorf("expected empty queue after clear, got %d pending", n)
	}

	// The in-flight write's late completion must be ignored quietly.
	time.Sleep(150 * time.Millisecond)
	if got := done.Load(); got > 1 {
		t.Errorf("expected at most the in-flight completion, got %d", got)
	}
	if s.Running(peer) {
		t.Error("peer still marked running after clear")
	}
}

func TestScheduler_SignalCompleteIdleIsNoop(t *testing.T) {
	tr := newTestTransport(time.Millisecond)
	s := New(tr, DefaultConfig())
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	s.SignalComplete(peer)
	s.SignalComplete(peer)

	// Still schedules normally afterwards.
	done := make(chan struct{})
	s.Enqueue(peer, writeCmd("w", 1, func(gatt.Result) { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed after idle SignalComplete calls")
	}
}

func TestScheduler_ReconfigureTakesEffect(t *testing.T) {
	tr := newTestTransport(time.Millisecond)
	s := New(tr, DefaultConfig())
	defer s.Stop()

	const peer = "AA:00:00:00:00:01"
	var done atomic.Int32

	s.Enqueue(peer, writeCmd("fast", 0, func(gatt.Result) { done.Add(1) }))
	waitFor(t, func() bool { return done.Load() == 1 }, 2*time.Second, "first completion")

	cfg := DefaultConfig()
	cfg.MinInterval = 60 * time.Millisecond
	s.Configure(cfg)

	s.Enqueue(peer, writeCmd("paced", 1, func(gatt.Result) { done.Add(1) }))
	s.Enqueue(peer, writeCmd("paced", 2, func(gatt.Result) { done.Add(1) }))
	waitFor(t, func() bool { return done.Load() == 3 }, 5*time.Second, "paced completions")

	starts := tr.startTimes(peer)
	if len(starts) != 3 {
		t.Fatalf("expected 3 starts, got %d", len(starts))
	}
	if gap := starts[2].Sub(starts[1]); gap < 55*time.Millisecond {
		t.Errorf("reconfigured interval not honored: gap %s", gap)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, what string) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
