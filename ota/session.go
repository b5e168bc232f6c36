package ota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/glowlink/gatt"
	"github.com/user/glowlink/logger"
	"github.com/user/glowlink/sched"
)

var (
	// ErrNotConnected is returned when a transfer is started for a
	// disconnected peer. Rejected before any scheduler interaction.
	ErrNotConnected = errors.New("ota: peer not connected")
	// ErrSessionActive is returned when a transfer is already running for
	// the peer. One session per peer at a time.
	ErrSessionActive = errors.New("ota: transfer already in progress for peer")
	// ErrNoSession is returned by ConfirmVerify when no session is
	// awaiting confirmation.
	ErrNoSession = errors.New("ota: no session awaiting confirmation")
)

// DefaultPreferredMtu is requested from the peripheral when the caller
// does not override it.
const DefaultPreferredMtu = 247

// DefaultConfirmTimeout bounds the wait for a peripheral-side confirmation
// in the Verifying state.
const DefaultConfirmTimeout = 5 * time.Second

// attHeaderSize is the ATT write opcode+handle overhead subtracted from
// the negotiated MTU when sizing packets.
const attHeaderSize = 3

// Options configures one transfer.
type Options struct {
	// PreferredMtu is the MTU requested from the peripheral. Defaults to
	// DefaultPreferredMtu.
	PreferredMtu int
	// OnProgress receives monotonic percentages 0..100 on the happy path.
	OnProgress func(percent int)
	// OnResult receives exactly one terminal signal per session.
	OnResult func(ok bool, message string)
	// WaitConfirm, when set, holds the session in Verifying after the last
	// packet until ConfirmVerify is called or ConfirmTimeout elapses.
	WaitConfirm    bool
	ConfirmTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PreferredMtu <= 0 {
		o.PreferredMtu = DefaultPreferredMtu
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	return o
}

type session struct {
	id           string
	peer         string
	firmware     []byte
	state        State
	pduLength    int
	nextIndex    int
	totalPackets int
	opts         Options
	confirm      *time.Timer
}

// Manager drives OTA transfers: MTU negotiation, notification enable,
// chunked packet writes and completion, each step submitted through the
// command scheduler. One session per peer.
type Manager struct {
	mu        sync.Mutex
	sched     *sched.Scheduler
	transport gatt.Transport
	sessions  map[string]*session
	observers map[string][]chan State
	closed    bool
}

// NewManager creates an OTA manager on top of the scheduler and transport.
func NewManager(s *sched.Scheduler, t gatt.Transport) *Manager {
	return &Manager{
		sched:     s,
		transport: t,
		sessions:  make(map[string]*session),
		observers: make(map[string][]chan State),
	}
}

// Start begins a firmware transfer for the peer. The returned error covers
// only up-front rejections; everything after that is reported through the
// options' callbacks and the state stream.
func (m *Manager) Start(peer string, firmware []byte, opts Options) error {
	opts = opts.withDefaults()

	m.mu.Lock()
	if m.sessions[peer] != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	s := &session{
		id:       uuid.NewString(),
		peer:     peer,
		firmware: firmware,
		state:    StateIdle,
		opts:     opts,
	}
	m.sessions[peer] = s
	m.setStateLocked(s, StatePreparing)

	if !m.transport.IsConnected(peer) {
		// Rejected before anything reaches the scheduler, so there is no
		// queue to clear.
		m.setStateLocked(s, StateError)
		notify := m.teardownLocked(s)
		m.mu.Unlock()
		logger.Error(otaPrefix(peer), "transfer rejected: peer not connected")
		notify(false, "peer not connected")
		return ErrNotConnected
	}

	m.setStateLocked(s, StateNegotiatingMtu)
	sessID := s.id
	m.sched.Enqueue(peer, sched.Command{
		Label: "ota-mtu",
		Op:    gatt.Op{Kind: gatt.OpMtuRequest, Mtu: opts.PreferredMtu},
		OnComplete: func(res gatt.Result) {
			m.onMtuDone(sessID, peer, res)
		},
	})
	m.mu.Unlock()

	logger.Info(otaPrefix(peer), "transfer %s started: %d bytes, preferred MTU %d", s.id[:8], len(firmware), opts.PreferredMtu)
	return nil
}

// Abort cancels the peer's transfer from any non-terminal state: pending
// scheduler commands are cleared, the session is torn down, and the
// terminal state is Aborted. Aborting is not an error; without an active
// session it is a no-op.
func (m *Manager) Abort(peer string) {
	m.mu.Lock()
	s := m.sessions[peer]
	if s == nil || s.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.sched.Clear(peer)
	m.setStateLocked(s, StateAborted)
	notify := m.teardownLocked(s)
	m.mu.Unlock()

	logger.Info(otaPrefix(peer), "transfer %s aborted at packet %d/%d", s.id[:8], s.nextIndex, s.totalPackets)
	notify(false, "aborted")
}

// PeerDisconnected tears down any active session for the peer with a
// terminal Error, and clears its scheduler queue. Call on connection loss.
func (m *Manager) PeerDisconnected(peer string) {
	m.mu.Lock()
	s := m.sessions[peer]
	if s == nil || s.state.Terminal() {
		m.mu.Unlock()
		return
	}
	notify := m.failLocked(s, "connection lost during transfer")
	m.mu.Unlock()
	notify()
}

// ConfirmVerify resolves a session waiting in Verifying. ok=false reports
// the peripheral rejected the image.
func (m *Manager) ConfirmVerify(peer string, ok bool) error {
	m.mu.Lock()
	s := m.sessions[peer]
	if s == nil || s.state != StateVerifying {
		m.mu.Unlock()
		return ErrNoSession
	}
	var notify func()
	if ok {
		notify = m.completeLocked(s)
	} else {
		notify = m.failLocked(s, "peripheral rejected firmware")
	}
	m.mu.Unlock()
	notify()
	return nil
}

// State returns the peer's current transfer state, StateIdle when no
// session exists.
func (m *Manager) State(peer string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[peer]; s != nil {
		return s.state
	}
	return StateIdle
}

// Observe registers a state stream for the peer. The current state is
// delivered immediately; later transitions are delivered best-effort
// (slow observers miss intermediate states, never see stale ones
// replayed).
func (m *Manager) Observe(peer string) <-chan State {
	ch := make(chan State, 8)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.observers[peer] = append(m.observers[peer], ch)
	cur := StateIdle
	if s := m.sessions[peer]; s != nil {
		cur = s.state
	}
	ch <- cur
	m.mu.Unlock()
	return ch
}

// Unobserve removes a previously registered stream and closes it.
func (m *Manager) Unobserve(peer string, ch <-chan State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs := m.observers[peer]
	for i, c := range obs {
		if c == ch {
			m.observers[peer] = append(obs[:i], obs[i+1:]...)
			close(c)
			return
		}
	}
}

// Close closes every observer stream. Active sessions are left to their
// own teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for peer, obs := range m.observers {
		for _, ch := range obs {
			close(ch)
		}
		delete(m.observers, peer)
	}
}

func (m *Manager) onMtuDone(sessID, peer string, res gatt.Result) {
	m.mu.Lock()
	s := m.sessions[peer]
	if s == nil || s.id != sessID || s.state != StateNegotiatingMtu {
		m.mu.Unlock()
		return
	}
	if !res.Ok {
		notify := m.failLocked(s, completionMessage("mtu negotiation failed", res))
		m.mu.Unlock()
		notify()
		return
	}

	s.pduLength = pduForMtu(res.Mtu)
	s.totalPackets = PacketCount(len(s.firmware), s.pduLength)
	logger.Debug(otaPrefix(peer), "negotiated MTU %d, pdu=%d, %d packet(s)", res.Mtu, s.pduLength, s.totalPackets)

	m.setStateLocked(s, StateEnablingNotify)
	m.sched.Enqueue(peer, sched.Command{
		Label: "ota-notify-enable",
		Op:    gatt.Op{Kind: gatt.OpNotifyEnable},
		OnComplete: func(r gatt.Result) {
			m.onNotifyDone(sessID, peer, r)
		},
	})
	m.mu.Unlock()
}

func (m *Manager) onNotifyDone(sessID, peer string, res gatt.Result) {
	m.mu.Lock()
	s := m.sessions[peer]
	if s == nil || s.id != sessID || s.state != StateEnablingNotify {
		m.mu.Unlock()
		return
	}
	if !res.Ok {
		notify := m.failLocked(s, completionMessage("enabling notifications failed", res))
		m.mu.Unlock()
		notify()
		return
	}

	m.setStateLocked(s, StateTransferring)
	if s.totalPackets == 0 {
		// Nothing to send; an empty image completes immediately.
		notify := m.completeLocked(s)
		m.mu.Unlock()
		notify()
		return
	}
	m.enqueuePacketLocked(s)
	m.mu.Unlock()
}

// enqueuePacketLocked builds and submits the packet at s.nextIndex as a
// must-not-drop command (no coalesce key).
func (m *Manager) enqueuePacketLocked(s *session) {
	idx := s.nextIndex
	pkt, err := BuildPacket(s.firmware, idx, s.pduLength)
	if err != nil {
		// Unreachable while nextIndex < totalPackets; treated as a local
		// failure rather than a panic.
		notify := m.failLocked(s, fmt.Sprintf("packet build failed: %v", err))
		go notify()
		return
	}
	sessID := s.id
	peer := s.peer
	m.sched.Enqueue(peer, sched.Command{
		Label: fmt.Sprintf("ota-packet-%d", idx),
		Op:    gatt.Op{Kind: gatt.OpOtaPacket, Data: pkt},
		OnComplete: func(r gatt.Result) {
			m.onPacketDone(sessID, peer, idx, r)
		},
	})
}

func (m *Manager) onPacketDone(sessID, peer string, idx int, res gatt.Result) {
	m.mu.Lock()
	s := m.sessions[peer]
	if s == nil || s.id != sessID || s.state != StateTransferring {
		m.mu.Unlock()
		return
	}
	if !res.Ok {
		notify := m.failLocked(s, completionMessage(fmt.Sprintf("packet %d write failed", idx), res))
		m.mu.Unlock()
		notify()
		return
	}

	s.nextIndex = idx + 1
	pct := Progress(idx, s.totalPackets)
	onProgress := s.opts.OnProgress

	if s.nextIndex < s.totalPackets {
		m.enqueuePacketLocked(s)
		m.mu.Unlock()
		if onProgress != nil {
			onProgress(pct)
		}
		return
	}

	// Last packet acknowledged.
	if s.opts.WaitConfirm {
		m.setStateLocked(s, StateVerifying)
		m.armConfirmTimerLocked(s)
		m.mu.Unlock()
		if onProgress != nil {
			onProgress(pct)
		}
		return
	}

	notify := m.completeLocked(s)
	m.mu.Unlock()
	if onProgress != nil {
		onProgress(pct)
	}
	notify()
}

func (m *Manager) armConfirmTimerLocked(s *session) {
	sessID := s.id
	peer := s.peer
	s.confirm = time.AfterFunc(s.opts.ConfirmTimeout, func() {
		m.mu.Lock()
		cur := m.sessions[peer]
		if cur == nil || cur.id != sessID || cur.state != StateVerifying {
			m.mu.Unlock()
			return
		}
		notify := m.failLocked(cur, "timed out waiting for peripheral confirmation")
		m.mu.Unlock()
		notify()
	})
}

// completeLocked moves the session to Completed and tears it down. The
// returned func delivers the single terminal result; call it after
// releasing the lock.
func (m *Manager) completeLocked(s *session) func() {
	m.setStateLocked(s, StateCompleted)
	notify := m.teardownLocked(s)
	logger.Info(otaPrefix(s.peer), "transfer %s completed: %d packet(s)", s.id[:8], s.totalPackets)
	return func() { notify(true, "") }
}

// failLocked moves the session to Error, clears the peer's queue and tears
// the session down. The returned func delivers the terminal result.
func (m *Manager) failLocked(s *session, msg string) func() {
	m.sched.Clear(s.peer)
	m.setStateLocked(s, StateError)
	notify := m.teardownLocked(s)
	logger.Error(otaPrefix(s.peer), "transfer %s failed: %s", s.id[:8], msg)
	return func() { notify(false, msg) }
}

// teardownLocked removes the session and returns a one-shot result
// delivery func.
func (m *Manager) teardownLocked(s *session) func(ok bool, msg string) {
	if s.confirm != nil {
		s.confirm.Stop()
		s.confirm = nil
	}
	delete(m.sessions, s.peer)
	onResult := s.opts.OnResult
	delivered := false
	return func(ok bool, msg string) {
		if delivered || onResult == nil {
			return
		}
		delivered = true
		onResult(ok, msg)
	}
}

func (m *Manager) setStateLocked(s *session, st State) {
	s.state = st
	logger.Debug(otaPrefix(s.peer), "state -> %s", st)
	for _, ch := range m.observers[s.peer] {
		select {
		case ch <- st:
		default:
			// Slow observer: drop, it will catch the next transition.
		}
	}
}

// pduForMtu derives the firmware payload size from the negotiated MTU:
// MTU minus ATT header minus packet framing, clamped to [1, MaxPduLength].
func pduForMtu(mtu int) int {
	pdu := mtu - attHeaderSize - indexSize - crcSize
	if pdu > MaxPduLength {
		pdu = MaxPduLength
	}
	if pdu < 1 {
		pdu = 1
	}
	return pdu
}

func completionMessage(prefix string, res gatt.Result) string {
	if res.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, res.Err)
	}
	return prefix
}

func otaPrefix(peer string) string {
	if len(peer) > 8 {
		peer = peer[:8]
	}
	return peer + " ota"
}
