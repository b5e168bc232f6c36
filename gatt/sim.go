package gatt

import (
	"sync"
	"time"
)

// SimConfig controls the behavior of the simulated transport.
type SimConfig struct {
	// WriteDelay is applied before every write completion.
	WriteDelay time.Duration
	// MtuDelay is applied before every MTU request completion.
	MtuDelay time.Duration
	// Mtu is the size the simulated peripheral negotiates down to.
	Mtu int
}

// DefaultSimConfig returns a fast, fully reliable configuration.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		WriteDelay: time.Millisecond,
		MtuDelay:   time.Millisecond,
		Mtu:        185,
	}
}

// SimTransport is an in-process Transport for tests and demos. It records
// every write per peer and can be scripted to fail or silently swallow the
// next operation, which is how the timeout guard is exercised.
type SimTransport struct {
	mu        sync.Mutex
	cfg       SimConfig
	connected map[string]bool
	writes    map[string][][]byte
	failNext  map[string]int
	dropNext  map[string]int
}

// NewSimTransport creates a simulated transport. Zero config fields fall
// back to their DefaultSimConfig values individually.
func NewSimTransport(cfg SimConfig) *SimTransport {
	def := DefaultSimConfig()
	if cfg.WriteDelay <= 0 {
		cfg.WriteDelay = def.WriteDelay
	}
	if cfg.MtuDelay <= 0 {
		cfg.MtuDelay = def.MtuDelay
	}
	if cfg.Mtu <= 0 {
		cfg.Mtu = def.Mtu
	}
	return &SimTransport{
		cfg:       cfg,
		connected: make(map[string]bool),
		writes:    make(map[string][][]byte),
		failNext:  make(map[string]int),
		dropNext:  make(map[string]int),
	}
}

// Connect marks a peer as connected.
func (s *SimTransport) Connect(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[peer] = true
}

// Disconnect marks a peer as disconnected. In-flight completions still fire.
func (s *SimTransport) Disconnect(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, peer)
}

// IsConnected reports whether the peer is currently connected.
func (s *SimTransport) IsConnected(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[peer]
}

// FailNextWrites scripts the next n writes for the peer to complete with
// ok=false.
func (s *SimTransport) FailNextWrites(peer string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[peer] += n
}

// DropNextWrites scripts the next n writes for the peer to never report
// completion at all.
func (s *SimTransport) DropNextWrites(peer string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext[peer] += n
}

// Writes returns a copy of everything written to the peer so far, in order.
func (s *SimTransport) Writes(peer string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes[peer]))
	copy(out, s.writes[peer])
	return out
}

// StartWrite implements Transport.
func (s *SimTransport) StartWrite(peer string, data []byte, kind WriteKind, done func(ok bool)) {
	s.mu.Lock()
	if s.dropNext[peer] > 0 {
		s.dropNext[peer]--
		s.mu.Unlock()
		return
	}
	fail := false
	if s.failNext[peer] > 0 {
		s.failNext[peer]--
		fail = true
	}
	ok := !fail && s.connected[peer]
	if ok && kind == WriteCharacteristic {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.writes[peer] = append(s.writes[peer], buf)
	}
	delay := s.cfg.WriteDelay
	s.mu.Unlock()

	go func() {
		time.Sleep(delay)
		done(ok)
	}()
}

// StartMtuRequest implements Transport. The negotiated size is the minimum
// of the requested size and the simulated peripheral's maximum.
func (s *SimTransport) StartMtuRequest(peer string, size int, done func(mtu int, ok bool)) {
	s.mu.Lock()
	ok := s.connected[peer]
	mtu := size
	if s.cfg.Mtu < mtu {
		mtu = s.cfg.Mtu
	}
	delay := s.cfg.MtuDelay
	s.mu.Unlock()

	go func() {
		time.Sleep(delay)
		done(mtu, ok)
	}()
}
