// Package engine wires the command scheduler, OTA manager and LED
// controller together behind one facade.
package engine

import (
	"sync/atomic"

	"github.com/user/glowlink/config"
	"github.com/user/glowlink/gatt"
	"github.com/user/glowlink/led"
	"github.com/user/glowlink/logger"
	"github.com/user/glowlink/ota"
	"github.com/user/glowlink/sched"
)

// Engine is the client-side control engine for a fleet of BLE LED
// peripherals: LED commands and OTA transfers, serialized per peer.
type Engine struct {
	// cfg is swapped whole by ApplyConfig while readers hold no lock.
	cfg       atomic.Pointer[config.Config]
	transport gatt.Transport

	Scheduler *sched.Scheduler
	Ota       *ota.Manager
	Led       *led.Controller

	watcher *config.Watcher
}

// New builds an engine over the transport with the given configuration.
func New(cfg *config.Config, transport gatt.Transport) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	s := sched.New(transport, cfg.SchedConfig())
	e := &Engine{
		transport: transport,
		Scheduler: s,
		Ota:       ota.NewManager(s, transport),
		Led:       led.NewController(s),
	}
	e.cfg.Store(cfg)
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	return e
}

// NewFromFile loads the config file, builds the engine and watches the
// file for runtime changes. Queue tuning applies on the next scheduling
// decision.
func NewFromFile(path string, transport gatt.Transport) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	e := New(cfg, transport)
	w, err := config.NewWatcher(path, e.ApplyConfig)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.watcher = w
	return e, nil
}

// ApplyConfig swaps in a new configuration at runtime.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	e.Scheduler.Configure(cfg.SchedConfig())
}

// StartOta begins a firmware transfer using the configured preferred MTU
// unless opts overrides it.
func (e *Engine) StartOta(peer string, firmware []byte, opts ota.Options) error {
	if opts.PreferredMtu <= 0 {
		opts.PreferredMtu = e.cfg.Load().Ota.PreferredMtu
	}
	return e.Ota.Start(peer, firmware, opts)
}

// AbortOta cancels the peer's transfer, if any.
func (e *Engine) AbortOta(peer string) {
	e.Ota.Abort(peer)
}

// PeerDisconnected is the disconnect entry point: it clears the peer's
// pending commands and fails any active transfer.
func (e *Engine) PeerDisconnected(peer string) {
	e.Ota.PeerDisconnected(peer)
	e.Scheduler.Clear(peer)
}

// Close shuts down the engine.
func (e *Engine) Close() {
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.Ota.Close()
	e.Scheduler.Stop()
}
