package gatt

// WriteKind distinguishes the two GATT write targets the engine uses.
type WriteKind int

const (
	WriteCharacteristic WriteKind = iota
	WriteDescriptor
)

func (k WriteKind) String() string {
	switch k {
	case WriteCharacteristic:
		return "characteristic"
	case WriteDescriptor:
		return "descriptor"
	default:
		return "unknown"
	}
}

// Well-known UUIDs for the LED peripherals this engine targets.
// Service/control UUIDs follow the common fff0/fff3 vendor layout.
const (
	LedServiceUUID     = "0000fff0-0000-1000-8000-00805f9b34fb"
	LedControlCharUUID = "0000fff3-0000-1000-8000-00805f9b34fb"
	OtaDataCharUUID    = "0000fff4-0000-1000-8000-00805f9b34fb"
	CCCDUUID           = "00002902-0000-1000-8000-00805f9b34fb"
)

// EnableNotificationValue is the CCCD payload that turns on notifications.
var EnableNotificationValue = []byte{0x01, 0x00}

// Transport performs one asynchronous GATT operation at a time for a peer
// and reports its outcome through the done callback. Implementations must
// return immediately from Start* calls; completion arrives later on an
// arbitrary goroutine. The engine never issues overlapping operations for
// the same peer.
type Transport interface {
	StartWrite(peer string, data []byte, kind WriteKind, done func(ok bool))
	StartMtuRequest(peer string, size int, done func(mtu int, ok bool))
	IsConnected(peer string) bool
}

// Result is the outcome of one operation, as seen by the scheduler and its
// callers. Mtu is only meaningful for MTU requests.
type Result struct {
	Ok  bool
	Mtu int
	Err error
}

// OpKind enumerates the concrete operation types the scheduler can run.
// Commands carry one of these instead of an opaque closure so the pipeline
// can be exercised against a fake transport.
type OpKind int

const (
	OpWrite OpKind = iota
	OpNotifyEnable
	OpMtuRequest
	OpOtaPacket
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpNotifyEnable:
		return "notify-enable"
	case OpMtuRequest:
		return "mtu-request"
	case OpOtaPacket:
		return "ota-packet"
	default:
		return "unknown"
	}
}

// Op is a tagged operation. Data carries the payload for writes and OTA
// packets; Mtu carries the requested size for MTU negotiation.
type Op struct {
	Kind OpKind
	Data []byte
	Mtu  int
}

// Start begins the operation on the transport and routes its completion
// into done. It never blocks beyond what the transport's Start* calls do.
func (op Op) Start(t Transport, peer string, done func(Result)) {
	switch op.Kind {
	case OpWrite, OpOtaPacket:
		t.StartWrite(peer, op.Data, WriteCharacteristic, func(ok bool) {
			done(Result{Ok: ok})
		})
	case OpNotifyEnable:
		data := op.Data
		if len(data) == 0 {
			data = EnableNotificationValue
		}
		t.StartWrite(peer, data, WriteDescriptor, func(ok bool) {
			done(Result{Ok: ok})
		})
	case OpMtuRequest:
		t.StartMtuRequest(peer, op.Mtu, func(mtu int, ok bool) {
			done(Result{Ok: ok, Mtu: mtu})
		})
	default:
		done(Result{Ok: false})
	}
}
