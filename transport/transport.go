// Package transport defines the narrow contract the backend engine expects
// from an underlying wire-level transport. Implementations own endpoint
// negotiation, memory key material, and event-loop progress; the engine only
// sequences calls and tracks the resulting state.
package transport

import "errors"

var (
	// ErrClosed indicates an operation was attempted on a closed handle.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownPeer indicates the remote address does not resolve to a live worker.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrBadKey indicates a remote key blob could not be decoded or no longer
	// refers to a registered region.
	ErrBadKey = errors.New("transport: invalid remote key")
	// ErrOutOfRange indicates an operation addressed bytes outside a
	// registered region.
	ErrOutOfRange = errors.New("transport: access out of registered range")
)

// Options carries the transport tunables recognized by the engine's option
// map. Implementations may ignore fields they have no use for.
type Options struct {
	// DeviceList restricts the transport to the named devices, when supported.
	DeviceList []string
	// Preferred names the transport layer to prefer during negotiation.
	Preferred string
	// ErrHandlingMode selects the provider's error-handling behavior.
	ErrHandlingMode string
}

// Transport constructs contexts. A Transport value is cheap and stateless;
// all resources hang off the Context it creates.
type Transport interface {
	// Name identifies the transport (used in logs, metrics, and option defaults).
	Name() string
	// NewContext allocates the transport-wide state shared by workers.
	NewContext(opts Options) (Context, error)
}

// Context is the transport-wide resource scope. Workers created from a
// context share its registration cache and configuration.
type Context interface {
	// NewWorker creates an independent progress context.
	NewWorker() (Worker, error)
	// Bandwidth reports the advertised throughput in bytes per second, or 0
	// when the transport has no estimate.
	Bandwidth() float64
	Close() error
}

// NotificationHandler receives an out-of-band message from a named peer. It
// may be invoked from any goroutine driving progress, including peers'.
type NotificationHandler func(sender string, payload []byte)

// Worker is a single progress context: endpoints and registrations created
// through it complete through its Progress pump.
type Worker interface {
	// Address returns the exportable blob a peer feeds to Connect.
	Address() ([]byte, error)
	// Connect establishes an endpoint toward the worker identified by addr.
	Connect(addr []byte) (Endpoint, error)
	// RegisterMemory produces a registration and key material for buf.
	RegisterMemory(buf []byte, deviceID uint32, device bool) (Region, error)
	// Progress drives the event loop once without blocking and reports the
	// number of events processed.
	Progress() (int, error)
	// Wakeup interrupts a blocked or parked progress loop.
	Wakeup()
	// SetNotificationHandler installs the inbound notification sink. Must be
	// called before any peer can deliver; the engine does so at construction.
	SetNotificationHandler(fn NotificationHandler)
	Close() error
}

// Region is registered local memory plus its exportable key material.
type Region interface {
	// Bytes exposes the registered buffer.
	Bytes() []byte
	// ExportKey serializes the key blob a peer needs to address this region.
	ExportKey() ([]byte, error)
	Close() error
}

// RemoteKey is imported peer key material bound to one endpoint.
type RemoteKey interface {
	// Length reports the addressable length of the remote region.
	Length() int
	Close() error
}

// Endpoint is a unidirectional handle toward one peer worker.
type Endpoint interface {
	// ImportKey consumes a peer's exported key blob.
	ImportKey(blob []byte) (RemoteKey, error)
	// Read posts a read of n bytes from the remote region into local memory.
	Read(local Region, localOffset int, remote RemoteKey, remoteOffset int, n int) (Request, error)
	// Write posts a write of n bytes from local memory into the remote region.
	Write(local Region, localOffset int, remote RemoteKey, remoteOffset int, n int) (Request, error)
	// SendNotification posts an out-of-band message tagged with sender.
	SendNotification(sender string, payload []byte) (Request, error)
	Close() error
}

// Request tracks one posted operation. Completion is driven by the owning
// worker's Progress pump.
type Request interface {
	// Done reports whether the operation reached a terminal state.
	Done() bool
	// Err returns the terminal error, if any. Meaningful only once Done.
	Err() error
	// Release frees request resources. The request must not be used after.
	Release()
}
