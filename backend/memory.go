package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/HenryTangIntel/nixl/device"
	"github.com/HenryTangIntel/nixl/transport"
)

// MemoryClass identifies where a registered buffer lives.
type MemoryClass int

const (
	// MemoryClassHost is ordinary host memory.
	MemoryClassHost MemoryClass = iota
	// MemoryClassDevice is accelerator-resident memory.
	MemoryClassDevice
)

func (c MemoryClass) String() string {
	switch c {
	case MemoryClassHost:
		return "host"
	case MemoryClassDevice:
		return "device"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes a buffer submitted for registration. Class is
// the caller's claim; the engine verifies it against the device classifier.
type MemoryDescriptor struct {
	Buffer   []byte
	Class    MemoryClass
	DeviceID uint32
}

// Registration is a locally registered memory region. Exactly one exists per
// successful RegisterMemory call; the caller owns it and must deregister it
// exactly once.
type Registration struct {
	engine   *Engine
	region   transport.Region
	buf      []byte
	class    MemoryClass
	deviceID uint32

	mu       sync.Mutex
	released bool
}

// Class reports the verified memory class.
func (r *Registration) Class() MemoryClass { return r.class }

// DeviceID reports the accelerator device id for device-class registrations.
func (r *Registration) DeviceID() uint32 { return r.deviceID }

// Size reports the registered length in bytes.
func (r *Registration) Size() int { return len(r.buf) }

// Bytes exposes the registered buffer.
func (r *Registration) Bytes() []byte { return r.buf }

func (r *Registration) checkUsable(e *Engine) error {
	if r == nil || r.engine != e {
		return ErrInvalidHandle{"registration"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrInvalidHandle{"registration"}
	}
	return nil
}

// RemoteDescriptor grants the capability to target a peer's registered memory
// in a transfer. It holds a non-owning reference to the peer's connection:
// once the connection is removed from the registry, explicit operations
// through the descriptor fail rather than dangle.
type RemoteDescriptor struct {
	engine *Engine
	conn   *connection
	agent  string
	keys   []transport.RemoteKey
	class  MemoryClass
	length int

	mu       sync.Mutex
	released bool
}

// Agent returns the peer that exported the underlying key blob.
func (d *RemoteDescriptor) Agent() string { return d.agent }

// Class reports the memory class the peer declared for the region.
func (d *RemoteDescriptor) Class() MemoryClass { return d.class }

// Size reports the addressable length of the remote region.
func (d *RemoteDescriptor) Size() int { return d.length }

func (d *RemoteDescriptor) checkUsable(e *Engine) error {
	if d == nil || d.engine != e {
		return ErrInvalidHandle{"remote descriptor"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return ErrInvalidHandle{"remote descriptor"}
	}
	if d.conn.removed.Load() {
		return fmt.Errorf("remote descriptor for %q: %w", d.agent, ErrNotFound)
	}
	return nil
}

// RegisterMemory classifies and registers a local buffer with the transport,
// returning the opaque handle the caller must deregister exactly once.
func (e *Engine) RegisterMemory(desc MemoryDescriptor) (*Registration, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if len(desc.Buffer) == 0 {
		return nil, fmt.Errorf("%w: empty registration region", ErrInvalidArgument)
	}

	isDevice, deviceID, err := e.classifier.Classify(device.BufferBase(desc.Buffer))
	if err != nil {
		if desc.Class == MemoryClassDevice || errors.Is(err, device.ErrInconclusive) {
			return nil, fmt.Errorf("%w: classify registration region: %v", ErrInvalidArgument, err)
		}
		isDevice = false
	}
	class := MemoryClassHost
	if isDevice {
		class = MemoryClassDevice
	} else {
		deviceID = 0
		if desc.Class == MemoryClassDevice {
			return nil, fmt.Errorf("%w: region claimed device-resident but classified as host", ErrInvalidArgument)
		}
	}

	region, err := e.pool.worker(0).RegisterMemory(desc.Buffer, deviceID, isDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: register memory: %v", ErrTransport, err)
	}

	e.logEvent("memory_registered",
		logKV("bytes", len(desc.Buffer)),
		logKV("class", class),
		logKV("device_id", deviceID),
	)
	return &Registration{
		engine:   e,
		region:   region,
		buf:      desc.Buffer,
		class:    class,
		deviceID: deviceID,
	}, nil
}

// DeregisterMemory releases the transport-side registration. A second call on
// the same handle is rejected.
func (e *Engine) DeregisterMemory(reg *Registration) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if reg == nil || reg.engine != e {
		return ErrInvalidHandle{"registration"}
	}
	reg.mu.Lock()
	if reg.released {
		reg.mu.Unlock()
		return ErrInvalidHandle{"registration"}
	}
	reg.released = true
	reg.mu.Unlock()
	if err := reg.region.Close(); err != nil {
		return fmt.Errorf("%w: deregister memory: %v", ErrTransport, err)
	}
	e.logEvent("memory_deregistered", logKV("bytes", len(reg.buf)))
	return nil
}

// PublicData exports the registration's transport key blob for transmission
// to a peer.
func (e *Engine) PublicData(reg *Registration) ([]byte, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if err := reg.checkUsable(e); err != nil {
		return nil, err
	}
	blob, err := reg.region.ExportKey()
	if err != nil {
		return nil, fmt.Errorf("%w: export key: %v", ErrTransport, err)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: transport produced empty key blob", ErrTransport)
	}
	return blob, nil
}

// LoadRemoteDescriptor builds a remote descriptor from a peer's exported key
// blob and the live connection to that peer. The peer must have been
// connected first.
func (e *Engine) LoadRemoteDescriptor(blob []byte, class MemoryClass, agent string) (*RemoteDescriptor, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty key blob", ErrInvalidArgument)
	}
	conn := e.conns.lookup(agent)
	if conn == nil {
		return nil, fmt.Errorf("load remote descriptor for %q: %w", agent, ErrNotFound)
	}

	keys := make([]transport.RemoteKey, e.pool.size())
	for i := range keys {
		ep, err := conn.endpoint(e.pool, i)
		if err != nil {
			closeKeys(keys[:i])
			return nil, err
		}
		key, err := ep.ImportKey(blob)
		if err != nil {
			closeKeys(keys[:i])
			if errors.Is(err, transport.ErrBadKey) {
				return nil, fmt.Errorf("%w: import key: %v", ErrInvalidArgument, err)
			}
			return nil, fmt.Errorf("%w: import key: %v", ErrTransport, err)
		}
		keys[i] = key
	}

	conn.retain()
	return &RemoteDescriptor{
		engine: e,
		conn:   conn,
		agent:  agent,
		keys:   keys,
		class:  class,
		length: keys[0].Length(),
	}, nil
}

// LoadLocalDescriptor converts a local registration into a descriptor usable
// as the remote side of a loopback transfer against this engine itself.
func (e *Engine) LoadLocalDescriptor(reg *Registration) (*RemoteDescriptor, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if err := reg.checkUsable(e); err != nil {
		return nil, err
	}
	if e.conns.lookup(e.agent) == nil {
		info, err := e.ConnectionInfo()
		if err != nil {
			return nil, err
		}
		if err := e.LoadRemoteConnInfo(e.agent, info); err != nil {
			return nil, err
		}
	}
	blob, err := e.PublicData(reg)
	if err != nil {
		return nil, err
	}
	return e.LoadRemoteDescriptor(blob, reg.class, e.agent)
}

// ReleaseDescriptor frees a remote descriptor. The underlying connection is
// destroyed only once the registry and every other holder have let go.
func (e *Engine) ReleaseDescriptor(d *RemoteDescriptor) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if d == nil || d.engine != e {
		return ErrInvalidHandle{"remote descriptor"}
	}
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return ErrInvalidHandle{"remote descriptor"}
	}
	d.released = true
	keys := d.keys
	d.keys = nil
	d.mu.Unlock()
	closeKeys(keys)
	d.conn.release()
	return nil
}

func closeKeys(keys []transport.RemoteKey) {
	for _, k := range keys {
		if k != nil {
			_ = k.Close()
		}
	}
}
