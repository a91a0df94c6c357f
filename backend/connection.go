package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/HenryTangIntel/nixl/transport"
)

// connection is the per-agent record of transport endpoints and capability
// flags. It is shared by reference between the registry, remote descriptors,
// and in-flight transfer requests: the registry removing it does not tear it
// down while another holder remains.
type connection struct {
	agent      string
	peerInfo   []byte
	devicePath bool

	mu  sync.Mutex
	eps []transport.Endpoint

	refs    atomic.Int32
	removed atomic.Bool
}

func newConnection(agent string, peerInfo []byte, devicePath bool) *connection {
	c := &connection{agent: agent, peerInfo: peerInfo, devicePath: devicePath}
	c.refs.Store(1) // registry reference
	return c
}

func (c *connection) retain() { c.refs.Add(1) }

func (c *connection) release() {
	if c.refs.Add(-1) != 0 {
		return
	}
	c.mu.Lock()
	eps := c.eps
	c.eps = nil
	c.mu.Unlock()
	for _, ep := range eps {
		if ep != nil {
			_ = ep.Close()
		}
	}
}

// establish creates one endpoint per worker. Idempotent: endpoints survive
// repeated calls.
func (c *connection) establish(pool *workerPool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.eps) > 0 {
		return nil
	}
	eps := make([]transport.Endpoint, pool.size())
	for i := range eps {
		ep, err := pool.worker(i).Connect(c.peerInfo)
		if err != nil {
			for _, prev := range eps[:i] {
				_ = prev.Close()
			}
			return fmt.Errorf("%w: endpoint %d to %q: %v", ErrTransport, i, c.agent, err)
		}
		eps[i] = ep
	}
	c.eps = eps
	return nil
}

func (c *connection) endpoint(pool *workerPool, workerID int) (transport.Endpoint, error) {
	if err := c.establish(pool); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eps[workerID], nil
}

// connRegistry maps agent identifier to connection state. Reads are
// concurrent; connect/disconnect writes serialize against them.
type connRegistry struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*connection)}
}

func (r *connRegistry) lookup(agent string) *connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[agent]
}

// store replaces any prior connection for the agent. The prior record stays
// alive for holders that retained it but fails new explicit operations.
func (r *connRegistry) store(agent string, conn *connection) {
	r.mu.Lock()
	prev := r.conns[agent]
	r.conns[agent] = conn
	r.mu.Unlock()
	if prev != nil {
		prev.removed.Store(true)
		prev.release()
	}
}

func (r *connRegistry) remove(agent string) {
	r.mu.Lock()
	prev := r.conns[agent]
	delete(r.conns, agent)
	r.mu.Unlock()
	if prev != nil {
		prev.removed.Store(true)
		prev.release()
	}
}

func (r *connRegistry) clear() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*connection)
	r.mu.Unlock()
	for _, c := range conns {
		c.removed.Store(true)
		c.release()
	}
}

// LoadRemoteConnInfo stores a pending connection for agent built from the
// peer's exported address blob. No handshake is performed. Calling it again
// for the same agent replaces the pending connection.
func (e *Engine) LoadRemoteConnInfo(agent string, connInfo []byte) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if agent == "" || len(connInfo) == 0 {
		return fmt.Errorf("%w: agent and connection info required", ErrInvalidArgument)
	}
	blob := make([]byte, len(connInfo))
	copy(blob, connInfo)
	e.conns.store(agent, newConnection(agent, blob, e.deviceOptimize))
	e.logEvent("conn_info_loaded", logKV("remote", agent))
	return nil
}

// Connect makes the connection to agent usable for transfers. It fails with
// ErrNotFound when no connection info was loaded for the agent.
func (e *Engine) Connect(agent string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	conn := e.conns.lookup(agent)
	if conn == nil {
		return fmt.Errorf("connect %q: %w", agent, ErrNotFound)
	}
	if err := conn.establish(e.pool); err != nil {
		return err
	}
	e.logEvent("connected", logKV("remote", agent))
	return nil
}

// Disconnect removes the connection record for agent. Removing a nonexistent
// agent is a no-op. Descriptors and transfers still holding the record keep
// it alive; new operations against the agent behave as if it was never loaded.
func (e *Engine) Disconnect(agent string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.conns.remove(agent)
	e.logEvent("disconnected", logKV("remote", agent))
	return nil
}

// EndConnection removes the connection record for agent. It is the
// peer-initiated teardown path and shares Disconnect's semantics.
func (e *Engine) EndConnection(agent string) error {
	return e.Disconnect(agent)
}

// CheckConnection reports whether a connection record exists for agent. This
// is a bookkeeping check, not a network probe.
func (e *Engine) CheckConnection(agent string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if e.conns.lookup(agent) == nil {
		return fmt.Errorf("check connection %q: %w", agent, ErrNotFound)
	}
	return nil
}
