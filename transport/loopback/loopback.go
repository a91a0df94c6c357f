// Package loopback implements the transport contract entirely in process.
// Workers publish themselves in a process-global exchange keyed by address,
// and transfer operations are byte copies executed by the initiating worker's
// progress pump. It exists so engines can be exercised end to end without a
// fabric, and it is the transport the test suite runs against.
package loopback

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/HenryTangIntel/nixl/transport"
)

// exchange maps worker address -> *worker for every live loopback worker in
// the process, regardless of which context created it.
var exchange sync.Map

// Advertised throughput of an in-process copy. Deliberately a rough figure;
// consumers treat cost estimates as advisory.
const memcpyBandwidth = float64(8 << 30)

// Transport constructs in-process contexts.
type Transport struct{}

// New returns a loopback transport.
func New() *Transport { return &Transport{} }

// Name implements transport.Transport.
func (*Transport) Name() string { return "loopback" }

// NewContext implements transport.Transport.
func (*Transport) NewContext(transport.Options) (transport.Context, error) {
	return &contextImpl{}, nil
}

type contextImpl struct {
	mu      sync.Mutex
	workers []*worker
	closed  atomic.Bool
}

func (c *contextImpl) NewWorker() (transport.Worker, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}
	w := &worker{
		addr:    uuid.NewString(),
		regions: make(map[string]*region),
	}
	exchange.Store(w.addr, w)
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()
	return w, nil
}

func (c *contextImpl) Bandwidth() float64 { return memcpyBandwidth }

func (c *contextImpl) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()
	for _, w := range workers {
		_ = w.Close()
	}
	return nil
}

type worker struct {
	addr   string
	closed atomic.Bool

	mu      sync.Mutex
	pending []*op
	regions map[string]*region
	handler transport.NotificationHandler
}

func (w *worker) Address() ([]byte, error) {
	if w.closed.Load() {
		return nil, transport.ErrClosed
	}
	return []byte(w.addr), nil
}

func (w *worker) Connect(addr []byte) (transport.Endpoint, error) {
	if w.closed.Load() {
		return nil, transport.ErrClosed
	}
	peer := string(addr)
	if _, ok := exchange.Load(peer); !ok {
		return nil, fmt.Errorf("connect %q: %w", peer, transport.ErrUnknownPeer)
	}
	return &endpoint{local: w, peer: peer}, nil
}

func (w *worker) RegisterMemory(buf []byte, deviceID uint32, device bool) (transport.Region, error) {
	if w.closed.Load() {
		return nil, transport.ErrClosed
	}
	r := &region{
		worker:   w,
		id:       uuid.NewString(),
		buf:      buf,
		deviceID: deviceID,
		device:   device,
	}
	w.mu.Lock()
	w.regions[r.id] = r
	w.mu.Unlock()
	return r, nil
}

// Progress executes every operation queued since the last pump. Operations
// posted concurrently with the pump are picked up on the next pass.
func (w *worker) Progress() (int, error) {
	if w.closed.Load() {
		return 0, transport.ErrClosed
	}
	w.mu.Lock()
	ops := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, o := range ops {
		o.execute()
	}
	return len(ops), nil
}

// Wakeup is a no-op: Progress never parks, so there is nothing to interrupt.
func (w *worker) Wakeup() {}

func (w *worker) SetNotificationHandler(fn transport.NotificationHandler) {
	w.mu.Lock()
	w.handler = fn
	w.mu.Unlock()
}

func (w *worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	exchange.Delete(w.addr)
	w.mu.Lock()
	w.pending = nil
	w.regions = nil
	w.handler = nil
	w.mu.Unlock()
	return nil
}

func (w *worker) enqueue(o *op) {
	w.mu.Lock()
	w.pending = append(w.pending, o)
	w.mu.Unlock()
}

func (w *worker) lookupRegion(id string) *region {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regions[id]
}

func (w *worker) notificationHandler() transport.NotificationHandler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handler
}

type region struct {
	worker   *worker
	id       string
	buf      []byte
	deviceID uint32
	device   bool
	closed   atomic.Bool
}

// keyBlob is the wire form of an exported region key.
type keyBlob struct {
	Worker string `json:"w"`
	Region string `json:"r"`
	Length int    `json:"n"`
}

func (r *region) Bytes() []byte { return r.buf }

func (r *region) ExportKey() ([]byte, error) {
	if r.closed.Load() {
		return nil, transport.ErrClosed
	}
	return json.Marshal(keyBlob{Worker: r.worker.addr, Region: r.id, Length: len(r.buf)})
}

func (r *region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.worker.mu.Lock()
	if r.worker.regions != nil {
		delete(r.worker.regions, r.id)
	}
	r.worker.mu.Unlock()
	return nil
}

type remoteKey struct {
	blob   keyBlob
	closed atomic.Bool
}

func (k *remoteKey) Length() int { return k.blob.Length }

func (k *remoteKey) Close() error {
	k.closed.Store(true)
	return nil
}

type endpoint struct {
	local  *worker
	peer   string
	closed atomic.Bool
}

func (e *endpoint) ImportKey(blob []byte) (transport.RemoteKey, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	var kb keyBlob
	if err := json.Unmarshal(blob, &kb); err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrBadKey, err)
	}
	if kb.Worker == "" || kb.Region == "" {
		return nil, transport.ErrBadKey
	}
	return &remoteKey{blob: kb}, nil
}

func (e *endpoint) Read(local transport.Region, localOffset int, remote transport.RemoteKey, remoteOffset, n int) (transport.Request, error) {
	return e.post(opRead, local, localOffset, remote, remoteOffset, n)
}

func (e *endpoint) Write(local transport.Region, localOffset int, remote transport.RemoteKey, remoteOffset, n int) (transport.Request, error) {
	return e.post(opWrite, local, localOffset, remote, remoteOffset, n)
}

func (e *endpoint) post(kind opKind, local transport.Region, localOffset int, remote transport.RemoteKey, remoteOffset, n int) (transport.Request, error) {
	if e.closed.Load() || e.local.closed.Load() {
		return nil, transport.ErrClosed
	}
	lr, ok := local.(*region)
	if !ok || lr.closed.Load() {
		return nil, fmt.Errorf("%w: foreign or closed local region", transport.ErrBadKey)
	}
	rk, ok := remote.(*remoteKey)
	if !ok || rk.closed.Load() {
		return nil, transport.ErrBadKey
	}
	if n < 0 || localOffset < 0 || remoteOffset < 0 ||
		localOffset+n > len(lr.buf) || remoteOffset+n > rk.blob.Length {
		return nil, transport.ErrOutOfRange
	}
	req := &request{}
	e.local.enqueue(&op{
		kind:         kind,
		local:        lr,
		localOffset:  localOffset,
		key:          rk.blob,
		remoteOffset: remoteOffset,
		length:       n,
		req:          req,
	})
	return req, nil
}

func (e *endpoint) SendNotification(sender string, payload []byte) (transport.Request, error) {
	if e.closed.Load() || e.local.closed.Load() {
		return nil, transport.ErrClosed
	}
	req := &request{}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	e.local.enqueue(&op{
		kind:    opNotify,
		peer:    e.peer,
		sender:  sender,
		payload: msg,
		req:     req,
	})
	return req, nil
}

func (e *endpoint) Close() error {
	e.closed.Store(true)
	return nil
}

type opKind int

const (
	opRead opKind = iota
	opWrite
	opNotify
)

type op struct {
	kind         opKind
	local        *region
	localOffset  int
	key          keyBlob
	remoteOffset int
	length       int
	peer         string
	sender       string
	payload      []byte
	req          *request
}

func (o *op) execute() {
	switch o.kind {
	case opNotify:
		target, ok := exchange.Load(o.peer)
		if !ok {
			o.req.complete(fmt.Errorf("notify %q: %w", o.peer, transport.ErrUnknownPeer))
			return
		}
		if h := target.(*worker).notificationHandler(); h != nil {
			h(o.sender, o.payload)
		}
		o.req.complete(nil)
	case opRead, opWrite:
		target, ok := exchange.Load(o.key.Worker)
		if !ok {
			o.req.complete(fmt.Errorf("peer %q: %w", o.key.Worker, transport.ErrUnknownPeer))
			return
		}
		rr := target.(*worker).lookupRegion(o.key.Region)
		if rr == nil {
			o.req.complete(transport.ErrBadKey)
			return
		}
		if o.remoteOffset+o.length > len(rr.buf) {
			o.req.complete(transport.ErrOutOfRange)
			return
		}
		if o.kind == opRead {
			copy(o.local.buf[o.localOffset:o.localOffset+o.length], rr.buf[o.remoteOffset:])
		} else {
			copy(rr.buf[o.remoteOffset:o.remoteOffset+o.length], o.local.buf[o.localOffset:])
		}
		o.req.complete(nil)
	}
}

type request struct {
	done atomic.Bool
	mu   sync.Mutex
	err  error
}

func (r *request) complete(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.done.Store(true)
}

func (r *request) Done() bool { return r.done.Load() }

func (r *request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *request) Release() {}
