package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/HenryTangIntel/nixl/transport"
)

// TransferOp selects the direction of a transfer.
type TransferOp int

const (
	// TransferRead pulls bytes from the remote spans into the local spans.
	TransferRead TransferOp = iota
	// TransferWrite pushes bytes from the local spans into the remote spans.
	TransferWrite
)

func (op TransferOp) String() string {
	switch op {
	case TransferRead:
		return "read"
	case TransferWrite:
		return "write"
	default:
		return "transfer"
	}
}

// LocalSpan addresses a byte range inside a local registration.
type LocalSpan struct {
	Registration *Registration
	Offset       int
	Length       int
}

// RemoteSpan addresses a byte range inside a peer's registered region.
type RemoteSpan struct {
	Descriptor *RemoteDescriptor
	Offset     int
	Length     int
}

// TransferOptions carries optional per-transfer arguments.
type TransferOptions struct {
	// Notification, when set, is delivered to the remote agent after the
	// transfer completes.
	Notification []byte
}

// TransferStatus is the non-terminal/terminal poll result of CheckTransfer.
type TransferStatus int

const (
	// TransferInProgress indicates the transfer has not reached a terminal state.
	TransferInProgress TransferStatus = iota
	// TransferCompleted indicates every posted operation finished successfully.
	TransferCompleted
)

type transferState int

const (
	statePrepared transferState = iota
	statePosted
	stateCompleted
	stateFailed
)

func (s transferState) String() string {
	switch s {
	case statePrepared:
		return "prepared"
	case statePosted:
		return "posted"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// TransferRequest is one in-flight transfer. The handle exists from a
// successful PrepareTransfer until ReleaseRequest; it is owned by the caller
// that created it and is not safe for concurrent use.
type TransferRequest struct {
	engine       *Engine
	op           TransferOp
	agent        string
	conn         *connection
	workerID     int
	local        []LocalSpan
	remote       []RemoteSpan
	devicePath   bool
	notification []byte

	mu       sync.Mutex
	state    transferState
	pending  []transport.Request
	err      error
	notified bool
	released bool
}

// Agent returns the transfer's target agent.
func (r *TransferRequest) Agent() string { return r.agent }

// DevicePath reports whether the accelerated device path was selected.
func (r *TransferRequest) DevicePath() bool { return r.devicePath }

// validateSpans enforces the descriptor-list contract shared by
// PrepareTransfer and EstimateCost: non-empty lists of equal length, matching
// span sizes, in-bounds offsets, usable handles belonging to agent.
func (e *Engine) validateSpans(local []LocalSpan, remote []RemoteSpan, agent string) error {
	if len(local) == 0 || len(local) != len(remote) {
		return fmt.Errorf("%w: descriptor lists must be non-empty and of equal length (local=%d remote=%d)",
			ErrInvalidArgument, len(local), len(remote))
	}
	for i := range local {
		l, r := local[i], remote[i]
		if err := l.Registration.checkUsable(e); err != nil {
			return err
		}
		if err := r.Descriptor.checkUsable(e); err != nil {
			return err
		}
		if r.Descriptor.agent != agent {
			return fmt.Errorf("%w: remote descriptor %d belongs to agent %q, not %q",
				ErrInvalidArgument, i, r.Descriptor.agent, agent)
		}
		if l.Length <= 0 || l.Length != r.Length {
			return fmt.Errorf("%w: span %d length mismatch (local=%d remote=%d)",
				ErrInvalidArgument, i, l.Length, r.Length)
		}
		if l.Offset < 0 || l.Offset+l.Length > l.Registration.Size() {
			return fmt.Errorf("%w: span %d exceeds local registration", ErrInvalidArgument, i)
		}
		if r.Offset < 0 || r.Offset+r.Length > r.Descriptor.Size() {
			return fmt.Errorf("%w: span %d exceeds remote region", ErrInvalidArgument, i)
		}
	}
	return nil
}

// selectDevicePath applies the configured accelerated-path policy. The device
// path is an optimization decision only; when it does not apply, the generic
// path serves the transfer.
func (e *Engine) selectDevicePath(local []LocalSpan, remote []RemoteSpan, conn *connection) bool {
	if !e.deviceOptimize || !conn.devicePath {
		return false
	}
	switch e.pathPolicy {
	case pathPolicyAny:
		for i := range local {
			if local[i].Registration.class == MemoryClassDevice ||
				remote[i].Descriptor.class == MemoryClassDevice {
				return true
			}
		}
		return false
	default: // pathPolicyBoth
		for i := range local {
			if local[i].Registration.class != MemoryClassDevice ||
				remote[i].Descriptor.class != MemoryClassDevice {
				return false
			}
		}
		return true
	}
}

// PrepareTransfer validates the descriptor lists and the target connection
// and returns a transfer handle in the prepared state.
func (e *Engine) PrepareTransfer(op TransferOp, local []LocalSpan, remote []RemoteSpan, agent string, opts *TransferOptions) (*TransferRequest, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if err := e.validateSpans(local, remote, agent); err != nil {
		return nil, err
	}
	conn := e.conns.lookup(agent)
	if conn == nil {
		return nil, fmt.Errorf("prepare transfer to %q: %w", agent, ErrNotFound)
	}
	if err := conn.establish(e.pool); err != nil {
		return nil, err
	}

	req := &TransferRequest{
		engine:     e,
		op:         op,
		agent:      agent,
		conn:       conn,
		workerID:   e.pool.callerWorkerID(),
		local:      append([]LocalSpan(nil), local...),
		remote:     append([]RemoteSpan(nil), remote...),
		devicePath: e.selectDevicePath(local, remote, conn),
		state:      statePrepared,
	}
	if opts != nil && len(opts.Notification) > 0 {
		req.notification = append([]byte(nil), opts.Notification...)
	}
	conn.retain()

	e.logEvent("transfer_prepared",
		logKV("operation", op),
		logKV("remote", agent),
		logKV("spans", len(local)),
		logKV("worker", req.workerID),
		logKV("device_path", req.devicePath),
	)
	return req, nil
}

// PostTransfer submits the prepared operation to the transport. It must not
// be called twice on the same handle.
func (e *Engine) PostTransfer(req *TransferRequest) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if req == nil || req.engine != e {
		return ErrInvalidHandle{"transfer request"}
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.released {
		return ErrInvalidHandle{"transfer request"}
	}
	if req.state != statePrepared {
		return fmt.Errorf("%w: post on %s transfer request", ErrInvalidArgument, req.state)
	}

	ep, err := req.conn.endpoint(e.pool, req.workerID)
	if err != nil {
		req.state = stateFailed
		req.err = err
		return err
	}
	for i := range req.local {
		l, r := req.local[i], req.remote[i]
		key := r.Descriptor.keys[req.workerID]
		var treq transport.Request
		var perr error
		switch req.op {
		case TransferRead:
			treq, perr = ep.Read(l.Registration.region, l.Offset, key, r.Offset, l.Length)
		case TransferWrite:
			treq, perr = ep.Write(l.Registration.region, l.Offset, key, r.Offset, l.Length)
		default:
			perr = fmt.Errorf("%w: unknown transfer op %d", ErrInvalidArgument, req.op)
		}
		if perr != nil {
			req.state = stateFailed
			req.err = fmt.Errorf("%w: post span %d: %v", ErrTransport, i, perr)
			e.metricTransferFailed(req.err, logKV(labelOperation, req.op))
			return req.err
		}
		req.pending = append(req.pending, treq)
	}
	req.state = statePosted
	e.logEvent("transfer_posted", logKV("operation", req.op), logKV("remote", req.agent))
	return nil
}

// CheckTransfer polls the transfer without blocking. After the request
// reaches a terminal state, repeated calls return the same result.
func (e *Engine) CheckTransfer(req *TransferRequest) (TransferStatus, error) {
	if err := e.ensureOpen(); err != nil {
		return TransferInProgress, err
	}
	if req == nil || req.engine != e {
		return TransferInProgress, ErrInvalidHandle{"transfer request"}
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	switch req.state {
	case stateCompleted:
		return TransferCompleted, nil
	case stateFailed:
		// A failed transfer can still have sibling spans in flight; keep
		// pumping their worker and reap them as they land.
		if len(req.pending) > 0 {
			if _, err := e.pool.worker(req.workerID).Progress(); err != nil {
				e.metricProgressError("worker_progress", err)
			}
			req.reapPendingLocked()
		}
		return TransferInProgress, req.err
	case statePrepared:
		return TransferInProgress, fmt.Errorf("%w: transfer request not posted", ErrInvalidArgument)
	case statePosted:
		if req.released {
			return TransferInProgress, ErrInvalidHandle{"transfer request"}
		}
	}

	// Drive the request's own worker so completions can surface without a
	// background progress thread.
	if _, err := e.pool.worker(req.workerID).Progress(); err != nil {
		e.metricProgressError("worker_progress", err)
	}
	e.notifSvc.publish()

	done := 0
	for _, treq := range req.pending {
		if !treq.Done() {
			continue
		}
		if err := treq.Err(); err != nil {
			req.state = stateFailed
			req.err = fmt.Errorf("%w: %v", ErrTransport, err)
			req.reapPendingLocked()
			e.metricTransferFailed(req.err, logKV(labelOperation, req.op))
			e.logEvent("transfer_failed", logKV("remote", req.agent), logKV("error", req.err))
			return TransferInProgress, req.err
		}
		done++
	}
	if done < len(req.pending) {
		return TransferInProgress, nil
	}

	req.state = stateCompleted
	req.releasePendingLocked()
	e.metricTransferCompleted(logKV(labelOperation, req.op), logKV(labelStatus, "ok"))
	e.logEvent("transfer_completed", logKV("operation", req.op), logKV("remote", req.agent))
	if len(req.notification) > 0 && !req.notified {
		req.notified = true
		if err := e.sendNotificationOn(req.conn, req.workerID, req.notification); err != nil {
			e.logEvent("transfer_notification_failed", logKV("remote", req.agent), logKV("error", err))
		}
	}
	return TransferCompleted, nil
}

func (r *TransferRequest) releasePendingLocked() {
	for _, treq := range r.pending {
		treq.Release()
	}
	r.pending = nil
}

// reapPendingLocked releases only the transport requests that reached a
// terminal state. In-flight requests stay pending: the transport may still
// reference their buffers, so they must not be released early.
func (r *TransferRequest) reapPendingLocked() {
	remaining := r.pending[:0]
	for _, treq := range r.pending {
		if !treq.Done() {
			remaining = append(remaining, treq)
			continue
		}
		treq.Release()
	}
	if len(remaining) == 0 {
		r.pending = nil
		return
	}
	r.pending = remaining
}

// ReleaseRequest frees the transfer handle. A posted transfer must reach a
// terminal state first: the transport may still reference the buffers, so an
// in-flight release is rejected rather than treated as a cancel.
func (e *Engine) ReleaseRequest(req *TransferRequest) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if req == nil || req.engine != e {
		return ErrInvalidHandle{"transfer request"}
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.released {
		return ErrInvalidHandle{"transfer request"}
	}
	if req.state == statePosted {
		return fmt.Errorf("release transfer request to %q: %w", req.agent, ErrRequestActive)
	}
	req.reapPendingLocked()
	if len(req.pending) > 0 {
		return fmt.Errorf("release transfer request to %q: %w", req.agent, ErrRequestActive)
	}
	req.released = true
	req.releasePendingLocked()
	req.conn.release()
	return nil
}

// CostMethod communicates the provenance of a cost estimate.
type CostMethod int

const (
	// CostMethodUnknown means no model was available; the numbers are filler.
	CostMethodUnknown CostMethod = iota
	// CostMethodBandwidth means the estimate came from the transport's
	// advertised bandwidth.
	CostMethodBandwidth
)

func (m CostMethod) String() string {
	switch m {
	case CostMethodBandwidth:
		return "bandwidth"
	default:
		return "unknown"
	}
}

// Cost is a best-effort latency prediction. It is advisory and must never be
// treated as authoritative.
type Cost struct {
	Duration  time.Duration
	ErrMargin time.Duration
	Method    CostMethod
}

// EstimateCost predicts the latency of a transfer described by the given
// descriptor lists.
func (e *Engine) EstimateCost(op TransferOp, local []LocalSpan, remote []RemoteSpan, agent string) (Cost, error) {
	if err := e.ensureOpen(); err != nil {
		return Cost{}, err
	}
	if err := e.validateSpans(local, remote, agent); err != nil {
		return Cost{}, err
	}
	if e.conns.lookup(agent) == nil {
		return Cost{}, fmt.Errorf("estimate cost to %q: %w", agent, ErrNotFound)
	}

	bw := e.tctx.Bandwidth()
	if bw <= 0 {
		return Cost{
			Duration:  time.Millisecond,
			ErrMargin: 100 * time.Microsecond,
			Method:    CostMethodUnknown,
		}, nil
	}
	total := 0
	for _, l := range local {
		total += l.Length
	}
	duration := time.Duration(float64(total) / bw * float64(time.Second))
	if duration < time.Microsecond {
		duration = time.Microsecond
	}
	return Cost{
		Duration:  duration,
		ErrMargin: duration / 10,
		Method:    CostMethodBandwidth,
	}, nil
}
