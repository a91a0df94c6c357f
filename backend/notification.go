package backend

import (
	"fmt"
	"sync"

	"github.com/HenryTangIntel/nixl/transport"
)

// Notification is an out-of-band message tagged with its sender agent.
type Notification struct {
	Agent   string
	Payload []byte
}

// notifBuffer is a per-worker inbound staging list. Transport callbacks
// append here so the hot delivery path never contends with the consumer.
type notifBuffer struct {
	mu    sync.Mutex
	items []Notification
}

func (b *notifBuffer) append(n Notification) {
	b.mu.Lock()
	b.items = append(b.items, n)
	b.mu.Unlock()
}

func (b *notifBuffer) detach() []Notification {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

// notificationService is the thread-safe mailbox for inbound and outbound
// out-of-band messages.
type notificationService struct {
	buffers []*notifBuffer

	mu   sync.Mutex
	main []Notification

	outMu    sync.Mutex
	outbound []transport.Request
}

func newNotificationService(workers int) *notificationService {
	s := &notificationService{buffers: make([]*notifBuffer, workers)}
	for i := range s.buffers {
		s.buffers[i] = &notifBuffer{}
	}
	return s
}

func (s *notificationService) buffer(i int) *notifBuffer { return s.buffers[i] }

// publish merges every worker's staging list into the main mailbox,
// preserving per-producer insertion order, and reaps completed outbound
// sends. The mailbox lock is held across the whole sweep so concurrent
// publishers serialize; otherwise two sweeps racing one producer could land
// a newer batch in main before an older one. Outbound delivery is a hint
// channel; terminal failures are dropped after release.
func (s *notificationService) publish() {
	s.mu.Lock()
	for _, b := range s.buffers {
		items := b.detach()
		if len(items) == 0 {
			continue
		}
		s.main = append(s.main, items...)
	}
	s.mu.Unlock()

	s.outMu.Lock()
	remaining := s.outbound[:0]
	for _, req := range s.outbound {
		if req.Done() {
			req.Release()
			continue
		}
		remaining = append(remaining, req)
	}
	s.outbound = remaining
	s.outMu.Unlock()
}

// drain atomically detaches the entire main mailbox.
func (s *notificationService) drain() []Notification {
	s.mu.Lock()
	items := s.main
	s.main = nil
	s.mu.Unlock()
	return items
}

func (s *notificationService) trackOutbound(req transport.Request) {
	s.outMu.Lock()
	s.outbound = append(s.outbound, req)
	s.outMu.Unlock()
}

// SendNotification delivers an out-of-band message to agent. Wire delivery
// rides the transport's notification path and completes via progress;
// at-least-once delivery is the contract.
func (e *Engine) SendNotification(agent string, payload []byte) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	conn := e.conns.lookup(agent)
	if conn == nil {
		return fmt.Errorf("send notification to %q: %w", agent, ErrNotFound)
	}
	return e.sendNotificationOn(conn, e.pool.callerWorkerID(), payload)
}

func (e *Engine) sendNotificationOn(conn *connection, workerID int, payload []byte) error {
	ep, err := conn.endpoint(e.pool, workerID)
	if err != nil {
		return err
	}
	req, err := ep.SendNotification(e.agent, payload)
	if err != nil {
		return fmt.Errorf("%w: send notification: %v", ErrTransport, err)
	}
	e.notifSvc.trackOutbound(req)
	e.metricNotificationSent(logKV("remote", conn.agent))
	e.logEvent("notification_sent", logKV("remote", conn.agent), logKV("bytes", len(payload)))
	return nil
}

// Notifications detaches and returns every queued inbound notification.
// Insertion order within a drain is preserved; a second call with no
// intervening producer activity returns an empty result.
func (e *Engine) Notifications() ([]Notification, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	// Sweep the worker staging lists first so anything delivered before this
	// call is visible even when nothing is driving progress.
	e.notifSvc.publish()
	return e.notifSvc.drain(), nil
}
