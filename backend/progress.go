package backend

import (
	"sync"
	"time"
)

type progressState int

const (
	progressOff progressState = iota
	progressStarting
	progressActive
	progressStopping
)

// progressLoop is the optional background execution unit that repeatedly
// drives transport progress and publishes notifications. Start/stop/restart
// run through a single guarded state machine: only one transition is in
// flight at a time, and start while active or stop while off are no-ops.
type progressLoop struct {
	engine *Engine
	delay  time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	state  progressState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newProgressLoop(e *Engine, delay time.Duration) *progressLoop {
	l := &progressLoop{engine: e, delay: delay}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *progressLoop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == progressActive
}

// start transitions Off -> Starting -> Active and returns once the loop is
// running. A concurrent transition is waited out first.
func (l *progressLoop) start() {
	l.mu.Lock()
	for l.state == progressStarting || l.state == progressStopping {
		l.cond.Wait()
	}
	if l.state == progressActive {
		l.mu.Unlock()
		return
	}
	l.state = progressStarting
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go l.run(l.stopCh)
	for l.state == progressStarting {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

// stop transitions Active -> Stopping -> Off and returns once the loop has
// exited. The wake primitive interrupts a parked iteration promptly.
func (l *progressLoop) stop() {
	l.mu.Lock()
	for l.state == progressStarting || l.state == progressStopping {
		l.cond.Wait()
	}
	if l.state == progressOff {
		l.mu.Unlock()
		return
	}
	l.state = progressStopping
	stopCh := l.stopCh
	l.mu.Unlock()

	close(stopCh)
	for i := 0; i < l.engine.pool.size(); i++ {
		l.engine.pool.worker(i).Wakeup()
	}
	l.wg.Wait()

	l.mu.Lock()
	l.state = progressOff
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *progressLoop) run(stopCh chan struct{}) {
	defer l.wg.Done()
	e := l.engine

	span := e.startProgressSpan()
	e.logEvent("progress_thread_started", logKV("delay", l.delay))
	spanAddEvent(span, "start")
	e.metricProgressStarted()

	l.mu.Lock()
	l.state = progressActive
	l.cond.Broadcast()
	l.mu.Unlock()

	var loopErr error
	defer func() {
		status := "ok"
		fields := []logField{logKV("status", status)}
		if loopErr != nil {
			fields = []logField{logKV("status", "error"), logKV("error", loopErr)}
			spanRecordError(span, loopErr)
		}
		e.logEvent("progress_thread_stopped", fields...)
		spanAddEvent(span, "stop", fields...)
		e.metricProgressStopped(fields...)
		if span != nil {
			span.End(loopErr)
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		events, err := e.progressOnce()
		if err != nil {
			loopErr = err
			e.metricProgressError("progress", err)
			spanRecordError(span, err)
			e.logEvent("progress_error", logKV("error", err))
		}
		if events > 0 {
			continue
		}

		select {
		case <-stopCh:
			return
		case <-time.After(l.delay):
		}
	}
}

// StartProgressThread starts the background progress thread. Starting an
// already-active thread is a no-op.
func (e *Engine) StartProgressThread() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.loop.start()
	return nil
}

// StopProgressThread stops the background progress thread and waits for it
// to exit. Stopping an inactive thread is a no-op.
func (e *Engine) StopProgressThread() {
	if e == nil {
		return
	}
	e.loop.stop()
}

// RestartProgressThread stops then starts the background progress thread,
// serialized against any concurrent transition.
func (e *Engine) RestartProgressThread() error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	e.loop.stop()
	e.loop.start()
	return nil
}

func (e *Engine) startProgressSpan() Span {
	if e == nil || e.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "backend-engine"},
		{Key: labelTransport, Value: e.cfg.Transport.Name()},
		{Key: labelAgent, Value: e.agent},
	}
	return e.tracer.StartSpan("backend-progress-thread", attrs...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
