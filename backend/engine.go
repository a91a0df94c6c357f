// Package backend implements a pluggable data-transfer backend engine: it
// tracks per-agent connections, opaque memory-registration handles, an
// asynchronous transfer-request state machine, and a thread-safe notification
// channel, driving an abstract transport through a pool of progress workers.
package backend

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/HenryTangIntel/nixl/device"
	"github.com/HenryTangIntel/nixl/transport"
)

// Recognized option keys for Params.
const (
	// OptNumWorkers sets the progress-worker count. Invalid or non-positive
	// values fall back to 1.
	OptNumWorkers = "num_workers"
	// OptDeviceList restricts the transport to a comma-separated device list.
	OptDeviceList = "device_list"
	// OptDeviceOptimize enables the accelerated device-to-device path.
	OptDeviceOptimize = "device_optimize"
	// OptPreferredTransport names the wire transport to prefer.
	OptPreferredTransport = "preferred_transport"
	// OptErrHandlingMode is passed through to the transport collaborator.
	OptErrHandlingMode = "err_handling_mode"
	// OptDevicePathPolicy selects when the device path applies: "both"
	// requires every descriptor on both sides to be device-resident, "any"
	// settles for a single device-resident endpoint.
	OptDevicePathPolicy = "device_path_policy"
)

// Params is the string-keyed option map consumed at engine construction.
type Params map[string]string

// DefaultParams returns the options every engine recognizes, with defaults.
func DefaultParams() Params {
	return Params{
		OptNumWorkers:         "1",
		OptDeviceList:         "",
		OptDeviceOptimize:     "true",
		OptPreferredTransport: "",
		OptErrHandlingMode:    "peer",
		OptDevicePathPolicy:   "both",
	}
}

// Logger provides printf-style debug logging hooks for the engine.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends. A
// zap sugared logger satisfies it directly.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap progress-loop activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records progress-loop lifecycle, events, and errors.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures engine telemetry events.
type MetricHook interface {
	ProgressLoopStarted(attrs map[string]string)
	ProgressLoopStopped(attrs map[string]string)
	ProgressError(kind string, err error, attrs map[string]string)
	TransferCompleted(attrs map[string]string)
	TransferFailed(err error, attrs map[string]string)
	NotificationSent(attrs map[string]string)
	NotificationReceived(attrs map[string]string)
}

const (
	labelTransport = "transport"
	labelAgent     = "agent"
	labelOperation = "operation"
	labelStatus    = "status"
	labelKind      = "kind"
)

// Config controls engine construction.
type Config struct {
	// AgentName identifies this engine to remote peers. Required.
	AgentName string
	// Transport is the wire-level collaborator. Required.
	Transport transport.Transport
	// Classifier decides whether registered memory is device-resident.
	// Defaults to device.HostOnly.
	Classifier device.Classifier
	// Params overrides the recognized string-keyed options.
	Params Params
	// ProgressDelay bounds the idle backoff between background progress
	// iterations. Defaults to 5ms.
	ProgressDelay time.Duration
	// EnableProgressThread starts the background progress thread during New.
	EnableProgressThread bool

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Engine owns the registries and worker pool behind the transfer contract.
type Engine struct {
	cfg        Config
	agent      string
	classifier device.Classifier

	tctx     transport.Context
	pool     *workerPool
	connInfo []byte

	deviceOptimize bool
	pathPolicy     devicePathPolicy
	preferred      string

	conns    *connRegistry
	notifSvc *notificationService
	loop     *progressLoop

	closed atomic.Bool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

type devicePathPolicy int

const (
	pathPolicyBoth devicePathPolicy = iota
	pathPolicyAny
)

// New builds the transport context and worker pool and returns a ready
// engine. Any construction failure is fatal: no partial engine is returned.
func New(cfg Config) (*Engine, error) {
	if cfg.AgentName == "" {
		return nil, fmt.Errorf("%w: agent name required", ErrInvalidArgument)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport required", ErrInvalidArgument)
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = device.HostOnly{}
	}
	if cfg.ProgressDelay <= 0 {
		cfg.ProgressDelay = 5 * time.Millisecond
	}

	params := DefaultParams()
	for k, v := range cfg.Params {
		params[k] = v
	}

	numWorkers := 1
	if n, err := strconv.Atoi(params[OptNumWorkers]); err == nil && n > 0 {
		numWorkers = n
	}
	policy := pathPolicyBoth
	if params[OptDevicePathPolicy] == "any" {
		policy = pathPolicyAny
	}
	var deviceList []string
	if raw := params[OptDeviceList]; raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				deviceList = append(deviceList, d)
			}
		}
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Engine{
		cfg:              cfg,
		agent:            cfg.AgentName,
		classifier:       classifier,
		deviceOptimize:   params[OptDeviceOptimize] == "true",
		pathPolicy:       policy,
		preferred:        params[OptPreferredTransport],
		conns:            newConnRegistry(),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	tctx, err := cfg.Transport.NewContext(transport.Options{
		DeviceList:      deviceList,
		Preferred:       e.preferred,
		ErrHandlingMode: params[OptErrHandlingMode],
	})
	if err != nil {
		return nil, fmt.Errorf("create transport context: %w", err)
	}
	e.tctx = tctx

	pool, err := newWorkerPool(tctx, numWorkers)
	if err != nil {
		_ = tctx.Close()
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e.pool = pool

	connInfo, err := pool.worker(0).Address()
	if err != nil || len(connInfo) == 0 {
		pool.close()
		_ = tctx.Close()
		if err == nil {
			err = fmt.Errorf("empty worker address")
		}
		return nil, fmt.Errorf("query worker address: %w", err)
	}
	e.connInfo = connInfo

	e.notifSvc = newNotificationService(pool.size())
	for i := 0; i < pool.size(); i++ {
		buf := e.notifSvc.buffer(i)
		pool.worker(i).SetNotificationHandler(func(sender string, payload []byte) {
			msg := make([]byte, len(payload))
			copy(msg, payload)
			buf.append(Notification{Agent: sender, Payload: msg})
			e.metricNotificationReceived(logKV("sender", sender))
		})
	}

	e.loop = newProgressLoop(e, cfg.ProgressDelay)
	if cfg.EnableProgressThread {
		if err := e.StartProgressThread(); err != nil {
			pool.close()
			_ = tctx.Close()
			return nil, fmt.Errorf("start progress thread: %w", err)
		}
	}

	e.logEvent("engine_initialized",
		logKV("agent", e.agent),
		logKV("workers", pool.size()),
		logKV("device_optimize", e.deviceOptimize),
	)
	return e, nil
}

// Close stops the progress thread and releases connections, workers, and the
// transport context. Registrations and transfer handles remain caller-owned.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.loop.stop()
	e.conns.clear()
	e.pool.close()
	err := e.tctx.Close()
	e.logEvent("engine_closed", logKV("agent", e.agent))
	return err
}

func (e *Engine) ensureOpen() error {
	if e == nil || e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// AgentName returns the local agent identifier.
func (e *Engine) AgentName() string { return e.agent }

// SupportsRemote reports that the engine can target remote agents.
func (e *Engine) SupportsRemote() bool { return true }

// SupportsLocal reports that the engine can run loopback transfers against
// its own registrations.
func (e *Engine) SupportsLocal() bool { return true }

// SupportsNotifications reports that the notification channel is available.
func (e *Engine) SupportsNotifications() bool { return true }

// SupportsProgressThread reports whether the background progress thread is
// currently running.
func (e *Engine) SupportsProgressThread() bool {
	return e != nil && e.loop.running()
}

// SupportedMemoryClasses lists the memory classes RegisterMemory accepts.
func (e *Engine) SupportedMemoryClasses() []MemoryClass {
	return []MemoryClass{MemoryClassHost, MemoryClassDevice}
}

// ConnectionInfo returns this engine's exportable address blob. Peers feed it
// to LoadRemoteConnInfo.
func (e *Engine) ConnectionInfo() ([]byte, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	dup := make([]byte, len(e.connInfo))
	copy(dup, e.connInfo)
	return dup, nil
}

// Progress drives every worker's event loop once and publishes any inbound
// notifications. It is the caller-driven alternative to the background
// progress thread and never blocks.
func (e *Engine) Progress() (int, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	return e.progressOnce()
}

func (e *Engine) progressOnce() (int, error) {
	total := 0
	var firstErr error
	for i := 0; i < e.pool.size(); i++ {
		n, err := e.pool.worker(i).Progress()
		total += n
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	e.notifSvc.publish()
	return total, firstErr
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (e *Engine) logEvent(event string, fields ...logField) {
	if e == nil {
		return
	}
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		e.structuredLogger.Debugw("backend engine", kv...)
		return
	}
	if e.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	e.logger.Debugf("backend engine %s", b.String())
}

func (e *Engine) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelTransport] = e.cfg.Transport.Name()
	attrs[labelAgent] = e.agent
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (e *Engine) metricProgressStarted(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ProgressLoopStarted(e.metricAttrs(fields...))
}

func (e *Engine) metricProgressStopped(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ProgressLoopStopped(e.metricAttrs(fields...))
}

func (e *Engine) metricProgressError(kind string, err error, fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.ProgressError(kind, err, e.metricAttrs(fields...))
}

func (e *Engine) metricTransferCompleted(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.TransferCompleted(e.metricAttrs(fields...))
}

func (e *Engine) metricTransferFailed(err error, fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.TransferFailed(err, e.metricAttrs(fields...))
}

func (e *Engine) metricNotificationSent(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.NotificationSent(e.metricAttrs(fields...))
}

func (e *Engine) metricNotificationReceived(fields ...logField) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.NotificationReceived(e.metricAttrs(fields...))
}
