package backend

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	progressStarted       *prometheus.CounterVec
	progressStopped       *prometheus.CounterVec
	progressErrors        *prometheus.CounterVec
	transfersCompleted    *prometheus.CounterVec
	transfersFailed       *prometheus.CounterVec
	notificationsSent     *prometheus.CounterVec
	notificationsReceived *prometheus.CounterVec
}

var (
	progressLabelKeys      = []string{labelTransport, labelAgent}
	progressErrorLabelKeys = []string{labelTransport, labelAgent, labelKind}
	transferLabelKeys      = []string{labelTransport, labelAgent, labelOperation, labelStatus}
	transferFailLabelKeys  = []string{labelTransport, labelAgent, labelOperation}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		progressStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_progress_started_total",
			Help:        "Number of times the progress loop started",
			ConstLabels: opts.ConstLabels,
		}, progressLabelKeys),
		progressStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_progress_stopped_total",
			Help:        "Number of times the progress loop stopped",
			ConstLabels: opts.ConstLabels,
		}, progressLabelKeys),
		progressErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_progress_errors_total",
			Help:        "Number of transport errors surfaced while driving progress",
			ConstLabels: opts.ConstLabels,
		}, progressErrorLabelKeys),
		transfersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_transfers_completed_total",
			Help:        "Number of transfer requests reaching the completed state",
			ConstLabels: opts.ConstLabels,
		}, transferLabelKeys),
		transfersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_transfers_failed_total",
			Help:        "Number of transfer requests reaching the failed state",
			ConstLabels: opts.ConstLabels,
		}, transferFailLabelKeys),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_notifications_sent_total",
			Help:        "Number of outbound notifications posted",
			ConstLabels: opts.ConstLabels,
		}, progressLabelKeys),
		notificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nixl_backend_notifications_received_total",
			Help:        "Number of inbound notifications delivered",
			ConstLabels: opts.ConstLabels,
		}, progressLabelKeys),
	}

	var err error
	if p.progressStarted, err = registerCounterVec(reg, p.progressStarted); err != nil {
		return nil, err
	}
	if p.progressStopped, err = registerCounterVec(reg, p.progressStopped); err != nil {
		return nil, err
	}
	if p.progressErrors, err = registerCounterVec(reg, p.progressErrors); err != nil {
		return nil, err
	}
	if p.transfersCompleted, err = registerCounterVec(reg, p.transfersCompleted); err != nil {
		return nil, err
	}
	if p.transfersFailed, err = registerCounterVec(reg, p.transfersFailed); err != nil {
		return nil, err
	}
	if p.notificationsSent, err = registerCounterVec(reg, p.notificationsSent); err != nil {
		return nil, err
	}
	if p.notificationsReceived, err = registerCounterVec(reg, p.notificationsReceived); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) ProgressLoopStarted(attrs map[string]string) {
	p.progressStarted.With(labels(attrs, progressLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProgressLoopStopped(attrs map[string]string) {
	p.progressStopped.With(labels(attrs, progressLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProgressError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, progressErrorLabelKeys...)
	labs[labelKind] = kind
	p.progressErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) TransferCompleted(attrs map[string]string) {
	p.transfersCompleted.With(labels(attrs, transferLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferFailed(_ error, attrs map[string]string) {
	p.transfersFailed.With(labels(attrs, transferFailLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) NotificationSent(attrs map[string]string) {
	p.notificationsSent.With(labels(attrs, progressLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) NotificationReceived(attrs map[string]string) {
	p.notificationsReceived.With(labels(attrs, progressLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
