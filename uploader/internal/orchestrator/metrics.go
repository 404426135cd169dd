package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomePaused    = "paused"
	outcomeSkipped   = "skipped"
)

// Metrics exposes Prometheus collectors that report upload activity.
type Metrics struct {
	filesUploaded       prometheus.Counter
	bytesUploaded       prometheus.Counter
	uploadRetries       prometheus.Counter
	runs                *prometheus.CounterVec
	uploadsActive       prometheus.Gauge
	credentialRefreshes *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the uploader collectors on reg and panics on any
// registration error other than an identical collector already being present.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		filesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framesync",
			Subsystem: "uploader",
			Name:      "files_uploaded_total",
			Help:      "Files written to the object store.",
		}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framesync",
			Subsystem: "uploader",
			Name:      "bytes_uploaded_total",
			Help:      "Bytes written to the object store.",
		}),
		uploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "framesync",
			Subsystem: "uploader",
			Name:      "upload_retries_total",
			Help:      "File uploads retried after a credential expiry.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framesync",
			Subsystem: "uploader",
			Name:      "runs_total",
			Help:      "Finished upload runs by outcome.",
		}, []string{"outcome"}),
		uploadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framesync",
			Subsystem: "uploader",
			Name:      "uploads_active",
			Help:      "Upload runs currently executing.",
		}),
		credentialRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framesync",
			Subsystem: "uploader",
			Name:      "credential_refreshes_total",
			Help:      "Forced credential refreshes by result.",
		}, []string{"result"}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}

	m.filesUploaded = register(m.filesUploaded).(prometheus.Counter)
	m.bytesUploaded = register(m.bytesUploaded).(prometheus.Counter)
	m.uploadRetries = register(m.uploadRetries).(prometheus.Counter)
	m.runs = register(m.runs).(*prometheus.CounterVec)
	m.uploadsActive = register(m.uploadsActive).(prometheus.Gauge)
	m.credentialRefreshes = register(m.credentialRefreshes).(*prometheus.CounterVec)

	return m
}

func (m *Metrics) FileUploaded(size int64) {
	if m == nil {
		return
	}
	m.filesUploaded.Inc()
	if size > 0 {
		m.bytesUploaded.Add(float64(size))
	}
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.uploadRetries.Inc()
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncActive() {
	if m == nil {
		return
	}
	m.uploadsActive.Inc()
}

func (m *Metrics) DecActive() {
	if m == nil {
		return
	}
	m.uploadsActive.Dec()
}

// CredentialRefreshed implements credentials.Observer.
func (m *Metrics) CredentialRefreshed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.credentialRefreshes.WithLabelValues(result).Inc()
}
