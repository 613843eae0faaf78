package observability

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/openpulse/pulse/internal/platform/logger"
)

// Metrics is the process-wide metric registry, exported in Prometheus text
// format on the admin listener.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	rateLimited *Counter

	sessions          *CounterVec
	sessionsActive    *Gauge
	sessionsWait      *Gauge
	sessionsPageviews *HistogramVec

	eventsStored  *CounterVec
	eventsDropped *Counter
	batchFlush    *HistogramVec
	batchSize     *HistogramVec
	queueDepth    *Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("http_requests_total", "Number of HTTP requests", []string{"method", "path", "status"}),
		apiLatency:  NewHistogramVec("http_request_duration_seconds", "HTTP request latency", []string{"method", "path"}, nil),
		apiInflight: NewGauge("http_requests_inflight", "In-flight HTTP requests"),
		rateLimited: NewCounter("http_requests_rate_limited_total", "Requests rejected by the admission controller"),

		sessions:          NewCounterVec("sessions_total", "Session chain lifecycle events", []string{"type"}),
		sessionsActive:    NewGauge("sessions_active", "Open session chains held in memory"),
		sessionsWait:      NewGauge("sessions_wait", "Events parked waiting for a session"),
		sessionsPageviews: NewHistogramVec("sessions_pageviews", "Pageviews per expired session", nil, []float64{1, 2, 3, 5, 8, 13, 21, 34}),

		eventsStored:  NewCounterVec("eventstore_events_total", "Events enqueued for persistence", []string{"kind"}),
		eventsDropped: NewCounter("eventstore_events_dropped_total", "Events dropped because the buffer was full"),
		batchFlush:    NewHistogramVec("eventstore_flush_duration_seconds", "Batch flush latency", nil, nil),
		batchSize:     NewHistogramVec("eventstore_batch_size", "Rows per flushed batch", nil, []float64{1, 8, 64, 256, 1024, 4096}),
		queueDepth:    NewGauge("eventstore_queue_depth", "Events buffered and not yet flushed"),
	}
}

func (m *Metrics) ObserveAPI(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, path, status)
	m.apiLatency.Observe(d.Seconds(), method, path)
}

func (m *Metrics) APIInflightInc() { m.inflight(1) }
func (m *Metrics) APIInflightDec() { m.inflight(-1) }

func (m *Metrics) inflight(delta float64) {
	if m == nil {
		return
	}
	m.apiInflight.Add(delta)
}

func (m *Metrics) RateLimitedInc() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// SessionEvent counts session chain lifecycle transitions:
// inserted, forked, expired, rejected.
func (m *Metrics) SessionEvent(kind string) {
	if m == nil {
		return
	}
	m.sessions.Inc(kind)
}

func (m *Metrics) SessionEventAdd(kind string, n float64) {
	if m == nil {
		return
	}
	m.sessions.Add(n, kind)
}

func (m *Metrics) SessionsActiveAdd(delta float64) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(delta)
}

func (m *Metrics) SessionsWaitInc() {
	if m == nil {
		return
	}
	m.sessionsWait.Inc()
}

func (m *Metrics) SessionsWaitDec() {
	if m == nil {
		return
	}
	m.sessionsWait.Dec()
}

func (m *Metrics) ObserveSessionPageviews(count float64) {
	if m == nil {
		return
	}
	m.sessionsPageviews.Observe(count)
}

func (m *Metrics) EventStored(kind string) {
	if m == nil {
		return
	}
	m.eventsStored.Inc(kind)
}

func (m *Metrics) EventsDroppedInc() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) ObserveFlush(d time.Duration, rows int) {
	if m == nil {
		return
	}
	m.batchFlush.Observe(d.Seconds())
	m.batchSize.Observe(float64(rows))
}

func (m *Metrics) QueueDepthSet(depth float64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(depth)
}

// Serve exposes the registry over HTTP until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *logger.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.WriteHTTP)
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("admin server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, _ *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight, m.rateLimited,
		m.sessions, m.sessionsActive, m.sessionsWait, m.sessionsPageviews,
		m.eventsStored, m.eventsDropped, m.batchFlush, m.batchSize, m.queueDepth,
	}
	for _, mw := range writers {
		if err := mw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}
