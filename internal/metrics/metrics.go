package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/logger"
)

// MetricsService exposes Prometheus metrics derived from published events.
type MetricsService struct {
	eventBus eventbus.Publisher
	registry *prometheus.Registry

	// Counters
	cyclesTotal         *prometheus.CounterVec
	stalledTotal        prometheus.Counter
	removalsTotal       *prometheus.CounterVec
	markedFailedTotal   *prometheus.CounterVec
	actionFailuresTotal *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	torrentsCleared     prometheus.Counter

	// Gauges, set from the latest cycle summary
	downloadsObserved prometheus.Gauge
	downloadsWarning  prometheus.Gauge
	lastCycleTime     prometheus.Gauge

	cycleDuration prometheus.Histogram
}

// NewMetricsService creates the metrics on their own registry so tests and
// multiple instances never collide on the global one.
func NewMetricsService(eb eventbus.Publisher) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		registry: prometheus.NewRegistry(),

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stallarr_cycles_total",
				Help: "Polling cycles by outcome",
			},
			[]string{"outcome"}, // completed, aborted
		),

		stalledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stallarr_downloads_stalled_total",
				Help: "Downloads declared stalled",
			},
		),

		removalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stallarr_removals_total",
				Help: "Items removed, by target",
			},
			[]string{"target", "reason"}, // target: download_client, queue
		),

		markedFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stallarr_grabs_marked_failed_total",
				Help: "Grabs marked as failed in a manager",
			},
			[]string{"manager"},
		),

		actionFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stallarr_action_failures_total",
				Help: "Failed removal workflow steps",
			},
			[]string{"step"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stallarr_notifications_total",
				Help: "Notifications by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),

		torrentsCleared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stallarr_completed_torrents_cleared_total",
				Help: "Completed qBittorrent torrents removed by the cleaner",
			},
		),

		downloadsObserved: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stallarr_downloads_observed",
				Help: "Downloads reported by the download client in the last cycle",
			},
		),

		downloadsWarning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stallarr_downloads_warning",
				Help: "Downloads with a pending stall warning after the last cycle",
			},
		),

		lastCycleTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stallarr_last_cycle_timestamp_seconds",
				Help: "Unix time of the last completed cycle",
			},
		),

		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stallarr_cycle_duration_seconds",
				Help:    "Duration of polling cycles",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
			},
		),
	}

	m.registry.MustRegister(
		m.cyclesTotal,
		m.stalledTotal,
		m.removalsTotal,
		m.markedFailedTotal,
		m.actionFailuresTotal,
		m.notificationsTotal,
		m.torrentsCleared,
		m.downloadsObserved,
		m.downloadsWarning,
		m.lastCycleTime,
		m.cycleDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Start subscribes to events and updates metrics.
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.CycleCompleted, m.handleCycleCompleted)
	m.eventBus.Subscribe(domain.CycleAborted, m.handleCycleAborted)
	m.eventBus.Subscribe(domain.DownloadStalled, m.handleDownloadStalled)
	m.eventBus.Subscribe(domain.DownloadRemoved, m.handleDownloadRemoved)
	m.eventBus.Subscribe(domain.QueueItemRemoved, m.handleQueueItemRemoved)
	m.eventBus.Subscribe(domain.GrabMarkedFailed, m.handleGrabMarkedFailed)
	m.eventBus.Subscribe(domain.ActionFailed, m.handleActionFailed)
	m.eventBus.Subscribe(domain.NotificationSent, m.handleNotificationSent)
	m.eventBus.Subscribe(domain.NotificationFailed, m.handleNotificationFailed)
	m.eventBus.Subscribe(domain.CompletedTorrentCleared, m.handleTorrentCleared)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *MetricsService) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event handlers

func (m *MetricsService) handleCycleCompleted(event domain.Event) {
	m.cyclesTotal.WithLabelValues("completed").Inc()
	m.downloadsObserved.Set(float64(event.GetInt64Or("downloads", 0)))
	m.downloadsWarning.Set(float64(event.GetInt64Or("warnings", 0)))
	m.cycleDuration.Observe((time.Duration(event.GetInt64Or("duration_ms", 0)) * time.Millisecond).Seconds())

	at := event.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	m.lastCycleTime.Set(float64(at.Unix()))
}

func (m *MetricsService) handleCycleAborted(event domain.Event) {
	m.cyclesTotal.WithLabelValues("aborted").Inc()
}

func (m *MetricsService) handleDownloadStalled(event domain.Event) {
	m.stalledTotal.Inc()
}

// Dry-run actions are journaled but never counted as performed.

func (m *MetricsService) handleDownloadRemoved(event domain.Event) {
	if event.GetBoolOr("dry_run", false) {
		return
	}
	m.removalsTotal.WithLabelValues("download_client", removalReason(event)).Inc()
}

func (m *MetricsService) handleQueueItemRemoved(event domain.Event) {
	if event.GetBoolOr("dry_run", false) {
		return
	}
	m.removalsTotal.WithLabelValues("queue", removalReason(event)).Inc()
}

func (m *MetricsService) handleGrabMarkedFailed(event domain.Event) {
	if event.GetBoolOr("dry_run", false) {
		return
	}
	m.markedFailedTotal.WithLabelValues(event.GetStringOr("manager", "unknown")).Inc()
}

func (m *MetricsService) handleActionFailed(event domain.Event) {
	m.actionFailuresTotal.WithLabelValues(event.GetStringOr("step", "unknown")).Inc()
}

func (m *MetricsService) handleNotificationSent(event domain.Event) {
	m.notificationsTotal.WithLabelValues("sent").Inc()
}

func (m *MetricsService) handleNotificationFailed(event domain.Event) {
	m.notificationsTotal.WithLabelValues("failed").Inc()
}

func (m *MetricsService) handleTorrentCleared(event domain.Event) {
	m.torrentsCleared.Inc()
}

// removalReason collapses free-text reasons into a bounded label set.
func removalReason(event domain.Event) string {
	switch c := event.GetStringOr("category", ""); c {
	case domain.RemovalStalled, domain.RemovalUnmonitored, domain.RemovalClientOnly:
		return c
	default:
		return "other"
	}
}
