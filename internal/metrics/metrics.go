package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	jobsTotal        *prometheus.CounterVec
	jobsActive       prometheus.Gauge
	jobDuration      *prometheus.HistogramVec
	ffmpegProcesses  prometheus.Gauge
	tokensIssued     prometheus.Counter
	redemptions      *prometheus.CounterVec
	tokensPurged     prometheus.Counter
	manifestsSwept   prometheus.Counter
	mirrorBytesTotal prometheus.Counter
	mirrorDuration   prometheus.Histogram
	mirrorFailures   prometheus.Counter
	diskFreeBytes    prometheus.Gauge
}

// New creates a new metrics instance registered on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipshare_media_jobs_total",
				Help: "Total number of trim and merge flows by terminal state",
			},
			[]string{"operation", "state"},
		),
		jobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipshare_media_jobs_active",
				Help: "Number of trim and merge flows in progress",
			},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipshare_ffmpeg_job_duration_seconds",
				Help:    "Duration of FFmpeg invocations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
			},
			[]string{"operation", "result"},
		),
		ffmpegProcesses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipshare_ffmpeg_processes_active",
				Help: "Number of currently running FFmpeg processes",
			},
		),
		tokensIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipshare_share_tokens_issued_total",
				Help: "Total number of share tokens issued",
			},
		),
		redemptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipshare_share_redemptions_total",
				Help: "Total number of share token redemptions by outcome",
			},
			[]string{"outcome"},
		),
		tokensPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipshare_share_tokens_purged_total",
				Help: "Total number of expired share tokens removed by the sweeper",
			},
		),
		manifestsSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipshare_manifests_swept_total",
				Help: "Total number of abandoned concat manifests removed",
			},
		),
		mirrorBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipshare_mirror_bytes_total",
				Help: "Total bytes mirrored to S3",
			},
		),
		mirrorDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clipshare_mirror_duration_seconds",
				Help:    "Duration of mirror uploads in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~6 minutes
			},
		),
		mirrorFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clipshare_mirror_failures_total",
				Help: "Total number of failed mirror uploads",
			},
		),
		diskFreeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipshare_disk_free_bytes",
				Help: "Free disk space under the storage root in bytes",
			},
		),
	}

	return m
}

// IncrementJobsTotal counts a flow reaching a terminal state
func (m *Metrics) IncrementJobsTotal(operation, state string) {
	m.jobsTotal.WithLabelValues(operation, state).Inc()
}

// IncrementJobsActive increments the active jobs gauge
func (m *Metrics) IncrementJobsActive() {
	m.jobsActive.Inc()
}

// DecrementJobsActive decrements the active jobs gauge
func (m *Metrics) DecrementJobsActive() {
	m.jobsActive.Dec()
}

// RecordJobDuration records the duration of one engine invocation
func (m *Metrics) RecordJobDuration(operation, result string, seconds float64) {
	m.jobDuration.WithLabelValues(operation, result).Observe(seconds)
}

// IncrementFFmpegProcesses increments the FFmpeg processes gauge
func (m *Metrics) IncrementFFmpegProcesses() {
	m.ffmpegProcesses.Inc()
}

// DecrementFFmpegProcesses decrements the FFmpeg processes gauge
func (m *Metrics) DecrementFFmpegProcesses() {
	m.ffmpegProcesses.Dec()
}

// IncrementTokensIssued increments the issued tokens counter
func (m *Metrics) IncrementTokensIssued() {
	m.tokensIssued.Inc()
}

// IncrementRedemptions counts a redemption by outcome
func (m *Metrics) IncrementRedemptions(outcome string) {
	m.redemptions.WithLabelValues(outcome).Inc()
}

// AddTokensPurged adds to the purged tokens counter
func (m *Metrics) AddTokensPurged(n float64) {
	m.tokensPurged.Add(n)
}

// AddManifestsSwept adds to the swept manifests counter
func (m *Metrics) AddManifestsSwept(n float64) {
	m.manifestsSwept.Add(n)
}

// AddMirrorBytes adds bytes to the mirror total
func (m *Metrics) AddMirrorBytes(bytes float64) {
	m.mirrorBytesTotal.Add(bytes)
}

// RecordMirrorDuration records the duration of a mirror upload
func (m *Metrics) RecordMirrorDuration(seconds float64) {
	m.mirrorDuration.Observe(seconds)
}

// IncrementMirrorFailures increments the mirror failures counter
func (m *Metrics) IncrementMirrorFailures() {
	m.mirrorFailures.Inc()
}

// SetDiskFreeBytes sets the disk free bytes gauge
func (m *Metrics) SetDiskFreeBytes(bytes float64) {
	m.diskFreeBytes.Set(bytes)
}
