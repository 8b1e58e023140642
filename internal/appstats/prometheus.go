package appstats

import (
	"net/http"
	"sync"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "in_requests",
		Help:      "Number of requests received by the recorder",
	},
		[]string{
			"method",
		})

	InvalidRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "invalid_requests",
		Help:      "Number of invalid requests",
	})

	Responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "out_responses",
		Help:      "Number of responses from the recorder",
	},
		[]string{
			"method",
		})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "recorder",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling a request",
		Buckets:   prometheus.DefBuckets,
	},
		[]string{
			"method",
		})

	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "recorder",
		Name:      "sessions",
		Help:      "Current number of recorder sessions",
	})

	SessionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "session_errors_total",
		Help:      "Total number of session errors",
	},
		[]string{
			"reason",
		})

	ActiveRecordings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "recorder",
		Name:      "active_recordings",
		Help:      "Number of recordings in progress by format",
	},
		[]string{
			"format",
		})

	WrittenSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "written_samples_total",
		Help:      "Total number of samples written to recordings",
	},
		[]string{
			"kind",  // audio/video
			"codec", // vp8, vp9, opus
		})

	FrameSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "recorder",
		Name:      "frame_size_bytes",
		Help:      "Frame size in bytes",
		Buckets:   prometheus.ExponentialBuckets(64, 2, 12), // 64B to 128KB
	},
		[]string{
			"kind",
			"codec",
		})

	Exports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "exports_total",
		Help:      "Total number of exported recordings",
	},
		[]string{
			"mode",   // download/share
			"status", // ok/failed
		})

	ExportSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Subsystem: "recorder",
		Name:      "export_size_bytes",
		Help:      "Size of exported recordings in bytes",
		Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to 128MB
	})

	BridgeCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "recorder",
		Name:      "bridge_calls_total",
		Help:      "Total number of calls forwarded to the native host",
	},
		[]string{
			"method",
		})
)

var registerOnce sync.Once

// Init registers the metrics with the default registry. It is safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Requests,
			InvalidRequests,
			Responses,
			RequestDuration,
			Sessions,
			SessionErrors,
			ActiveRecordings,
			WrittenSamples,
			FrameSize,
			Exports,
			ExportSize,
			BridgeCalls,
		)
	})
}

func ServePromMetrics(cfg config.Prometheus) {
	if !cfg.Enable {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(cfg.ListenAddress, mux); err != nil {
			log.Errorf("failed to start metrics server: %s", err)
		}
	}()

	log.Infof("Prometheus metrics exported on %s", cfg.ListenAddress)
}

func OnRecordingStarted(format string) {
	ActiveRecordings.WithLabelValues(format).Inc()
}

func OnRecordingStopped(format string) {
	ActiveRecordings.WithLabelValues(format).Dec()
}

func OnSampleWritten(kind, codec string, size int) {
	WrittenSamples.WithLabelValues(kind, codec).Inc()
	FrameSize.WithLabelValues(kind, codec).Observe(float64(size))
}

func OnSessionError(reason string) {
	SessionErrors.WithLabelValues(reason).Inc()
}

func OnExport(mode string, size int, err error) {
	if err != nil {
		Exports.WithLabelValues(mode, events.StatusFailed).Inc()
		return
	}
	Exports.WithLabelValues(mode, events.StatusOK).Inc()
	ExportSize.Observe(float64(size))
}

func OnBridgeCall(method string) {
	BridgeCalls.WithLabelValues(method).Inc()
}

func ObserveRequestDuration(method string, d time.Duration) {
	RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func OnServerRequest(event *events.Event) {
	if event.IsValid() {
		Requests.WithLabelValues(event.Id).Inc()
	} else {
		InvalidRequests.Inc()
	}
}

func OnServerResponse(msg interface{}) {
	switch v := msg.(type) {
	case *events.CaptureResponse:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.CommandResponse:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.SessionStateChanged:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.RecordingStopped:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.RecordingExported:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.RecordingShared:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.RecorderStatus:
		Responses.WithLabelValues(v.Id).Inc()
	case *events.BridgeCall:
		Responses.WithLabelValues(v.Id).Inc()
	default:
		Responses.WithLabelValues("unknown").Inc()
	}
}
