package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections    = promauto.NewGauge(prometheus.GaugeOpts{Name: "voxgate_active_connections", Help: "Currently registered client connections"})
	AudioFramesForwarded = promauto.NewCounter(prometheus.CounterOpts{Name: "voxgate_audio_frames_forwarded_total", Help: "Binary audio frames forwarded upstream"})
	AudioFramesDropped   = promauto.NewCounter(prometheus.CounterOpts{Name: "voxgate_audio_frames_dropped_total", Help: "Binary audio frames dropped (no open upstream session)"})
	UpstreamFrames       = promauto.NewCounter(prometheus.CounterOpts{Name: "voxgate_upstream_frames_total", Help: "Provider frames relayed back to clients"})
	UpstreamErrors       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voxgate_upstream_errors_total", Help: "Upstream session failures by type"}, []string{"type"})
	AuthFailures         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voxgate_auth_failures_total", Help: "Rejected connection attempts by kind"}, []string{"kind"})
)
