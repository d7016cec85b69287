package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 播放引擎的 prometheus 指标
// 所有方法对 nil 接收者安全，组件可以不注入指标
type Metrics struct {
	registry    *prometheus.Registry
	loads       *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	eqRace      *prometheus.CounterVec
	peakFetches *prometheus.CounterVec
	loadSeconds prometheus.Histogram
}

// New 创建并注册指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveplay",
			Name:      "track_loads_total",
			Help:      "Track loads started, by transport.",
		}, []string{"transport"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveplay",
			Name:      "track_load_outcomes_total",
			Help:      "Track load outcomes: started, blocked, ready, error, canceled.",
		}, []string{"outcome"}),
		eqRace: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveplay",
			Name:      "eq_ready_race_total",
			Help:      "Equalizer readiness gate resolutions, by winner.",
		}, []string{"winner"}),
		peakFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waveplay",
			Name:      "peak_fetches_total",
			Help:      "Waveform peak extractions, by result.",
		}, []string{"result"}),
		loadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "waveplay",
			Name:      "track_load_seconds",
			Help:      "Time from load start to playback start or block.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	reg.MustRegister(m.loads, m.outcomes, m.eqRace, m.peakFetches, m.loadSeconds)
	return m
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 底层注册表，测试中用于读取指标
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// LoadStarted 记录一次加载
func (m *Metrics) LoadStarted(transport string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(transport).Inc()
}

// LoadFinished 记录加载结果和耗时
func (m *Metrics) LoadFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	if seconds >= 0 {
		m.loadSeconds.Observe(seconds)
	}
}

// EQRace 记录均衡器就绪门的胜出方：connected、bypass、disabled、graph 或 timeout
func (m *Metrics) EQRace(winner string) {
	if m == nil {
		return
	}
	m.eqRace.WithLabelValues(winner).Inc()
}

// PeakFetch 记录一次峰值提取：ok、empty、cached
func (m *Metrics) PeakFetch(result string) {
	if m == nil {
		return
	}
	m.peakFetches.WithLabelValues(result).Inc()
}
