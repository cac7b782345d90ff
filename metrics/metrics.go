// Package metrics records gate and stage metrics in a private prometheus
// registry and exports them as a node exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shono-io/pipex/sdk"
)

type Metrics struct {
	reg *prometheus.Registry

	gateAdmitted   prometheus.Gauge
	gateDenied     prometheus.Counter
	gateWait       prometheus.Histogram
	stageCounter   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	pipelineCount  *prometheus.CounterVec
	pipelineLength prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.gateAdmitted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pipex_gate_admitted_stages", Help: "Number of stages currently holding a gate admission."},
	)
	m.gateDenied = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipex_gate_denied_total", Help: "Total number of stages denied admission before the queue timeout."},
	)
	m.gateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "pipex_gate_wait_seconds", Help: "Time stages spent waiting for admission.", Buckets: prometheus.ExponentialBuckets(0.001, 4, 10)},
	)
	m.stageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipex_stage_runs_total", Help: "Total number of stages by kind and final status."},
		[]string{"kind", "status"},
	)
	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "pipex_stage_duration_seconds", Help: "Duration of stage executions in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"kind"},
	)
	m.pipelineCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipex_pipeline_runs_total", Help: "Total number of pipeline runs by final status."},
		[]string{"status"},
	)
	m.pipelineLength = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "pipex_pipeline_duration_seconds", Help: "Duration of pipeline runs in seconds.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 14)},
	)

	m.reg.MustRegister(m.gateAdmitted, m.gateDenied, m.gateWait, m.stageCounter, m.stageDuration, m.pipelineCount, m.pipelineLength)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) GateAdmitted(current int, waited time.Duration) {
	m.gateAdmitted.Set(float64(current))
	m.gateWait.Observe(waited.Seconds())
}

func (m *Metrics) GateDenied(waited time.Duration) {
	m.gateDenied.Inc()
	m.gateWait.Observe(waited.Seconds())
}

func (m *Metrics) GateReleased(current int) {
	m.gateAdmitted.Set(float64(current))
}

// StageFinished records a stage that reached a terminal status.
func (m *Metrics) StageFinished(s *sdk.Stage) {
	m.stageCounter.WithLabelValues(string(s.Kind), string(s.Status)).Inc()
	if d := s.Duration(); d > 0 {
		m.stageDuration.WithLabelValues(string(s.Kind)).Observe(d.Seconds())
	}
}

func (m *Metrics) PipelineFinished(e *sdk.PipelineExecution) {
	m.pipelineCount.WithLabelValues(string(e.Status)).Inc()
	if e.StartTime != nil && e.FinishTime != nil {
		m.pipelineLength.Observe(e.FinishTime.Sub(*e.StartTime).Seconds())
	}
}

// WriteTextfile writes every metric to file in the text exposition format.
func (m *Metrics) WriteTextfile(file string) error {
	if err := prometheus.WriteToTextfile(file, m.reg); err != nil {
		return fmt.Errorf("unable to write metrics to %s: %w", file, err)
	}
	return nil
}
