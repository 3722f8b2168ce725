package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
)

// Recorder exposes the monitor's Prometheus metrics. A nil *Recorder
// discards every record.
type Recorder struct {
	gatherer prometheus.Gatherer

	cycles         *prometheus.CounterVec
	cycleLatency   *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
	detections     *prometheus.CounterVec
	consensusPrice *prometheus.GaugeVec
	consensusConf  *prometheus.GaugeVec
	deviations     *prometheus.CounterVec
	reliability    *prometheus.GaugeVec
	fetchErrors    *prometheus.CounterVec
}

// New registers the metrics on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclewatch_cycles_total",
				Help: "Monitoring cycles per symbol by result",
			},
			[]string{"symbol", "result"},
		),
		cycleLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oraclewatch_cycle_duration_seconds",
				Help:    "Duration of one symbol cycle in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"symbol"},
		),
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclewatch_detection_outcomes_total",
				Help: "Arbiter outcomes per feed update",
			},
			[]string{"outcome"},
		),
		detections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclewatch_detections_total",
				Help: "Emitted manipulation detections",
			},
			[]string{"type", "severity", "protocol"},
		),
		consensusPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oraclewatch_consensus_price",
				Help: "Latest consensus price per symbol",
			},
			[]string{"symbol"},
		),
		consensusConf: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oraclewatch_consensus_confidence",
				Help: "Confidence level of the latest consensus per symbol",
			},
			[]string{"symbol"},
		),
		deviations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclewatch_deviation_alerts_total",
				Help: "Deviation alerts raised per protocol and severity",
			},
			[]string{"symbol", "protocol", "severity"},
		),
		reliability: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oraclewatch_protocol_reliability",
				Help: "Reliability score in [0,1] per protocol and symbol",
			},
			[]string{"symbol", "protocol"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclewatch_errors_total",
				Help: "Errors by stage",
			},
			[]string{"stage"},
		),
	}
}

// RecordCycle records one symbol cycle.
func (r *Recorder) RecordCycle(symbol string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.cycles.WithLabelValues(symbol, result).Inc()
	r.cycleLatency.WithLabelValues(symbol).Observe(elapsed.Seconds())
}

// RecordOutcome counts an arbiter outcome.
func (r *Recorder) RecordOutcome(outcome detection.Outcome) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(string(outcome)).Inc()
}

// RecordDetection counts an emitted detection.
func (r *Recorder) RecordDetection(d detection.Detection) {
	if r == nil {
		return
	}
	r.detections.WithLabelValues(string(d.Type), string(d.Severity), d.Protocol).Inc()
}

// RecordAnalysis updates consensus, deviation and reliability series.
func (r *Recorder) RecordAnalysis(a *consensus.Analysis) {
	if r == nil || a == nil {
		return
	}
	symbol := a.Consensus.Symbol
	r.consensusPrice.WithLabelValues(symbol).Set(a.Consensus.ConsensusPrice)
	r.consensusConf.WithLabelValues(symbol).Set(a.Consensus.ConfidenceLevel)
	for _, d := range a.Deviations {
		r.deviations.WithLabelValues(symbol, d.Protocol, string(d.Severity)).Inc()
	}
	for protocol, s := range a.Reliability {
		r.reliability.WithLabelValues(symbol, protocol).Set(s.Reliability)
	}
}

// RecordError counts an error at a pipeline stage.
func (r *Recorder) RecordError(stage string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(stage).Inc()
}

// Handler serves the registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes the metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
