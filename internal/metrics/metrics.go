package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// BreakerStates exposes the circuit-breaker registry's current states.
type BreakerStates interface {
	States() map[string]gobreaker.State
}

// LimiterSaturation exposes how full the LLM rate limiter is.
type LimiterSaturation interface {
	Saturation() float64
}

// WriteLoss exposes the memory store's buffered-write pressure.
type WriteLoss interface {
	LostWrites() int64
	BufferedWrites() int
}

// Pipeline holds every collector the fraud pipeline exports.
type Pipeline struct {
	stageLatency  *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	agentOutcomes *prometheus.CounterVec
	velocityHits  *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	limiterGauge  prometheus.Gauge
	lostWrites    prometheus.Gauge
	bufferedWrite prometheus.Gauge
}

// New registers the pipeline collectors on the given registry.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fraud",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "decisions_total",
			Help:      "Decision records emitted, by kind.",
		}, []string{"decision"}),
		agentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "agent_investigations_total",
			Help:      "Agent escalations, by trace status.",
		}, []string{"status"}),
		velocityHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "velocity_pattern_hits_total",
			Help:      "Velocity patterns detected, by pattern.",
		}, []string{"pattern"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		limiterGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "llm_rate_limiter_saturation",
			Help:      "Fraction of the LLM request budget currently spent.",
		}),
		lostWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "memory_writes_lost_total",
			Help:      "Buffered memory writes dropped under pressure.",
		}),
		bufferedWrite: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fraud",
			Name:      "memory_writes_buffered",
			Help:      "Memory writes currently awaiting background retry.",
		}),
	}

	reg.MustRegister(
		p.stageLatency,
		p.decisions,
		p.agentOutcomes,
		p.velocityHits,
		p.circuitState,
		p.limiterGauge,
		p.lostWrites,
		p.bufferedWrite,
	)
	return p
}

func (p *Pipeline) ObserveStage(stage string, seconds float64) {
	p.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (p *Pipeline) RecordDecision(decision string) {
	p.decisions.WithLabelValues(decision).Inc()
}

func (p *Pipeline) RecordAgentStatus(status string) {
	p.agentOutcomes.WithLabelValues(status).Inc()
}

func (p *Pipeline) RecordVelocityPattern(pattern string) {
	p.velocityHits.WithLabelValues(pattern).Inc()
}

// WatchGuards refreshes the guard gauges until the context is cancelled.
func (p *Pipeline) WatchGuards(ctx context.Context, breakers BreakerStates, limiter LimiterSaturation, store WriteLoss) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, state := range breakers.States() {
				p.circuitState.WithLabelValues(name).Set(stateValue(state))
			}
			if limiter != nil {
				p.limiterGauge.Set(limiter.Saturation())
			}
			if store != nil {
				p.lostWrites.Set(float64(store.LostWrites()))
				p.bufferedWrite.Set(float64(store.BufferedWrites()))
			}
		}
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
