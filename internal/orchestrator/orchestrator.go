package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/detect"
	"github.com/frauddetect/pipeline/internal/guard"
	"github.com/frauddetect/pipeline/internal/knowledge"
	"github.com/frauddetect/pipeline/internal/models"
)

// Memory is the cross-transaction store the pipeline reads and flags.
type Memory interface {
	GetUserReputation(ctx context.Context, userID string) (*models.UserReputation, error)
	GetIPReputation(ctx context.Context, ip string) (*models.IPReputation, error)
	HadRecentManualReview(ctx context.Context, userID string) (bool, error)
	GetVelocityWindow(ctx context.Context, userID string, now time.Time) ([]models.VelocityEntry, error)
	RecordTransaction(ctx context.Context, event *models.TransactionEvent) error
	FlagUser(ctx context.Context, userID, reason string, at time.Time) error
	FlagIP(ctx context.Context, ip string, at time.Time) error
	MarkManualReview(ctx context.Context, userID string, at time.Time) error
	GetDecision(ctx context.Context, orderID string) (*models.DecisionRecord, error)
	PutDecision(ctx context.Context, record *models.DecisionRecord) error
}

// KnowledgeBase is the vector index of fraud patterns.
type KnowledgeBase interface {
	Search(ctx context.Context, text string) ([]knowledge.Hit, error)
	Insert(ctx context.Context, description string, meta models.PatternMetadata) error
}

// RiskScorer is the ML detector adapter.
type RiskScorer interface {
	Score(ctx context.Context, event *models.TransactionEvent, window []models.VelocityEntry) (float64, error)
}

// Escalation is everything the agent runtime needs for one investigation.
type Escalation struct {
	Event       *models.TransactionEvent
	Score       float64
	Confidence  float64
	Factors     []models.ContributingFactor
	Window      []models.VelocityEntry
	Hits        []knowledge.Hit
	Velocity    detect.VelocityResult
	Preliminary string
}

// Investigator runs the three-role agent investigation. It never returns an
// error: failures and skips are encoded in the trace status.
type Investigator interface {
	Investigate(ctx context.Context, esc *Escalation) *models.AgentTrace
}

// Emitter publishes and persists the decision record.
type Emitter interface {
	Emit(ctx context.Context, record *models.DecisionRecord, event *models.TransactionEvent) error
}

// Metrics receives pipeline observations. Implementations must tolerate
// concurrent calls.
type Metrics interface {
	ObserveStage(stage string, seconds float64)
	RecordDecision(decision string)
	RecordAgentStatus(status string)
	RecordVelocityPattern(pattern string)
}

// Override reasons recorded on forced decisions.
const (
	ReasonPriorConfirmedFraud = "prior_confirmed_fraud"
	ReasonFlaggedIP           = "flagged_ip"
	ReasonHighSeverityFactors = "high_severity_factors"
	ReasonRapidFireVelocity   = "rapid_fire_velocity"
	ReasonLowConfidence       = "low_confidence"
	ReasonFirstTimeHighAmount = "first_time_high_amount"
)

const (
	learnThreshold     = 0.90
	escalationCoverage = 0.6
	overrideConfidence = 0.6
	highSeverityImpact = 0.7
	highSeverityCount  = 3
)

// Orchestrator drives each event through the fixed stage order and owns the
// decision record it produces.
type Orchestrator struct {
	memory       Memory
	kb           KnowledgeBase
	scorer       RiskScorer
	investigator Investigator
	emitter      Emitter
	breakers     *guard.BreakerRegistry
	retry        guard.RetryPolicy
	metrics      Metrics
	cfg          configs.FraudConfig
	agentsOn     bool
	now          func() time.Time
}

func New(
	memory Memory,
	kb KnowledgeBase,
	scorer RiskScorer,
	investigator Investigator,
	emitter Emitter,
	breakers *guard.BreakerRegistry,
	metrics Metrics,
	cfg configs.FraudConfig,
	agentsEnabled bool,
) *Orchestrator {
	return &Orchestrator{
		memory:       memory,
		kb:           kb,
		scorer:       scorer,
		investigator: investigator,
		emitter:      emitter,
		breakers:     breakers,
		retry:        guard.DefaultRetryPolicy(),
		metrics:      metrics,
		cfg:          cfg,
		agentsOn:     agentsEnabled,
		now:          time.Now,
	}
}

// Process runs the full pipeline for one event and returns the decision
// record. A non-nil error means the record could not be durably emitted and
// the event should be redelivered.
func (o *Orchestrator) Process(ctx context.Context, event *models.TransactionEvent) (*models.DecisionRecord, error) {
	start := o.now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PipelineDeadline)
	defer cancel()

	if err := event.Validate(); err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("Event failed validation")
		record := &models.DecisionRecord{
			OrderID:    event.OrderID,
			UserID:     event.UserID,
			Decision:   models.DecisionManualReview,
			RiskScore:  0,
			Confidence: 0,
			Reason:     models.ReasonMalformedEvent,
			DecidedAt:  o.now().UTC(),
		}
		return o.finish(ctx, record, event, start)
	}

	// Duplicate delivery returns the prior record without re-running the
	// pipeline or re-emitting.
	if prior := o.priorDecision(ctx, event.OrderID); prior != nil {
		log.Debug().Str("order_id", event.OrderID).Msg("Duplicate event, returning prior decision")
		return prior, nil
	}

	var sig Signals

	// Stage 1: reputation lookup.
	stageStart := o.now()
	var userRep *models.UserReputation
	var ipRep *models.IPReputation
	var recentReview bool
	repErr := o.withGuard(ctx, "memory", o.cfg.MemoryDeadline, func(gctx context.Context) error {
		var err error
		if userRep, err = o.memory.GetUserReputation(gctx, event.UserID); err != nil {
			return err
		}
		if event.IPAddress != "" {
			if ipRep, err = o.memory.GetIPReputation(gctx, event.IPAddress); err != nil {
				return err
			}
		}
		recentReview, err = o.memory.HadRecentManualReview(gctx, event.UserID)
		return err
	})
	sig.HistoricalOk = repErr == nil
	var historicalEvidence string
	if sig.HistoricalOk {
		sig.Historical, historicalEvidence = HistoricalSignal(userRep, ipRep, recentReview)
	} else {
		log.Warn().Err(repErr).Str("order_id", event.OrderID).Msg("Reputation lookup soft-failed")
	}
	hardFlag := sig.HistoricalOk &&
		((userRep != nil && userRep.Flagged && userRep.FlagReason == models.ReasonConfirmedFraud) ||
			(ipRep != nil && ipRep.Flagged))
	o.observe("reputation", stageStart)

	// Stage 2: velocity.
	stageStart = o.now()
	var window []models.VelocityEntry
	windowErr := o.withGuard(ctx, "memory", o.cfg.MemoryDeadline, func(gctx context.Context) error {
		var err error
		window, err = o.memory.GetVelocityWindow(gctx, event.UserID, event.Timestamp)
		return err
	})
	var velocity detect.VelocityResult
	sig.VelocityOk = windowErr == nil
	if sig.VelocityOk {
		velocity = detect.DetectVelocity(window, event)
		sig.Velocity = velocity.Signal()
		if o.metrics != nil {
			for _, f := range velocity.Findings {
				o.metrics.RecordVelocityPattern(f.Pattern)
			}
		}
	} else {
		window = nil
		log.Warn().Err(windowErr).Str("order_id", event.OrderID).Msg("Velocity window soft-failed")
	}
	o.observe("velocity", stageStart)

	// Stage 3: ML score.
	stageStart = o.now()
	mlErr := o.withGuard(ctx, "ml", o.cfg.ModelDeadline, func(gctx context.Context) error {
		var err error
		sig.ML, err = o.scorer.Score(gctx, event, window)
		return err
	})
	sig.MLOk = mlErr == nil
	if !sig.MLOk {
		sig.ML = 0
		log.Warn().Err(mlErr).Str("order_id", event.OrderID).Msg("Model scoring soft-failed")
	}
	o.observe("ml", stageStart)

	// Stage 4: vector similarity.
	stageStart = o.now()
	var hits []knowledge.Hit
	kbErr := o.withGuard(ctx, "kb", o.cfg.KnowledgeDeadline, func(gctx context.Context) error {
		var err error
		hits, err = o.kb.Search(gctx, DescribeEvent(event, velocity))
		return err
	})
	sig.SimilarOk = kbErr == nil
	if sig.SimilarOk {
		sig.Similar = SimilarSignal(hits)
	} else {
		hits = nil
		log.Warn().Err(kbErr).Str("order_id", event.OrderID).Msg("Knowledge search soft-failed")
	}
	o.observe("similarity", stageStart)

	// Anomaly is computed from the event itself and always responds.
	var anomalyFactors []models.ContributingFactor
	sig.Anomaly, anomalyFactors = AnomalySignal(event, window)
	sig.AnomalyOk = true

	// Stage 5: fusion.
	factors := BuildFactors(velocity, sig.Historical, historicalEvidence, hits, anomalyFactors, sig.ML, sig.MLOk)
	fusion := Fuse(sig, factors)

	if fusion.Coverage == 0 {
		record := &models.DecisionRecord{
			OrderID:             event.OrderID,
			UserID:              event.UserID,
			Decision:            models.DecisionManualReview,
			RiskScore:           fusion.Score,
			Confidence:          0,
			Reason:              models.ReasonInsufficientSignal,
			ContributingFactors: factors,
			DecidedAt:           o.now().UTC(),
		}
		return o.finish(ctx, record, event, start)
	}

	// Stage 6: triage.
	preliminary := o.thresholdDecision(fusion.Score)
	decision := preliminary

	// Stage 7: optional agent escalation. A hard reputation flag forces the
	// decision, so there is nothing left for agents to decide.
	var trace *models.AgentTrace
	if !hardFlag && fusion.Score >= o.cfg.AgentThreshold && fusion.Coverage >= escalationCoverage {
		stageStart = o.now()
		trace = o.escalate(ctx, &Escalation{
			Event:       event,
			Score:       fusion.Score,
			Confidence:  fusion.Confidence,
			Factors:     factors,
			Window:      window,
			Hits:        hits,
			Velocity:    velocity,
			Preliminary: preliminary,
		})
		if trace.Status == models.AgentStatusCompleted && trace.FinalDecision != nil && validDecision(trace.FinalDecision.Decision) {
			decision = trace.FinalDecision.Decision
		}
		if o.metrics != nil {
			o.metrics.RecordAgentStatus(trace.Status)
		}
		o.observe("agents", stageStart)
	}

	decision, overrideReason := o.applyOverrides(decision, fusion, velocity, userRep, window, event, hardFlag, sig.HistoricalOk)

	record := &models.DecisionRecord{
		OrderID:             event.OrderID,
		UserID:              event.UserID,
		Decision:            decision,
		RiskScore:           fusion.Score,
		Confidence:          fusion.Confidence,
		Reason:              overrideReason,
		ContributingFactors: factors,
		AgentTrace:          trace,
		DecidedAt:           o.now().UTC(),
	}

	// Stage 8: memory and KB updates.
	o.applySideEffects(ctx, record, event, velocity, fusion.Score)

	return o.finish(ctx, record, event, start)
}

func (o *Orchestrator) thresholdDecision(score float64) string {
	switch {
	case score >= o.cfg.BlockThreshold:
		return models.DecisionBlock
	case score >= o.cfg.ReviewThreshold:
		return models.DecisionManualReview
	default:
		return models.DecisionApprove
	}
}

func (o *Orchestrator) escalate(ctx context.Context, esc *Escalation) *models.AgentTrace {
	if !o.agentsOn || o.investigator == nil {
		return &models.AgentTrace{Status: models.AgentStatusDisabled}
	}
	return o.investigator.Investigate(ctx, esc)
}

// applyOverrides applies the deterministic post-fusion rules. Block
// overrides win over review overrides; confidence exactly at the threshold
// is not overridden.
func (o *Orchestrator) applyOverrides(
	decision string,
	fusion Fusion,
	velocity detect.VelocityResult,
	userRep *models.UserReputation,
	window []models.VelocityEntry,
	event *models.TransactionEvent,
	hardFlag bool,
	historicalOk bool,
) (string, string) {
	if hardFlag {
		if userRep != nil && userRep.Flagged && userRep.FlagReason == models.ReasonConfirmedFraud {
			return models.DecisionBlock, ReasonPriorConfirmedFraud
		}
		return models.DecisionBlock, ReasonFlaggedIP
	}
	if historicalOk && userRep != nil && userRep.Flagged && userRep.FlagReason == models.ReasonConfirmedFraud {
		return models.DecisionBlock, ReasonPriorConfirmedFraud
	}

	high := 0
	for _, f := range fusion.Factors {
		if f.Impact >= highSeverityImpact {
			high++
		}
	}
	if high >= highSeverityCount {
		return models.DecisionBlock, ReasonHighSeverityFactors
	}
	if velocity.Has(detect.PatternRapidFire) {
		return models.DecisionBlock, ReasonRapidFireVelocity
	}

	if fusion.Confidence < overrideConfidence {
		return models.DecisionManualReview, ReasonLowConfidence
	}
	if o.firstTimeUser(userRep, window, event) && event.Amount > newAccountLargeThreshold {
		return models.DecisionManualReview, ReasonFirstTimeHighAmount
	}

	return decision, ""
}

func (o *Orchestrator) firstTimeUser(userRep *models.UserReputation, window []models.VelocityEntry, event *models.TransactionEvent) bool {
	for _, e := range window {
		if e.OrderID != event.OrderID {
			return false
		}
	}
	return userRep == nil || (!userRep.Flagged && userRep.FraudCount == 0)
}

func (o *Orchestrator) applySideEffects(
	ctx context.Context,
	record *models.DecisionRecord,
	event *models.TransactionEvent,
	velocity detect.VelocityResult,
	score float64,
) {
	now := record.DecidedAt

	// The window always grows, whatever the decision. The store buffers this
	// write if the backend is down.
	if err := o.memory.RecordTransaction(ctx, event); err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("Failed to record transaction in velocity window")
	}

	switch record.Decision {
	case models.DecisionBlock:
		if err := o.memory.FlagUser(ctx, event.UserID, models.ReasonConfirmedFraud, now); err != nil {
			log.Warn().Err(err).Str("user_id", event.UserID).Msg("Failed to flag user")
		}
		if score >= learnThreshold {
			if event.IPAddress != "" {
				if err := o.memory.FlagIP(ctx, event.IPAddress, now); err != nil {
					log.Warn().Err(err).Str("ip", event.IPAddress).Msg("Failed to flag IP")
				}
			}
			desc, meta := LearnedPattern(event, velocity, score)
			if err := o.breakers.Execute("kb", func() error {
				return o.kb.Insert(ctx, desc, meta)
			}); err != nil {
				log.Warn().Err(err).Str("order_id", event.OrderID).Msg("Failed to learn fraud pattern")
			} else {
				log.Info().Str("fraud_type", meta.FraudType).Float64("score", score).Msg("Learned new fraud pattern")
			}
		}
	case models.DecisionManualReview:
		// Degraded-path reviews reflect our own failures, not user behaviour,
		// and must not poison reputations.
		if record.Reason != models.ReasonMalformedEvent && record.Reason != models.ReasonInsufficientSignal {
			if err := o.memory.FlagUser(ctx, event.UserID, models.ReasonManualReview, now); err != nil {
				log.Warn().Err(err).Str("user_id", event.UserID).Msg("Failed to flag user for review")
			}
			if err := o.memory.MarkManualReview(ctx, event.UserID, now); err != nil {
				log.Warn().Err(err).Str("user_id", event.UserID).Msg("Failed to mark manual review")
			}
		}
	}
}

// finish stamps, emits and records the decision. Emission failures propagate
// so the consumer can redeliver.
func (o *Orchestrator) finish(ctx context.Context, record *models.DecisionRecord, event *models.TransactionEvent, start time.Time) (*models.DecisionRecord, error) {
	record.ElapsedMs = o.now().Sub(start).Milliseconds()

	err := o.retry.Do(ctx, func() error {
		return o.breakers.Execute("sink", func() error {
			return o.emitter.Emit(ctx, record, event)
		})
	})
	if err != nil {
		return record, fmt.Errorf("failed to emit decision for %s: %w", record.OrderID, err)
	}

	// Cached only once the record is durable: a dedup hit must imply the
	// decision already reached the sink.
	if record.OrderID != "" {
		if err := o.memory.PutDecision(ctx, record); err != nil {
			log.Warn().Err(err).Str("order_id", record.OrderID).Msg("Failed to cache decision for dedup")
		}
	}

	if o.metrics != nil {
		o.metrics.RecordDecision(record.Decision)
	}
	log.Info().
		Str("order_id", record.OrderID).
		Str("decision", record.Decision).
		Float64("risk_score", record.RiskScore).
		Float64("confidence", record.Confidence).
		Int64("elapsed_ms", record.ElapsedMs).
		Msg("Decision emitted")
	return record, nil
}

func (o *Orchestrator) priorDecision(ctx context.Context, orderID string) *models.DecisionRecord {
	var prior *models.DecisionRecord
	err := o.withGuard(ctx, "memory", o.cfg.MemoryDeadline, func(gctx context.Context) error {
		var err error
		prior, err = o.memory.GetDecision(gctx, orderID)
		return err
	})
	if err != nil {
		return nil
	}
	return prior
}

func (o *Orchestrator) withGuard(ctx context.Context, name string, deadline time.Duration, fn func(ctx context.Context) error) error {
	return o.breakers.Execute(name, func() error {
		gctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		return fn(gctx)
	})
}

func (o *Orchestrator) observe(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, o.now().Sub(start).Seconds())
	}
}

func validDecision(d string) bool {
	return d == models.DecisionApprove || d == models.DecisionManualReview || d == models.DecisionBlock
}
