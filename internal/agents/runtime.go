package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/guard"
	"github.com/frauddetect/pipeline/internal/models"
	"github.com/frauddetect/pipeline/internal/orchestrator"
)

// Investigation states.
const (
	stateInit          = "INIT"
	stateInvestigating = "INVESTIGATING"
	stateScoring       = "SCORING"
	stateDeciding      = "DECIDING"
	stateDone          = "DONE"
	stateFailed        = "FAILED"
)

var (
	errToolBudget = errors.New("tool call budget exhausted")
	errNoDecision = errors.New("decision role finished without calling fraud_decision")
	errMalformed  = errors.New("malformed role output")
)

// Runtime executes the three-role investigation as a state machine:
// Investigation -> Risk -> Decision. Any role failing, timing out or
// exceeding its tool budget fails the whole run; the orchestrator then falls
// back to its pre-agent triage result.
type Runtime struct {
	llm      LLM
	toolbox  *Toolbox
	limiter  *guard.RateLimiter
	breakers *guard.BreakerRegistry
	cfg      configs.AgentConfig
	now      func() time.Time
}

func NewRuntime(llm LLM, toolbox *Toolbox, limiter *guard.RateLimiter, breakers *guard.BreakerRegistry, cfg configs.AgentConfig) *Runtime {
	return &Runtime{
		llm:      llm,
		toolbox:  toolbox,
		limiter:  limiter,
		breakers: breakers,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Investigate runs the full role sequence for one escalated event. It never
// returns an error: the trace status carries the outcome.
func (r *Runtime) Investigate(ctx context.Context, esc *orchestrator.Escalation) *models.AgentTrace {
	start := r.now()
	trace := &models.AgentTrace{Status: stateInit}

	// A saturated limiter skips escalation entirely rather than queueing the
	// worker behind tens of seconds of waits.
	if !r.limiter.TryAcquire() {
		trace.Status = models.AgentStatusSkippedRateLimit
		trace.ElapsedMs = r.now().Sub(start).Milliseconds()
		log.Warn().Str("order_id", esc.Event.OrderID).Msg("Agent investigation skipped, rate limiter saturated")
		return trace
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunDeadline)
	defer cancel()

	if err := r.run(ctx, esc, trace); err != nil {
		trace.Status = models.AgentStatusFailed
		trace.Error = err.Error()
		log.Warn().Err(err).Str("order_id", esc.Event.OrderID).Msg("Agent investigation failed")
	} else {
		trace.Status = models.AgentStatusCompleted
	}
	trace.ElapsedMs = r.now().Sub(start).Milliseconds()
	return trace
}

func (r *Runtime) run(ctx context.Context, esc *orchestrator.Escalation, trace *models.AgentTrace) error {
	// INVESTIGATING
	payload, err := investigationPayload(esc)
	if err != nil {
		return err
	}
	out, err := r.runRole(ctx, investigationPrompt, investigationTools(), payload, esc, trace, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", stateInvestigating, err)
	}
	var report models.InvestigationReport
	if err := parseJSON(out, &report); err != nil {
		return fmt.Errorf("%s: %w", stateInvestigating, err)
	}
	trace.Investigation = &report

	// SCORING
	payload, err = riskPayload(esc, &report)
	if err != nil {
		return err
	}
	out, err = r.runRole(ctx, riskPrompt, nil, payload, esc, trace, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", stateScoring, err)
	}
	var assessment models.RiskAssessment
	if err := parseJSON(out, &assessment); err != nil {
		return fmt.Errorf("%s: %w", stateScoring, err)
	}
	if assessment.FraudProbability < 0 || assessment.FraudProbability > 1 {
		return fmt.Errorf("%s: fraud probability %v out of range: %w", stateScoring, assessment.FraudProbability, errMalformed)
	}
	trace.RiskAssessment = &assessment

	// DECIDING
	payload, err = decisionPayload(esc, &assessment)
	if err != nil {
		return err
	}
	var recorded recordedDecision
	out, err = r.runRole(ctx, decisionPrompt, decisionTools(), payload, esc, trace, &recorded)
	if err != nil {
		return fmt.Errorf("%s: %w", stateDeciding, err)
	}
	if recorded.Decision == "" {
		return fmt.Errorf("%s: %w", stateDeciding, errNoDecision)
	}
	var decision models.AgentDecision
	if err := parseJSON(out, &decision); err != nil {
		// The tool call is authoritative; a garbled closing message is not
		// worth discarding the whole run for.
		decision = models.AgentDecision{Justification: recorded.Justification}
	}
	decision.Decision = recorded.Decision
	if decision.Justification == "" {
		decision.Justification = recorded.Justification
	}
	trace.FinalDecision = &decision
	return nil
}

// runRole drives one role's tool loop until the model produces its final
// text. The tool budget applies per role.
func (r *Runtime) runRole(
	ctx context.Context,
	system string,
	tools []ToolSpec,
	user string,
	esc *orchestrator.Escalation,
	trace *models.AgentTrace,
	recorded *recordedDecision,
) (string, error) {
	session := r.llm.NewSession()

	turn, err := r.turn(ctx, func() (*TurnResult, error) {
		return session.Start(ctx, system, tools, user)
	})
	if err != nil {
		return "", err
	}

	toolCalls := 0
	for turn.StopForTools || len(turn.ToolCalls) > 0 {
		results := make([]ToolResult, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			toolCalls++
			trace.ToolCalls++
			if toolCalls > r.cfg.ToolCallBudget {
				return "", errToolBudget
			}
			tctx, cancel := context.WithTimeout(ctx, r.cfg.ToolCallDeadline)
			results = append(results, r.toolbox.Invoke(tctx, call, esc, orDiscard(recorded)))
			cancel()
		}
		if len(results) == 0 {
			break
		}
		turn, err = r.turn(ctx, func() (*TurnResult, error) {
			return session.Continue(ctx, results)
		})
		if err != nil {
			return "", err
		}
	}
	return turn.Text, nil
}

// turn wraps one LLM exchange in the rate limiter and the llm circuit
// breaker.
func (r *Runtime) turn(ctx context.Context, send func() (*TurnResult, error)) (*TurnResult, error) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	var result *TurnResult
	err := r.breakers.Execute("llm", func() error {
		var err error
		result, err = send()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func orDiscard(recorded *recordedDecision) *recordedDecision {
	if recorded == nil {
		return &recordedDecision{}
	}
	return recorded
}

func investigationPayload(esc *orchestrator.Escalation) (string, error) {
	return marshal(map[string]interface{}{
		"transaction":          esc.Event,
		"fused_risk_score":     esc.Score,
		"confidence":           esc.Confidence,
		"contributing_factors": esc.Factors,
		"velocity_findings":    esc.Velocity.Findings,
	})
}

func riskPayload(esc *orchestrator.Escalation, report *models.InvestigationReport) (string, error) {
	return marshal(map[string]interface{}{
		"investigation_report": report,
		"fused_risk_score":     esc.Score,
		"contributing_factors": esc.Factors,
	})
}

func decisionPayload(esc *orchestrator.Escalation, assessment *models.RiskAssessment) (string, error) {
	return marshal(map[string]interface{}{
		"risk_assessment":      assessment,
		"transaction":          esc.Event,
		"preliminary_decision": esc.Preliminary,
	})
}

// parseJSON pulls the outermost JSON object out of the role's final text,
// tolerating prose or code fences around it.
func parseJSON(text string, out interface{}) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in role output: %w", errMalformed)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("unparsable role output: %w", errMalformed)
	}
	return nil
}
