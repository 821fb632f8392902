package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frauddetect/pipeline/internal/detect"
	"github.com/frauddetect/pipeline/internal/knowledge"
	"github.com/frauddetect/pipeline/internal/models"
	"github.com/frauddetect/pipeline/internal/orchestrator"
)

// Tool names.
const (
	toolFraudHistory        = "fraud_history"
	toolUserReputation      = "user_reputation"
	toolSimilarCases        = "similar_cases"
	toolVelocityCheck       = "velocity_check"
	toolTransactionAnalysis = "transaction_analysis"
	toolFraudDecision       = "fraud_decision"
)

type memoryReader interface {
	GetUserReputation(ctx context.Context, userID string) (*models.UserReputation, error)
	GetIPReputation(ctx context.Context, ip string) (*models.IPReputation, error)
	HadRecentManualReview(ctx context.Context, userID string) (bool, error)
	GetVelocityWindow(ctx context.Context, userID string, now time.Time) ([]models.VelocityEntry, error)
}

type knowledgeSearcher interface {
	Search(ctx context.Context, text string) ([]knowledge.Hit, error)
}

// Toolbox dispatches the agents' tool calls to the detection components.
// All tools except fraud_decision are read-only.
type Toolbox struct {
	memory memoryReader
	kb     knowledgeSearcher
}

func NewToolbox(memory memoryReader, kb knowledgeSearcher) *Toolbox {
	return &Toolbox{memory: memory, kb: kb}
}

func investigationTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        toolFraudHistory,
			Description: "Retrieve the user's fraud history: flag state, fraud count and recent manual reviews.",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{"type": "string", "description": "The user to look up"},
			},
			Required: []string{"user_id"},
		},
		{
			Name:        toolUserReputation,
			Description: "Retrieve the current reputation records for the user and the transaction's IP address.",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{"type": "string", "description": "The user to look up"},
			},
			Required: []string{"user_id"},
		},
		{
			Name:        toolSimilarCases,
			Description: "Search the fraud pattern knowledge base for cases similar to a textual description.",
			Properties: map[string]interface{}{
				"description": map[string]interface{}{"type": "string", "description": "Human-readable description of the suspected fraud"},
			},
			Required: []string{"description"},
		},
		{
			Name:        toolVelocityCheck,
			Description: "Run the velocity detector over the user's recent transaction window.",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{"type": "string", "description": "The user to check"},
			},
			Required: []string{"user_id"},
		},
		{
			Name:        toolTransactionAnalysis,
			Description: "Analyze the transaction under investigation: payload, anomalies and rolling statistics.",
			Properties:  map[string]interface{}{},
		},
	}
}

func decisionTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        toolFraudDecision,
			Description: "Record the final fraud decision for this transaction. Must be called exactly once.",
			Properties: map[string]interface{}{
				"decision": map[string]interface{}{
					"type": "string",
					"enum": []string{models.DecisionApprove, models.DecisionManualReview, models.DecisionBlock},
				},
				"justification": map[string]interface{}{"type": "string"},
			},
			Required: []string{"decision", "justification"},
		},
	}
}

// recordedDecision is what the fraud_decision tool captured.
type recordedDecision struct {
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
}

// Invoke runs one tool call against the escalation context. Errors are
// reported to the model, never raised.
func (t *Toolbox) Invoke(ctx context.Context, call ToolCall, esc *orchestrator.Escalation, recorded *recordedDecision) ToolResult {
	content, err := t.run(ctx, call, esc, recorded)
	if err != nil {
		return ToolResult{ID: call.ID, Content: err.Error(), IsError: true}
	}
	return ToolResult{ID: call.ID, Content: content}
}

func (t *Toolbox) run(ctx context.Context, call ToolCall, esc *orchestrator.Escalation, recorded *recordedDecision) (string, error) {
	switch call.Name {
	case toolFraudHistory:
		userID, err := stringArg(call.Input, "user_id", esc.Event.UserID)
		if err != nil {
			return "", err
		}
		rep, err := t.memory.GetUserReputation(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("fraud history unavailable: %w", err)
		}
		review, err := t.memory.HadRecentManualReview(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("fraud history unavailable: %w", err)
		}
		return marshal(map[string]interface{}{
			"reputation":           rep,
			"recent_manual_review": review,
		})

	case toolUserReputation:
		userID, err := stringArg(call.Input, "user_id", esc.Event.UserID)
		if err != nil {
			return "", err
		}
		user, err := t.memory.GetUserReputation(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("reputation unavailable: %w", err)
		}
		out := map[string]interface{}{"user": user}
		if esc.Event.IPAddress != "" {
			ip, err := t.memory.GetIPReputation(ctx, esc.Event.IPAddress)
			if err != nil {
				return "", fmt.Errorf("reputation unavailable: %w", err)
			}
			out["ip"] = ip
		}
		return marshal(out)

	case toolSimilarCases:
		desc, err := stringArg(call.Input, "description", orchestrator.DescribeEvent(esc.Event, esc.Velocity))
		if err != nil {
			return "", err
		}
		hits, err := t.kb.Search(ctx, desc)
		if err != nil {
			return "", fmt.Errorf("knowledge base unavailable: %w", err)
		}
		type caseOut struct {
			Description string  `json:"description"`
			FraudType   string  `json:"fraud_type"`
			Severity    string  `json:"severity"`
			Similarity  float64 `json:"similarity"`
		}
		cases := make([]caseOut, 0, len(hits))
		for _, h := range hits {
			cases = append(cases, caseOut{
				Description: h.Pattern.Description,
				FraudType:   h.Pattern.Metadata.FraudType,
				Severity:    h.Pattern.Metadata.Severity,
				Similarity:  h.Similarity,
			})
		}
		return marshal(map[string]interface{}{"similar_cases": cases})

	case toolVelocityCheck:
		userID, err := stringArg(call.Input, "user_id", esc.Event.UserID)
		if err != nil {
			return "", err
		}
		window, err := t.memory.GetVelocityWindow(ctx, userID, esc.Event.Timestamp)
		if err != nil {
			return "", fmt.Errorf("velocity window unavailable: %w", err)
		}
		result := detect.DetectVelocity(window, esc.Event)
		return marshal(map[string]interface{}{
			"window_size": len(window),
			"findings":    result.Findings,
			"signal":      result.Signal(),
		})

	case toolTransactionAnalysis:
		anomaly, factors := orchestrator.AnomalySignal(esc.Event, esc.Window)
		return marshal(map[string]interface{}{
			"transaction":          esc.Event,
			"anomaly_signal":       anomaly,
			"anomaly_factors":      factors,
			"contributing_factors": esc.Factors,
			"fused_risk_score":     esc.Score,
		})

	case toolFraudDecision:
		var input recordedDecision
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return "", fmt.Errorf("invalid fraud_decision input: %w", err)
		}
		switch input.Decision {
		case models.DecisionApprove, models.DecisionManualReview, models.DecisionBlock:
		default:
			return "", fmt.Errorf("invalid decision %q", input.Decision)
		}
		*recorded = input
		return marshal(map[string]interface{}{"recorded": true, "decision": input.Decision})

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func stringArg(input json.RawMessage, key, fallback string) (string, error) {
	var args map[string]interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid tool input: %w", err)
		}
	}
	if v, ok := args[key].(string); ok && v != "" {
		return v, nil
	}
	return fallback, nil
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool output: %w", err)
	}
	return string(data), nil
}
