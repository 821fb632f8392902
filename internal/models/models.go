package models

import (
	"encoding/json"
	"net"
	"time"
)

// TransactionEvent is the JSON event consumed from the input topic.
type TransactionEvent struct {
	OrderID           string    `json:"order_id"`
	UserID            string    `json:"user_id"`
	IPAddress         string    `json:"ip_address"`
	Amount            float64   `json:"amount"`
	Timestamp         time.Time `json:"timestamp"`
	PaymentMethod     string    `json:"payment_method"`
	Currency          string    `json:"currency"`
	ShippingCountry   string    `json:"shipping_country"`
	BillingCountry    string    `json:"billing_country"`
	AccountAgeDays    float64   `json:"account_age_days"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
}

// PaymentMethod enum values
const (
	PaymentCreditCard   = "credit_card"
	PaymentDebitCard    = "debit_card"
	PaymentBankTransfer = "bank_transfer"
	PaymentPaypal       = "paypal"
	PaymentCrypto       = "crypto"
)

// Validate checks the event against the input schema. Failures map to the
// INVALID_EVENT handling path, never to a dropped message.
func (e *TransactionEvent) Validate() error {
	switch {
	case e.OrderID == "":
		return &ValidationError{Field: "order_id", Reason: "required"}
	case e.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "required"}
	case e.Amount < 0:
		return &ValidationError{Field: "amount", Reason: "must be non-negative"}
	case e.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if e.IPAddress != "" && net.ParseIP(e.IPAddress) == nil {
		return &ValidationError{Field: "ip_address", Reason: "not a valid IP"}
	}
	return nil
}

// ValidationError describes a single schema violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (v *ValidationError) Error() string {
	return "invalid event: " + v.Field + " " + v.Reason
}

// Decision enum values
const (
	DecisionApprove      = "APPROVE"
	DecisionManualReview = "MANUAL_REVIEW"
	DecisionBlock        = "BLOCK"
)

// ContributingFactor records one piece of evidence behind a decision.
type ContributingFactor struct {
	Name     string  `json:"factor_name"`
	Impact   float64 `json:"impact"`
	Evidence string  `json:"evidence"`
}

// DecisionRecord is the pipeline output, published to the decisions topic
// and persisted to the durable store.
type DecisionRecord struct {
	OrderID             string               `json:"order_id"`
	UserID              string               `json:"user_id"`
	Decision            string               `json:"decision"`
	RiskScore           float64              `json:"risk_score"`
	Confidence          float64              `json:"confidence"`
	Reason              string               `json:"reason,omitempty"`
	ContributingFactors []ContributingFactor `json:"contributing_factors"`
	AgentTrace          *AgentTrace          `json:"agent_trace,omitempty"`
	ElapsedMs           int64                `json:"elapsed_ms"`
	DecidedAt           time.Time            `json:"decided_at"`
}

// Decision reasons for degraded paths
const (
	ReasonMalformedEvent     = "malformed_event"
	ReasonInsufficientSignal = "insufficient_signal"
)

// Flag reasons on user reputations. Only a BLOCK sets ReasonConfirmedFraud;
// the "previous confirmed fraud" override keys off that distinction.
const (
	ReasonConfirmedFraud = "confirmed_fraud"
	ReasonManualReview   = "manual_review"
)

// UserReputation is the per-user memory record.
type UserReputation struct {
	UserID     string    `json:"user_id"`
	Flagged    bool      `json:"flagged"`
	FlagReason string    `json:"flag_reason,omitempty"`
	FlaggedAt  time.Time `json:"flagged_at,omitempty"`
	FraudCount int       `json:"fraud_count"`
}

// IPReputation is the per-IP memory record.
type IPReputation struct {
	IPAddress      string    `json:"ip_address"`
	Flagged        bool      `json:"flagged"`
	FraudCaseCount int       `json:"fraud_case_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// VelocityEntry is one tuple of a user's rolling velocity window.
type VelocityEntry struct {
	OrderID   string    `json:"order_id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Severity enum for fraud patterns.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityWeight maps a pattern severity to its fusion weight.
func SeverityWeight(severity string) float64 {
	switch severity {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.75
	case SeverityMedium:
		return 0.5
	case SeverityLow:
		return 0.25
	default:
		return 0.5
	}
}

// Pattern sources
const (
	PatternSourceSeeded  = "seeded"
	PatternSourceLearned = "learned"
)

// PatternMetadata describes a fraud pattern stored in the knowledge base.
type PatternMetadata struct {
	FraudType   string    `json:"fraud_type"`
	Severity    string    `json:"severity"`
	AmountRange string    `json:"example_amount_range,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source"`
}

// FraudPattern is an immutable knowledge-base entry.
type FraudPattern struct {
	Description string          `json:"description"`
	Vector      []float64       `json:"-"`
	Metadata    PatternMetadata `json:"metadata"`
}

// Agent trace statuses
const (
	AgentStatusCompleted        = "completed"
	AgentStatusFailed           = "failed"
	AgentStatusSkippedRateLimit = "skipped_rate_limit"
	AgentStatusDisabled         = "disabled"
)

// InvestigationReport is the Investigation role's structured output.
type InvestigationReport struct {
	RedFlags          []string `json:"red_flags"`
	HistoricalContext string   `json:"historical_context"`
	SimilarCases      []string `json:"similar_cases"`
	VelocityFindings  string   `json:"velocity_findings"`
	RiskFactors       []string `json:"risk_factors"`
	EvidenceStrength  string   `json:"evidence_strength"` // strong, moderate, weak
}

// RiskAssessment is the Risk role's structured output.
type RiskAssessment struct {
	FraudProbability float64            `json:"fraud_probability"`
	Confidence       float64            `json:"confidence"`
	Breakdown        map[string]float64 `json:"breakdown"`
	TopFactors       []string           `json:"top_factors"`
}

// AgentDecision is the Decision role's structured output.
type AgentDecision struct {
	Decision      string   `json:"decision"`
	Justification string   `json:"justification"`
	Indicators    []string `json:"indicators"`
	NextActions   string   `json:"next_actions"`
}

// AgentTrace captures a full three-role investigation for one escalated event.
type AgentTrace struct {
	Status         string               `json:"status"`
	Investigation  *InvestigationReport `json:"investigation,omitempty"`
	RiskAssessment *RiskAssessment      `json:"risk_assessment,omitempty"`
	FinalDecision  *AgentDecision       `json:"final_decision,omitempty"`
	ToolCalls      int                  `json:"tool_calls"`
	ElapsedMs      int64                `json:"elapsed_ms"`
	Error          string               `json:"error,omitempty"`
}

// JSONB is a helper type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
