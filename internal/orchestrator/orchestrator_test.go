package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frauddetect/pipeline/configs"
	"github.com/frauddetect/pipeline/internal/detect"
	"github.com/frauddetect/pipeline/internal/guard"
	"github.com/frauddetect/pipeline/internal/knowledge"
	"github.com/frauddetect/pipeline/internal/models"
)

var testBase = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type fakeMemory struct {
	mu        sync.Mutex
	users     map[string]*models.UserReputation
	ips       map[string]*models.IPReputation
	windows   map[string][]models.VelocityEntry
	reviews   map[string]bool
	decisions map[string][]byte

	failReads bool

	userFlagReasons []string
	ipFlags         []string
	reviewMarks     int
	recordedTx      int
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		users:     make(map[string]*models.UserReputation),
		ips:       make(map[string]*models.IPReputation),
		windows:   make(map[string][]models.VelocityEntry),
		reviews:   make(map[string]bool),
		decisions: make(map[string][]byte),
	}
}

func (m *fakeMemory) GetUserReputation(ctx context.Context, userID string) (*models.UserReputation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errors.New("memory unavailable")
	}
	if rep, ok := m.users[userID]; ok {
		dup := *rep
		return &dup, nil
	}
	return &models.UserReputation{UserID: userID}, nil
}

func (m *fakeMemory) GetIPReputation(ctx context.Context, ip string) (*models.IPReputation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errors.New("memory unavailable")
	}
	if rep, ok := m.ips[ip]; ok {
		dup := *rep
		return &dup, nil
	}
	return &models.IPReputation{IPAddress: ip}, nil
}

func (m *fakeMemory) HadRecentManualReview(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return false, errors.New("memory unavailable")
	}
	return m.reviews[userID], nil
}

func (m *fakeMemory) GetVelocityWindow(ctx context.Context, userID string, now time.Time) ([]models.VelocityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errors.New("memory unavailable")
	}
	cutoff := now.Add(-time.Hour)
	var window []models.VelocityEntry
	for _, e := range m.windows[userID] {
		if !e.Timestamp.Before(cutoff) {
			window = append(window, e)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].Timestamp.Before(window[j].Timestamp) })
	return window, nil
}

func (m *fakeMemory) RecordTransaction(ctx context.Context, event *models.TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.windows[event.UserID] {
		if e.OrderID == event.OrderID {
			return nil
		}
	}
	m.windows[event.UserID] = append(m.windows[event.UserID], models.VelocityEntry{
		OrderID:   event.OrderID,
		Amount:    event.Amount,
		Timestamp: event.Timestamp,
	})
	m.recordedTx++
	return nil
}

func (m *fakeMemory) FlagUser(ctx context.Context, userID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.users[userID]
	if rep == nil {
		rep = &models.UserReputation{UserID: userID}
		m.users[userID] = rep
	}
	rep.Flagged = true
	rep.FraudCount++
	rep.FlaggedAt = at
	if rep.FlagReason != models.ReasonConfirmedFraud || reason == models.ReasonConfirmedFraud {
		rep.FlagReason = reason
	}
	m.userFlagReasons = append(m.userFlagReasons, reason)
	return nil
}

func (m *fakeMemory) FlagIP(ctx context.Context, ip string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.ips[ip]
	if rep == nil {
		rep = &models.IPReputation{IPAddress: ip, FirstSeen: at}
		m.ips[ip] = rep
	}
	rep.Flagged = true
	rep.FraudCaseCount++
	rep.LastSeen = at
	m.ipFlags = append(m.ipFlags, ip)
	return nil
}

func (m *fakeMemory) MarkManualReview(ctx context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[userID] = true
	m.reviewMarks++
	return nil
}

func (m *fakeMemory) GetDecision(ctx context.Context, orderID string) (*models.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, errors.New("memory unavailable")
	}
	raw, ok := m.decisions[orderID]
	if !ok {
		return nil, nil
	}
	var record models.DecisionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (m *fakeMemory) PutDecision(ctx context.Context, record *models.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	m.decisions[record.OrderID] = raw
	return nil
}

// fakeKB returns the configured hits whenever the query contains the gate
// substring; an empty gate matches everything.
type fakeKB struct {
	mu      sync.Mutex
	hits    []knowledge.Hit
	gate    string
	inserts []models.PatternMetadata
}

func (k *fakeKB) Search(ctx context.Context, text string) ([]knowledge.Hit, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gate != "" && !strings.Contains(text, k.gate) {
		return nil, nil
	}
	return k.hits, nil
}

func (k *fakeKB) Insert(ctx context.Context, description string, meta models.PatternMetadata) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.inserts = append(k.inserts, meta)
	return nil
}

type fixedScorer struct {
	score float64
	err   error
}

func (s fixedScorer) Score(ctx context.Context, event *models.TransactionEvent, window []models.VelocityEntry) (float64, error) {
	return s.score, s.err
}

type fakeInvestigator struct {
	trace *models.AgentTrace
	last  *Escalation
}

func (f *fakeInvestigator) Investigate(ctx context.Context, esc *Escalation) *models.AgentTrace {
	f.last = esc
	return f.trace
}

type fakeEmitter struct {
	mu      sync.Mutex
	records []*models.DecisionRecord
	err     error
}

func (e *fakeEmitter) Emit(ctx context.Context, record *models.DecisionRecord, event *models.TransactionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.records = append(e.records, record)
	return nil
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func testFraudConfig() configs.FraudConfig {
	return configs.FraudConfig{
		BlockThreshold:    0.70,
		ReviewThreshold:   0.40,
		AgentThreshold:    0.70,
		UserFlagTTL:       24 * time.Hour,
		IPFlagTTL:         7 * 24 * time.Hour,
		DedupTTL:          10 * time.Minute,
		VelocityWindow:    time.Hour,
		PipelineDeadline:  30 * time.Second,
		MemoryDeadline:    500 * time.Millisecond,
		KnowledgeDeadline: time.Second,
		ModelDeadline:     300 * time.Millisecond,
	}
}

func newTestOrchestrator(mem Memory, kb KnowledgeBase, scorer RiskScorer, inv Investigator, emit Emitter, agentsOn bool) *Orchestrator {
	return New(mem, kb, scorer, inv, emit, guard.NewBreakerRegistry(5, time.Second), nil, testFraudConfig(), agentsOn)
}

func txEvent(orderID, userID string, amount float64, ts time.Time) *models.TransactionEvent {
	return &models.TransactionEvent{
		OrderID:         orderID,
		UserID:          userID,
		Amount:          amount,
		Timestamp:       ts,
		PaymentMethod:   models.PaymentCreditCard,
		Currency:        "USD",
		ShippingCountry: "US",
		BillingCountry:  "US",
		AccountAgeDays:  120,
	}
}

func TestProcessCleanTransactionApproves(t *testing.T) {
	mem := newFakeMemory()
	kb := &fakeKB{}
	emit := &fakeEmitter{}
	scorer, err := detect.NewScorer(detect.NewHeuristicModel())
	require.NoError(t, err)
	orch := newTestOrchestrator(mem, kb, scorer, nil, emit, false)

	event := txEvent("order-1", "regular-user", 45, testBase)
	event.AccountAgeDays = 730

	record, err := orch.Process(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.DecisionApprove, record.Decision)
	assert.Less(t, record.RiskScore, 0.30)
	assert.Empty(t, record.Reason)
	assert.Nil(t, record.AgentTrace)
	assert.Equal(t, 1, emit.count())
	assert.Empty(t, mem.userFlagReasons)
	assert.Equal(t, 1, mem.recordedTx)
}

func TestProcessRapidFireBurstBlocksThenHardFlags(t *testing.T) {
	mem := newFakeMemory()
	kb := &fakeKB{gate: "never-matches"}
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, kb, fixedScorer{score: 0.1}, nil, emit, false)
	ctx := context.Background()

	var records []*models.DecisionRecord
	for i := 0; i < 4; i++ {
		event := txEvent(
			[]string{"burst-1", "burst-2", "burst-3", "burst-4"}[i],
			"burst-user", 50, testBase.Add(time.Duration(i)*2*time.Second),
		)
		record, err := orch.Process(ctx, event)
		require.NoError(t, err)
		records = append(records, record)
	}

	assert.Equal(t, models.DecisionApprove, records[0].Decision)
	assert.Equal(t, models.DecisionApprove, records[1].Decision)

	// Third event completes the burst: velocity override, user flagged.
	assert.Equal(t, models.DecisionBlock, records[2].Decision)
	assert.Equal(t, ReasonRapidFireVelocity, records[2].Reason)
	require.NotEmpty(t, records[2].ContributingFactors)
	assert.Equal(t, detect.PatternRapidFire, records[2].ContributingFactors[0].Name)
	assert.Equal(t, 0.9, records[2].ContributingFactors[0].Impact)

	// Fourth event hits the hard flag left by the third.
	assert.Equal(t, models.DecisionBlock, records[3].Decision)
	assert.Equal(t, ReasonPriorConfirmedFraud, records[3].Reason)
	found := false
	for _, f := range records[3].ContributingFactors {
		if f.Name == "historical_reputation" {
			found = true
			assert.Equal(t, 1.0, f.Impact)
		}
	}
	assert.True(t, found, "expected historical_reputation factor on hard-flagged event")

	rep := mem.users["burst-user"]
	require.NotNil(t, rep)
	assert.True(t, rep.Flagged)
	assert.Equal(t, models.ReasonConfirmedFraud, rep.FlagReason)
	assert.Equal(t, 2, rep.FraudCount)
	assert.Equal(t, 4, emit.count())
}

func TestProcessCardTestingAccumulatesToBlock(t *testing.T) {
	mem := newFakeMemory()
	kb := &fakeKB{
		gate: "probing",
		hits: []knowledge.Hit{{
			Pattern: models.FraudPattern{
				Metadata: models.PatternMetadata{FraudType: "card_testing", Severity: models.SeverityCritical},
			},
			Similarity: 0.9,
		}},
	}
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, kb, fixedScorer{score: 0.95}, nil, emit, false)
	ctx := context.Background()

	amounts := []float64{2.00, 3.00, 2.50}
	var records []*models.DecisionRecord
	for i, amount := range amounts {
		event := txEvent(
			[]string{"probe-1", "probe-2", "probe-3"}[i],
			"card-tester", amount, testBase.Add(time.Duration(i)*time.Minute),
		)
		record, err := orch.Process(ctx, event)
		require.NoError(t, err)
		records = append(records, record)
	}

	assert.Equal(t, models.DecisionApprove, records[0].Decision)
	assert.Equal(t, models.DecisionApprove, records[1].Decision)

	// The third probe lands card-testing velocity, a critical KB hit and the
	// model all at once, tripping the high-severity override.
	assert.Equal(t, models.DecisionBlock, records[2].Decision)
	assert.Equal(t, ReasonHighSeverityFactors, records[2].Reason)
	names := make([]string, 0, len(records[2].ContributingFactors))
	for _, f := range records[2].ContributingFactors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, detect.PatternCardTesting)
	assert.Contains(t, names, "similar_pattern:card_testing")
	assert.Contains(t, names, "model_anomaly")

	rep := mem.users["card-tester"]
	require.NotNil(t, rep)
	assert.Equal(t, models.ReasonConfirmedFraud, rep.FlagReason)

	// Score stays below the learning threshold: no new pattern, no IP flag.
	assert.Less(t, records[2].RiskScore, 0.9)
	assert.Empty(t, kb.inserts)
	assert.Empty(t, mem.ipFlags)
}

func TestProcessDuplicateDeliveryReturnsPriorDecision(t *testing.T) {
	mem := newFakeMemory()
	emit := &fakeEmitter{}
	scorer, err := detect.NewScorer(detect.NewHeuristicModel())
	require.NoError(t, err)
	orch := newTestOrchestrator(mem, &fakeKB{}, scorer, nil, emit, false)
	ctx := context.Background()

	event := txEvent("dup-1", "dup-user", 80, testBase)
	first, err := orch.Process(ctx, event)
	require.NoError(t, err)

	second, err := orch.Process(ctx, event)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.DecidedAt.Unix(), second.DecidedAt.Unix())

	// The pipeline did not run again: one emit, one window entry.
	assert.Equal(t, 1, emit.count())
	assert.Equal(t, 1, mem.recordedTx)
}

func TestProcessGeoMismatchNewAccountGoesToReview(t *testing.T) {
	mem := newFakeMemory()
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, &fakeKB{gate: "never-matches"}, fixedScorer{score: 0.3}, nil, emit, false)

	event := txEvent("geo-1", "fresh-user", 900, testBase)
	event.ShippingCountry = "NG"
	event.AccountAgeDays = 0.5

	record, err := orch.Process(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.DecisionManualReview, record.Decision)
	assert.Equal(t, ReasonFirstTimeHighAmount, record.Reason)
	assert.GreaterOrEqual(t, record.Confidence, 0.6)

	names := make([]string, 0, len(record.ContributingFactors))
	for _, f := range record.ContributingFactors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "geo_mismatch")
	assert.Contains(t, names, "new_account_large_amount")

	assert.Contains(t, mem.userFlagReasons, models.ReasonManualReview)
	assert.Equal(t, 1, mem.reviewMarks)
	require.NotNil(t, mem.users["fresh-user"])
	assert.Equal(t, 1, mem.users["fresh-user"].FraudCount)
}

func TestProcessRateLimitedEscalationStillDecides(t *testing.T) {
	mem := newFakeMemory()
	mem.users["repeat-offender"] = &models.UserReputation{
		UserID:     "repeat-offender",
		Flagged:    true,
		FlagReason: models.ReasonManualReview,
	}
	mem.windows["repeat-offender"] = []models.VelocityEntry{
		{OrderID: "prior-1", Amount: 50, Timestamp: testBase.Add(-4 * time.Second)},
		{OrderID: "prior-2", Amount: 50, Timestamp: testBase.Add(-2 * time.Second)},
	}
	inv := &fakeInvestigator{trace: &models.AgentTrace{Status: models.AgentStatusSkippedRateLimit}}
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, &fakeKB{gate: "never-matches"}, fixedScorer{score: 1.0}, inv, emit, true)

	record, err := orch.Process(context.Background(), txEvent("hot-1", "repeat-offender", 50, testBase))
	require.NoError(t, err)

	require.NotNil(t, inv.last)
	assert.Equal(t, models.DecisionBlock, inv.last.Preliminary)
	assert.InDelta(t, 0.73, inv.last.Score, 0.001)

	require.NotNil(t, record.AgentTrace)
	assert.Equal(t, models.AgentStatusSkippedRateLimit, record.AgentTrace.Status)
	assert.Nil(t, record.AgentTrace.Investigation)
	assert.Equal(t, models.DecisionBlock, record.Decision)
	assert.Equal(t, 1, emit.count())
}

func TestProcessAgentDecisionAdopted(t *testing.T) {
	mem := newFakeMemory()
	mem.users["busy-user"] = &models.UserReputation{
		UserID:     "busy-user",
		Flagged:    true,
		FlagReason: models.ReasonManualReview,
	}
	for i := 0; i < 11; i++ {
		mem.windows["busy-user"] = append(mem.windows["busy-user"], models.VelocityEntry{
			OrderID:   []string{"w0", "w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8", "w9", "w10"}[i],
			Amount:    100,
			Timestamp: testBase.Add(-time.Duration(11-i) * 20 * time.Second),
		})
	}
	kb := &fakeKB{hits: []knowledge.Hit{{
		Pattern: models.FraudPattern{
			Metadata: models.PatternMetadata{FraudType: "account_takeover", Severity: models.SeverityMedium},
		},
		Similarity: 0.75,
	}}}
	inv := &fakeInvestigator{trace: &models.AgentTrace{
		Status:        models.AgentStatusCompleted,
		FinalDecision: &models.AgentDecision{Decision: models.DecisionApprove, Justification: "travel purchase consistent with history"},
		ToolCalls:     3,
	}}
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, kb, fixedScorer{score: 1.0}, inv, emit, true)

	event := txEvent("travel-1", "busy-user", 100, testBase)
	event.ShippingCountry = "NG"
	event.AccountAgeDays = 30

	record, err := orch.Process(context.Background(), event)
	require.NoError(t, err)

	require.NotNil(t, inv.last)
	assert.Equal(t, models.DecisionBlock, inv.last.Preliminary)

	// The completed investigation's verdict stands: no override applies.
	assert.Equal(t, models.DecisionApprove, record.Decision)
	assert.Empty(t, record.Reason)
	require.NotNil(t, record.AgentTrace)
	assert.Equal(t, models.AgentStatusCompleted, record.AgentTrace.Status)
	assert.Empty(t, mem.ipFlags)
	assert.Equal(t, 0, mem.reviewMarks)
}

func TestProcessBlockThresholdBoundary(t *testing.T) {
	mem := newFakeMemory()
	mem.users["threshold-user"] = &models.UserReputation{
		UserID:     "threshold-user",
		Flagged:    true,
		FlagReason: models.ReasonManualReview,
	}
	mem.windows["threshold-user"] = []models.VelocityEntry{
		{OrderID: "small-1", Amount: 2, Timestamp: testBase.Add(-2 * time.Minute)},
		{OrderID: "small-2", Amount: 3, Timestamp: testBase.Add(-time.Minute)},
	}
	emit := &fakeEmitter{}
	// 0.25*0.96 + 0.20*0.8 + 0.30*1.0 lands exactly on the block threshold.
	orch := newTestOrchestrator(mem, &fakeKB{gate: "never-matches"}, fixedScorer{score: 0.96}, nil, emit, false)

	record, err := orch.Process(context.Background(), txEvent("edge-1", "threshold-user", 2.5, testBase))
	require.NoError(t, err)

	assert.Equal(t, 0.70, record.RiskScore)
	assert.Equal(t, models.DecisionBlock, record.Decision)
	require.NotNil(t, record.AgentTrace)
	assert.Equal(t, models.AgentStatusDisabled, record.AgentTrace.Status)
}

func TestProcessReviewThresholdBoundary(t *testing.T) {
	mem := newFakeMemory()
	mem.users["review-user"] = &models.UserReputation{
		UserID:     "review-user",
		Flagged:    true,
		FlagReason: models.ReasonManualReview,
	}
	emit := &fakeEmitter{}
	// 0.25*0.4 + 0.30*1.0 lands exactly on the review threshold.
	orch := newTestOrchestrator(mem, &fakeKB{gate: "never-matches"}, fixedScorer{score: 0.4}, nil, emit, false)

	record, err := orch.Process(context.Background(), txEvent("edge-2", "review-user", 100, testBase))
	require.NoError(t, err)

	assert.Equal(t, 0.40, record.RiskScore)
	assert.Equal(t, models.DecisionManualReview, record.Decision)
	assert.Empty(t, record.Reason)
	assert.Equal(t, 1, mem.reviewMarks)
}

func TestProcessHighScoreLearnsPatternAndFlagsIP(t *testing.T) {
	mem := newFakeMemory()
	mem.users["fraudster"] = &models.UserReputation{
		UserID:     "fraudster",
		Flagged:    true,
		FlagReason: models.ReasonConfirmedFraud,
		FraudCount: 2,
	}
	mem.windows["fraudster"] = []models.VelocityEntry{
		{OrderID: "spree-1", Amount: 700, Timestamp: testBase.Add(-4 * time.Second)},
		{OrderID: "spree-2", Amount: 650, Timestamp: testBase.Add(-2 * time.Second)},
	}
	kb := &fakeKB{hits: []knowledge.Hit{{
		Pattern: models.FraudPattern{
			Metadata: models.PatternMetadata{FraudType: "rapid_fire", Severity: models.SeverityCritical},
		},
		Similarity: 0.95,
	}}}
	inv := &fakeInvestigator{trace: &models.AgentTrace{Status: models.AgentStatusCompleted}}
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, kb, fixedScorer{score: 1.0}, inv, emit, true)

	event := txEvent("spree-3", "fraudster", 900, testBase)
	event.IPAddress = "203.0.113.9"
	event.ShippingCountry = "NG"
	event.AccountAgeDays = 0.5

	record, err := orch.Process(context.Background(), event)
	require.NoError(t, err)

	// A hard reputation flag decides outright: agents never run.
	assert.Nil(t, inv.last)
	assert.Nil(t, record.AgentTrace)
	assert.Equal(t, models.DecisionBlock, record.Decision)
	assert.Equal(t, ReasonPriorConfirmedFraud, record.Reason)
	assert.GreaterOrEqual(t, record.RiskScore, 0.9)

	assert.Contains(t, mem.ipFlags, "203.0.113.9")
	require.Len(t, kb.inserts, 1)
	assert.Equal(t, detect.PatternRapidFire, kb.inserts[0].FraudType)
	assert.Equal(t, models.SeverityHigh, kb.inserts[0].Severity)
	assert.Equal(t, models.PatternSourceLearned, kb.inserts[0].Source)
}

func TestProcessMemoryOutageDegradesToLowConfidenceReview(t *testing.T) {
	mem := newFakeMemory()
	mem.failReads = true
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, &fakeKB{gate: "never-matches"}, fixedScorer{score: 1.0}, nil, emit, false)

	record, err := orch.Process(context.Background(), txEvent("degraded-1", "unknown-user", 60, testBase))
	require.NoError(t, err)

	// Reputation and velocity soft-failed: three of five sources left.
	assert.Equal(t, models.DecisionManualReview, record.Decision)
	assert.Equal(t, ReasonLowConfidence, record.Reason)
	assert.Less(t, record.Confidence, 0.6)
	assert.Equal(t, 1, emit.count())
}

func TestProcessMalformedEventGoesToReviewWithoutFlagging(t *testing.T) {
	mem := newFakeMemory()
	emit := &fakeEmitter{}
	orch := newTestOrchestrator(mem, &fakeKB{}, fixedScorer{score: 0.5}, nil, emit, false)

	event := &models.TransactionEvent{OrderID: "bad-1", Amount: 50, Timestamp: testBase}

	record, err := orch.Process(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.DecisionManualReview, record.Decision)
	assert.Equal(t, models.ReasonMalformedEvent, record.Reason)
	assert.Zero(t, record.RiskScore)
	assert.Zero(t, record.Confidence)

	// A schema failure is our problem, not the user's.
	assert.Empty(t, mem.userFlagReasons)
	assert.Equal(t, 0, mem.reviewMarks)
	assert.Equal(t, 1, emit.count())
}

func TestProcessEmitFailurePropagates(t *testing.T) {
	mem := newFakeMemory()
	emit := &fakeEmitter{err: errors.New("sink unavailable")}
	orch := newTestOrchestrator(mem, &fakeKB{}, fixedScorer{score: 0.1}, nil, emit, false)
	orch.retry = guard.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2}

	record, err := orch.Process(context.Background(), txEvent("lost-1", "some-user", 40, testBase))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost-1")
	require.NotNil(t, record)
	assert.Equal(t, models.DecisionApprove, record.Decision)
}

func TestProcessRedeliveryAfterEmitFailureEmitsOnce(t *testing.T) {
	mem := newFakeMemory()
	emit := &fakeEmitter{err: errors.New("sink unavailable")}
	orch := newTestOrchestrator(mem, &fakeKB{}, fixedScorer{score: 0.1}, nil, emit, false)
	orch.retry = guard.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2}
	ctx := context.Background()

	event := txEvent("retry-1", "retry-user", 40, testBase)
	_, err := orch.Process(ctx, event)
	require.Error(t, err)
	assert.Equal(t, 0, emit.count())

	// An undelivered decision is not cached for dedup.
	cached, err := mem.GetDecision(ctx, "retry-1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	// The sink recovers; the redelivered event runs the pipeline again and
	// the decision reaches the sink exactly once.
	emit.mu.Lock()
	emit.err = nil
	emit.mu.Unlock()

	record, err := orch.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, record.Decision)
	assert.Equal(t, 1, emit.count())
	assert.Equal(t, 1, mem.recordedTx)

	// A third delivery now hits the dedup cache.
	again, err := orch.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, record.DecidedAt.Unix(), again.DecidedAt.Unix())
	assert.Equal(t, 1, emit.count())
}
