package orchestrator

import (
	"fmt"
	"math"

	"github.com/frauddetect/pipeline/internal/detect"
	"github.com/frauddetect/pipeline/internal/knowledge"
	"github.com/frauddetect/pipeline/internal/models"
)

// Fusion weights, summing to 1.0.
const (
	weightML         = 0.25
	weightVelocity   = 0.20
	weightHistorical = 0.30
	weightSimilar    = 0.15
	weightAnomaly    = 0.10
)

// Anomaly component weights.
const (
	anomalyGeoMismatch       = 0.3
	anomalyAmountOutlier     = 0.4
	anomalyNewAccountLarge   = 0.3
	newAccountMaxAgeDays     = 1.0
	newAccountLargeThreshold = 500.0
)

// Signals carries the five normalized detection outputs plus whether each
// source actually responded. A soft-failed source contributes 0 and reduces
// coverage.
type Signals struct {
	ML         float64
	Velocity   float64
	Historical float64
	Similar    float64
	Anomaly    float64

	MLOk         bool
	VelocityOk   bool
	HistoricalOk bool
	SimilarOk    bool
	AnomalyOk    bool
}

func (s Signals) values() [5]float64 {
	return [5]float64{s.ML, s.Velocity, s.Historical, s.Similar, s.Anomaly}
}

// Coverage is the fraction of the five sources that responded.
func (s Signals) Coverage() float64 {
	n := 0
	for _, ok := range [5]bool{s.MLOk, s.VelocityOk, s.HistoricalOk, s.SimilarOk, s.AnomalyOk} {
		if ok {
			n++
		}
	}
	return float64(n) / 5
}

// Fusion is the fused outcome of one event's detection stages.
type Fusion struct {
	Score      float64
	Confidence float64
	Coverage   float64
	Factors    []models.ContributingFactor
}

// Fuse combines the signals into a risk score and a confidence.
//
// Score is the weighted sum capped at 1.0. Confidence blends signal
// agreement (1 minus stddev normalized by 0.5, the maximum stddev of values
// in [0,1]), source coverage, and the mean impact of the contributing
// factors.
func Fuse(sig Signals, factors []models.ContributingFactor) Fusion {
	score := weightML*sig.ML +
		weightVelocity*sig.Velocity +
		weightHistorical*sig.Historical +
		weightSimilar*sig.Similar +
		weightAnomaly*sig.Anomaly
	score = math.Min(1, score)

	agreement := 1 - stddev(sig.values())/0.5
	agreement = math.Min(1, math.Max(0, agreement))

	coverage := sig.Coverage()

	evidence := 0.0
	if len(factors) > 0 {
		for _, f := range factors {
			evidence += f.Impact
		}
		evidence = math.Min(1, evidence/float64(len(factors)))
	}

	confidence := 0.4*agreement + 0.3*coverage + 0.3*evidence

	return Fusion{
		Score:      round2(score),
		Confidence: round2(math.Min(1, math.Max(0, confidence))),
		Coverage:   coverage,
		Factors:    factors,
	}
}

func stddev(values [5]float64) float64 {
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// HistoricalSignal derives the reputation-based signal from memory reads.
func HistoricalSignal(user *models.UserReputation, ip *models.IPReputation, recentReview bool) (float64, string) {
	switch {
	case user != nil && (user.Flagged || user.FraudCount >= 3):
		return 1.0, fmt.Sprintf("user flagged (%s), fraud count %d", user.FlagReason, user.FraudCount)
	case ip != nil && ip.Flagged:
		return 0.7, fmt.Sprintf("ip associated with %d fraud cases", ip.FraudCaseCount)
	case recentReview:
		return 0.4, "manual review within the last 7 days"
	default:
		return 0, ""
	}
}

// SimilarSignal is the severity-weighted mean similarity of the surfaced KB
// hits. The KB already floors hits at 0.7 similarity.
func SimilarSignal(hits []knowledge.Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	var weighted, total float64
	for _, h := range hits {
		w := models.SeverityWeight(h.Pattern.Metadata.Severity)
		weighted += h.Similarity * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return math.Min(1, weighted/total)
}

// AnomalySignal sums the triggered transaction anomalies, capped at 1.0, and
// returns a factor for each.
func AnomalySignal(event *models.TransactionEvent, window []models.VelocityEntry) (float64, []models.ContributingFactor) {
	var signal float64
	var factors []models.ContributingFactor

	if event.ShippingCountry != "" && event.BillingCountry != "" && event.ShippingCountry != event.BillingCountry {
		signal += anomalyGeoMismatch
		factors = append(factors, models.ContributingFactor{
			Name:     "geo_mismatch",
			Impact:   anomalyGeoMismatch,
			Evidence: fmt.Sprintf("shipping %s differs from billing %s", event.ShippingCountry, event.BillingCountry),
		})
	}

	if mean, sd, ok := rollingStats(window, event.OrderID); ok && sd > 0 && event.Amount > mean+3*sd {
		signal += anomalyAmountOutlier
		factors = append(factors, models.ContributingFactor{
			Name:     "amount_outlier",
			Impact:   anomalyAmountOutlier,
			Evidence: fmt.Sprintf("$%.2f exceeds rolling mean $%.2f by more than 3 standard deviations", event.Amount, mean),
		})
	}

	if event.AccountAgeDays < newAccountMaxAgeDays && event.Amount > newAccountLargeThreshold {
		signal += anomalyNewAccountLarge
		factors = append(factors, models.ContributingFactor{
			Name:     "new_account_large_amount",
			Impact:   anomalyNewAccountLarge,
			Evidence: fmt.Sprintf("account %.1f days old spending $%.2f", event.AccountAgeDays, event.Amount),
		})
	}

	return math.Min(1, signal), factors
}

// rollingStats excludes the current order so the event is judged against its
// own history, not itself.
func rollingStats(window []models.VelocityEntry, currentOrder string) (mean, sd float64, ok bool) {
	var amounts []float64
	for _, e := range window {
		if e.OrderID != currentOrder {
			amounts = append(amounts, e.Amount)
		}
	}
	if len(amounts) < 3 {
		return 0, 0, false
	}
	for _, a := range amounts {
		mean += a
	}
	mean /= float64(len(amounts))
	var variance float64
	for _, a := range amounts {
		d := a - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(amounts))), true
}

// BuildFactors assembles the contributing-factor list from every triggered
// signal, strongest evidence first where it matters for overrides.
func BuildFactors(
	velocity detect.VelocityResult,
	historical float64, historicalEvidence string,
	hits []knowledge.Hit,
	anomalyFactors []models.ContributingFactor,
	mlScore float64, mlOk bool,
) []models.ContributingFactor {
	var factors []models.ContributingFactor

	for _, f := range velocity.Findings {
		factors = append(factors, models.ContributingFactor{Name: f.Pattern, Impact: f.Weight, Evidence: f.Evidence})
	}
	if historical > 0 {
		factors = append(factors, models.ContributingFactor{Name: "historical_reputation", Impact: historical, Evidence: historicalEvidence})
	}
	for _, h := range hits {
		factors = append(factors, models.ContributingFactor{
			Name:     "similar_pattern:" + h.Pattern.Metadata.FraudType,
			Impact:   round2(h.Similarity * models.SeverityWeight(h.Pattern.Metadata.Severity)),
			Evidence: fmt.Sprintf("cosine %.2f to %s pattern (%s severity)", h.Similarity, h.Pattern.Metadata.FraudType, h.Pattern.Metadata.Severity),
		})
	}
	factors = append(factors, anomalyFactors...)
	if mlOk && mlScore >= 0.5 {
		factors = append(factors, models.ContributingFactor{
			Name:     "model_anomaly",
			Impact:   round2(mlScore),
			Evidence: fmt.Sprintf("model fraud probability %.2f", mlScore),
		})
	}
	return factors
}
