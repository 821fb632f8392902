package detect

import (
	"context"
	"fmt"
	"math"

	"github.com/frauddetect/pipeline/internal/models"
)

// FeatureCount is the width of the extracted feature vector.
const FeatureCount = 12

// Model scores a feature vector with a fraud probability in [0,1].
// Implementations must be safe for concurrent use.
type Model interface {
	Dimensions() int
	PredictScore(ctx context.Context, features []float64) (float64, error)
}

// ExtractFeatures builds the model input from the event and the user's
// velocity window:
//
//	[0]     log1p(amount)
//	[1..2]  hour-of-day sin/cos
//	[3]     shipping/billing country mismatch
//	[4..8]  payment method one-hot
//	[9]     log1p(account age in days)
//	[10]    log1p(rolling mean amount over the window)
//	[11]    window transaction count
//
// Non-finite inputs are median-filled rather than propagated.
func ExtractFeatures(event *models.TransactionEvent, window []models.VelocityEntry) []float64 {
	f := make([]float64, FeatureCount)

	f[0] = math.Log1p(sanitize(event.Amount, 50))

	hour := float64(event.Timestamp.UTC().Hour()) + float64(event.Timestamp.UTC().Minute())/60
	f[1] = math.Sin(2 * math.Pi * hour / 24)
	f[2] = math.Cos(2 * math.Pi * hour / 24)

	if event.ShippingCountry != "" && event.BillingCountry != "" && event.ShippingCountry != event.BillingCountry {
		f[3] = 1
	}

	switch event.PaymentMethod {
	case models.PaymentCreditCard:
		f[4] = 1
	case models.PaymentDebitCard:
		f[5] = 1
	case models.PaymentBankTransfer:
		f[6] = 1
	case models.PaymentPaypal:
		f[7] = 1
	case models.PaymentCrypto:
		f[8] = 1
	}

	f[9] = math.Log1p(sanitize(event.AccountAgeDays, 30))

	if len(window) > 0 {
		var sum float64
		for _, e := range window {
			sum += e.Amount
		}
		f[10] = math.Log1p(sanitize(sum/float64(len(window)), 50))
	}
	f[11] = float64(len(window))

	return f
}

func sanitize(v, median float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return median
	}
	return v
}

// HeuristicModel is the built-in scorer: a logistic combination of the
// feature vector tuned to surface the same anomalies the trained ensemble
// flagged, with no file or network dependency.
type HeuristicModel struct {
	weights [FeatureCount]float64
	bias    float64
}

func NewHeuristicModel() *HeuristicModel {
	return &HeuristicModel{
		weights: [FeatureCount]float64{
			0.55,  // large amounts
			0.10,  // late-night hours (sin component)
			-0.35, // cos peaks at midnight UTC
			1.40,  // country mismatch
			-0.10, // credit card baseline
			-0.10, // debit card
			0.05,  // bank transfer
			0.00,  // paypal
			0.90,  // crypto
			-0.45, // account age discounts risk
			-0.15, // established spend level
			0.25,  // busy window
		},
		bias: -3.2,
	}
}

func (m *HeuristicModel) Dimensions() int { return FeatureCount }

func (m *HeuristicModel) PredictScore(ctx context.Context, features []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(features) != FeatureCount {
		return 0, fmt.Errorf("feature dimension mismatch: got %d, want %d", len(features), FeatureCount)
	}
	z := m.bias
	for i, w := range m.weights {
		z += w * features[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Scorer pairs feature extraction with a model and clamps the output.
type Scorer struct {
	model Model
}

// NewScorer validates that the model accepts the extractor's feature width.
// A mismatch is a startup error, not a per-event soft failure.
func NewScorer(model Model) (*Scorer, error) {
	if model.Dimensions() != FeatureCount {
		return nil, fmt.Errorf("model expects %d features, extractor produces %d", model.Dimensions(), FeatureCount)
	}
	return &Scorer{model: model}, nil
}

// Score extracts features for the event and returns the model's fraud
// probability clamped to [0,1].
func (s *Scorer) Score(ctx context.Context, event *models.TransactionEvent, window []models.VelocityEntry) (float64, error) {
	score, err := s.model.PredictScore(ctx, ExtractFeatures(event, window))
	if err != nil {
		return 0, fmt.Errorf("model prediction failed: %w", err)
	}
	return math.Min(1, math.Max(0, score)), nil
}
