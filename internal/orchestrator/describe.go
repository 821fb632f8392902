package orchestrator

import (
	"fmt"
	"strings"

	"github.com/frauddetect/pipeline/internal/detect"
	"github.com/frauddetect/pipeline/internal/models"
)

// DescribeEvent renders the event as the human-readable text the knowledge
// base embeds: amount, currency, channel, plus whatever velocity evidence the
// detector surfaced.
func DescribeEvent(event *models.TransactionEvent, velocity detect.VelocityResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$%.2f in %s via %s", event.Amount, event.Currency, event.PaymentMethod)

	if event.ShippingCountry != "" && event.BillingCountry != "" && event.ShippingCountry != event.BillingCountry {
		fmt.Fprintf(&b, ", shipping mismatch %s to %s", event.BillingCountry, event.ShippingCountry)
	}
	if event.AccountAgeDays < newAccountMaxAgeDays {
		b.WriteString(", new account")
	}
	if event.Amount < 5 {
		b.WriteString(", small amount")
	}
	for _, f := range velocity.Findings {
		switch f.Pattern {
		case detect.PatternCardTesting:
			b.WriteString(", multiple small transactions in rapid succession probing card validity")
		case detect.PatternRapidFire:
			b.WriteString(", burst of purchases within seconds of each other")
		case detect.PatternElevatedFrequency:
			b.WriteString(", sustained high purchase frequency")
		}
	}
	return b.String()
}

// LearnedPattern builds the KB entry derived from a confirmed high-score
// block: the event description plus metadata classifying the fraud.
func LearnedPattern(event *models.TransactionEvent, velocity detect.VelocityResult, score float64) (string, models.PatternMetadata) {
	fraudType := "high_risk_confirmed"
	if len(velocity.Findings) > 0 {
		strongest := velocity.Findings[0]
		for _, f := range velocity.Findings[1:] {
			if f.Weight > strongest.Weight {
				strongest = f
			}
		}
		fraudType = strongest.Pattern
	}

	severity := models.SeverityHigh
	if score >= 0.95 {
		severity = models.SeverityCritical
	}

	meta := models.PatternMetadata{
		FraudType:   fraudType,
		Severity:    severity,
		AmountRange: amountRange(event.Amount),
		CreatedAt:   event.Timestamp,
		Source:      models.PatternSourceLearned,
	}
	return DescribeEvent(event, velocity), meta
}

func amountRange(amount float64) string {
	switch {
	case amount < 5:
		return "$0-$5"
	case amount < 50:
		return "$5-$50"
	case amount < 500:
		return "$50-$500"
	case amount < 5000:
		return "$500-$5000"
	default:
		return "$5000+"
	}
}
