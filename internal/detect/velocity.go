package detect

import (
	"fmt"
	"sort"
	"time"

	"github.com/frauddetect/pipeline/internal/models"
)

// Velocity pattern names and their fusion weights.
const (
	PatternRapidFire         = "rapid_fire"
	PatternCardTesting       = "card_testing"
	PatternElevatedFrequency = "elevated_frequency"

	rapidFireWeight         = 0.9
	cardTestingWeight       = 0.8
	elevatedFrequencyWeight = 0.5

	rapidFireWindow   = 10 * time.Second
	rapidFireCount    = 3
	cardTestingWindow = 5 * time.Minute
	cardTestingAmount = 5.0
	cardTestingCount  = 3
	elevatedWindow    = time.Hour
	elevatedCount     = 10
	elevatedGapP95    = 30 * time.Second
)

// VelocityFinding is one matched pattern with its evidence.
type VelocityFinding struct {
	Pattern  string
	Weight   float64
	Evidence string
}

// VelocityResult holds every pattern matched for one event.
type VelocityResult struct {
	Findings []VelocityFinding
}

// Signal returns the strongest matched pattern weight, 0 when none matched.
func (r VelocityResult) Signal() float64 {
	var max float64
	for _, f := range r.Findings {
		if f.Weight > max {
			max = f.Weight
		}
	}
	return max
}

func (r VelocityResult) Has(pattern string) bool {
	for _, f := range r.Findings {
		if f.Pattern == pattern {
			return true
		}
	}
	return false
}

// DetectVelocity evaluates the user's rolling window plus the current event
// against the velocity patterns. It is a pure function: same window and event
// in, same findings out.
func DetectVelocity(window []models.VelocityEntry, event *models.TransactionEvent) VelocityResult {
	entries := mergeCurrent(window, event)
	now := event.Timestamp

	var result VelocityResult

	if n := countSince(entries, now.Add(-rapidFireWindow)); n >= rapidFireCount {
		result.Findings = append(result.Findings, VelocityFinding{
			Pattern:  PatternRapidFire,
			Weight:   rapidFireWeight,
			Evidence: fmt.Sprintf("%d transactions within %s", n, rapidFireWindow),
		})
	}

	small := 0
	cutoff := now.Add(-cardTestingWindow)
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) && e.Amount < cardTestingAmount {
			small++
		}
	}
	if small >= cardTestingCount {
		result.Findings = append(result.Findings, VelocityFinding{
			Pattern:  PatternCardTesting,
			Weight:   cardTestingWeight,
			Evidence: fmt.Sprintf("%d transactions under $%.0f within %s", small, cardTestingAmount, cardTestingWindow),
		})
	}

	if n := countSince(entries, now.Add(-elevatedWindow)); n >= elevatedCount {
		if p95 := p95Gap(entries); p95 > 0 && p95 < elevatedGapP95 {
			result.Findings = append(result.Findings, VelocityFinding{
				Pattern:  PatternElevatedFrequency,
				Weight:   elevatedFrequencyWeight,
				Evidence: fmt.Sprintf("%d transactions in %s, p95 inter-arrival %s", n, elevatedWindow, p95.Round(time.Millisecond)),
			})
		}
	}

	return result
}

// mergeCurrent appends the current event to the window unless it is already
// recorded there, and returns the entries in timestamp order.
func mergeCurrent(window []models.VelocityEntry, event *models.TransactionEvent) []models.VelocityEntry {
	entries := make([]models.VelocityEntry, 0, len(window)+1)
	present := false
	for _, e := range window {
		if e.OrderID == event.OrderID {
			present = true
		}
		if e.Timestamp.After(event.Timestamp) {
			continue
		}
		entries = append(entries, e)
	}
	if !present {
		entries = append(entries, models.VelocityEntry{
			OrderID:   event.OrderID,
			Amount:    event.Amount,
			Timestamp: event.Timestamp,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries
}

func countSince(entries []models.VelocityEntry, cutoff time.Time) int {
	n := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

func p95Gap(entries []models.VelocityEntry) time.Duration {
	if len(entries) < 2 {
		return 0
	}
	gaps := make([]time.Duration, 0, len(entries)-1)
	for i := 1; i < len(entries); i++ {
		gaps = append(gaps, entries[i].Timestamp.Sub(entries[i-1].Timestamp))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	idx := (len(gaps)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return gaps[idx]
}
