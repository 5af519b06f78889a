// Package risk computes the money-at-risk classification for a transaction
// lacking a required receipt.
package risk

import "math"

// Level is a coarse risk tier used to prioritize follow-up.
type Level string

const (
	LevelHigh Level = "HIGH"
	LevelLow  Level = "LOW"
)

const (
	// DefaultThreshold is the GST substantiation threshold used when a
	// company has not configured its own.
	DefaultThreshold = 82.50

	// DefaultCurrency applies when the transaction carries no currency code.
	DefaultCurrency = "AUD"

	// penaltyRate estimates the deduction lost if the receipt is never
	// produced.
	penaltyRate = 0.25
)

// Assessment is the derived money-at-risk view of one transaction. It is
// computed per request and never persisted.
type Assessment struct {
	Total            float64 `json:"total"`
	Tax              float64 `json:"tax"`
	Subtotal         float64 `json:"subtotal"`
	Threshold        float64 `json:"threshold"`
	ExceedsThreshold bool    `json:"exceedsThreshold"`
	Level            Level   `json:"riskLevel"`
	PotentialPenalty float64 `json:"potentialPenalty"`
	Currency         string  `json:"currency"`
}

// Assess classifies a transaction's monetary exposure. Deterministic, no
// I/O. A zero or negative threshold falls back to DefaultThreshold.
func Assess(total, tax float64, currency string, threshold float64) Assessment {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if currency == "" {
		currency = DefaultCurrency
	}

	a := Assessment{
		Total:     total,
		Tax:       tax,
		Subtotal:  round2(total - tax),
		Threshold: threshold,
		Level:     LevelLow,
		Currency:  currency,
	}

	if total >= threshold {
		a.ExceedsThreshold = true
		a.Level = LevelHigh
		a.PotentialPenalty = round2(total * penaltyRate)
	}

	return a
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
