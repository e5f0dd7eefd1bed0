// Package reporting summarizes recorded swap outcomes.
package reporting

import "time"

// Report summarizes the swap outcomes of a time window.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	From        int64 // Unix ms, inclusive
	To          int64 // Unix ms, inclusive

	Summary Summary

	// Pairs sorted by sell token, then buy token
	Pairs []PairRow

	// AbortReasons sorted by count DESC, then reason
	AbortReasons []ReasonRow
}

// Summary contains totals over all outcomes.
type Summary struct {
	Total        int
	Settled      int
	Aborted      int
	SettleRate   float64
	DurationMean float64 // ms
	DurationP50  float64 // ms
	DurationP90  float64 // ms
}

// PairRow aggregates the outcomes of one sell/buy token pair.
// Volumes are in base units and count settled swaps only.
type PairRow struct {
	SellToken  string
	BuyToken   string
	Swaps      int
	Settled    int
	SellVolume string
	BuyVolume  string
}

// ReasonRow counts aborted swaps by reason.
type ReasonRow struct {
	Reason string
	Count  int
}
