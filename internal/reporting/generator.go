package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"rollup-swap/internal/domain"
	"rollup-swap/internal/storage"
)

// Generator produces reports from stored outcomes.
type Generator struct {
	outcomes storage.OutcomeStore
	now      func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(outcomes storage.OutcomeStore) *Generator {
	return &Generator{
		outcomes: outcomes,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate summarizes the outcomes recorded within [from, to] (Unix ms).
func (g *Generator) Generate(ctx context.Context, from, to int64) (*Report, error) {
	if from > to {
		return nil, errors.New("from must not be after to")
	}
	outcomes, err := g.outcomes.GetByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	pairs, err := pairRows(outcomes)
	if err != nil {
		return nil, err
	}

	return &Report{
		GeneratedAt:  g.now(),
		From:         from,
		To:           to,
		Summary:      summarize(outcomes),
		Pairs:        pairs,
		AbortReasons: abortReasons(outcomes),
	}, nil
}

func summarize(outcomes []*domain.SwapOutcome) Summary {
	s := Summary{Total: len(outcomes)}
	durations := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		switch o.FinalState {
		case domain.StateSettled:
			s.Settled++
		case domain.StateAborted:
			s.Aborted++
		}
		durations = append(durations, float64(o.DurationMs))
	}
	sort.Float64s(durations)

	s.SettleRate = computeRate(s.Settled, s.Total)
	s.DurationMean = computeMean(durations)
	s.DurationP50 = computePercentile(durations, 0.50)
	s.DurationP90 = computePercentile(durations, 0.90)
	return s
}

type pairKey struct {
	sell, buy string
}

type pairTotals struct {
	swaps, settled int
	sell, buy      decimal.Decimal
}

func pairRows(outcomes []*domain.SwapOutcome) ([]PairRow, error) {
	totals := make(map[pairKey]*pairTotals)
	for _, o := range outcomes {
		key := pairKey{sell: o.SellToken, buy: o.BuyToken}
		t, ok := totals[key]
		if !ok {
			t = &pairTotals{}
			totals[key] = t
		}
		t.swaps++
		if o.FinalState != domain.StateSettled {
			continue
		}
		t.settled++

		sell, err := decimal.NewFromString(o.SellAmount)
		if err != nil {
			return nil, err
		}
		buy, err := decimal.NewFromString(o.BuyAmount)
		if err != nil {
			return nil, err
		}
		t.sell = t.sell.Add(sell)
		t.buy = t.buy.Add(buy)
	}

	rows := make([]PairRow, 0, len(totals))
	for key, t := range totals {
		rows = append(rows, PairRow{
			SellToken:  key.sell,
			BuyToken:   key.buy,
			Swaps:      t.swaps,
			Settled:    t.settled,
			SellVolume: t.sell.String(),
			BuyVolume:  t.buy.String(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SellToken != rows[j].SellToken {
			return rows[i].SellToken < rows[j].SellToken
		}
		return rows[i].BuyToken < rows[j].BuyToken
	})
	return rows, nil
}

func abortReasons(outcomes []*domain.SwapOutcome) []ReasonRow {
	counts := make(map[string]int)
	for _, o := range outcomes {
		if o.FinalState == domain.StateAborted {
			counts[o.Reason]++
		}
	}

	rows := make([]ReasonRow, 0, len(counts))
	for reason, n := range counts {
		rows = append(rows, ReasonRow{Reason: reason, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Reason < rows[j].Reason
	})
	return rows
}

func computeRate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computePercentile uses linear interpolation.
// sorted must be pre-sorted ASC.
// p is percentile (0.10 = 10th percentile).
func computePercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	idx := p * float64(n-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
