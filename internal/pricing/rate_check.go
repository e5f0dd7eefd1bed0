// Package pricing decides whether the maker accepts a quoted swap.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"rollup-swap/internal/domain"
)

var (
	// ErrUnknownPair is returned when no minimum rate is configured for a pair.
	ErrUnknownPair = errors.New("pair not quoted")
	// ErrRateTooLow is returned when the client offers less than the minimum rate.
	ErrRateTooLow = errors.New("rate below minimum")
	// ErrInventoryExceeded is returned when the buy amount exceeds the maker's limit.
	ErrInventoryExceeded = errors.New("buy amount exceeds inventory limit")
)

// Pair is a quoted direction: the client sells Sell and buys Buy.
type Pair struct {
	Sell domain.TokenLike
	Buy  domain.TokenLike
}

// ParsePair parses "SELL/BUY".
func ParsePair(s string) (Pair, error) {
	sell, buy, ok := strings.Cut(s, "/")
	if !ok {
		return Pair{}, fmt.Errorf("invalid pair %q, expected SELL/BUY", s)
	}
	sell, buy = strings.TrimSpace(sell), strings.TrimSpace(buy)
	if sell == "" || buy == "" {
		return Pair{}, fmt.Errorf("invalid pair %q, expected SELL/BUY", s)
	}
	return newPair(domain.TokenLike(sell), domain.TokenLike(buy)), nil
}

func (p Pair) String() string {
	return string(p.Sell) + "/" + string(p.Buy)
}

func newPair(sell, buy domain.TokenLike) Pair {
	return Pair{Sell: normalize(sell), Buy: normalize(buy)}
}

func normalize(t domain.TokenLike) domain.TokenLike {
	return domain.TokenLike(strings.ToUpper(strings.TrimSpace(string(t))))
}

// RateCheck accepts a deal when sellAmount / buyAmount is at least the pair's
// minimum rate and the buy amount is within the maker's limit for the token.
// Rates are ratios of minor units. Tokens without a limit are unlimited.
type RateCheck struct {
	MinRates map[Pair]decimal.Decimal
	MaxBuy   map[domain.TokenLike]*big.Int
}

// NewRateCheck parses configuration maps: "SELL/BUY" -> decimal rate and
// token -> integer limit.
func NewRateCheck(minRates, maxBuy map[string]string) (*RateCheck, error) {
	c := &RateCheck{
		MinRates: make(map[Pair]decimal.Decimal, len(minRates)),
		MaxBuy:   make(map[domain.TokenLike]*big.Int, len(maxBuy)),
	}
	for k, v := range minRates {
		pair, err := ParsePair(k)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("rate for %s: %w", pair, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive, got %s", pair, rate)
		}
		c.MinRates[pair] = rate
	}
	for k, v := range maxBuy {
		limit, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok || limit.Sign() < 0 {
			return nil, fmt.Errorf("invalid buy limit %q for %s", v, k)
		}
		c.MaxBuy[normalize(domain.TokenLike(k))] = limit
	}
	return c, nil
}

// Check returns nil when the deal is acceptable, otherwise the reason.
func (c *RateCheck) Check(sell, buy domain.Leg) error {
	if sell.Amount == nil || sell.Amount.Sign() <= 0 || buy.Amount == nil || buy.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amounts must be positive", ErrRateTooLow)
	}

	pair := newPair(sell.Token, buy.Token)
	minRate, ok := c.MinRates[pair]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}

	rate := decimal.NewFromBigInt(sell.Amount, 0).Div(decimal.NewFromBigInt(buy.Amount, 0))
	// Div rounds; compare exactly with sell >= minRate * buy.
	offered := decimal.NewFromBigInt(sell.Amount, 0)
	if offered.LessThan(minRate.Mul(decimal.NewFromBigInt(buy.Amount, 0))) {
		return fmt.Errorf("%w: %s offered %s, minimum %s", ErrRateTooLow, pair, rate, minRate)
	}

	if limit, ok := c.MaxBuy[pair.Buy]; ok && buy.Amount.Cmp(limit) > 0 {
		return fmt.Errorf("%w: %s %s > %s", ErrInventoryExceeded, pair.Buy, buy.Amount, limit)
	}
	return nil
}

// Accept adapts Check to a boolean profitability check.
func (c *RateCheck) Accept(sell, buy domain.Leg) bool {
	return c.Check(sell, buy) == nil
}
