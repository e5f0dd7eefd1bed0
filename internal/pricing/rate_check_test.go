package pricing

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup-swap/internal/domain"
)

func leg(token string, amount int64) domain.Leg {
	return domain.Leg{Token: domain.TokenLike(token), Amount: big.NewInt(amount)}
}

func TestParsePair(t *testing.T) {
	p, err := ParsePair(" eth / usdc ")
	require.NoError(t, err)
	assert.Equal(t, Pair{Sell: "ETH", Buy: "USDC"}, p)
	assert.Equal(t, "ETH/USDC", p.String())

	for _, bad := range []string{"", "ETH", "ETH/", "/USDC"} {
		_, err := ParsePair(bad)
		assert.Error(t, err, bad)
	}
}

func TestRateCheck(t *testing.T) {
	c, err := NewRateCheck(
		map[string]string{"AAA/BBB": "2", "BBB/AAA": "0.45"},
		map[string]string{"bbb": "60"},
	)
	require.NoError(t, err)

	tests := []struct {
		name    string
		sell    domain.Leg
		buy     domain.Leg
		wantErr error
	}{
		{"exact minimum", leg("AAA", 100), leg("BBB", 50), nil},
		{"above minimum", leg("aaa", 120), leg("bbb", 50), nil},
		{"below minimum", leg("AAA", 99), leg("BBB", 50), ErrRateTooLow},
		{"fractional rate", leg("BBB", 45), leg("AAA", 100), nil},
		{"fractional below", leg("BBB", 44), leg("AAA", 100), ErrRateTooLow},
		{"inventory exceeded", leg("AAA", 200), leg("BBB", 61), ErrInventoryExceeded},
		{"inventory limit", leg("AAA", 200), leg("BBB", 60), nil},
		{"unknown pair", leg("AAA", 100), leg("CCC", 1), ErrUnknownPair},
		{"zero buy", leg("AAA", 100), leg("BBB", 0), ErrRateTooLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Check(tt.sell, tt.buy)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				assert.True(t, c.Accept(tt.sell, tt.buy))
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.False(t, c.Accept(tt.sell, tt.buy))
		})
	}
}

func TestNewRateCheck_Invalid(t *testing.T) {
	_, err := NewRateCheck(map[string]string{"AAA/BBB": "abc"}, nil)
	assert.Error(t, err)

	_, err = NewRateCheck(map[string]string{"AAA/BBB": "-1"}, nil)
	assert.Error(t, err)

	_, err = NewRateCheck(map[string]string{"AAABBB": "1"}, nil)
	assert.Error(t, err)

	_, err = NewRateCheck(nil, map[string]string{"AAA": "1.5"})
	assert.Error(t, err)
}
