package reporting

import (
	"fmt"
	"strings"
)

// RenderCSV renders pair rows as CSV string.
func RenderCSV(pairs []PairRow) string {
	var sb strings.Builder

	sb.WriteString("sell_token,buy_token,swaps,settled,sell_volume,buy_volume\n")
	for _, p := range pairs {
		sb.WriteString(fmt.Sprintf("%s,%s,%d,%d,%s,%s\n",
			p.SellToken, p.BuyToken, p.Swaps, p.Settled, p.SellVolume, p.BuyVolume))
	}

	return sb.String()
}
