package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Swap Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Window: %s to %s\n\n",
		time.UnixMilli(r.From).UTC().Format(time.RFC3339),
		time.UnixMilli(r.To).UTC().Format(time.RFC3339)))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Swaps | %d |\n", r.Summary.Total))
	sb.WriteString(fmt.Sprintf("| Settled | %d |\n", r.Summary.Settled))
	sb.WriteString(fmt.Sprintf("| Aborted | %d |\n", r.Summary.Aborted))
	sb.WriteString(fmt.Sprintf("| Settle Rate | %.4f |\n", r.Summary.SettleRate))
	sb.WriteString(fmt.Sprintf("| Duration Mean (ms) | %.0f |\n", r.Summary.DurationMean))
	sb.WriteString(fmt.Sprintf("| Duration P50 (ms) | %.0f |\n", r.Summary.DurationP50))
	sb.WriteString(fmt.Sprintf("| Duration P90 (ms) | %.0f |\n", r.Summary.DurationP90))
	sb.WriteString("\n")

	// Pairs
	sb.WriteString("## Pairs\n\n")
	if len(r.Pairs) > 0 {
		sb.WriteString("| Sell | Buy | Swaps | Settled | Sell Volume | Buy Volume |\n")
		sb.WriteString("|------|-----|-------|---------|-------------|------------|\n")
		for _, p := range r.Pairs {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %s | %s |\n",
				p.SellToken, p.BuyToken, p.Swaps, p.Settled, p.SellVolume, p.BuyVolume))
		}
	} else {
		sb.WriteString("No swaps recorded.\n")
	}
	sb.WriteString("\n")

	// Abort reasons
	sb.WriteString("## Abort Reasons\n\n")
	if len(r.AbortReasons) > 0 {
		sb.WriteString("| Reason | Count |\n")
		sb.WriteString("|--------|-------|\n")
		for _, a := range r.AbortReasons {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", a.Reason, a.Count))
		}
	} else {
		sb.WriteString("No aborted swaps.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}
