package utils

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
)

var levelBadges = map[string]lipgloss.Style{
	"INFO": badge("87", "16"),
	"WARN": badge("214", "0"),
	"ERRO": badge("204", "0"),
	"DEBU": badge("63", "0"),
}

func badge(bg, fg string) lipgloss.Style {
	return lipgloss.NewStyle().
		Padding(0, 1, 0, 1).
		Bold(true).
		MaxWidth(80).
		Background(lipgloss.Color(bg)).
		Foreground(lipgloss.Color(fg))
}

func ColorizeLogs(logs []string) []string {
	for i, line := range logs {
		// Only style if not already styled (check for ANSI codes)
		if strings.Contains(line, "\x1b[") {
			continue
		}
		for level, style := range levelBadges {
			if strings.Contains(line, level) {
				logs[i] = strings.Replace(line, level, style.Render(level), 1)
				break
			}
		}
	}
	return logs
}

// FormatBRL renders an amount as Brazilian currency, e.g. "R$ 11.500,00".
func FormatBRL(amount decimal.Decimal) string {
	s := amount.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	sign := ""
	if amount.IsNegative() {
		sign = "-"
	}
	return sign + "R$ " + b.String() + "," + frac
}

// TimeLeft renders the remaining time until end for the monitor table.
func TimeLeft(now, end time.Time) string {
	left := end.Sub(now)
	if left <= 0 {
		return "Ended"
	}
	return left.Truncate(time.Second).String()
}
