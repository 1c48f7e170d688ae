package record

import "golang.org/x/text/unicode/norm"

// MaxSummaryRunes bounds the human summary of a transcript entry.
const MaxSummaryRunes = 500

// NormalizeSummary applies Unicode NFC normalization and bounds the summary
// length. Normalization happens before truncation so a combining sequence is
// never split, and truncation counts runes, not bytes.
func NormalizeSummary(s string) string {
	s = norm.NFC.String(s)
	runes := []rune(s)
	if len(runes) <= MaxSummaryRunes {
		return s
	}
	return string(runes[:MaxSummaryRunes-1]) + "…"
}
