package ranking

import (
	"regexp"
	"strings"
)

var (
	numberedRankingRe = regexp.MustCompile(`\d+\.\s*Response [A-Z]+`)
	rawResponseRe     = regexp.MustCompile(`Response [A-Z]+`)
)

// ParseFinalRanking extracts an ordered list of response labels from an
// evaluator's critique text:
//
//  1. If "FINAL RANKING:" occurs, split at its first occurrence and search
//     only the text after it: try the numbered form ("1. Response B")
//     first, falling back to bare "Response X" occurrences if none match.
//  2. Otherwise search the full text for bare "Response X" occurrences.
//
// Repeated labels are preserved in order of appearance; the caller's
// aggregation step is responsible for ignoring labels that don't match any
// known participant.
func ParseFinalRanking(text string) []string {
	const marker = "FINAL RANKING:"
	if idx := strings.Index(text, marker); idx >= 0 {
		section := text[idx+len(marker):]
		if numbered := numberedRankingRe.FindAllString(section, -1); len(numbered) > 0 {
			out := make([]string, 0, len(numbered))
			for _, m := range numbered {
				out = append(out, rawResponseRe.FindString(m))
			}
			return out
		}
		return extractLabels(rawResponseRe.FindAllString(section, -1))
	}
	return extractLabels(rawResponseRe.FindAllString(text, -1))
}

func extractLabels(matches []string) []string {
	if matches == nil {
		return []string{}
	}
	return matches
}
