// Package guidance scores task descriptions and builds the instruction
// payload handed to every agent. Everything here is pure.
package guidance

import "strings"

const maxComplexity = 20

var complexityKeywords = []struct {
	word   string
	weight int
}{
	{"comprehensive", 5},
	{"complete", 4}, {"full", 4}, {"entire", 4},
	{"system", 3}, {"platform", 3}, {"application", 3},
	{"website", 2}, {"frontend", 2}, {"backend", 2}, {"database", 2},
	{"api", 2}, {"testing", 2}, {"security", 2}, {"performance", 2},
	{"optimization", 2}, {"deployment", 2}, {"ci/cd", 2}, {"monitoring", 2},
	{"analytics", 2}, {"authentication", 2}, {"authorization", 2},
	{"integration", 2},
}

// Complexity scores a description between 1 and 20. Keywords match as
// substrings, so "systems" counts for "system".
func Complexity(description string) int {
	lower := strings.ToLower(description)

	score := 1
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw.word) {
			score += kw.weight
		}
	}
	if len(description) > 200 {
		score += 2
	}
	if strings.Contains(lower, "layers") || strings.Contains(lower, "multi") {
		score += 3
	}
	if strings.Contains(lower, "specialist") || strings.Contains(lower, "expert") {
		score += 2
	}
	return min(score, maxComplexity)
}
