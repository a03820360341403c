package search

import (
	"regexp"
	"strings"
)

// Lexical scoring weights. Backends without native relevance ranking
// score candidates locally with TermScore, so these values are part of
// the ranking contract and must stay aligned across sources.
const (
	wordHitWeight    = 2.0
	distinctBonus    = 1.5
	phraseBonusScore = 10.0
)

// queryTokens lowercases and splits a query on whitespace, dropping
// tokens too short to carry signal.
func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// TermScore computes the lexical overlap between a query and candidate
// content: each word-boundary occurrence of a query token earns
// wordHitWeight, matching more than one distinct token earns
// distinctBonus per distinct match, and the whole multi-token query
// appearing verbatim earns phraseBonusScore.
func TermScore(query, content string) float64 {
	tokens := queryTokens(query)
	if len(tokens) == 0 || content == "" {
		return 0
	}
	contentLower := strings.ToLower(content)

	var score float64
	distinct := 0
	for _, tok := range tokens {
		n := countWordHits(contentLower, tok)
		if n > 0 {
			distinct++
			score += wordHitWeight * float64(n)
		}
	}
	if distinct > 1 {
		score += distinctBonus * float64(distinct)
	}
	if len(tokens) > 1 && strings.Contains(contentLower, strings.ToLower(strings.TrimSpace(query))) {
		score += phraseBonusScore
	}
	return score
}

// countWordHits counts word-boundary occurrences of token in content.
// Both arguments must already be lowercased.
func countWordHits(content, token string) int {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(token) + `\b`)
	return len(re.FindAllStringIndex(content, -1))
}
