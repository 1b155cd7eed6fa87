// Package memquality holds the pure decision functions gating what becomes
// a durable structured memory: recognizing an explicit "remember" intent,
// scoring a candidate fact's durability, and deduplicating it against what
// is already stored. Nothing here touches the Store directly — every
// function is a plain value transform so AgentLoop and Reflector can share
// identical gating logic.
package memquality

import (
	"regexp"
	"strings"

	"github.com/sipeed/picoclaw/pkg/store"
)

// Explicit is what parse_explicit recognizes from a raw user message: an
// unambiguous request to durably remember something.
type Explicit struct {
	Scope    store.MemoryScope
	Category string
	Content  string
}

var explicitPatterns = []*regexp.Regexp{
	// English: "remember: X", "remember that X", "remember X"
	regexp.MustCompile(`(?i)^\s*remember(?:\s+that)?[:\s]+(.+)$`),
	// Spanish: "recuerda: X", "recuerda que X"
	regexp.MustCompile(`(?i)^\s*recuerda(?:\s+que)?[:\s]+(.+)$`),
	// Chinese: "记住：X" / "记住 X"
	regexp.MustCompile(`(?i)^\s*记住[:：\s]*(.+)$`),
}

// globalKeywords mark a remember-request as intended for the global scope
// (visible to every chat) rather than scoped to the chat it was said in.
var globalKeywords = []string{"globally", "for every chat", "everywhere", "de forma global", "全局"}

// ParseExplicit recognizes an explicit remember intent in msg. Returns
// ok=false when msg carries no such intent. Category defaults to "fact";
// callers needing finer categorization can post-process Content.
func ParseExplicit(msg string) (Explicit, bool) {
	trimmed := strings.TrimSpace(msg)
	for _, pattern := range explicitPatterns {
		match := pattern.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}
		content := strings.TrimSpace(match[1])
		if content == "" {
			continue
		}
		scope := store.ScopeChat
		lower := strings.ToLower(content)
		for _, kw := range globalKeywords {
			if strings.Contains(lower, kw) {
				scope = store.ScopeGlobal
				break
			}
		}
		return Explicit{Scope: scope, Category: "fact", Content: content}, true
	}
	return Explicit{}, false
}

// Quality is the coarse durability verdict a candidate memory receives
// before it is allowed anywhere near the store.
type Quality string

const (
	QualityReject Quality = "reject"
	QualityLow    Quality = "low"
	QualityNormal Quality = "normal"
	QualityHigh   Quality = "high"
)

// selfReferentialPhrases flag content that talks about the model itself
// rather than the user or world — "I am an AI", "as a language model" — a
// classic reflector failure mode worth filtering out at the source.
var selfReferentialPhrases = []string{
	"as an ai", "as a language model", "i am an ai", "i'm an ai",
	"i don't have", "i cannot", "i can't recall",
}

// timeBoundPhrases flag ephemera tied to "now" rather than a durable fact:
// today's weather, the current minute, a one-off status that will be false
// an hour later.
var timeBoundPhrases = []string{
	"right now", "at the moment", "currently typing", "just now",
	"today's weather", "this minute",
}

// Score rejects noisy, self-referential, or time-bound candidates and
// otherwise grades durability by length and specificity. The ruleset:
//   - reject: empty, under 4 words, or matching a self-referential/time-bound phrase
//   - low: under 8 words and containing no proper noun/number (heuristic:
//     no digit and no capitalized word past position 0)
//   - high: contains a digit (concrete, e.g. a port number, a date, a
//     quantity) or an explicit category marker ("prefers", "always", "never")
//   - normal: everything else
func Score(content string) Quality {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return QualityReject
	}
	lower := strings.ToLower(trimmed)
	for _, p := range selfReferentialPhrases {
		if strings.Contains(lower, p) {
			return QualityReject
		}
	}
	for _, p := range timeBoundPhrases {
		if strings.Contains(lower, p) {
			return QualityReject
		}
	}

	words := strings.Fields(trimmed)
	if len(words) < 4 {
		return QualityReject
	}

	hasDigit := strings.ContainsAny(trimmed, "0123456789")
	hasStrongMarker := strings.Contains(lower, "prefers") || strings.Contains(lower, "always") ||
		strings.Contains(lower, "never") || strings.Contains(lower, "deadline")
	if hasDigit || hasStrongMarker {
		return QualityHigh
	}

	hasProperNoun := false
	for _, w := range words[1:] {
		if len(w) > 0 && w[0] >= 'A' && w[0] <= 'Z' {
			hasProperNoun = true
			break
		}
	}
	if len(words) < 8 && !hasProperNoun {
		return QualityLow
	}

	return QualityNormal
}

// dedupThreshold is the minimum Jaccard token overlap for two contents to
// be considered the same fact.
const dedupThreshold = 0.5

func tokenize(content string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// supersedeThreshold is the minimum token overlap for two same-category
// facts to be considered the same topic (and thus candidates for a
// supersede) rather than two unrelated facts that merely share a category.
// Kept well below dedupThreshold: a supersede pair is expected to share
// most of its subject wording ("db port is 5432" / "db port is now 5433")
// while differing in the value, not to be a near-identical restatement.
const supersedeThreshold = 0.2

// RelatedTopic reports whether candidate and content overlap enough in
// wording to plausibly be the same evolving fact. Two memories in the same
// category with no shared wording (e.g. "db port is 5433" and "user's name
// is Alice") are unrelated and must not supersede one another.
func RelatedTopic(candidate, content string) bool {
	return jaccard(tokenize(candidate), tokenize(content)) >= supersedeThreshold
}

// Dedup returns the best-matching existing memory above the similarity
// threshold, or ok=false if no existing record matches closely enough.
// Ties break toward the most recently seen candidate. Embedding-cosine
// comparison is used instead of Jaccard when every candidate carries a
// non-empty Embedding (the optional chromem-go-backed path); this package
// only implements the always-available Jaccard fallback, since comparing
// raw embedding bytes is the caller's (store-aware) responsibility.
func Dedup(candidate string, existing []store.StructuredMemory) (store.StructuredMemory, bool) {
	candidateTokens := tokenize(candidate)

	var best store.StructuredMemory
	bestScore := 0.0
	found := false

	for _, m := range existing {
		score := jaccard(candidateTokens, tokenize(m.Content))
		if score < dedupThreshold {
			continue
		}
		if !found || score > bestScore || (score == bestScore && m.LastSeen > best.LastSeen) {
			best = m
			bestScore = score
			found = true
		}
	}

	return best, found
}
