package textnorm

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Tokens returns folded content words: longer than two runes, no digits, no stop words.
func Tokens(text string) []string {
	fields := strings.Fields(Fold(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) <= 2 || hasDigit(f) {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// Frequencies counts tokens of text.
func Frequencies(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range Tokens(text) {
		counts[tok]++
	}
	return counts
}

// TermProfile keeps the limit most frequent tokens weighted by tf/max(tf).
func TermProfile(text string, limit int) map[string]float64 {
	return ProfileFromCounts(Frequencies(text), limit)
}

func ProfileFromCounts(counts map[string]int, limit int) map[string]float64 {
	if len(counts) == 0 {
		return map[string]float64{}
	}
	ranked := make([]TermCount, 0, len(counts))
	for term, n := range counts {
		ranked = append(ranked, TermCount{Term: term, Count: n})
	}
	sortTermCounts(ranked)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	maxCount := float64(ranked[0].Count)
	out := make(map[string]float64, len(ranked))
	for _, tc := range ranked {
		out[tc.Term] = float64(tc.Count) / maxCount
	}
	return out
}

type TermCount struct {
	Term  string
	Count int
}

// sortTermCounts orders by count desc, then term asc, so equal inputs rank identically.
func sortTermCounts(list []TermCount) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].Term < list[j].Term
	})
}

func RankCounts(counts map[string]int) []TermCount {
	out := make([]TermCount, 0, len(counts))
	for term, n := range counts {
		out = append(out, TermCount{Term: term, Count: n})
	}
	sortTermCounts(out)
	return out
}

// TopTerms returns the n heaviest terms of a profile, ties broken alphabetically.
func TopTerms(profile map[string]float64, n int) []string {
	type weighted struct {
		term   string
		weight float64
	}
	list := make([]weighted, 0, len(profile))
	for term, w := range profile {
		list = append(list, weighted{term: term, weight: w})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].weight != list[j].weight {
			return list[i].weight > list[j].weight
		}
		return list[i].term < list[j].term
	})
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = item.term
	}
	return out
}

// Cosine similarity of two sparse term vectors, in [0,1] for non-negative weights.
func Cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, wa := range a {
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	if dot == 0 {
		return 0
	}
	na, nb := norm2(a), norm2(b)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (na * nb)
	if sim > 1 {
		return 1
	}
	return sim
}

func norm2(v map[string]float64) float64 {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}

// Merge adds src into dst and returns dst.
func Merge(dst, src map[string]float64) map[string]float64 {
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for term, w := range src {
		dst[term] += w
	}
	return dst
}

var stopWords = toSet(
	// portuguese
	"para", "com", "uma", "umas", "uns", "dos", "das", "nos", "nas", "que", "por", "pela", "pelo",
	"pelas", "pelos", "como", "mais", "mas", "foi", "ser", "sao", "ter", "tem", "seu", "sua", "seus",
	"suas", "este", "esta", "estes", "estas", "esse", "essa", "isso", "isto", "aquele", "aquela",
	"entre", "sobre", "sem", "sob", "ate", "apos", "quando", "onde", "qual", "quais", "cada",
	"todo", "toda", "todos", "todas", "nao", "sim", "tambem", "ainda", "muito", "pode", "podem",
	"deve", "devem", "sera", "serao", "forma", "sendo", "fica", "ficam", "conforme", "assim",
	"ela", "ele", "elas", "eles", "nosso", "nossa", "vossa", "lhe", "lhes", "num", "numa",
	// english
	"the", "and", "for", "with", "from", "that", "this", "these", "those", "are", "was", "were",
	"been", "being", "have", "has", "had", "not", "but", "all", "any", "can", "will", "shall",
	"may", "must", "should", "would", "could", "into", "onto", "upon", "over", "under", "than",
	"then", "there", "their", "they", "them", "its", "our", "your", "you", "his", "her", "she",
	"him", "who", "whom", "which", "what", "when", "where", "why", "how", "each", "other", "such",
	"only", "also", "very", "per", "via", "about", "after", "before", "between", "within",
)

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
