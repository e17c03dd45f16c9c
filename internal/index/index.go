// Package index builds a token index over archive entry paths and answers
// ranked, case-insensitive searches against it.
package index

import (
	"path"
	"sort"
	"strings"
)

// Rank classifies how well an entry matched, best first.
type Rank int

const (
	RankExact     Rank = iota // filename equals the query
	RankPrefix                // filename starts with the query
	RankSubstring             // every query token is a substring of some path token
)

// Doc is one indexed entry path.
type Doc struct {
	Path string
	Dir  bool
}

// Match is one search hit.
type Match struct {
	Path string
	Dir  bool
	Rank Rank
}

// Index maps lowercase path tokens to the documents containing them.
// Built once per archive open and immutable afterwards.
type Index struct {
	docs   []Doc
	tokens map[string][]int // token -> doc ordinals, ascending
}

// Build constructs the index. Tokens are the slash-separated path segments
// plus the alphanumeric runs within each segment, all lowercased.
func Build(docs []Doc) *Index {
	ix := &Index{
		docs:   docs,
		tokens: make(map[string][]int),
	}
	for i, d := range docs {
		seen := make(map[string]bool)
		for _, tok := range Tokenize(d.Path) {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			ix.tokens[tok] = append(ix.tokens[tok], i)
		}
	}
	return ix
}

// Tokenize splits a path into lowercase tokens.
func Tokenize(p string) []string {
	var out []string
	for _, seg := range strings.Split(strings.ToLower(p), "/") {
		if seg == "" {
			continue
		}
		out = append(out, seg)
		out = append(out, splitAlnum(seg)...)
	}
	return out
}

// splitAlnum returns the alphanumeric runs of s, skipping a run equal to s
// itself.
func splitAlnum(s string) []string {
	runs := alnumRuns(s)
	if len(runs) == 1 && runs[0] == s {
		return nil // whole segment is one run, already a token
	}
	return runs
}

// alnumRuns returns the maximal alphanumeric runs of s.
func alnumRuns(s string) []string {
	var runs []string
	start := -1
	for i, r := range s {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r >= 0x80
		if alnum && start < 0 {
			start = i
		}
		if !alnum && start >= 0 {
			runs = append(runs, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, s[start:])
	}
	return runs
}

// Search returns matches for q ordered best-first: exact filename match,
// then filename prefix, then any-token substring; ties broken by shorter
// path then lexicographic order. An empty query matches nothing.
func (ix *Index) Search(q string) []Match {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil
	}
	qTokens := alnumRuns(q)
	if len(qTokens) == 0 {
		return nil
	}

	// Any document matching all query tokens must match the first one, so
	// the inverted index narrows the candidate set before ranking.
	candidates := make(map[int]bool)
	for tok, ids := range ix.tokens {
		if !strings.Contains(tok, qTokens[0]) {
			continue
		}
		for _, id := range ids {
			candidates[id] = true
		}
	}

	var matches []Match
	for i := range candidates {
		d := ix.docs[i]
		rank, ok := ix.rank(d, q, qTokens)
		if !ok {
			continue
		}
		matches = append(matches, Match{Path: d.Path, Dir: d.Dir, Rank: rank})
	}

	sort.Slice(matches, func(a, b int) bool {
		ma, mb := matches[a], matches[b]
		if ma.Rank != mb.Rank {
			return ma.Rank < mb.Rank
		}
		if len(ma.Path) != len(mb.Path) {
			return len(ma.Path) < len(mb.Path)
		}
		return ma.Path < mb.Path
	})
	return matches
}

func (ix *Index) rank(d Doc, q string, qTokens []string) (Rank, bool) {
	name := strings.ToLower(path.Base(d.Path))
	if name == q {
		return RankExact, true
	}
	if strings.HasPrefix(name, q) {
		return RankPrefix, true
	}

	// Substring class: every query token must be a substring of some token
	// of this document.
	docTokens := Tokenize(d.Path)
	for _, qt := range qTokens {
		found := false
		for _, dt := range docTokens {
			if strings.Contains(dt, qt) {
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return RankSubstring, true
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int { return len(ix.docs) }
