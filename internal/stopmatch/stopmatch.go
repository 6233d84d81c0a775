// Package stopmatch implements per-request detection of token-id suffix
// stop sequences and substring stop patterns in detokenized text,
// including partial-suffix detection at end-of-generation (used to avoid
// emitting a dangling "<" when "</s>" was almost produced).
//
// Grounded on the original Rust source's stop_sequence module (referenced
// from parallel.rs: find_partial_stop, string_patterns) and on
// runner/llamarunner/batch.go's use of common.FindStop / common.TruncateStop
// / common.ContainsStopSuffix for the equivalent llama.cpp-style algorithm.
package stopmatch

import (
	"strings"

	"github.com/coregen/llamasched/internal/native"
)

// Matcher holds, for a single task, the raw stop strings and their
// tokenized form (empty tokenizations are discarded).
type Matcher struct {
	tokenSeqs [][]native.TokenID
	strings   []string
}

// New builds a Matcher from a task's configured stop strings. tokenize is
// called once per non-empty stop string; a tokenization failure for one
// stop string is ignored and that string is kept string-only
// (degrading token-level matching, not failing the whole task).
func New(stopStrings []string, tokenize func(s string) ([]native.TokenID, error)) *Matcher {
	m := &Matcher{}
	for _, s := range stopStrings {
		if s == "" {
			continue
		}
		m.strings = append(m.strings, s)
		if tokenize == nil {
			continue
		}
		if toks, err := tokenize(s); err == nil && len(toks) > 0 {
			m.tokenSeqs = append(m.tokenSeqs, toks)
		}
	}
	return m
}

// StringPatterns returns the configured raw stop strings, for callers that
// need to iterate them directly (e.g. the partial-stop check at
// max_tokens).
func (m *Matcher) StringPatterns() []string { return m.strings }

// Empty reports whether this matcher has no stop patterns at all, letting
// the scheduler skip stop-checking work entirely for tasks with no stop
// sequences.
func (m *Matcher) Empty() bool { return len(m.tokenSeqs) == 0 && len(m.strings) == 0 }

// CheckTokenStop returns the length of the longest stored token sequence
// that is a suffix of generated, or ok=false if none match.
func (m *Matcher) CheckTokenStop(generated []native.TokenID) (length int, ok bool) {
	best := -1
	for _, seq := range m.tokenSeqs {
		if len(seq) == 0 || len(seq) > len(generated) {
			continue
		}
		if tokenSuffixMatch(generated, seq) && len(seq) > best {
			best = len(seq)
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

func tokenSuffixMatch(generated, pattern []native.TokenID) bool {
	off := len(generated) - len(pattern)
	for i, tok := range pattern {
		if generated[off+i] != tok {
			return false
		}
	}
	return true
}

// CheckStringStop returns the number of trailing bytes of generatedText
// that must be discarded because a stop string occurs within them — i.e.
// len(generatedText) - (byte offset of the first occurrence, searching for
// the earliest occurrence so the maximal matching suffix is removed). ok
// is false if no stop string occurs anywhere in generatedText.
func (m *Matcher) CheckStringStop(generatedText string) (truncateLen int, ok bool) {
	best := -1 // earliest (smallest) index found across all patterns
	for _, s := range m.strings {
		if s == "" {
			continue
		}
		idx := strings.Index(generatedText, s)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
		}
	}
	if best < 0 {
		return 0, false
	}
	return len(generatedText) - best, true
}

// FindPartialStop returns the length of the longest suffix of
// generatedText that is a proper, non-empty prefix of any stored stop
// string. Used at max_tokens termination to avoid cutting a stop string in half.
func (m *Matcher) FindPartialStop(generatedText string) (suffixLen int, ok bool) {
	best := 0
	for _, s := range m.strings {
		if n := longestSuffixPrefixOverlap(generatedText, s); n > best {
			best = n
		}
	}
	if best == 0 {
		return 0, false
	}
	return best, true
}

// longestSuffixPrefixOverlap returns the length of the longest suffix of
// text that is a proper, non-empty prefix of pattern (length strictly less
// than len(pattern), since a full match is a real stop, not a partial
// one).
func longestSuffixPrefixOverlap(text, pattern string) int {
	maxLen := len(pattern) - 1
	if maxLen > len(text) {
		maxLen = len(text)
	}
	for n := maxLen; n > 0; n-- {
		if strings.HasSuffix(text, pattern[:n]) {
			return n
		}
	}
	return 0
}

// TokensToRemove maps a text-suffix length (as returned by CheckStringStop
// or the partial-stop path) back to a token count via binary search: the
// smallest k such that detokenizing the first len(generated)-k tokens
// yields text no longer than target.
//
// detokenize must be a pure function of a token prefix (e.g. backed by a
// scratch detokenizer instance) so repeated calls during the search are
// stable.
func TokensToRemove(generated []native.TokenID, generatedText string, suffixLen int, detokenize func([]native.TokenID) string) int {
	if suffixLen >= len(generatedText) {
		return len(generated)
	}
	target := len(generatedText) - suffixLen

	lo, hi := 0, len(generated)
	result := len(generated)
	for lo < hi {
		mid := (lo + hi) / 2
		keep := len(generated) - mid
		text := detokenize(generated[:keep])
		if len(text) <= target {
			result = mid
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return result
}
