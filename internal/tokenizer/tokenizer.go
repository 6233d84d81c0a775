// Package tokenizer implements stateless tokenization via the native vocab
// capability, and streaming detokenization that coalesces token pieces
// across a pending-bytes buffer so a caller never observes a string that
// splits a multi-byte UTF-8 codepoint.
//
// Grounded on runner/llamarunner/sequence.go's use of
// s.lc.Model().Tokenize(...) and s.model.TokenToPiece(token), with the
// pending-byte buffer made an explicit, inspectable field rather than
// relying on llama.cpp's own incomplete-UTF8 handling hidden behind the
// native call.
package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/coregen/llamasched/internal/native"
)

// ErrTokenization is returned when the vocab rejects a prompt or stop
// string.
type ErrTokenization struct {
	Text string
	Err  error
}

func (e *ErrTokenization) Error() string {
	return fmt.Sprintf("tokenize %q: %v", e.Text, e.Err)
}
func (e *ErrTokenization) Unwrap() error { return e.Err }

// Tokenize is a thin, deterministic wrapper over the native model's
// tokenizer. addSpecial/parseSpecial are fixed to the values the scheduler
// needs for prompts (BOS prepended, control tokens parsed) — the one
// degree of freedom callers get is the text itself.
func Tokenize(model native.Model, text string) ([]native.TokenID, error) {
	tokens, err := model.Tokenize(text, true, true)
	if err != nil {
		return nil, &ErrTokenization{Text: text, Err: err}
	}
	return tokens, nil
}

// Detokenizer holds streaming state across calls: a pending-bytes buffer
// so a token boundary that splits a multi-byte codepoint never reaches the
// caller as invalid UTF-8.
type Detokenizer struct {
	vocab   native.Vocab
	pending []byte
}

// NewDetokenizer binds a Detokenizer to a vocab. Use a fresh instance per
// slot (streaming state is not shared across sequences) and a separate
// scratch instance for stop-sequence/score detokenization, so scoring
// never disturbs the streaming delta buffer.
func NewDetokenizer(vocab native.Vocab) *Detokenizer {
	return &Detokenizer{vocab: vocab}
}

// Push appends one token's raw piece bytes to the pending buffer and
// returns the longest valid-UTF-8 prefix now available, retaining any
// trailing partial codepoint for the next call. The returned delta may be
// empty.
func (d *Detokenizer) Push(tok native.TokenID) string {
	d.pending = append(d.pending, d.vocab.TokenToPiece(tok)...)
	return d.drain()
}

// drain splits the pending buffer at the longest valid-UTF-8 prefix,
// returning that prefix as a string and keeping the remainder (at most 3
// bytes — the longest possible incomplete UTF-8 tail) pending.
func (d *Detokenizer) drain() string {
	n := completeUTF8Prefix(d.pending)
	if n == 0 {
		return ""
	}
	out := string(d.pending[:n])
	rest := append([]byte(nil), d.pending[n:]...)
	d.pending = rest
	return out
}

// Reset clears any held partial-codepoint bytes. Call between tasks when
// reusing a Detokenizer instance across slots.
func (d *Detokenizer) Reset() {
	d.pending = d.pending[:0]
}

// completeUTF8Prefix returns the length of the longest prefix of b that is
// valid UTF-8, holding back an incomplete trailing codepoint (up to 3
// bytes for a 4-byte rune missing its tail).
func completeUTF8Prefix(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	if utf8.Valid(b) {
		return len(b)
	}

	// Walk back from the end to find where the incomplete rune starts.
	// A UTF-8 lead byte is never a continuation byte (10xxxxxx).
	for i := len(b) - 1; i >= 0 && i >= len(b)-4; i-- {
		if !isContinuationByte(b[i]) {
			if utf8.Valid(b[:i]) {
				return i
			}
			// The lead byte plus however many continuation bytes we have
			// so far don't yet decode to a full rune; since this is the
			// *last* lead byte in the buffer, everything before it must
			// already be valid on its own (pending buffers only ever
			// grow by one token's worth of trailing bytes at a time).
			return i
		}
	}
	return 0
}

func isContinuationByte(b byte) bool { return b&0xC0 == 0x80 }

// DetokenizeAll runs tokens through a scratch (non-streaming) Detokenizer
// and returns the fully assembled text, used for scoring/stop-matching
// where no partial-codepoint tail should ever be visible since the input
// is the complete generated-so-far token list, not an incremental delta.
func DetokenizeAll(vocab native.Vocab, tokens []native.TokenID) string {
	scratch := NewDetokenizer(vocab)
	out := make([]byte, 0, len(tokens)*4)
	for _, tok := range tokens {
		out = append(out, []byte(scratch.Push(tok))...)
	}
	// Any bytes still pending here are a genuinely incomplete codepoint at
	// the very end of the token list (can happen mid-generation); drop
	// them rather than emit invalid UTF-8, matching flushPending's strict
	// validity check in runner/llamarunner/sequence.go.
	return string(out)
}
