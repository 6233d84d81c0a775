// Package fake is a deterministic, in-memory stand-in for the native
// package's cgo binding, used by every test in this module. It never
// touches a real tensor runtime: tokenization is whitespace-splitting,
// "logits" are a zero-filled vector, and sampling returns tokens scripted
// per sequence (or a counter when none are scripted), ignoring the logits
// and the temperature. This is enough to exercise every
// scheduling, stop-matching and slot behavior this module implements
// without a real model.
package fake

import (
	"strings"
	"sync"

	"github.com/coregen/llamasched/internal/native"
)

// Vocab is a small closed vocabulary: word -> id, plus a configurable set
// of end-of-generation ids.
type Vocab struct {
	words   []string
	byWord  map[string]native.TokenID
	eog     map[native.TokenID]bool
}

// NewVocab builds a vocabulary from a fixed word list. Token ids are the
// word's index; EOG ids are added on top via AddEOG.
func NewVocab(words []string) *Vocab {
	v := &Vocab{
		words:  append([]string(nil), words...),
		byWord: make(map[string]native.TokenID, len(words)),
		eog:    make(map[native.TokenID]bool),
	}
	for i, w := range words {
		v.byWord[w] = native.TokenID(i)
	}
	return v
}

// AddEOG registers tok as an end-of-generation token.
func (v *Vocab) AddEOG(tok native.TokenID) { v.eog[tok] = true }

func (v *Vocab) IsEndOfGeneration(tok native.TokenID) bool { return v.eog[tok] }

func (v *Vocab) TokenToPiece(tok native.TokenID) []byte {
	i := int(tok)
	if i < 0 || i >= len(v.words) {
		return nil
	}
	if i == 0 {
		return []byte(v.words[i])
	}
	return []byte(" " + v.words[i])
}

// Model wraps a Vocab with whitespace tokenization.
type Model struct {
	V        *Vocab
	NCtxMode int
}

func NewModel(v *Vocab) *Model { return &Model{V: v, NCtxMode: 4096} }

func (m *Model) Vocab() native.Vocab { return m.V }

func (m *Model) NCtxTrain() int { return m.NCtxMode }

func (m *Model) Tokenize(text string, addSpecial, parseSpecial bool) ([]native.TokenID, error) {
	fields := strings.Fields(text)
	out := make([]native.TokenID, 0, len(fields))
	for _, f := range fields {
		id, ok := m.V.byWord[f]
		if !ok {
			id = native.TokenID(len(m.V.words))
			m.V.words = append(m.V.words, f)
			m.V.byWord[f] = id
		}
		out = append(out, id)
	}
	return out, nil
}

// Context is an in-memory decode context. Decode just records, per
// sequence, the token of the last item that wanted logits; Logits returns
// a zero-filled score vector for such a sequence, or nil. Tests script
// exact generation sequences with ScriptSeq, not through these logits.
type Context struct {
	mu         sync.Mutex
	params     native.ContextParams
	lastTok    map[native.SeqID]native.TokenID
	nextScript map[native.SeqID][]native.TokenID // optional scripted outputs
	decodeCalls int
	items       []native.BatchItem // last batch, for assertions
	failNext    bool
}

func NewContext(params native.ContextParams) *Context {
	return &Context{
		params:     params,
		lastTok:    make(map[native.SeqID]native.TokenID),
		nextScript: make(map[native.SeqID][]native.TokenID),
	}
}

// Params returns the ContextParams the context was constructed with.
func (c *Context) Params() native.ContextParams { return c.params }

// ScriptSeq pre-loads the exact sequence of tokens Sample should return for
// seq, one per call, in order.
func (c *Context) ScriptSeq(seq native.SeqID, tokens []native.TokenID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextScript[seq] = append([]native.TokenID(nil), tokens...)
}

// FailNextDecode makes the next Decode call return a decode error, to
// exercise the "decode error is fatal to the batch, not the process" path.
func (c *Context) FailNextDecode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = true
}

func (c *Context) DecodeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodeCalls
}

func (c *Context) LastBatchItems() []native.BatchItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]native.BatchItem(nil), c.items...)
}

func (c *Context) Decode(batch native.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decodeCalls++
	c.items = batch.Items()

	if c.failNext {
		c.failNext = false
		return &native.ErrDecode{Err: errFake("scripted decode failure")}
	}

	total := 0
	for _, it := range batch.Items() {
		total++
		if it.WantsLogits {
			c.lastTok[it.Seq] = it.Token
		}
	}
	if total > c.params.NBatch && c.params.NBatch > 0 {
		return &native.ErrDecode{Err: errFake("batch exceeds n_batch")}
	}
	return nil
}

func (c *Context) Logits(seq native.SeqID) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lastTok[seq]
	if !ok {
		return nil
	}
	// A wide vocabulary of dummy scores; the sampler chain picks argmax.
	scores := make([]float32, 1<<12)
	return scores
}

func (c *Context) Close() error { return nil }

type errFake string

func (e errFake) Error() string { return string(e) }

// SamplerChain samples deterministically: if a script was loaded via
// Context.ScriptSeq, it pops the next scripted token; otherwise it returns
// 1000 plus the number of Sample calls on this chain since the last Reset,
// whatever the seq id, standing in for a model no test actually needs
// real logits from.
type SamplerChain struct {
	ctx    *Context
	calls  int
	greedy bool
}

// Factory builds SamplerChains bound to a single *Context (the fake has no
// separate native handle to bind against).
type Factory struct{ Ctx *Context }

func (f Factory) NewChain(stages []native.SamplerStrategy) (native.SamplerChain, error) {
	greedy := false
	for _, st := range stages {
		if st.Kind == native.StrategyTemperature && st.Params["temperature"] == 0 {
			greedy = true
		}
	}
	return &SamplerChain{ctx: f.Ctx, greedy: greedy}, nil
}

func (s *SamplerChain) Sample(ctx native.Context, seq native.SeqID) (native.TokenID, error) {
	c, ok := ctx.(*Context)
	if !ok {
		c = s.ctx
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if script, ok := c.nextScript[seq]; ok && len(script) > 0 {
		tok := script[0]
		c.nextScript[seq] = script[1:]
		s.calls++
		return tok, nil
	}

	// No script configured: fall back to a stable, test-visible sequence
	// so unconfigured fakes don't panic, ordered by call count per chain.
	s.calls++
	return native.TokenID(1000 + s.calls), nil
}

func (s *SamplerChain) Reset() { s.calls = 0 }
func (s *SamplerChain) Close() {}
