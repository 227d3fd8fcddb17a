package fulltext

// Token is one tokenizer output: the token's literal text and its starting
// byte offset within the document it was produced from.
type Token struct {
	Text       string
	ByteOffset int
}

// Tokenizer splits a document into a stream of Tokens. The only
// implementation in this package is the n-gram tokenizer named in §4.D; it
// is a separate type (not a free function) so a caller can hold one
// configured instance and reuse it across documents.
type Tokenizer struct {
	// N is the gram size. The spec names 1 (unigram) and 3 (trigram) as the
	// configured choices; any N >= 1 is accepted.
	N int
}

// NewTokenizer constructs a Tokenizer with gram size n.
func NewTokenizer(n int) *Tokenizer {
	if n < 1 {
		n = 1
	}
	return &Tokenizer{N: n}
}

// Tokenize splits doc into overlapping n-grams of runes, skipping any token
// whose byte range overlaps a null byte. A document shorter than N runes
// produces no tokens.
func (t *Tokenizer) Tokenize(doc string) []Token {
	// runeOffsets[i] is the byte offset of the i-th rune; a trailing sentinel
	// equal to len(doc) lets the end-offset computation for the last gram
	// read uniformly through runeOffsets[i+N].
	runeOffsets := make([]int, 0, len(doc)+1)
	for i := range doc {
		runeOffsets = append(runeOffsets, i)
	}
	runeOffsets = append(runeOffsets, len(doc))

	nRunes := len(runeOffsets) - 1
	if nRunes < t.N {
		return nil
	}

	tokens := make([]Token, 0, nRunes-t.N+1)
	for i := 0; i+t.N < len(runeOffsets); i++ {
		start := runeOffsets[i]
		end := runeOffsets[i+t.N]
		text := doc[start:end]
		if containsNull(text) {
			continue
		}
		tokens = append(tokens, Token{Text: text, ByteOffset: start})
	}
	return tokens
}

func containsNull(s string) bool {
	for _, r := range s {
		if r == 0 {
			return true
		}
	}
	return false
}

// distinctTexts returns the set of distinct token texts produced by
// tokenizing doc, used by Update/Delete to compute token-set differences
// without caring about repeated-occurrence byte offsets.
func (t *Tokenizer) distinctTexts(doc string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range t.Tokenize(doc) {
		out[tok.Text] = true
	}
	return out
}
