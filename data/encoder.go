// Package data prepares grapheme/phoneme training data: label encoding,
// dataset filtering and sorting, batching with padding and the homograph
// balancing sampler.
package data

import (
	"strings"

	"github.com/pkg/errors"
)

// Special label tokens. Tokens wrapped in angle brackets never take part in
// error-rate scoring.
const (
	BOSToken = "<bos>"
	EOSToken = "<eos>"
)

// LabelEncoder assigns dense ids to label tokens in insertion order.
type LabelEncoder struct {
	tok2id map[string]int
	id2tok []string
}

// NewLabelEncoder builds an encoder with BOS and EOS preregistered at the
// first two ids.
func NewLabelEncoder() *LabelEncoder {
	e := &LabelEncoder{tok2id: map[string]int{}}
	e.Add(BOSToken)
	e.Add(EOSToken)
	return e
}

// Add registers a token and returns its id. Known tokens keep their id.
func (e *LabelEncoder) Add(tok string) int {
	if id, ok := e.tok2id[tok]; ok {
		return id
	}
	id := len(e.id2tok)
	e.tok2id[tok] = id
	e.id2tok = append(e.id2tok, tok)
	return id
}

func (e *LabelEncoder) AddSequence(toks []string) {
	for _, tok := range toks {
		e.Add(tok)
	}
}

func (e *LabelEncoder) BOS() int { return e.tok2id[BOSToken] }

func (e *LabelEncoder) EOS() int { return e.tok2id[EOSToken] }

// ID looks up a token without registering it.
func (e *LabelEncoder) ID(tok string) (int, bool) {
	id, ok := e.tok2id[tok]
	return id, ok
}

func (e *LabelEncoder) Len() int { return len(e.id2tok) }

// Encode maps tokens to ids, failing on tokens never registered.
func (e *LabelEncoder) Encode(toks []string) ([]int, error) {
	out := make([]int, len(toks))
	for i, tok := range toks {
		id, ok := e.tok2id[tok]
		if !ok {
			return nil, errors.Errorf("unknown label %q", tok)
		}
		out[i] = id
	}
	return out, nil
}

// Decode maps ids back to tokens. Out-of-range ids fail.
func (e *LabelEncoder) Decode(ids []int) ([]string, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(e.id2tok) {
			return nil, errors.Errorf("label id %d out of range", id)
		}
		out[i] = e.id2tok[id]
	}
	return out, nil
}

// IsSpecial reports whether an id maps to an angle-bracket token.
func (e *LabelEncoder) IsSpecial(id int) bool {
	if id < 0 || id >= len(e.id2tok) {
		return false
	}
	tok := e.id2tok[id]
	return strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")
}
