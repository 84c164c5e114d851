// Package sentencepiece wraps github.com/eliben/go-sentencepiece with the
// id-level API the embedders package expects from a vocabulary.
package sentencepiece

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

// Processor tokenizes text with a sentencepiece model. It implements
// embedders.Vocabulary.
type Processor struct {
	*esentencepiece.Processor
}

// NewFromPath creates a Processor from a sentencepiece model file.
func NewFromPath(vocabPath string) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece processor from %q", vocabPath)
	}
	return &Processor{Processor: proc}, nil
}

type Token = esentencepiece.Token

// EncodeAsIds returns the text encoded into a sequence of token ids.
func (p *Processor) EncodeAsIds(text string) []int {
	tokens := p.Processor.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// DecodeIds returns the text from a sequence of token ids.
func (p *Processor) DecodeIds(ids []int) string {
	return p.Processor.Decode(ids)
}

// BeginningOfSentenceId returns the "bos" token id.
//
// TODO: read the special ids from the tokenizer model instead of hardcoding.
func (p *Processor) BeginningOfSentenceId() int { return 2 }

// EndOfSentenceId returns the "eos" token id.
func (p *Processor) EndOfSentenceId() int { return 1 }

// UnknownId returns the "unk" token id.
func (p *Processor) UnknownId() int { return 3 }

// PadId returns the "pad" token id.
func (p *Processor) PadId() int { return 0 }
