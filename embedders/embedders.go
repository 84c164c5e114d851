// Package embedders turns batches of text into fixed-size latent encodings
// using a transformers.Encoder and a vocabulary (sentencepiece).
package embedders

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/latentbert/transformers"
)

// Vocabulary tokenizes text into ids the encoder's embedding tables accept.
type Vocabulary interface {
	EncodeAsIds(text string) []int
	DecodeIds([]int) string

	// The methods below define the special ids for the model.

	BeginningOfSentenceId() int
	EndOfSentenceId() int
	UnknownId() int
	PadId() int
}

// Embedder batches texts through the encoder: every text, whatever its
// length, comes out as a [NumLatents, LatentDim] latent encoding.
type Embedder struct {
	Vocab   Vocabulary
	Encoder *transformers.Encoder
}

// New creates an Embedder with the given vocabulary and encoder.
func New(vocab Vocabulary, encoder *transformers.Encoder) *Embedder {
	return &Embedder{Vocab: vocab, Encoder: encoder}
}

// Embed encodes the given texts, returning a [len(texts), NumLatents,
// LatentDim] tensor. Texts are tokenized, prefixed with "bos", right-padded
// to the longest sequence of the batch (the attention mask hides the padding)
// and truncated to the model's maximum length.
func (e *Embedder) Embed(texts []string) (*tensors.Tensor, error) {
	ids := xslices.Map(texts, e.Vocab.EncodeAsIds)
	config := e.Encoder.Config()
	tokens, segments, mask := buildInputTensors(ids, config.MaxLen,
		e.Vocab.PadId(), e.Vocab.BeginningOfSentenceId())
	return e.Encoder.Encode(tokens, segments, mask)
}

// buildInputTensors creates the int32[batchSize, seqLen] token and segment id
// tensors plus the {0,1} attention mask, where seqLen is the longest prompt
// (+1 for "bos") capped at maxLen. Prompts are filled left to right over the
// pad id; all segment ids are 0 (single-segment input).
func buildInputTensors(promptIds [][]int, maxLen, padId, bosId int) (tokens, segments, mask *tensors.Tensor) {
	batchSize := len(promptIds)
	seqLen := 1
	for _, prompt := range promptIds {
		if len(prompt)+1 > seqLen {
			seqLen = len(prompt) + 1
		}
	}
	if seqLen > maxLen {
		seqLen = maxLen
	}

	tokens = tensors.FromScalarAndDimensions(int32(padId), batchSize, seqLen)
	segments = tensors.FromScalarAndDimensions(int32(0), batchSize, seqLen)
	mask = tensors.FromScalarAndDimensions(float32(0), batchSize, seqLen)
	tensors.MutableFlatData(tokens, func(flatTokens []int32) {
		tensors.MutableFlatData(mask, func(flatMask []float32) {
			for exampleIdx, prompt := range promptIds {
				exampleTokens := flatTokens[exampleIdx*seqLen : (exampleIdx+1)*seqLen]
				exampleMask := flatMask[exampleIdx*seqLen : (exampleIdx+1)*seqLen]
				exampleTokens[0] = int32(bosId)
				exampleMask[0] = 1
				for ii, id := range prompt {
					if 1+ii >= seqLen {
						break
					}
					exampleTokens[1+ii] = int32(id)
					exampleMask[1+ii] = 1
				}
			}
		})
	})
	return
}
