package transformers

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// maskedScorePenalty is subtracted from the attention score of masked-out key
// positions before the softmax. Large enough to drive their weight to ~0,
// small enough not to overflow float32.
const maskedScorePenalty = 10000.0

// Attention is multi-head scaled dot-product attention.
//
// The same core serves both variants of the encoder:
//
//   - Cross-attention (NewCrossAttention): queries are projected from the
//     latent array (D -> D), keys and values from the embedded input sequence
//     (C -> D), with CrossHeads heads of width D/CrossHeads.
//   - Self-attention (NewSelfAttention): queries, keys and values all come
//     from the same tensor (D -> D), with LatentHeads heads of width
//     D/LatentHeads.
type Attention struct {
	ProjQ, ProjK, ProjV *Linear

	NumHeads, HeadDim int
}

// NewCrossAttention creates the input -> latent cross-attention projections
// under ctx.In("cross_attention").
func NewCrossAttention(ctx *context.Context, config *Config) *Attention {
	ctx = ctx.In("cross_attention")
	dtype := config.DType
	return &Attention{
		ProjQ:    NewLinear(ctx, "query", config.LatentDim, config.LatentDim, dtype),
		ProjK:    NewLinear(ctx, "key", config.InputDim, config.LatentDim, dtype),
		ProjV:    NewLinear(ctx, "value", config.InputDim, config.LatentDim, dtype),
		NumHeads: config.CrossHeads,
		HeadDim:  config.CrossHeadDim(),
	}
}

// NewSelfAttention creates the latent self-attention projections under
// ctx.In("self_attention"). One instance is shared by all processing rounds.
func NewSelfAttention(ctx *context.Context, config *Config) *Attention {
	ctx = ctx.In("self_attention")
	dtype := config.DType
	return &Attention{
		ProjQ:    NewLinear(ctx, "query", config.LatentDim, config.LatentDim, dtype),
		ProjK:    NewLinear(ctx, "key", config.LatentDim, config.LatentDim, dtype),
		ProjV:    NewLinear(ctx, "value", config.LatentDim, config.LatentDim, dtype),
		NumHeads: config.LatentHeads,
		HeadDim:  config.LatentHeadDim(),
	}
}

// Attend computes multi-head attention of querySource over kvSource.
//
//	querySource: [B, Q, queryDim]
//	kvSource:    [B, K, kvDim]
//	mask:        [B, K] with 1=keep, 0=mask out; may be nil for no masking.
//
// It returns the attended output [B, Q, NumHeads*HeadDim] and the
// softmax-normalized per-head attention scores [B, NumHeads, Q, K]. The scores
// are a plain second result -- nothing is retained on the component, so
// concurrent calls share no mutable state.
func (a *Attention) Attend(querySource, kvSource, mask *Node) (output, scores *Node) {
	batchSize := querySource.Shape().Dim(0)
	queryLen := querySource.Shape().Dim(1)
	keyLen := kvSource.Shape().Dim(1)

	// [B, S, D] -proj-> [B, S, D] -split-> [B, S, H, W], with D = H*W.
	query := Reshape(a.ProjQ.Apply(querySource), batchSize, queryLen, a.NumHeads, a.HeadDim)
	key := Reshape(a.ProjK.Apply(kvSource), batchSize, keyLen, a.NumHeads, a.HeadDim)
	value := Reshape(a.ProjV.Apply(kvSource), batchSize, keyLen, a.NumHeads, a.HeadDim)

	// [B, Q, H, W] x [B, K, H, W] -> [B, H, Q, K], scaled by 1/sqrt(W).
	logits := Einsum("bqhw,bkhw->bhqk", query, key)
	logits = MulScalar(logits, 1.0/math.Sqrt(float64(a.HeadDim)))

	if mask != nil {
		// Broadcast [B, K] over heads and query positions, and push the
		// scores of masked-out keys far below every real logit.
		keep := ConvertDType(mask, logits.DType())
		keep = Reshape(keep, batchSize, 1, 1, keyLen)
		logits = Sub(logits, MulScalar(OneMinus(keep), maskedScorePenalty))
	}

	scores = Softmax(logits)

	// [B, H, Q, K] x [B, K, H, W] -> [B, Q, H, W] -merge-> [B, Q, H*W].
	output = Einsum("bhqk,bkhw->bqhw", scores, value)
	output = Reshape(output, batchSize, queryLen, a.NumHeads*a.HeadDim)
	return output, scores
}
