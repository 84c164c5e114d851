package transformers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// Embeddings composes the input representation from three learned tables:
//
//   - A factorized token embedding: ids are looked up in a narrow
//     [VocabSize, Embedding] table and linearly projected up to Hidden, which
//     costs far fewer parameters than a direct [VocabSize, Hidden] table.
//   - A position embedding, one Hidden-wide vector per position 0..MaxLen-1.
//   - A segment (token type) embedding.
//
// The three are summed elementwise and layer-normalized.
type Embeddings struct {
	config *Config

	// TokenTable is the narrow factorized lookup table, [VocabSize, Embedding].
	TokenTable *context.Variable

	// TokenProjection expands the factorized lookup to the Hidden width.
	TokenProjection *Linear

	// PositionTable is [MaxLen, Hidden].
	PositionTable *context.Variable

	// SegmentTable is [NumSegments, Hidden].
	SegmentTable *context.Variable

	Norm *LayerNorm
}

// NewEmbeddings creates the embedding tables under ctx.In("embeddings").
func NewEmbeddings(ctx *context.Context, config *Config) *Embeddings {
	ctx = ctx.In("embeddings")
	dtype := config.DType
	return &Embeddings{
		config: config,
		TokenTable: ctx.VariableWithShape("token_embedding",
			shapes.Make(dtype, config.VocabSize, config.Embedding)),
		TokenProjection: NewLinear(ctx, "token_projection", config.Embedding, config.Hidden, dtype),
		PositionTable: ctx.VariableWithShape("position_embedding",
			shapes.Make(dtype, config.MaxLen, config.Hidden)),
		SegmentTable: ctx.VariableWithShape("segment_embedding",
			shapes.Make(dtype, config.NumSegments, config.Hidden)),
		Norm: NewLayerNorm(ctx.In("norm"), config.Hidden, dtype),
	}
}

// Embed maps tokenIDs and segmentIDs (both int [batch, seqLen]) to the hidden
// sequence [batch, seqLen, Hidden].
//
// The sequence length must not exceed Config.MaxLen -- the position table has
// no entries beyond it. Token and segment ids must be within their tables'
// bounds; since ids are runtime values, that is checked host-side by the
// Encoder before the graph executes.
func (e *Embeddings) Embed(tokenIDs, segmentIDs *Node) *Node {
	g := tokenIDs.Graph()
	seqLen := tokenIDs.Shape().Dim(1)
	if seqLen > e.config.MaxLen {
		exceptions.Panicf("sequence length %d exceeds the %d position embeddings configured (max_len)",
			seqLen, e.config.MaxLen)
	}

	// Factorized token embedding: narrow lookup, then project up to Hidden.
	tokens := Gather(e.TokenTable.ValueGraph(g), InsertAxes(tokenIDs, -1))
	hidden := e.TokenProjection.Apply(tokens)

	// Positions are always 0..seqLen-1, i.e. the first seqLen rows of the
	// table, broadcast over the batch.
	positions := Slice(e.PositionTable.ValueGraph(g), AxisRange(0, seqLen))
	hidden = Add(hidden, InsertAxes(positions, 0))

	segments := Gather(e.SegmentTable.ValueGraph(g), InsertAxes(segmentIDs, -1))
	hidden = Add(hidden, segments)

	return e.Norm.Normalize(hidden)
}
