package transformers

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// LayerNorm normalizes each feature vector (last axis) to zero mean and unit
// variance, then applies a learned per-feature scale and offset.
//
// The epsilon goes inside the square root, TensorFlow-style.
type LayerNorm struct {
	Scale, Offset *context.Variable
	epsilon       float64
}

const layerNormEpsilon = 1e-12

// NewLayerNorm creates the scale (init: 1) and offset (init: 0) variables for
// a feature width of dim, under ctx's scope.
func NewLayerNorm(ctx *context.Context, dim int, dtype dtypes.DType) *LayerNorm {
	return &LayerNorm{
		Scale: ctx.WithInitializer(initializers.One).
			VariableWithShape("scale", shapes.Make(dtype, dim)),
		Offset: ctx.WithInitializer(initializers.Zero).
			VariableWithShape("offset", shapes.Make(dtype, dim)),
		epsilon: layerNormEpsilon,
	}
}

// Normalize returns scale * (x-mean)/sqrt(variance+epsilon) + offset, with the
// mean and variance taken over the last axis. Shape is preserved.
func (ln *LayerNorm) Normalize(x *Node) *Node {
	g := x.Graph()
	mean := ReduceAndKeep(x, ReduceMean, -1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
	normalized := Mul(centered, Rsqrt(AddScalar(variance, ln.epsilon)))
	scale := ExpandLeftToRank(ln.Scale.ValueGraph(g), x.Rank())
	offset := ExpandLeftToRank(ln.Offset.ValueGraph(g), x.Rank())
	return Add(Mul(normalized, scale), offset)
}

// Linear is a learned affine map applied to the last axis: x @ weights + biases.
type Linear struct {
	Weights, Biases *context.Variable
}

// NewLinear creates the weights ([inDim, outDim]) and biases ([outDim])
// variables under ctx.In(name).
func NewLinear(ctx *context.Context, name string, inDim, outDim int, dtype dtypes.DType) *Linear {
	ctx = ctx.In(name)
	return &Linear{
		Weights: ctx.VariableWithShape("weights", shapes.Make(dtype, inDim, outDim)),
		Biases: ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, outDim)),
	}
}

// Apply projects x ([batch, positions, inDim]) to [batch, positions, outDim].
func (l *Linear) Apply(x *Node) *Node {
	g := x.Graph()
	y := Einsum("bsi,io->bso", x, l.Weights.ValueGraph(g))
	return Add(y, ExpandLeftToRank(l.Biases.ValueGraph(g), y.Rank()))
}

// FeedForward is the position-wise two-layer net fc2(gelu(fc1(x))): the first
// projection expands the feature width to ffwDim, the second brings it back.
type FeedForward struct {
	FC1, FC2 *Linear
}

// NewFeedForward creates the two projections under ctx's scope.
func NewFeedForward(ctx *context.Context, dim, ffwDim int, dtype dtypes.DType) *FeedForward {
	return &FeedForward{
		FC1: NewLinear(ctx, "fc1", dim, ffwDim, dtype),
		FC2: NewLinear(ctx, "fc2", ffwDim, dim, dtype),
	}
}

// Transform applies the feed-forward net per position. The leading shape and
// the feature width are unchanged.
func (ffw *FeedForward) Transform(x *Node) *Node {
	return ffw.FC2.Apply(Gelu(ffw.FC1.Apply(x)))
}

// Gelu is the exact Gaussian Error Linear Unit, x * 0.5 * (1 + erf(x/sqrt(2))),
// applied elementwise.
func Gelu(x *Node) *Node {
	return Mul(x, MulScalar(OnePlus(Erf(DivScalar(x, math.Sqrt2))), 0.5))
}
