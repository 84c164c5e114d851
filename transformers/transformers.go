// Package transformers implements a hybrid encoder: an ALBERT-style
// factorized-embedding front end feeding a Perceiver-style latent bottleneck.
//
// The embedded input sequence is read once by a small latent array through
// cross-attention; the latent array then self-attends and feed-forwards for a
// fixed number of rounds, all rounds sharing a single set of parameters. The
// output size is [batch, NumLatents, LatentDim], independent of the input
// sequence length.
//
// Learned parameters live in a GoMLX context (see Encoder.Context), so an
// external trainer or checkpoint loader can reach every weight by scope and
// name. The forward pass itself mutates nothing.
package transformers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// initializersSeed makes parameter initialization reproducible. Training
	// or a checkpoint load overwrites the values either way.
	initializersSeed = 42

	// projectionInitStdDev is the standard deviation used to initialize the
	// linear projections and embedding tables.
	projectionInitStdDev = 0.02

	// latentsInitStdDev: the latent array starts unit-normal, unlike the
	// projections.
	latentsInitStdDev = 1.0
)

// Transformer wires the components of the encoder into the forward
// computation graph. It holds no tensor state of its own beyond the learned
// parameters referenced by its components.
type Transformer struct {
	Config *Config

	Embed *Embeddings

	// Latents is the trainable latent array [NumLatents, LatentDim]: the
	// compressed working memory the input is read into. Initialized once at
	// construction, reused by reference on every forward call, and updated
	// only by external training.
	Latents *context.Variable

	CrossAttention *Attention
	CrossFFW       *FeedForward
	SelfAttention  *Attention
	SelfFFW        *FeedForward
	Norm1, Norm2   *LayerNorm
	Norm3, Norm4   *LayerNorm
}

// NewTransformer allocates all learned parameters under ctx's scope.
// The config must have been validated already.
func NewTransformer(ctx *context.Context, config *Config) *Transformer {
	dtype := config.DType
	return &Transformer{
		Config: config,
		Embed:  NewEmbeddings(ctx, config),
		Latents: ctx.WithInitializer(initializers.RandomNormalFn(initializersSeed, latentsInitStdDev)).
			VariableWithShape("latents", shapes.Make(dtype, config.NumLatents, config.LatentDim)),
		CrossAttention: NewCrossAttention(ctx, config),
		CrossFFW:       NewFeedForward(ctx.In("cross_ffw"), config.LatentDim, config.FFWDim, dtype),
		SelfAttention:  NewSelfAttention(ctx, config),
		SelfFFW:        NewFeedForward(ctx.In("self_ffw"), config.LatentDim, config.FFWDim, dtype),
		Norm1:          NewLayerNorm(ctx.In("norm_1"), config.LatentDim, dtype),
		Norm2:          NewLayerNorm(ctx.In("norm_2"), config.LatentDim, dtype),
		Norm3:          NewLayerNorm(ctx.In("norm_3"), config.LatentDim, dtype),
		Norm4:          NewLayerNorm(ctx.In("norm_4"), config.LatentDim, dtype),
	}
}

// Forward builds the full forward computation:
//
//  1. Embed tokens+segments+positions (the embedded sequence is a frozen
//     snapshot: gradients from the latent path must not flow back into the
//     embeddings through the cross-attention read).
//  2. The latent array cross-attends into the embedded input once, with a
//     residual add of the latents and a LayerNorm.
//  3. Feed-forward with residual and LayerNorm.
//  4. ProcessLayers rounds of (self-attention, LayerNorm, feed-forward,
//     LayerNorm), every round reusing the same parameters.
//
// It returns the encoded latents [batch, NumLatents, LatentDim] and the
// softmax-normalized cross-attention scores
// [batch, CrossHeads, NumLatents, seqLen] for external inspection.
func (t *Transformer) Forward(tokenIDs, segmentIDs, mask *Node) (latent, crossScores *Node) {
	g := tokenIDs.Graph()
	batchSize := tokenIDs.Shape().Dim(0)

	hidden := StopGradient(t.Embed.Embed(tokenIDs, segmentIDs))

	latents := t.Latents.ValueGraph(g)
	latents = BroadcastToDims(InsertAxes(latents, 0),
		batchSize, t.Config.NumLatents, t.Config.LatentDim)

	attended, crossScores := t.CrossAttention.Attend(latents, hidden, mask)
	x := t.Norm1.Normalize(Add(attended, latents))
	x = t.Norm2.Normalize(Add(t.CrossFFW.Transform(x), x))

	// All rounds share SelfAttention and SelfFFW, there are no
	// per-round layers.
	for range t.Config.ProcessLayers {
		attended, _ = t.SelfAttention.Attend(x, x, nil)
		x = t.Norm3.Normalize(Add(attended, x))
		x = t.Norm4.Normalize(Add(t.SelfFFW.Transform(x), x))
	}
	return x, crossScores
}

// Encoder is the host-level interface to the model: it owns the backend, the
// context holding the learned parameters, and a cached executor. It validates
// inputs before execution and converts GoMLX panics into errors.
//
// Concurrent Encode calls are safe: the forward pass only reads shared state.
type Encoder struct {
	Backend backends.Backend
	Model   *Transformer

	ctx  *context.Context
	exec *context.Exec
}

// NewEncoder validates config, allocates and initializes all learned
// parameters (including the latent array), and compiles the forward executor
// lazily per input shape.
func NewEncoder(backend backends.Backend, config *Config) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx := context.New().
		WithInitializer(initializers.RandomNormalFn(initializersSeed, projectionInitStdDev))
	modelCtx := ctx.In("model")

	e := &Encoder{Backend: backend, ctx: ctx}
	err := exceptions.TryCatch[error](func() {
		e.Model = NewTransformer(modelCtx, config)
		ctx.InitializeVariables(backend)
		e.exec = context.NewExec(backend, ctx,
			func(_ *context.Context, tokens, segments, mask *Node) []*Node {
				latent, scores := e.Model.Forward(tokens, segments, mask)
				return []*Node{latent, scores}
			})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build encoder")
	}
	return e, nil
}

// Context holds every learned parameter of the model, addressable by scope and
// name. External trainers and checkpoint loaders mutate parameters through it;
// the forward pass only ever reads them.
func (e *Encoder) Context() *context.Context { return e.ctx }

// Config of the model.
func (e *Encoder) Config() *Config { return e.Model.Config }

// NumParameters returns the total number of learned scalar parameters.
func (e *Encoder) NumParameters() int {
	var total int
	e.ctx.EnumerateVariables(func(v *context.Variable) {
		total += v.Shape().Size()
	})
	return total
}

// Encode runs the forward pass.
//
//	tokens:   int32 [batch, seqLen] token ids.
//	segments: int32 [batch, seqLen] segment type ids.
//	mask:     optional [batch, seqLen], 1=attend / 0=ignore; nil means all 1s.
//
// It returns the latent encoding [batch, NumLatents, LatentDim]. Inputs are
// never mutated. Errors wrap ErrShapeMismatch or ErrIndexOutOfRange.
func (e *Encoder) Encode(tokens, segments, mask *tensors.Tensor) (*tensors.Tensor, error) {
	latent, _, err := e.encode(tokens, segments, mask)
	return latent, err
}

// EncodeWithScores is Encode, but also returns the cross-attention scores
// [batch, CrossHeads, NumLatents, seqLen] for inspection or visualization.
func (e *Encoder) EncodeWithScores(tokens, segments, mask *tensors.Tensor) (latent, crossScores *tensors.Tensor, err error) {
	return e.encode(tokens, segments, mask)
}

func (e *Encoder) encode(tokens, segments, mask *tensors.Tensor) (latent, crossScores *tensors.Tensor, err error) {
	if err = e.validateInputs(tokens, segments, mask); err != nil {
		return
	}
	if mask == nil {
		dims := tokens.Shape().Dimensions
		mask = tensors.FromScalarAndDimensions(float32(1), dims[0], dims[1])
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = e.exec.Call(tokens, segments, mask)
	})
	if err != nil {
		err = errors.WithMessage(err, "forward pass failed")
		return
	}
	latent, crossScores = outputs[0], outputs[1]
	return
}

func (e *Encoder) validateInputs(tokens, segments, mask *tensors.Tensor) error {
	config := e.Model.Config
	if tokens == nil || segments == nil {
		return errors.WithMessage(ErrShapeMismatch, "token and segment ids must both be provided")
	}
	for _, input := range []struct {
		name string
		t    *tensors.Tensor
	}{{"token ids", tokens}, {"segment ids", segments}} {
		if input.t.Shape().Rank() != 2 {
			return errors.WithMessagef(ErrShapeMismatch, "%s must be rank-2 [batch, seqLen], got shape %s",
				input.name, input.t.Shape())
		}
		if input.t.DType() != dtypes.Int32 {
			return errors.WithMessagef(ErrShapeMismatch, "%s must be int32, got %s",
				input.name, input.t.DType())
		}
	}
	tokensDims := tokens.Shape().Dimensions
	segmentsDims := segments.Shape().Dimensions
	if tokensDims[0] != segmentsDims[0] || tokensDims[1] != segmentsDims[1] {
		return errors.WithMessagef(ErrShapeMismatch, "token ids shaped %s but segment ids shaped %s",
			tokens.Shape(), segments.Shape())
	}
	if tokensDims[1] > config.MaxLen {
		return errors.WithMessagef(ErrShapeMismatch, "sequence length %d exceeds the %d position embeddings configured (max_len)",
			tokensDims[1], config.MaxLen)
	}
	if mask != nil {
		maskDims := mask.Shape().Dimensions
		if mask.Shape().Rank() != 2 || maskDims[0] != tokensDims[0] || maskDims[1] != tokensDims[1] {
			return errors.WithMessagef(ErrShapeMismatch, "attention mask shaped %s, expected [%d, %d] to match the token ids",
				mask.Shape(), tokensDims[0], tokensDims[1])
		}
	}
	if err := checkIdsInRange(tokens, config.VocabSize, "token"); err != nil {
		return err
	}
	return checkIdsInRange(segments, config.NumSegments, "segment")
}

// checkIdsInRange verifies every id fits the embedding table it indexes.
// Ids are runtime values, so a gather with a bad id would otherwise fail (or
// worse, silently clamp) deep inside the backend.
func checkIdsInRange(ids *tensors.Tensor, tableSize int, kind string) error {
	var err error
	tensors.ConstFlatData(ids, func(flat []int32) {
		for _, id := range flat {
			if id < 0 || int(id) >= tableSize {
				err = errors.WithMessagef(ErrIndexOutOfRange, "%s id %d outside its embedding table of size %d",
					kind, id, tableSize)
				return
			}
		}
	})
	return err
}
