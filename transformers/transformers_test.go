package transformers

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) backends.Backend {
	return graphtest.BuildTestBackend()
}

// flatValues copies a float32 tensor's values into a plain slice.
func flatValues(t *tensors.Tensor) []float32 {
	var values []float32
	tensors.ConstFlatData(t, func(flat []float32) {
		values = append(values, flat...)
	})
	return values
}

// scenarioConfig is the small end-to-end configuration: vocabulary of 100,
// hidden width 8, factorized embedding width 4, C=D=8, 4 latents, 2 heads on
// both attention variants, 2 processing rounds.
func scenarioConfig() *Config {
	return &Config{
		DType:         dtypes.Float32,
		VocabSize:     100,
		Hidden:        8,
		HiddenFF:      16,
		Embedding:     4,
		NumLayers:     2,
		NumHeads:      2,
		MaxLen:        16,
		NumSegments:   2,
		MaxInputLen:   16,
		InputDim:      8,
		NumLatents:    4,
		LatentDim:     8,
		CrossHeads:    2,
		LatentHeads:   2,
		CrossDimHead:  4,
		LatentDimHead: 4,
		FFWDim:        16,
		ProcessLayers: 2,
	}
}

func scenarioInputs() (tokens, segments, mask *tensors.Tensor) {
	tokens = tensors.FromValue([][]int32{{1, 2, 3}})
	segments = tensors.FromValue([][]int32{{0, 0, 0}})
	mask = tensors.FromValue([][]float32{{1, 1, 1}})
	return
}

func requireAllFinite(t *testing.T, values []float32) {
	for idx, v := range values {
		require.Falsef(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0),
			"non-finite value %v at flat index %d", v, idx)
	}
}

func TestEncoderRejectsBadConfig(t *testing.T) {
	config := scenarioConfig()
	config.LatentHeads = 3 // 8 % 3 != 0
	_, err := NewEncoder(testBackend(t), config)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration))
}

func TestEncodeScenario(t *testing.T) {
	encoder, err := NewEncoder(testBackend(t), scenarioConfig())
	require.NoError(t, err)
	fmt.Printf("\tmodel has %d parameters\n", encoder.NumParameters())

	tokens, segments, mask := scenarioInputs()
	latent, scores, err := encoder.EncodeWithScores(tokens, segments, mask)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 8}, latent.Shape().Dimensions)
	require.Equal(t, []int{1, 2, 4, 3}, scores.Shape().Dimensions)
	requireAllFinite(t, flatValues(latent))
	requireAllFinite(t, flatValues(scores))
}

func TestEncodeOutputShapeIndependentOfSequenceLength(t *testing.T) {
	encoder, err := NewEncoder(testBackend(t), scenarioConfig())
	require.NoError(t, err)

	for _, seqLen := range []int{1, 3, 7, 16} {
		tokens := tensors.FromScalarAndDimensions(int32(5), 2, seqLen)
		segments := tensors.FromScalarAndDimensions(int32(1), 2, seqLen)
		latent, err := encoder.Encode(tokens, segments, nil)
		require.NoError(t, err, "seqLen=%d", seqLen)
		require.Equal(t, []int{2, 4, 8}, latent.Shape().Dimensions,
			"the latent bottleneck must decouple the output from seqLen=%d", seqLen)
	}
}

func TestEncodeDeterminism(t *testing.T) {
	encoder, err := NewEncoder(testBackend(t), scenarioConfig())
	require.NoError(t, err)

	tokens, segments, mask := scenarioInputs()
	first, err := encoder.Encode(tokens, segments, mask)
	require.NoError(t, err)
	second, err := encoder.Encode(tokens, segments, mask)
	require.NoError(t, err)
	require.Equal(t, flatValues(first), flatValues(second),
		"two forward passes over the same inputs and parameters must match")
}

func TestEncodeInputValidation(t *testing.T) {
	encoder, err := NewEncoder(testBackend(t), scenarioConfig())
	require.NoError(t, err)

	tokens, segments, _ := scenarioInputs()

	testCases := []struct {
		name     string
		tokens   *tensors.Tensor
		segments *tensors.Tensor
		mask     *tensors.Tensor
		want     error
	}{
		{"token id beyond the vocabulary", tensors.FromValue([][]int32{{1, 2, 999}}), segments, nil, ErrIndexOutOfRange},
		{"negative token id", tensors.FromValue([][]int32{{1, -2, 3}}), segments, nil, ErrIndexOutOfRange},
		{"segment id beyond the table", tokens, tensors.FromValue([][]int32{{0, 5, 0}}), nil, ErrIndexOutOfRange},
		{"rank-1 token ids", tensors.FromValue([]int32{1, 2, 3}), segments, nil, ErrShapeMismatch},
		{"mismatched segment shape", tokens, tensors.FromValue([][]int32{{0, 0}}), nil, ErrShapeMismatch},
		{"mask length different from sequence", tokens, segments, tensors.FromValue([][]float32{{1, 1}}), ErrShapeMismatch},
		{"sequence longer than max_len", tensors.FromScalarAndDimensions(int32(1), 1, 20),
			tensors.FromScalarAndDimensions(int32(0), 1, 20), nil, ErrShapeMismatch},
		{"int64 token ids", tensors.FromValue([][]int64{{1, 2, 3}}), segments, nil, ErrShapeMismatch},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := encoder.Encode(testCase.tokens, testCase.segments, testCase.mask)
			require.Error(t, err)
			require.Truef(t, errors.Is(err, testCase.want), "want %v, got %+v", testCase.want, err)
		})
	}
}

// TestWeightSharing checks that the processing rounds run over a single shared
// parameter set: there is exactly one self-attention block in the context, and
// perturbing it changes the output of every round.
func TestWeightSharing(t *testing.T) {
	encoder, err := NewEncoder(testBackend(t), scenarioConfig())
	require.NoError(t, err)

	var selfAttentionVars int
	encoder.Context().EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(v.Scope(), "self_attention") {
			selfAttentionVars++
		}
	})
	// 3 projections (query, key, value) x (weights, biases).
	require.Equal(t, 6, selfAttentionVars)

	tokens, segments, mask := scenarioInputs()
	baseline, err := encoder.Encode(tokens, segments, mask)
	require.NoError(t, err)

	// Perturb the one shared value-projection bias.
	biases := encoder.Model.SelfAttention.ProjV.Biases
	biases.SetValue(tensors.FromValue([]float32{1, 1, 1, 1, 1, 1, 1, 1}))

	perturbed, err := encoder.Encode(tokens, segments, mask)
	require.NoError(t, err)
	require.NotEqual(t, flatValues(baseline), flatValues(perturbed),
		"the shared self-attention parameters must drive every round")
}

// TestResidualPath zeroes every linear projection, leaving only the residual
// connections: the output must then equal the layer-normalized latent array,
// demonstrating the sub-blocks add to the latents instead of replacing them.
func TestResidualPath(t *testing.T) {
	backend := testBackend(t)
	encoder, err := NewEncoder(backend, scenarioConfig())
	require.NoError(t, err)

	encoder.Context().EnumerateVariables(func(v *context.Variable) {
		if v.Name() == "weights" || v.Name() == "biases" {
			v.SetValue(tensors.FromShape(v.Shape()))
		}
	})

	tokens, segments, mask := scenarioInputs()
	latent, err := encoder.Encode(tokens, segments, mask)
	require.NoError(t, err)

	// Expected: LayerNorm(latents), row by row. Normalizing an already
	// normalized vector is (up to epsilon) the identity, so the repeated
	// norm/residual blocks leave it unchanged.
	normalize := NewExec(backend, func(x *Node) *Node {
		mean := ReduceAndKeep(x, ReduceMean, -1)
		centered := Sub(x, mean)
		variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
		return Mul(centered, Rsqrt(AddScalar(variance, layerNormEpsilon)))
	})
	expected := flatValues(normalize.Call(encoder.Model.Latents.Value())[0])

	got := flatValues(latent)
	require.Len(t, got, len(expected))
	for idx := range expected {
		require.InDeltaf(t, expected[idx], got[idx], 1e-3,
			"latent value %d diverged from the normalized latent array", idx)
	}
}
