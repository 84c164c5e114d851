package weights

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack"
)

func writeTestCheckpoint(t *testing.T, entries map[string]checkpointEntry) string {
	dir := t.TempDir()
	f, err := os.Create(path.Join(dir, CheckpointFileName))
	require.NoError(t, err)
	require.NoError(t, msgpack.NewEncoder(f).Encode(entries))
	require.NoError(t, f.Close())
	return dir
}

func TestReadCheckpoint(t *testing.T) {
	dir := writeTestCheckpoint(t, map[string]checkpointEntry{
		"latents":                {Dims: []int{2, 3}, Values: []float32{1, 2, 3, 4, 5, 6}},
		"embed.tok_embed2.bias":  {Dims: []int{3}, Values: []float32{0.5, -0.5, 0}},
		"layers.0.proj_q.weight": {Dims: []int{3, 3}, Values: make([]float32, 9)},
	})

	checkpoint, err := ReadCheckpoint(dir)
	require.NoError(t, err)
	require.Equal(t, 3, checkpoint.NumLeaves())

	latents, found := checkpoint.Get(Path{"latents"})
	require.True(t, found)
	require.Equal(t, []int{2, 3}, latents.Shape().Dimensions)
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, latents.Value())

	biases, found := checkpoint.Get(Path{"embed", "tok_embed2", "bias"})
	require.True(t, found)
	require.Equal(t, []float32{0.5, -0.5, 0}, biases.Value())
}

func TestReadCheckpointBadDims(t *testing.T) {
	dir := writeTestCheckpoint(t, map[string]checkpointEntry{
		"latents": {Dims: []int{2, 3}, Values: []float32{1, 2, 3}},
	})
	_, err := ReadCheckpoint(dir)
	require.ErrorContains(t, err, "doesn't fit its dimensions")
}

func TestTargetScopeAndName(t *testing.T) {
	testCases := []struct {
		name string
		want []string
	}{
		{"latents", []string{"latents"}},
		{"embed.tok_embed1.weight", []string{"embeddings", "token_embedding"}},
		{"embed.tok_embed2.weight", []string{"embeddings", "token_projection", "weights"}},
		{"embed.tok_embed2.bias", []string{"embeddings", "token_projection", "biases"}},
		{"embed.pos_embed.weight", []string{"embeddings", "position_embedding"}},
		{"embed.seg_embed.weight", []string{"embeddings", "segment_embedding"}},
		{"embed.norm.weight", []string{"embeddings", "norm", "scale"}},
		{"embed.norm.bias", []string{"embeddings", "norm", "offset"}},
		{"norm1.weight", []string{"norm_1", "scale"}},
		{"norm4.bias", []string{"norm_4", "offset"}},
		{"cross_attend_blocks.0.proj_q.weight", []string{"cross_attention", "query", "weights"}},
		{"cross_attend_blocks.0.proj_v.bias", []string{"cross_attention", "value", "biases"}},
		{"cross_attend_blocks.1.fc1.weight", []string{"cross_ffw", "fc1", "weights"}},
		{"layers.0.proj_k.weight", []string{"self_attention", "key", "weights"}},
		{"layers.1.fc2.bias", []string{"self_ffw", "fc2", "biases"}},
		// Parameters of the unused plain encoder stack have no home.
		{"blocks.0.attn.proj_q.weight", nil},
		{"embed.tok_embed1.bias", nil},
		{"unknown", nil},
	}
	for _, testCase := range testCases {
		require.Equalf(t, testCase.want, TargetScopeAndName(testCase.name), "name=%q", testCase.name)
	}
}

func TestLoadIntoContext(t *testing.T) {
	ctx := context.New()
	variable := ctx.In("model").In("embeddings").In("token_projection").
		VariableWithShape("biases", shapes.Make(dtypes.Float32, 3))

	checkpoint := NewTree[*tensors.Tensor]()
	require.NoError(t, checkpoint.Set(Path{"embed", "tok_embed2", "bias"},
		tensors.FromValue([]float32{1, 2, 3})))
	// Unknown names are skipped, not fatal.
	require.NoError(t, checkpoint.Set(Path{"blocks", "0", "attn", "proj_q", "weight"},
		tensors.FromValue([]float32{9})))

	require.NoError(t, LoadIntoContext(ctx, checkpoint))
	require.Equal(t, []float32{1, 2, 3}, variable.Value().Value())

	// A shape disagreement is an error.
	badCheckpoint := NewTree[*tensors.Tensor]()
	require.NoError(t, badCheckpoint.Set(Path{"embed", "tok_embed2", "bias"},
		tensors.FromValue([]float32{1, 2})))
	require.Error(t, LoadIntoContext(ctx, badCheckpoint))
}
