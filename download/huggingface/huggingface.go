// Package huggingface downloads a converted encoder checkpoint and its
// sentencepiece tokenizer from HuggingFace, and loads the weights straight
// into a model context.
//
// The HuggingFace repository stores the tensors under the upstream PyTorch
// model's names (e.g. "embed.tok_embed1.weight"), with
// linear kernels in the PyTorch [outDim, inDim] orientation; they are
// transposed here to the input-major layout the encoder's variables use.
package huggingface

import (
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/latentbert/sentencepiece"
	"github.com/gomlx/latentbert/weights"
	"k8s.io/klog/v2"
)

// Download fetches (if not yet cached under cacheDir) the model identified by
// hfID, loads its weights into the given context -- the one returned by
// Encoder.Context() -- and returns the accompanying sentencepiece tokenizer.
//
// The hfAuthToken is a read-only HuggingFace access token; it can be empty
// for public repositories.
func Download(ctx *context.Context, hfID, hfAuthToken, cacheDir string) (vocab *sentencepiece.Processor, err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	var hfm *gomlxhf.Model
	hfm, err = gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return
	}
	err = hfm.Download()
	if err != nil {
		return
	}

	vocab, err = sentencepiece.NewFromPath(path.Join(hfm.BaseDir, "tokenizer.model"))
	if err != nil {
		return
	}

	checkpoint := weights.NewTree[*tensors.Tensor]()
	var count int
	for entry, err2 := range hfm.EnumerateTensors() {
		if err2 != nil {
			err = err2
			return
		}
		tensor := entry.Tensor
		if isLinearKernel(entry.Name) {
			tensor = transpose2D(tensor)
		}
		err = checkpoint.Set(strings.Split(entry.Name, "."), tensor)
		if err != nil {
			return
		}
		count++
	}
	klog.V(1).Infof("downloaded %d tensors from %q", count, hfID)
	err = weights.LoadIntoContext(ctx, checkpoint)
	return
}

// isLinearKernel reports whether the named tensor is an nn.Linear kernel in
// the upstream PyTorch model, and so needs transposing. Embedding tables
// and norm parameters keep their layout.
func isLinearKernel(name string) bool {
	if !strings.HasSuffix(name, ".weight") {
		return false
	}
	parts := strings.Split(name, ".")
	module := parts[len(parts)-2]
	switch module {
	case "tok_embed2", "proj_q", "proj_k", "proj_v", "fc1", "fc2":
		return true
	}
	return false
}

// transpose2D returns a new [cols, rows] tensor with the values of the given
// [rows, cols] float32 tensor transposed.
func transpose2D(t *tensors.Tensor) *tensors.Tensor {
	dims := t.Shape().Dimensions
	rows, cols := dims[0], dims[1]
	transposed := make([]float32, rows*cols)
	tensors.ConstFlatData(t, func(flat []float32) {
		for row := 0; row < rows; row++ {
			for col := 0; col < cols; col++ {
				transposed[col*rows+row] = flat[row*cols+col]
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(transposed, cols, rows)
}
