// Package weights reads converted encoder checkpoints into tensors and loads
// them into a model context.
//
// A converted checkpoint is a single msgpack file named "checkpoint" inside
// the checkpoint directory: a map from the upstream PyTorch model's dotted
// parameter names (e.g. "embed.tok_embed1.weight") to {dims, values} entries.
// Linear kernels are stored input-major ([inDim, outDim]), i.e. already
// transposed from the PyTorch [out, in] layout at conversion time.
package weights

import (
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
)

// CheckpointFileName inside the checkpoint directory.
const CheckpointFileName = "checkpoint"

// checkpointEntry is one tensor in the aggregate msgpack file.
type checkpointEntry struct {
	Dims   []int     `msgpack:"dims"`
	Values []float32 `msgpack:"values"`
}

// ReadCheckpoint reads the aggregate checkpoint file under checkpointDir into
// a tree of tensors, keyed by the dotted parameter names split on ".".
func ReadCheckpoint(checkpointDir string) (*Tree[*tensors.Tensor], error) {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	checkpointPath := path.Join(checkpointDir, CheckpointFileName)
	f, err := os.Open(checkpointPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open aggregate checkpoint file %q", checkpointPath)
	}
	defer func() { _ = f.Close() }()

	var entries map[string]checkpointEntry
	if err := msgpack.NewDecoder(f).Decode(&entries); err != nil {
		return nil, errors.Wrapf(err, "failed to decode aggregate checkpoint file %q", checkpointPath)
	}

	tree := NewTree[*tensors.Tensor]()
	for name, entry := range entries {
		numValues := 1
		for _, dim := range entry.Dims {
			numValues *= dim
		}
		if len(entry.Dims) == 0 || numValues != len(entry.Values) {
			return nil, errors.Errorf("checkpoint tensor %q has %d values, which doesn't fit its dimensions %v",
				name, len(entry.Values), entry.Dims)
		}
		tensor := tensors.FromFlatDataAndDimensions(entry.Values, entry.Dims...)
		if err := tree.Set(strings.Split(name, "."), tensor); err != nil {
			return nil, errors.WithMessagef(err, "checkpoint tensor %q", name)
		}
	}
	klog.V(1).Infof("read %d tensors from %q", tree.NumLeaves(), checkpointPath)
	return tree, nil
}
