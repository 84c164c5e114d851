package weights

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// TargetScopeAndName maps a checkpoint parameter name (the upstream PyTorch
// model's dotted module path) to the scope path and variable name the
// encoder allocates it under, below the "/model" scope.
//
// It returns nil for names that have no home in the model -- e.g. parameters
// of the unused plain encoder stack some checkpoints still carry.
func TargetScopeAndName(name string) []string {
	if name == "latents" {
		return []string{"latents"}
	}

	parts := strings.Split(name, ".")
	kind := parts[len(parts)-1] // "weight" or "bias"
	var suffix []string
	switch kind {
	case "weight":
		suffix = []string{"weights"}
	case "bias":
		suffix = []string{"biases"}
	default:
		return nil
	}

	switch parts[0] {
	case "embed":
		if len(parts) != 3 {
			return nil
		}
		switch parts[1] {
		case "tok_embed1":
			// The narrow factorized table, a bare lookup with no bias.
			if kind != "weight" {
				return nil
			}
			return []string{"embeddings", "token_embedding"}
		case "tok_embed2":
			return append([]string{"embeddings", "token_projection"}, suffix...)
		case "pos_embed":
			if kind != "weight" {
				return nil
			}
			return []string{"embeddings", "position_embedding"}
		case "seg_embed":
			if kind != "weight" {
				return nil
			}
			return []string{"embeddings", "segment_embedding"}
		case "norm":
			return []string{"embeddings", "norm", normParamName(kind)}
		}
		return nil

	case "norm1", "norm2", "norm3", "norm4":
		scope := "norm_" + parts[0][len("norm"):]
		return []string{scope, normParamName(kind)}

	case "cross_attend_blocks":
		// Block 0 is the cross-attention, block 1 its feed-forward.
		if len(parts) != 4 {
			return nil
		}
		switch parts[1] {
		case "0":
			if projection := projectionScope(parts[2]); projection != "" {
				return append([]string{"cross_attention", projection}, suffix...)
			}
		case "1":
			if parts[2] == "fc1" || parts[2] == "fc2" {
				return append([]string{"cross_ffw", parts[2]}, suffix...)
			}
		}
		return nil

	case "layers":
		// Block 0 is the shared self-attention, block 1 its feed-forward.
		if len(parts) != 4 {
			return nil
		}
		switch parts[1] {
		case "0":
			if projection := projectionScope(parts[2]); projection != "" {
				return append([]string{"self_attention", projection}, suffix...)
			}
		case "1":
			if parts[2] == "fc1" || parts[2] == "fc2" {
				return append([]string{"self_ffw", parts[2]}, suffix...)
			}
		}
		return nil
	}
	return nil
}

func projectionScope(name string) string {
	switch name {
	case "proj_q":
		return "query"
	case "proj_k":
		return "key"
	case "proj_v":
		return "value"
	}
	return ""
}

func normParamName(kind string) string {
	if kind == "weight" {
		return "scale"
	}
	return "offset"
}

// LoadIntoContext copies every checkpoint tensor into the matching variable of
// the encoder's context (the one returned by Encoder.Context).
//
// Checkpoint entries with no matching variable are skipped with a warning; a
// shape disagreement with an existing variable is an error.
func LoadIntoContext(ctx *context.Context, checkpoint *Tree[*tensors.Tensor]) error {
	var loaded int
	for treePath, tensor := range checkpoint.OrderedLeaves() {
		name := strings.Join(treePath, ".")
		scopeAndName := TargetScopeAndName(name)
		if scopeAndName == nil {
			klog.Warningf("checkpoint tensor %q (shape %s) has no place in the model, skipping", name, tensor.Shape())
			continue
		}
		scope := "/model"
		if len(scopeAndName) > 1 {
			scope += "/" + strings.Join(scopeAndName[:len(scopeAndName)-1], "/")
		}
		varName := scopeAndName[len(scopeAndName)-1]
		variable := ctx.GetVariableByScopeAndName(scope, varName)
		if variable == nil {
			return errors.Errorf("checkpoint tensor %q maps to variable %q in scope %q, which the model doesn't define",
				name, varName, scope)
		}
		if variable.Shape().DType != tensor.DType() ||
			!slices.Equal(variable.Shape().Dimensions, tensor.Shape().Dimensions) {
			return errors.Errorf("checkpoint tensor %q is shaped %s, but variable %s/%s expects %s",
				name, tensor.Shape(), scope, varName, variable.Shape())
		}
		variable.SetValue(tensor)
		loaded++
	}
	klog.V(1).Infof("loaded %d checkpoint tensors into the model context", loaded)
	return nil
}
