package transformers

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config holds the hyperparameters of the hybrid encoder: the ALBERT-style
// factorized embedding front end plus the Perceiver-style latent bottleneck.
//
// It is a pure value object: created once, validated, and then shared by
// reference across every component -- nothing mutates it after construction.
//
// The JSON field names match the configuration documents that ship with the
// upstream PyTorch checkpoints, so those files can be read directly with
// FromJSON.
type Config struct {
	// DType of all model parameters and activations. Defaults to Float32.
	// It is not part of the JSON document.
	DType dtypes.DType `json:"-"`

	// VocabSize is the number of entries of the token embedding table.
	VocabSize int `json:"vocab_size"`

	// Hidden is the feature width of the embedded input sequence.
	Hidden int `json:"hidden"`

	// HiddenFF is the intermediate width of the position-wise feed-forward
	// net of a standard encoder stack. Legacy: carried for checkpoint
	// compatibility, not read by the forward pass (which uses FFWDim).
	HiddenFF int `json:"hidden_ff"`

	// Embedding is the width of the factorized token embedding lookup,
	// smaller than Hidden -- the lookup result is linearly projected up.
	Embedding int `json:"embedding"`

	// NumLayers and NumHeads configure a standard (non-latent) encoder
	// stack. Legacy: validated but not read by the forward pass, which is
	// driven by ProcessLayers, CrossHeads and LatentHeads instead.
	NumLayers int `json:"n_layers"`
	NumHeads  int `json:"n_heads"`

	// MaxLen is the maximum sequence length supported by the position
	// embedding table.
	MaxLen int `json:"max_len"`

	// NumSegments is the number of sentence segment types.
	NumSegments int `json:"n_segments"`

	// MaxInputLen (M) is the nominal input sequence length of the latent
	// bottleneck. Legacy: the forward pass accepts any length <= MaxLen.
	MaxInputLen int `json:"M"`

	// InputDim (C) is the feature width of the sequence the latent array
	// cross-attends into. It must equal Hidden, since the cross-attention
	// keys/values are projected from the embedded input.
	InputDim int `json:"C"`

	// NumLatents (N) is the number of positions of the latent array.
	NumLatents int `json:"N"`

	// LatentDim (D) is the feature width of the latent array.
	LatentDim int `json:"D"`

	// CrossHeads is the head count of the input -> latent cross-attention.
	// Each head has width LatentDim/CrossHeads.
	CrossHeads int `json:"cross_heads"`

	// LatentHeads is the head count of the latent self-attention.
	// Each head has width LatentDim/LatentHeads.
	LatentHeads int `json:"latent_heads"`

	// CrossDimHead and LatentDimHead are legacy fields: the head widths are
	// derived from LatentDim and the head counts, these values are ignored.
	CrossDimHead  int `json:"cross_dim_head"`
	LatentDimHead int `json:"latent_dim_head"`

	// FFWDim is the intermediate width of the latent feed-forward blocks.
	FFWDim int `json:"ffw"`

	// ProcessLayers is the number of self-attention/feed-forward rounds run
	// over the latent array. All rounds share one set of parameters.
	ProcessLayers int `json:"process_layers"`
}

// NewConfig returns a Config with the default hyperparameters of the
// ALBERT+Perceiver hybrid encoder.
func NewConfig() *Config {
	return &Config{
		DType:         dtypes.Float32,
		VocabSize:     30000,
		Hidden:        384,
		HiddenFF:      640,
		Embedding:     64,
		NumLayers:     6,
		NumHeads:      12,
		MaxLen:        256,
		NumSegments:   2,
		MaxInputLen:   256,
		InputDim:      384,
		NumLatents:    128,
		LatentDim:     384,
		CrossHeads:    1,
		LatentHeads:   8,
		CrossDimHead:  32,
		LatentDimHead: 32,
		FFWDim:        640,
		ProcessLayers: 12,
	}
}

// Validate checks the dimensional invariants the forward pass relies on.
// It returns an error wrapping ErrConfiguration on the first violation found.
// A bad configuration caught here would otherwise surface much later as an
// obscure shape error during graph building.
func (c *Config) Validate() error {
	for _, dim := range []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden", c.Hidden},
		{"embedding", c.Embedding},
		{"max_len", c.MaxLen},
		{"n_segments", c.NumSegments},
		{"C", c.InputDim},
		{"N", c.NumLatents},
		{"D", c.LatentDim},
		{"cross_heads", c.CrossHeads},
		{"latent_heads", c.LatentHeads},
		{"ffw", c.FFWDim},
		{"process_layers", c.ProcessLayers},
	} {
		if dim.value <= 0 {
			return errors.WithMessagef(ErrConfiguration, "%s must be positive, got %d", dim.name, dim.value)
		}
	}
	if c.LatentDim%c.CrossHeads != 0 {
		return errors.WithMessagef(ErrConfiguration,
			"latent width D=%d is not divisible by cross_heads=%d", c.LatentDim, c.CrossHeads)
	}
	if c.LatentDim%c.LatentHeads != 0 {
		return errors.WithMessagef(ErrConfiguration,
			"latent width D=%d is not divisible by latent_heads=%d", c.LatentDim, c.LatentHeads)
	}
	if c.NumHeads > 0 && c.Hidden%c.NumHeads != 0 {
		// NumHeads is not used by the latent forward pass, but a checkpoint
		// carrying an impossible value is broken either way.
		return errors.WithMessagef(ErrConfiguration,
			"hidden width %d is not divisible by n_heads=%d", c.Hidden, c.NumHeads)
	}
	if c.InputDim != c.Hidden {
		return errors.WithMessagef(ErrConfiguration,
			"input width C=%d must equal the embedding output width hidden=%d", c.InputDim, c.Hidden)
	}
	if c.DType == dtypes.InvalidDType {
		return errors.WithMessagef(ErrConfiguration, "dtype is not set")
	}
	return nil
}

// CrossHeadDim returns the per-head width of the cross-attention, D/CrossHeads.
func (c *Config) CrossHeadDim() int { return c.LatentDim / c.CrossHeads }

// LatentHeadDim returns the per-head width of the self-attention, D/LatentHeads.
func (c *Config) LatentHeadDim() int { return c.LatentDim / c.LatentHeads }

// FromJSON reads a Config from a JSON document. Fields missing from the
// document keep the defaults of NewConfig. The returned Config is validated.
func FromJSON(r io.Reader) (*Config, error) {
	c := NewConfig()
	dec := json.NewDecoder(r)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrapf(err, "failed to decode configuration JSON")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromJSONFile reads a Config from the JSON file in path. See FromJSON.
func FromJSONFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open configuration file %q", path)
	}
	defer func() { _ = f.Close() }()
	return FromJSON(f)
}
