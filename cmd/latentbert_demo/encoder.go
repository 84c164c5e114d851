package main

import (
	"flag"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/latentbert/embedders"
	"github.com/gomlx/latentbert/sentencepiece"
	"github.com/gomlx/latentbert/transformers"
	weightsPkg "github.com/gomlx/latentbert/weights"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir    = flag.String("data", "~/work/latentbert", "Directory to cache downloaded and generated dataset files.")
	flagVocabFile  = flag.String("vocab", "weights/tokenizer.model", "Tokenizer file with vocabulary. Relative to --data directory.")
	flagConfig     = flag.String("config", "", "Model configuration JSON file, relative to --data directory. Empty uses the default hyperparameters.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory with a converted checkpoint, relative to --data directory. Empty encodes with freshly initialized weights.")
)

// resolveDataPath makes p absolute, interpreting it relative to --data.
func resolveDataPath(p string) string {
	p = data.ReplaceTildeInDir(p)
	if !path.IsAbs(p) {
		dataDir := data.ReplaceTildeInDir(*flagDataDir)
		p = path.Join(dataDir, p)
	}
	return p
}

// BuildTokenizer from flags --data and --vocab. Panics in case of error.
func BuildTokenizer() *sentencepiece.Processor {
	return must.M1(sentencepiece.NewFromPath(resolveDataPath(*flagVocabFile)))
}

// BuildEmbedder creates the encoder from the flags: configuration, backend,
// and optionally a converted checkpoint. Panics in case of error.
func BuildEmbedder() *embedders.Embedder {
	vocab := BuildTokenizer()
	config := transformers.NewConfig()
	if *flagConfig != "" {
		config = must.M1(transformers.FromJSONFile(resolveDataPath(*flagConfig)))
	}
	encoder := must.M1(transformers.NewEncoder(backends.New(), config))
	if *flagCheckpoint != "" {
		checkpoint := must.M1(weightsPkg.ReadCheckpoint(resolveDataPath(*flagCheckpoint)))
		must.M(weightsPkg.LoadIntoContext(encoder.Context(), checkpoint))
	} else {
		klog.Warning("no --checkpoint given, encoding with randomly initialized weights")
	}
	return embedders.New(vocab, encoder)
}
