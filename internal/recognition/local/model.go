package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"gonum.org/v1/gonum/floats"
)

const (
	vocabFile        = "vocab.json"
	preprocessorFile = "preprocessor_config.json"

	blankToken     = "<pad>"
	delimiterToken = "|"
)

// Acoustic runs the forward pass of an acoustic model: normalized input
// values in, one row of logits per output frame out.
type Acoustic interface {
	Forward(ctx context.Context, input []float64, sampleRate int) ([][]float64, error)
	Close(ctx context.Context) error
}

// Vocabulary maps CTC output ids to labels.
type Vocabulary struct {
	labels []string
	blank  int
}

// defaultLabels is the character vocabulary of facebook/wav2vec2-base-960h.
var defaultLabels = []string{
	"<pad>", "<s>", "</s>", "<unk>", "|",
	"E", "T", "A", "O", "N", "I", "H", "S", "R", "D", "L", "U", "M", "W", "C",
	"F", "G", "Y", "P", "B", "V", "K", "'", "X", "J", "Q", "Z",
}

func NewVocabulary(labels []string) (*Vocabulary, error) {
	if len(labels) == 0 {
		return nil, errors.New("vocabulary is empty")
	}
	blank := -1
	for i, l := range labels {
		if l == blankToken {
			blank = i
			break
		}
	}
	if blank < 0 {
		blank = 0
	}
	return &Vocabulary{labels: append([]string(nil), labels...), blank: blank}, nil
}

func defaultVocabulary() *Vocabulary {
	v, _ := NewVocabulary(defaultLabels)
	return v
}

// LoadVocabulary reads a label to id JSON object.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var ids map[string]int
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	type pair struct {
		label string
		id    int
	}
	pairs := make([]pair, 0, len(ids))
	for label, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("vocabulary id for %q is negative", label)
		}
		pairs = append(pairs, pair{label, id})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	if len(pairs) == 0 {
		return nil, errors.New("vocabulary is empty")
	}
	labels := make([]string, pairs[len(pairs)-1].id+1)
	for _, p := range pairs {
		labels[p.id] = p.label
	}
	return NewVocabulary(labels)
}

func (v *Vocabulary) Size() int {
	return len(v.labels)
}

// ID returns the id of label, or -1.
func (v *Vocabulary) ID(label string) int {
	for i, l := range v.labels {
		if l == label {
			return i
		}
	}
	return -1
}

// Decode performs greedy CTC decoding: arg-max per frame, merge repeats,
// drop the blank, map the word delimiter to a space.
func (v *Vocabulary) Decode(logits [][]float64) string {
	var b strings.Builder
	prev := -1
	for _, frame := range logits {
		if len(frame) == 0 {
			continue
		}
		id := floats.MaxIdx(frame)
		if id == prev {
			continue
		}
		prev = id
		if id == v.blank || id >= len(v.labels) {
			continue
		}
		label := v.labels[id]
		switch {
		case label == delimiterToken:
			b.WriteByte(' ')
		case strings.HasPrefix(label, "<") && strings.HasSuffix(label, ">"):
		default:
			b.WriteString(label)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// FeatureConfig mirrors the fields of preprocessor_config.json the
// feature extractor needs.
type FeatureConfig struct {
	SamplingRate int     `json:"sampling_rate"`
	DoNormalize  bool    `json:"do_normalize"`
	PaddingValue float64 `json:"padding_value"`
}

func defaultFeatureConfig() FeatureConfig {
	return FeatureConfig{SamplingRate: 16000, DoNormalize: true}
}

func loadFeatureConfig(path string) (FeatureConfig, error) {
	cfg := defaultFeatureConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse feature config: %w", err)
	}
	if cfg.SamplingRate <= 0 {
		return cfg, errors.New("feature config sampling_rate must be positive")
	}
	return cfg, nil
}

// Model bundles everything a forward pass needs.
type Model struct {
	Name     string
	Vocab    *Vocabulary
	Features FeatureConfig
	Acoustic Acoustic
}

func (m *Model) Close(ctx context.Context) error {
	if m == nil || m.Acoustic == nil {
		return nil
	}
	return m.Acoustic.Close(ctx)
}

// NewLoader returns a Loader that builds the model described by cfg.
// Mock mode falls back to the built-in vocabulary when the model directory
// has none; exec and wasm modes require vocab.json.
func NewLoader(cfg config.LocalConfig, logger *slog.Logger) Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) (*Model, error) {
		return loadModel(ctx, cfg, logger)
	}
}

func loadModel(ctx context.Context, cfg config.LocalConfig, logger *slog.Logger) (*Model, error) {
	logger.Info("loading acoustic model", slog.String("model", cfg.ModelName), slog.String("mode", cfg.Mode))

	vocab, err := LoadVocabulary(filepath.Join(cfg.ModelDir, vocabFile))
	if err != nil {
		if cfg.Mode != "mock" || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		vocab = defaultVocabulary()
	}
	features, err := loadFeatureConfig(filepath.Join(cfg.ModelDir, preprocessorFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var acoustic Acoustic
	switch cfg.Mode {
	case "exec":
		acoustic, err = NewExecAcoustic(cfg.Command, cfg.ModelDir)
	case "wasm":
		acoustic, err = NewWasmAcoustic(ctx, cfg.ModulePath, logger)
	case "mock", "":
		acoustic = NewMockAcoustic(vocab, "")
	default:
		err = fmt.Errorf("unsupported local model mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("acoustic model loaded",
		slog.String("model", cfg.ModelName),
		slog.Int("vocab_size", vocab.Size()),
		slog.Int("sampling_rate", features.SamplingRate),
	)
	return &Model{Name: cfg.ModelName, Vocab: vocab, Features: features, Acoustic: acoustic}, nil
}
