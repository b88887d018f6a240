package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// DurationPolicy bounds how much audio a request may submit.
type DurationPolicy struct {
	MaxSeconds float64
}

// DecodeError reports audio that could not be parsed, used an unsupported
// codec, contained no samples, or failed in the external decoder.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Normalizer converts arbitrary input audio into the canonical form:
// 16-bit PCM, mono, at the configured sample rate, in a WAV container.
type Normalizer struct {
	rate    int
	decoder *externalDecoder
	logger  *slog.Logger
}

func NewNormalizer(cfg config.AudioConfig, logger *slog.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	decoder, err := newExternalDecoder(cfg.DecoderCommand)
	if err != nil {
		return nil, err
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &Normalizer{
		rate:    rate,
		decoder: decoder,
		logger:  logger.With(slog.String("component", "normalizer")),
	}, nil
}

// SampleRate is the canonical output rate.
func (n *Normalizer) SampleRate() int {
	return n.rate
}

// Normalize writes a canonical copy of in under outDir and returns it.
// The input file is left untouched. Already canonical input passes through
// the same decode and encode steps, so the output is sample-identical.
func (n *Normalizer) Normalize(ctx context.Context, in Asset, outDir string) (Asset, error) {
	if in.Format == "" {
		probed, err := Probe(in.Path)
		if err != nil {
			return Asset{}, &DecodeError{Path: in.Path, Err: err}
		}
		in = probed
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Asset{}, fmt.Errorf("create output dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))

	var pcm *PCM
	var err error
	if in.Format == FormatWAV {
		pcm, err = Decode(in.Path)
	}
	if in.Format != FormatWAV || errors.Is(err, errNotPCM) {
		intermediate := filepath.Join(outDir, stem+".decoded.wav")
		n.logger.Debug("transcoding input", slog.String("path", in.Path), slog.String("format", string(in.Format)))
		if terr := n.decoder.transcode(ctx, in.Path, intermediate); terr != nil {
			return Asset{}, &DecodeError{Path: in.Path, Err: terr}
		}
		defer os.Remove(intermediate)
		pcm, err = Decode(intermediate)
	}
	if err != nil {
		return Asset{}, err
	}

	canonical := pcm.To16Bit().Mono().Resample(n.rate)
	outPath := filepath.Join(outDir, stem+".canonical.wav")
	if samePath(outPath, in.Path) {
		outPath = filepath.Join(outDir, stem+".canonical.1.wav")
	}
	if err := WriteWAV(outPath, canonical); err != nil {
		return Asset{}, err
	}

	out := Asset{
		Path:       outPath,
		Format:     FormatWAV,
		SampleRate: canonical.SampleRate,
		Channels:   1,
		Duration:   canonical.Duration(),
	}
	n.logger.Debug("normalized audio",
		slog.String("input", in.Path),
		slog.Int("source_rate", pcm.SampleRate),
		slog.Int("source_channels", pcm.Channels),
		slog.Float64("duration_seconds", out.Duration),
	)
	return out, nil
}

// Measure returns the asset duration from its decoded frame count.
func (n *Normalizer) Measure(asset Asset) (float64, error) {
	pcm, err := Decode(asset.Path)
	if err != nil {
		return 0, err
	}
	return pcm.Duration(), nil
}

// ValidateDuration re-decodes the asset and reports whether its measured
// duration is within the policy. Exceeding the limit is not an error.
func (n *Normalizer) ValidateDuration(asset Asset, policy DurationPolicy) (bool, float64, error) {
	measured, err := n.Measure(asset)
	if err != nil {
		return false, 0, err
	}
	return measured <= policy.MaxSeconds, measured, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
