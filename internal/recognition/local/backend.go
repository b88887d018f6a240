package local

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
)

// Backend transcribes with a locally executed CTC acoustic model. The model
// is loaded through the shared Handle on first use.
type Backend struct {
	handle *Handle
	logger *slog.Logger
}

func NewBackend(handle *Handle, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{handle: handle, logger: logger.With(slog.String("component", "local_backend"))}
}

func (b *Backend) Name() string {
	return recognition.BackendLocal
}

// Recognize ignores language; the model's vocabulary fixes it.
func (b *Backend) Recognize(ctx context.Context, asset audio.Asset, _ string) recognition.Outcome {
	model, err := b.handle.Get(ctx)
	if err != nil {
		b.logger.Error("model load failed", slog.String("error", err.Error()))
		return recognition.Failedf(recognition.ReasonOther, "load model: %v", err)
	}

	pcm, err := audio.Decode(asset.Path)
	if err != nil {
		return recognition.Failedf(recognition.ReasonOther, "read audio: %v", err)
	}
	rate := model.Features.SamplingRate
	pcm = pcm.To16Bit().Mono().Resample(rate)

	started := time.Now()
	values := extractFeatures(pcm.Samples, model.Features)
	logits, err := model.Acoustic.Forward(ctx, values, rate)
	if err != nil {
		return recognition.Failedf(recognition.ReasonOther, "forward pass: %v", err)
	}
	for i, frame := range logits {
		if len(frame) != model.Vocab.Size() {
			return recognition.Failedf(recognition.ReasonOther, "frame %d has %d logits, vocabulary has %d", i, len(frame), model.Vocab.Size())
		}
	}
	text := model.Vocab.Decode(logits)
	b.logger.Debug("local recognition completed",
		slog.Int("frames", len(logits)),
		slog.Duration("latency", time.Since(started)),
	)
	return recognition.Text(text)
}
