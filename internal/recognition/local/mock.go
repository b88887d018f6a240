package local

import (
	"context"
	"strings"
)

const defaultMockPhrase = "MOCK TRANSCRIPT"

// silenceThreshold is the RMS below which the mock treats input as silence.
const silenceThreshold = 1e-3

// mockAcoustic emits logits that spell a fixed phrase for any non-silent
// input and blanks otherwise.
type mockAcoustic struct {
	vocab  *Vocabulary
	phrase string
}

func NewMockAcoustic(vocab *Vocabulary, phrase string) Acoustic {
	if phrase == "" {
		phrase = defaultMockPhrase
	}
	return &mockAcoustic{vocab: vocab, phrase: phrase}
}

func (m *mockAcoustic) Forward(_ context.Context, input []float64, _ int) ([][]float64, error) {
	if energy(input) < silenceThreshold {
		return [][]float64{m.frame(m.vocab.blank)}, nil
	}
	var logits [][]float64
	for _, r := range strings.ToUpper(m.phrase) {
		label := string(r)
		if r == ' ' {
			label = delimiterToken
		}
		id := m.vocab.ID(label)
		if id < 0 {
			continue
		}
		// a blank between labels keeps doubled letters apart
		logits = append(logits, m.frame(id), m.frame(m.vocab.blank))
	}
	return logits, nil
}

func (m *mockAcoustic) frame(hot int) []float64 {
	row := make([]float64, m.vocab.Size())
	row[hot] = 1
	return row
}

func (m *mockAcoustic) Close(context.Context) error {
	return nil
}
