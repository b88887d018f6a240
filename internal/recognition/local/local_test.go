package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"gonum.org/v1/gonum/stat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeAsset(t *testing.T, samples []int, rate int) audio.Asset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canonical.wav")
	if err := audio.WriteWAV(path, &audio.PCM{Samples: samples, SampleRate: rate, Channels: 1, BitDepth: 16}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return audio.Asset{Path: path, Format: audio.FormatWAV, SampleRate: rate, Channels: 1}
}

func tone(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = int(6000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func mockModel() *Model {
	vocab := defaultVocabulary()
	return &Model{Name: "mock", Vocab: vocab, Features: defaultFeatureConfig(), Acoustic: NewMockAcoustic(vocab, "")}
}

func TestHandleConcurrentFirstUseLoadsOnce(t *testing.T) {
	var loads int32
	handle := NewHandle(func(context.Context) (*Model, error) {
		atomic.AddInt32(&loads, 1)
		time.Sleep(50 * time.Millisecond)
		return mockModel(), nil
	})

	const callers = 16
	models := make([]*Model, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			m, err := handle.Get(context.Background())
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			models[i] = m
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if models[i] != models[0] {
			t.Fatal("callers observed different models")
		}
	}
}

func TestHandleRetriesFailedLoad(t *testing.T) {
	var loads int32
	handle := NewHandle(func(context.Context) (*Model, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return nil, errors.New("disk unavailable")
		}
		return mockModel(), nil
	})
	if _, err := handle.Get(context.Background()); err == nil {
		t.Fatal("expected first load to fail")
	}
	if handle.Loaded() {
		t.Fatal("failed load must not be cached")
	}
	if _, err := handle.Get(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("expected two load attempts, got %d", got)
	}
}

func oneHot(vocab *Vocabulary, labels ...string) [][]float64 {
	var out [][]float64
	for _, l := range labels {
		row := make([]float64, vocab.Size())
		row[vocab.ID(l)] = 0.9
		row[0] += 0.05
		out = append(out, row)
	}
	return out
}

func TestVocabularyDecode(t *testing.T) {
	vocab := defaultVocabulary()
	logits := oneHot(vocab,
		"<pad>", "H", "H", "E", "L", "<pad>", "L", "L", "O", "|", "|",
		"W", "O", "R", "<s>", "L", "D", "<pad>", "|",
	)
	if got := vocab.Decode(logits); got != "HELLO WORLD" {
		t.Fatalf("unexpected decode %q", got)
	}
	if got := vocab.Decode(nil); got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
}

func TestLoadVocabulary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.json")
	if err := os.WriteFile(path, []byte(`{"|":2,"<pad>":0,"A":1,"B":3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	vocab, err := LoadVocabulary(path)
	if err != nil {
		t.Fatalf("load vocabulary: %v", err)
	}
	if vocab.Size() != 4 || vocab.ID("B") != 3 || vocab.blank != 0 {
		t.Fatalf("unexpected vocabulary %+v", vocab)
	}
}

func TestExtractFeaturesNormalizes(t *testing.T) {
	values := extractFeatures(tone(16000), FeatureConfig{SamplingRate: 16000, DoNormalize: true})
	mean, variance := stat.PopMeanVariance(values, nil)
	if math.Abs(mean) > 1e-9 || math.Abs(variance-1) > 1e-3 {
		t.Fatalf("expected zero mean unit variance, got mean=%v var=%v", mean, variance)
	}

	raw := extractFeatures([]int{16384, -32768}, FeatureConfig{SamplingRate: 16000})
	if raw[0] != 0.5 || raw[1] != -1 {
		t.Fatalf("unexpected scaling %v", raw)
	}
}

func TestBackendMockModel(t *testing.T) {
	handle := NewHandle(func(context.Context) (*Model, error) { return mockModel(), nil })
	backend := NewBackend(handle, testLogger())
	if backend.Name() != recognition.BackendLocal {
		t.Fatalf("unexpected name %s", backend.Name())
	}

	outcome := backend.Recognize(context.Background(), writeAsset(t, tone(8000), 16000), "en-US")
	if !outcome.OK() || outcome.Text() != defaultMockPhrase {
		t.Fatalf("unexpected outcome %v", outcome)
	}

	silent := backend.Recognize(context.Background(), writeAsset(t, make([]int, 8000), 16000), "en-US")
	if !silent.OK() || silent.Text() != "" {
		t.Fatalf("expected empty successful transcription for silence, got %v", silent)
	}
}

func TestBackendResamplesToModelRate(t *testing.T) {
	var seen int
	model := mockModel()
	model.Acoustic = acousticFunc(func(input []float64, rate int) ([][]float64, error) {
		seen = len(input)
		return nil, nil
	})
	backend := NewBackend(NewHandle(func(context.Context) (*Model, error) { return model, nil }), testLogger())
	outcome := backend.Recognize(context.Background(), writeAsset(t, tone(8000), 8000), "")
	if !outcome.OK() {
		t.Fatalf("unexpected failure %v", outcome)
	}
	if seen != 16000 {
		t.Fatalf("expected input resampled to 16000 samples, got %d", seen)
	}
}

func TestBackendLoadFailure(t *testing.T) {
	var loads int32
	handle := NewHandle(func(context.Context) (*Model, error) {
		atomic.AddInt32(&loads, 1)
		return nil, errors.New("weights missing")
	})
	backend := NewBackend(handle, testLogger())
	asset := writeAsset(t, tone(1600), 16000)
	for i := 0; i < 2; i++ {
		outcome := backend.Recognize(context.Background(), asset, "")
		if outcome.OK() || outcome.Reason() != recognition.ReasonOther {
			t.Fatalf("expected Failed{other}, got %v", outcome)
		}
	}
	if atomic.LoadInt32(&loads) != 2 {
		t.Fatalf("expected load retried per request, got %d", loads)
	}
}

func TestBackendRejectsMismatchedLogits(t *testing.T) {
	model := mockModel()
	model.Acoustic = acousticFunc(func([]float64, int) ([][]float64, error) {
		return [][]float64{{0.1, 0.2}}, nil
	})
	backend := NewBackend(NewHandle(func(context.Context) (*Model, error) { return model, nil }), testLogger())
	outcome := backend.Recognize(context.Background(), writeAsset(t, tone(1600), 16000), "")
	if outcome.OK() || outcome.Reason() != recognition.ReasonOther {
		t.Fatalf("expected Failed{other}, got %v", outcome)
	}
}

type acousticFunc func(input []float64, rate int) ([][]float64, error)

func (f acousticFunc) Forward(_ context.Context, input []float64, rate int) ([][]float64, error) {
	return f(input, rate)
}

func (f acousticFunc) Close(context.Context) error { return nil }

// TestExecHelperProcess is not a real test; it is the acoustic command
// executed by TestExecAcoustic.
func TestExecHelperProcess(t *testing.T) {
	if os.Getenv("SCRIBE_EXEC_HELPER") != "1" {
		return
	}
	var req execRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	vocab := defaultVocabulary()
	resp := execResponse{Logits: oneHot(vocab, "O", "K", "<pad>")}
	if req.SamplingRate != 16000 || len(req.InputValues) == 0 {
		resp = execResponse{Error: "bad request"}
	}
	json.NewEncoder(os.Stdout).Encode(resp)
	os.Exit(0)
}

func TestExecAcoustic(t *testing.T) {
	t.Setenv("SCRIBE_EXEC_HELPER", "1")
	command := fmt.Sprintf("%q -test.run=TestExecHelperProcess --", os.Args[0])

	cfg := config.Default().Local
	cfg.Mode = "exec"
	cfg.Command = command
	cfg.ModelDir = t.TempDir()
	ids := map[string]int{}
	for i, l := range defaultLabels {
		ids[l] = i
	}
	vocab, err := json.Marshal(ids)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.ModelDir, vocabFile), vocab, 0o644); err != nil {
		t.Fatal(err)
	}

	backend := NewBackend(NewHandle(NewLoader(cfg, testLogger())), testLogger())
	outcome := backend.Recognize(context.Background(), writeAsset(t, tone(1600), 16000), "")
	if !outcome.OK() || outcome.Text() != "OK" {
		t.Fatalf("unexpected outcome %v", outcome)
	}
}

func TestLoaderRequiresVocabularyOutsideMock(t *testing.T) {
	cfg := config.Default().Local
	cfg.Mode = "exec"
	cfg.Command = "true"
	cfg.ModelDir = t.TempDir()
	if _, err := NewLoader(cfg, testLogger())(context.Background()); err == nil {
		t.Fatal("expected error without vocab.json")
	}

	cfg.Mode = "mock"
	model, err := NewLoader(cfg, testLogger())(context.Background())
	if err != nil {
		t.Fatalf("mock loader: %v", err)
	}
	if model.Vocab.Size() != len(defaultLabels) {
		t.Fatalf("expected built-in vocabulary, got %d labels", model.Vocab.Size())
	}
}

func TestWasmAcousticMissingModule(t *testing.T) {
	ctx := context.Background()
	if _, err := NewWasmAcoustic(ctx, filepath.Join(t.TempDir(), "missing.wasm"), testLogger()); err == nil {
		t.Fatal("expected error for missing module")
	}
}

func TestWasmAcousticInvalidModule(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.wasm")
	if err := os.WriteFile(path, []byte("not wasm"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWasmAcoustic(ctx, path, testLogger()); err == nil {
		t.Fatal("expected compile error")
	}
}

// acousticModuleWasm is a minimal acoustic module with a three-label
// vocabulary. alloc always returns 1024. infer(ptr, n) returns -3 when n is
// zero. Otherwise it writes two frames at 4096: [input[0], 0.5, -1] and
// [0, 1, 2.5].
var acousticModuleWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32)->i32, (i32 i32)->i32, ()->i32
	0x01, 0x10, 0x03, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x01, 0x7f,
	// functions
	0x03, 0x05, 0x04, 0x00, 0x01, 0x02, 0x02,
	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports: memory alloc infer logits_ptr vocab_size
	0x07, 0x34, 0x05,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x05, 0x61, 0x6c, 0x6c, 0x6f, 0x63, 0x00, 0x00,
	0x05, 0x69, 0x6e, 0x66, 0x65, 0x72, 0x00, 0x01,
	0x0a, 0x6c, 0x6f, 0x67, 0x69, 0x74, 0x73, 0x5f, 0x70, 0x74, 0x72, 0x00, 0x02,
	0x0a, 0x76, 0x6f, 0x63, 0x61, 0x62, 0x5f, 0x73, 0x69, 0x7a, 0x65, 0x00, 0x03,
	// code
	0x0a, 0x62, 0x04,
	// alloc
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	// infer
	0x4f, 0x00,
	0x20, 0x01, 0x45, 0x04, 0x40, 0x41, 0x7d, 0x0f, 0x0b,
	0x41, 0x80, 0x20, 0x20, 0x00, 0x2a, 0x02, 0x00, 0x38, 0x02, 0x00,
	0x41, 0x84, 0x20, 0x43, 0x00, 0x00, 0x00, 0x3f, 0x38, 0x02, 0x00,
	0x41, 0x88, 0x20, 0x43, 0x00, 0x00, 0x80, 0xbf, 0x38, 0x02, 0x00,
	0x41, 0x8c, 0x20, 0x43, 0x00, 0x00, 0x00, 0x00, 0x38, 0x02, 0x00,
	0x41, 0x90, 0x20, 0x43, 0x00, 0x00, 0x80, 0x3f, 0x38, 0x02, 0x00,
	0x41, 0x94, 0x20, 0x43, 0x00, 0x00, 0x20, 0x40, 0x38, 0x02, 0x00,
	0x41, 0x02, 0x0b,
	// logits_ptr
	0x05, 0x00, 0x41, 0x80, 0x20, 0x0b,
	// vocab_size
	0x04, 0x00, 0x41, 0x03, 0x0b,
}

func loadTestWasmAcoustic(t *testing.T) Acoustic {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "model.wasm")
	if err := os.WriteFile(path, acousticModuleWasm, 0o644); err != nil {
		t.Fatal(err)
	}
	acoustic, err := NewWasmAcoustic(ctx, path, testLogger())
	if err != nil {
		t.Fatalf("load wasm acoustic: %v", err)
	}
	t.Cleanup(func() { acoustic.Close(ctx) })
	return acoustic
}

func TestWasmAcousticForward(t *testing.T) {
	acoustic := loadTestWasmAcoustic(t)
	logits, err := acoustic.Forward(context.Background(), []float64{0.25, -0.75, 0.5}, 16000)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := [][]float64{{0.25, 0.5, -1}, {0, 1, 2.5}}
	if len(logits) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(logits))
	}
	for f := range want {
		if len(logits[f]) != len(want[f]) {
			t.Fatalf("frame %d: expected %d logits, got %d", f, len(want[f]), len(logits[f]))
		}
		for v := range want[f] {
			if logits[f][v] != want[f][v] {
				t.Fatalf("frame %d logit %d = %v, want %v", f, v, logits[f][v], want[f][v])
			}
		}
	}

	vocab, err := NewVocabulary([]string{"<pad>", "O", "K"})
	if err != nil {
		t.Fatal(err)
	}
	if got := vocab.Decode(logits); got != "OK" {
		t.Fatalf("unexpected decode %q", got)
	}

	// A loud first sample makes the blank win the first frame.
	logits, err = acoustic.Forward(context.Background(), []float64{4}, 16000)
	if err != nil {
		t.Fatalf("second forward: %v", err)
	}
	if got := vocab.Decode(logits); got != "K" {
		t.Fatalf("unexpected decode %q", got)
	}
}

func TestWasmAcousticInferFailure(t *testing.T) {
	acoustic := loadTestWasmAcoustic(t)
	_, err := acoustic.Forward(context.Background(), nil, 16000)
	if err == nil || !strings.Contains(err.Error(), "infer returned code -3") {
		t.Fatalf("expected negative infer code error, got %v", err)
	}
}
