package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

type fixedBackend struct {
	name string
	text string
}

func (f fixedBackend) Name() string { return f.name }

func (f fixedBackend) Recognize(context.Context, audio.Asset, string) recognition.Outcome {
	return recognition.Text(f.text)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *Client {
	return startBusWithPayload(t, 0)
}

func startBusWithPayload(t *testing.T, payloadMB int) *Client {
	t.Helper()
	logger := testLogger()
	cfg := config.BusConfig{
		Enabled:        true,
		Embedded:       true,
		Port:           -1,
		StoreDir:       filepath.Join(t.TempDir(), "nats"),
		ConnectTimeout: 2000,
		MaxPayloadMB:   payloadMB,
	}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newService(t *testing.T, client *Client) *service.Service {
	t.Helper()
	logger := testLogger()
	root := t.TempDir()
	normalizer, err := audio.NewNormalizer(config.Default().Audio, logger)
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	orch := pipeline.New(normalizer, []recognition.Backend{
		fixedBackend{name: recognition.BackendCloud, text: "over the bus"},
		fixedBackend{name: recognition.BackendLocal, text: "OVER THE BUS"},
	}, pipeline.Options{Policy: audio.DurationPolicy{MaxSeconds: 5}, WorkRoot: filepath.Join(root, "work")}, logger)
	svc := service.New(orch, nil, artifacts.NewWriter(filepath.Join(root, "outputs"), logger), logger)
	svc.SetPublisher(client)
	return svc
}

func toneBytes(t *testing.T, seconds float64) []byte {
	t.Helper()
	rate := 16000
	samples := make([]int, int(seconds*float64(rate)))
	for i := range samples {
		samples[i] = int(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := audio.WriteWAV(path, &audio.PCM{Samples: samples, SampleRate: rate, Channels: 1, BitDepth: 16}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func startWorker(t *testing.T, client *Client, svc *service.Service) string {
	t.Helper()
	uploads := filepath.Join(t.TempDir(), "uploads")
	worker := NewWorker(context.Background(), client, svc, uploads, 2)
	if err := worker.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(worker.Close)
	if !worker.Healthy() {
		t.Fatal("expected worker healthy after start")
	}
	return uploads
}

func TestWorkerRecognizesInlineAudio(t *testing.T) {
	client := startBus(t)
	svc := newService(t, client)
	uploads := startWorker(t, client, svc)

	events, err := client.Conn().SubscribeSync(protocol.SubjectResultAggregated)
	if err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	defer events.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id := uuid.NewString()
	reply, err := client.Recognize(ctx, protocol.RecognitionRequest{
		RequestID: id,
		Filename:  "tone.wav",
		Audio:     toneBytes(t, 1),
		Method:    "both",
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if reply.Status != protocol.StatusSuccess || reply.RequestID != id {
		t.Fatalf("unexpected reply %+v", reply)
	}
	keys := reply.Results.Keys()
	if len(keys) != 2 || keys[0] != recognition.BackendCloud {
		t.Fatalf("unexpected result keys %v", keys)
	}
	local, _ := reply.Results.Get(recognition.BackendLocal)
	if local.Text() != "OVER THE BUS" {
		t.Fatalf("unexpected local outcome %v", local)
	}

	msg, err := events.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("expected result event: %v", err)
	}
	var evt protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.RequestID != id || evt.Source != store.SourceBus {
		t.Fatalf("unexpected event %+v", evt)
	}

	entries, err := os.ReadDir(uploads)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected spooled upload removed, found %d entries", len(entries))
	}
}

func TestWorkerRejectsNonUUIDRequestID(t *testing.T) {
	client := startBus(t)
	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")
	victim := filepath.Join(root, "victim")
	if err := os.MkdirAll(victim, 0o755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(victim, "keep.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	worker := NewWorker(context.Background(), client, newService(t, client), uploads, 1)
	defer worker.Close()
	reply := worker.process(context.Background(), protocol.RecognitionRequest{
		RequestID: "x/../../victim",
		Filename:  "keep.txt",
		Audio:     toneBytes(t, 0.5),
	})
	if reply.Status != protocol.StatusError || reply.Kind != pipeline.KindProcessing {
		t.Fatalf("expected processing error, got %+v", reply)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("file outside upload dir touched: %v", err)
	}
}

func TestWorkerSpoolsIntoDistinctDirectories(t *testing.T) {
	client := startBus(t)
	uploads := filepath.Join(t.TempDir(), "uploads")
	worker := NewWorker(context.Background(), client, newService(t, client), uploads, 1)
	defer worker.Close()

	req := protocol.RecognitionRequest{RequestID: uuid.NewString(), Filename: "../tone.wav", Audio: []byte("RIFF")}
	first, err := worker.spool(req)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	second, err := worker.spool(req)
	if err != nil {
		t.Fatalf("spool again: %v", err)
	}
	if filepath.Dir(first) == filepath.Dir(second) {
		t.Fatalf("requests share spool dir %s", filepath.Dir(first))
	}
	for _, path := range []string{first, second} {
		if filepath.Dir(filepath.Dir(path)) != uploads || filepath.Base(path) != "tone.wav" {
			t.Fatalf("unexpected spool path %s", path)
		}
	}
}

func TestWorkerRejectsUnknownMethod(t *testing.T) {
	client := startBus(t)
	startWorker(t, client, newService(t, client))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := client.Recognize(ctx, protocol.RecognitionRequest{Filename: "x.wav", Audio: []byte("RIFF"), Method: "telepathy"})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if reply.Status != protocol.StatusError || reply.Error == "" {
		t.Fatalf("expected error reply, got %+v", reply)
	}
}

func TestWorkerReportsDecodeError(t *testing.T) {
	client := startBus(t)
	startWorker(t, client, newService(t, client))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := client.Recognize(ctx, protocol.RecognitionRequest{
		Filename: "noise.wav",
		Audio:    bytes.Repeat([]byte{0x42}, 256),
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if reply.Status != protocol.StatusError || reply.Kind != pipeline.KindDecode {
		t.Fatalf("expected decode error, got %+v", reply)
	}
}

func TestRecognizeRejectsOversizedAudio(t *testing.T) {
	client := startBusWithPayload(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.Recognize(ctx, protocol.RecognitionRequest{
		Filename: "long.wav",
		Audio:    make([]byte, 1<<20),
	})
	if err == nil || !strings.Contains(err.Error(), "payload limit") {
		t.Fatalf("expected payload limit error, got %v", err)
	}
}

func TestEnsureResultsStream(t *testing.T) {
	client := startBus(t)
	if err := client.EnsureResultsStream(); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureResultsStream(); err != nil {
		t.Fatalf("ensure stream twice: %v", err)
	}
	info, err := client.JetStream().StreamInfo(protocol.ResultsStream)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.Config.Subjects[0] != protocol.SubjectResultPrefix+".>" {
		t.Fatalf("unexpected subjects %v", info.Config.Subjects)
	}
}
