package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 5 * time.Minute

// Worker serves recognition requests from the scribe.recognize queue.
type Worker struct {
	bus       *Client
	svc       *service.Service
	uploadDir string
	slots     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	sub       *nats.Subscription
	wg        sync.WaitGroup
	ready     bool
}

// NewWorker builds a worker handling at most concurrency requests at once.
// Inline audio is spooled under uploadDir.
func NewWorker(parent context.Context, busClient *Client, svc *service.Service, uploadDir string, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		bus:       busClient,
		svc:       svc,
		uploadDir: uploadDir,
		slots:     make(chan struct{}, concurrency),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (w *Worker) Start() error {
	sub, err := w.bus.Conn().QueueSubscribe(protocol.SubjectRecognize, protocol.WorkerQueue, w.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe recognition requests: %w", err)
	}
	w.sub = sub
	w.ready = true
	return nil
}

func (w *Worker) Close() {
	w.cancel()
	if w.sub != nil {
		_ = w.sub.Drain()
	}
	w.wg.Wait()
}

func (w *Worker) Healthy() bool {
	return w.ready
}

func (w *Worker) handleRequest(msg *nats.Msg) {
	var req protocol.RecognitionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.bus.Logger().Warn("failed to decode recognition request", slogError(err))
		w.respond(msg, protocol.RecognitionReply{Status: protocol.StatusError, Error: "invalid request", Kind: pipeline.KindProcessing})
		return
	}

	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		ctx, cancel := context.WithTimeout(w.ctx, requestTimeout)
		defer cancel()
		w.respond(msg, w.process(ctx, req))
	}()
}

func (w *Worker) process(ctx context.Context, req protocol.RecognitionRequest) protocol.RecognitionReply {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	reply := protocol.RecognitionReply{RequestID: req.RequestID, Status: protocol.StatusError}
	if _, err := uuid.Parse(req.RequestID); err != nil {
		reply.Error = "request id must be a UUID"
		reply.Kind = pipeline.KindProcessing
		return reply
	}

	method, err := recognition.ParseMethod(req.Method)
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = pipeline.KindProcessing
		return reply
	}

	path := req.Path
	if len(req.Audio) > 0 {
		spooled, err := w.spool(req)
		if err != nil {
			w.bus.Logger().Error("failed to spool request audio", slog.String("request_id", req.RequestID), slogError(err))
			reply.Error = "store upload failed"
			reply.Kind = pipeline.KindProcessing
			return reply
		}
		defer os.RemoveAll(filepath.Dir(spooled))
		path = spooled
	}
	if path == "" {
		reply.Error = "request carries neither path nor audio"
		reply.Kind = pipeline.KindInputNotFound
		return reply
	}

	report, err := w.svc.Recognize(ctx, service.Job{
		ID:       req.RequestID,
		Source:   store.SourceBus,
		Path:     path,
		Filename: req.Filename,
		Method:   method,
		Language: req.Language,
	})
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = pipeline.Kind(err)
		var durationErr *pipeline.DurationExceededError
		if errors.As(err, &durationErr) {
			reply.Duration = durationErr.Measured
		}
		return reply
	}
	reply.Status = protocol.StatusSuccess
	reply.Results = report.Result
	reply.Duration = report.Duration
	return reply
}

func (w *Worker) spool(req protocol.RecognitionRequest) (string, error) {
	if err := os.MkdirAll(w.uploadDir, 0o755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(w.uploadDir, "bus-*")
	if err != nil {
		return "", err
	}
	name := filepath.Base(req.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "audio.bin"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, req.Audio, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

func (w *Worker) respond(msg *nats.Msg, reply protocol.RecognitionReply) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		w.bus.Logger().Warn("failed to encode recognition reply", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil {
		w.bus.Logger().Warn("failed to send recognition reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
