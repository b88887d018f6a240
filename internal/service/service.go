package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

// Publisher broadcasts terminal request events.
type Publisher interface {
	PublishResult(ctx context.Context, evt protocol.RecognitionEvent) error
}

// Job is one recognition request arriving from a transport.
type Job struct {
	ID       string
	Source   string
	Path     string
	Filename string
	Method   recognition.Method
	Language string
	// Run selects the per-run artifact layout; nil writes upload results.
	Run *artifacts.Run
}

// Service runs jobs through the orchestrator and persists what comes out.
type Service struct {
	orch      *pipeline.Orchestrator
	store     *store.Store
	artifacts *artifacts.Writer
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
}

func New(orch *pipeline.Orchestrator, st *store.Store, writer *artifacts.Writer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orch:      orch,
		store:     st,
		artifacts: writer,
		logger:    logger.With(slog.String("component", "service")),
		clock:     time.Now,
	}
}

// SetPublisher attaches a publisher. Call before jobs start flowing.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Service) Artifacts() *artifacts.Writer {
	return s.artifacts
}

func (s *Service) Store() *store.Store {
	return s.store
}

// Recognize processes job and records the outcome. On success the report's
// work directory has already been removed; on rejection the pipeline error is
// returned unchanged so callers can classify it with pipeline.Kind.
func (s *Service) Recognize(ctx context.Context, job Job) (*pipeline.Report, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Method == "" {
		job.Method = recognition.MethodBoth
	}
	if job.Filename == "" {
		job.Filename = filepath.Base(job.Path)
	}
	log := s.logger.With(slog.String("request_id", job.ID), slog.String("source", job.Source))

	report, err := s.orch.Process(ctx, pipeline.Request{
		ID:       job.ID,
		Path:     job.Path,
		Method:   job.Method,
		Language: job.Language,
	})
	if err != nil {
		return nil, s.reject(ctx, log, job, err)
	}
	defer func() {
		if cerr := report.Cleanup(); cerr != nil {
			log.Warn("failed to remove work dir", slogError(cerr))
		}
	}()

	// A stored success always has its results on disk.
	if job.Run != nil {
		err = s.artifacts.Complete(job.Run, report)
	} else {
		_, err = s.artifacts.SaveUpload(job.ID, job.Filename, report.Result)
	}
	if err != nil {
		return nil, s.reject(ctx, log, job, &pipeline.ProcessingError{Stage: pipeline.StateAggregated, Err: fmt.Errorf("save results: %w", err)})
	}
	if serr := s.store.SaveReport(ctx, job.Source, job.Filename, report); serr != nil {
		log.Warn("failed to record report", slogError(serr))
	}

	s.publish(ctx, protocol.RecognitionEvent{
		RequestID: job.ID,
		Source:    job.Source,
		Filename:  job.Filename,
		Method:    string(job.Method),
		State:     string(report.State),
		Results:   report.Result,
		Duration:  report.Duration,
		Timestamp: report.Finished,
	})
	return report, nil
}

// reject records and announces a failed job, then hands err back.
func (s *Service) reject(ctx context.Context, log *slog.Logger, job Job, err error) error {
	if serr := s.store.SaveRejection(ctx, job.ID, job.Source, job.Filename, job.Method, err); serr != nil {
		log.Warn("failed to record rejection", slogError(serr))
	}
	s.publish(ctx, rejectedEvent(job, err, s.clock()))
	return err
}

func (s *Service) publish(ctx context.Context, evt protocol.RecognitionEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishResult(ctx, evt); err != nil {
		s.logger.Warn("failed to publish result", slog.String("request_id", evt.RequestID), slogError(err))
	}
}

func rejectedEvent(job Job, err error, now time.Time) protocol.RecognitionEvent {
	evt := protocol.RecognitionEvent{
		RequestID: job.ID,
		Source:    job.Source,
		Filename:  job.Filename,
		Method:    string(job.Method),
		State:     string(pipeline.StateRejected),
		ErrorKind: pipeline.Kind(err),
		Error:     err.Error(),
		Timestamp: now,
	}
	var durationErr *pipeline.DurationExceededError
	if errors.As(err, &durationErr) {
		evt.Duration = durationErr.Measured
	}
	return evt
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
