package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/pipeline"

// State is a request's position in the recognition lifecycle.
type State string

const (
	StateInitiated          State = "initiated"
	StateValidated          State = "validated"
	StateNormalized         State = "normalized"
	StateDurationChecked    State = "duration_checked"
	StateBackendsDispatched State = "backends_dispatched"
	StateAggregated         State = "aggregated"
	StateRejected           State = "rejected"
)

// Normalizer is the audio canonicalization step.
type Normalizer interface {
	Normalize(ctx context.Context, in audio.Asset, outDir string) (audio.Asset, error)
	ValidateDuration(asset audio.Asset, policy audio.DurationPolicy) (bool, float64, error)
}

type Request struct {
	// ID is generated when empty.
	ID       string
	Path     string
	Method   recognition.Method
	Language string
}

// Report is the outcome of a request that reached the aggregated state.
type Report struct {
	ID        string
	Input     audio.Asset
	Canonical audio.Asset
	Method    recognition.Method
	Language  string
	Duration  float64
	Result    recognition.Result
	State     State
	Started   time.Time
	Finished  time.Time
	Timings   map[string]time.Duration
	WorkDir   string
}

// Cleanup removes the request's private work directory.
func (r *Report) Cleanup() error {
	if r == nil || r.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(r.WorkDir)
}

type Options struct {
	Policy   audio.DurationPolicy
	Language string
	Parallel bool
	// WorkRoot holds per-request work directories; empty means os.TempDir.
	WorkRoot string
}

// Orchestrator drives a request through validation, normalization, the
// duration check, backend dispatch and aggregation.
type Orchestrator struct {
	normalizer Normalizer
	backends   map[string]recognition.Backend
	opts       Options
	logger     *slog.Logger
	clock      func() time.Time

	tracer   trace.Tracer
	requests metric.Int64Counter
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(normalizer Normalizer, backends []recognition.Backend, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.MaxSeconds <= 0 {
		opts.Policy.MaxSeconds = 30
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	o := &Orchestrator{
		normalizer: normalizer,
		backends:   make(map[string]recognition.Backend, len(backends)),
		opts:       opts,
		logger:     logger.With(slog.String("component", "orchestrator")),
		clock:      time.Now,
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, b := range backends {
		o.backends[b.Name()] = b
	}
	o.initMetrics()
	return o
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error
	if o.requests, err = meter.Int64Counter("scribe.requests",
		metric.WithDescription("Recognition requests by terminal state")); err != nil {
		o.logger.Warn("failed to create request counter", slogError(err))
	}
	if o.outcomes, err = meter.Int64Counter("scribe.backend.outcomes",
		metric.WithDescription("Backend outcomes by backend and reason")); err != nil {
		o.logger.Warn("failed to create outcome counter", slogError(err))
	}
	if o.latency, err = meter.Float64Histogram("scribe.request.duration",
		metric.WithDescription("End-to-end request latency"), metric.WithUnit("s")); err != nil {
		o.logger.Warn("failed to create latency histogram", slogError(err))
	}
}

// Policy is the duration policy requests are checked against.
func (o *Orchestrator) Policy() audio.DurationPolicy {
	return o.opts.Policy
}

// Process runs one request. It returns either a Report in the aggregated
// state or exactly one terminal error: ErrInputNotFound (wrapped),
// *audio.DecodeError, *DurationExceededError or *ProcessingError.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Report, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Method == "" {
		req.Method = recognition.MethodBoth
	}
	if req.Language == "" {
		req.Language = o.opts.Language
	}
	started := o.clock()
	log := o.logger.With(slog.String("request_id", req.ID))

	ctx, span := o.tracer.Start(ctx, "scribe.process", trace.WithAttributes(
		attribute.String("scribe.request_id", req.ID),
		attribute.String("scribe.method", string(req.Method)),
	))
	defer span.End()

	report, err := o.run(ctx, req, log, span)
	elapsed := o.clock().Sub(started)

	state := StateAggregated
	if err != nil {
		state = StateRejected
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("request rejected", slog.String("kind", Kind(err)), slogError(err))
	} else {
		report.Started = started
		report.Finished = started.Add(elapsed)
		log.Info("request aggregated",
			slog.Float64("duration_seconds", report.Duration),
			slog.Duration("elapsed", elapsed),
		)
	}
	span.AddEvent(string(state))
	if o.requests != nil {
		o.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
	if o.latency != nil {
		o.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("state", string(state))))
	}
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, log *slog.Logger, span trace.Span) (*Report, error) {
	report := &Report{
		ID:       req.ID,
		Method:   req.Method,
		Language: req.Language,
		State:    StateInitiated,
		Timings:  make(map[string]time.Duration),
	}
	transition := func(s State) {
		report.State = s
		span.AddEvent(string(s))
		log.Debug("state transition", slog.String("state", string(s)))
	}

	if err := checkReadable(req.Path); err != nil {
		return nil, err
	}
	transition(StateValidated)

	workDir, err := o.makeWorkDir(req.ID)
	if err != nil {
		return nil, &ProcessingError{Stage: StateValidated, Err: err}
	}
	report.WorkDir = workDir
	fail := func(err error) (*Report, error) {
		os.RemoveAll(workDir)
		return nil, err
	}

	// Each request works on a private copy of its input.
	private, err := copyInput(req.Path, workDir)
	if err != nil {
		return fail(&ProcessingError{Stage: StateValidated, Err: err})
	}
	input, err := audio.Probe(private)
	if err != nil {
		return fail(&ProcessingError{Stage: StateValidated, Err: err})
	}
	report.Input = input
	report.Input.Path = req.Path

	canonical, err := o.normalizer.Normalize(ctx, input, workDir)
	if err != nil {
		var decodeErr *audio.DecodeError
		if errors.As(err, &decodeErr) {
			return fail(err)
		}
		return fail(&ProcessingError{Stage: StateValidated, Err: err})
	}
	report.Canonical = canonical
	transition(StateNormalized)

	ok, measured, err := o.normalizer.ValidateDuration(canonical, o.opts.Policy)
	if err != nil {
		var decodeErr *audio.DecodeError
		if errors.As(err, &decodeErr) {
			return fail(err)
		}
		return fail(&ProcessingError{Stage: StateNormalized, Err: err})
	}
	report.Duration = measured
	if !ok {
		return fail(&DurationExceededError{Measured: measured, Limit: o.opts.Policy.MaxSeconds})
	}
	transition(StateDurationChecked)

	names := req.Method.Backends()
	transition(StateBackendsDispatched)
	outcomes, timings := o.dispatch(ctx, names, canonical, req.Language)
	for i, name := range names {
		report.Result.Set(name, outcomes[i])
		report.Timings[name] = timings[i]
		reason := "ok"
		if !outcomes[i].OK() {
			reason = string(outcomes[i].Reason())
			log.Warn("backend failed",
				slog.String("backend", name),
				slog.String("reason", reason),
				slog.String("detail", outcomes[i].Detail()),
			)
		}
		if o.outcomes != nil {
			o.outcomes.Add(ctx, 1, metric.WithAttributes(
				attribute.String("backend", name),
				attribute.String("reason", reason),
			))
		}
	}
	transition(StateAggregated)
	return report, nil
}

// dispatch runs each named backend and returns outcomes in the same order
// as names. Parallel dispatch writes into per-backend slots, so completion
// order does not affect the result; one backend failing never cancels
// another.
func (o *Orchestrator) dispatch(ctx context.Context, names []string, asset audio.Asset, language string) ([]recognition.Outcome, []time.Duration) {
	outcomes := make([]recognition.Outcome, len(names))
	timings := make([]time.Duration, len(names))
	runOne := func(i int) {
		started := o.clock()
		outcomes[i] = o.recognize(ctx, names[i], asset, language)
		timings[i] = o.clock().Sub(started)
	}
	if !o.opts.Parallel {
		for i := range names {
			runOne(i)
		}
		return outcomes, timings
	}
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runOne(i)
		}(i)
	}
	wg.Wait()
	return outcomes, timings
}

func (o *Orchestrator) recognize(ctx context.Context, name string, asset audio.Asset, language string) (outcome recognition.Outcome) {
	backend, ok := o.backends[name]
	if !ok {
		return recognition.Failedf(recognition.ReasonOther, "backend %s is not configured", name)
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("backend panicked", slog.String("backend", name), slog.Any("panic", r))
			outcome = recognition.Failedf(recognition.ReasonOther, "backend panicked: %v", r)
		}
	}()
	ctx, span := o.tracer.Start(ctx, "scribe.backend."+name)
	defer span.End()
	return backend.Recognize(ctx, asset, language)
}

func (o *Orchestrator) makeWorkDir(id string) (string, error) {
	root := o.opts.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create work root: %w", err)
	}
	return os.MkdirTemp(root, "scribe-"+id+"-")
}

func checkReadable(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrInputNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInputNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInputNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s is not readable", ErrInputNotFound, path)
	}
	return f.Close()
}

func copyInput(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open input: %w", err)
	}
	defer in.Close()
	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create working copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy input: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close working copy: %w", err)
	}
	return dst, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
