package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/watch"
)

var version = "0.1.0-dev"

const rulerWidth = 50

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'recognize', 'watch', 'history' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "recognize":
		err = runRecognize(ctx, os.Args[2:])
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))
}

func runRecognize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recognize", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	method := fs.String("method", "", "Recognition method: cloud|local|both (aliases google|wav2vec2)")
	language := fs.String("language", "", "Language tag passed to the cloud backend")
	maxDuration := fs.Float64("max-duration", 0, "Maximum audio duration in seconds")
	remote := fs.Bool("remote", false, "Submit through the NATS bus instead of processing locally")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: scribe recognize [flags] <audio-file>")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	input := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *maxDuration > 0 {
		cfg.Audio.MaxDurationSeconds = *maxDuration
	}
	if *method == "" {
		*method = cfg.Recognition.DefaultMethod
	}
	parsed, err := recognition.ParseMethod(*method)
	if err != nil {
		return err
	}
	if *language == "" {
		*language = cfg.Recognition.Language
	}

	if *remote {
		return recognizeRemote(ctx, cfg, input, parsed, *language)
	}

	run, err := artifacts.NewWriter(cfg.Output.Directory, nil).Begin(input)
	if err != nil {
		return err
	}
	logFile, err := os.Create(run.LogPath)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()
	logger := newLogger(io.MultiWriter(os.Stderr, logFile), cfg)

	stack, err := runtime.Assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())

	logger.Info("processing file", slog.String("input", input), slog.String("method", string(parsed)))
	report, err := stack.Service.Recognize(ctx, service.Job{
		Source:   store.SourceCLI,
		Path:     input,
		Method:   parsed,
		Language: *language,
		Run:      run,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInputNotFound) {
			logFile.Close()
			os.RemoveAll(run.Dir)
		}
		return describe(err)
	}

	printBanner(os.Stdout, report.Result)
	fmt.Printf("\nResults saved to: %s\n", run.ResultsPath)
	return nil
}

func recognizeRemote(ctx context.Context, cfg config.Config, input string, method recognition.Method, language string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return describe(fmt.Errorf("%w: %s", pipeline.ErrInputNotFound, input))
	}
	logger := newLogger(os.Stderr, cfg)
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	reply, err := client.Recognize(ctx, protocol.RecognitionRequest{
		Filename: filepath.Base(input),
		Audio:    data,
		Method:   string(method),
		Language: language,
	})
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusSuccess {
		return fmt.Errorf("%s: %s", reply.Kind, reply.Error)
	}
	printBanner(os.Stdout, reply.Results)
	fmt.Printf("\nRequest id: %s\n", reply.RequestID)
	return nil
}

// describe turns a terminal pipeline error into the message shown to users.
func describe(err error) error {
	var durationErr *pipeline.DurationExceededError
	switch {
	case errors.Is(err, pipeline.ErrInputNotFound):
		return fmt.Errorf("input file not found: %w", err)
	case errors.As(err, &durationErr):
		return fmt.Errorf("audio is %.1f seconds long; the limit is %.0f seconds", durationErr.Measured, durationErr.Limit)
	case pipeline.Kind(err) == pipeline.KindDecode:
		return fmt.Errorf("could not decode audio: %w", err)
	}
	return fmt.Errorf("processing failed: %w", err)
}

func printBanner(w io.Writer, result recognition.Result) {
	heavy := strings.Repeat("=", rulerWidth)
	light := strings.Repeat("-", rulerWidth)
	fmt.Fprintln(w, heavy)
	fmt.Fprintln(w, "RECOGNITION RESULTS")
	fmt.Fprintln(w, heavy)
	for _, entry := range result.Entries() {
		fmt.Fprintf(w, "\n[%s]\n%s\n%s\n", artifacts.Title(entry.Backend), light, entry.Outcome.String())
	}
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	dir := fs.String("dir", "", "Directory to watch for audio files")
	method := fs.String("method", "", "Recognition method for watched files")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dir == "" {
		*dir = cfg.Watch.Directory
	}
	if *method == "" {
		*method = cfg.Watch.Method
	}
	if *method == "" {
		*method = cfg.Recognition.DefaultMethod
	}
	parsed, err := recognition.ParseMethod(*method)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg)
	stack, err := runtime.Assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())

	w := watch.New(watch.Options{
		Dir:        *dir,
		Method:     parsed,
		Language:   cfg.Recognition.Language,
		Extensions: cfg.HTTP.AllowedExtensions,
	}, stack.Service, logger)
	return w.Run(ctx)
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 10, "Number of requests to show")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Store, newLogger(os.Stderr, cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.List(ctx, *limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s  %-5s  %-10s  %-8s  %s\n",
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), rec.Source, rec.State, rec.Method, rec.Filename)
		for _, entry := range rec.Result.Entries() {
			fmt.Printf("    %-8s %s\n", entry.Backend, entry.Outcome.String())
		}
		if rec.ErrorKind != "" {
			fmt.Printf("    %s: %s\n", rec.ErrorKind, rec.Error)
		}
	}
	return nil
}
