package artifacts

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
)

const (
	timestampLayout = "20060102_150405"
	rulerWidth      = 50

	// UploadResultsName is the per-upload results file; downloads are
	// offered as DownloadName.
	UploadResultsName = "results.txt"
	DownloadName      = "speech_results.txt"
)

// Title is the section heading for a backend in run reports.
func Title(backend string) string {
	switch backend {
	case recognition.BackendCloud:
		return "GOOGLE WEB SPEECH API"
	case recognition.BackendLocal:
		return "WAV2VEC2"
	}
	return strings.ToUpper(backend)
}

func shortTitle(backend string) string {
	switch backend {
	case recognition.BackendCloud:
		return "Google"
	case recognition.BackendLocal:
		return "Wav2Vec2"
	}
	return backend
}

// Writer lays out result artifacts under a root output directory.
type Writer struct {
	root  string
	log   *slog.Logger
	clock func() time.Time
}

func NewWriter(root string, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{root: root, log: log.With(slog.String("component", "artifacts")), clock: time.Now}
}

func (w *Writer) Root() string {
	return w.root
}

// Run is one command-line run's output folder.
type Run struct {
	Dir         string
	Base        string
	Input       string
	Timestamp   string
	ResultsPath string
	LogPath     string
}

// Begin creates <root>/<base>_<timestamp>/ for input. The folder exists
// before processing starts so the run's log can be written into it.
func (w *Writer) Begin(input string) (*Run, error) {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	stamp := w.clock().Format(timestampLayout)
	dir := filepath.Join(w.root, base+"_"+stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Run{
		Dir:         dir,
		Base:        base,
		Input:       input,
		Timestamp:   stamp,
		ResultsPath: filepath.Join(dir, base+"_results.txt"),
		LogPath:     filepath.Join(dir, base+"_log.log"),
	}, nil
}

// Complete copies the input (and the canonical WAV when the input was not
// already WAV) into the run folder and writes the results file.
func (w *Writer) Complete(run *Run, report *pipeline.Report) error {
	ext := strings.TrimPrefix(filepath.Ext(run.Input), ".")
	if ext == "" {
		ext = "bin"
	}
	if err := copyFile(run.Input, filepath.Join(run.Dir, run.Base+"_input."+ext)); err != nil {
		return fmt.Errorf("copy input: %w", err)
	}
	if !strings.EqualFold(ext, "wav") && report.Canonical.Path != "" {
		if err := copyFile(report.Canonical.Path, filepath.Join(run.Dir, run.Base+"_converted.wav")); err != nil {
			return fmt.Errorf("copy converted audio: %w", err)
		}
	}

	f, err := os.Create(run.ResultsPath)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	defer f.Close()
	if err := WriteRunReport(f, run.Input, run.Timestamp, report.Result); err != nil {
		return err
	}
	w.log.Info("results saved", slog.String("path", run.ResultsPath))
	return f.Close()
}

// WriteRunReport renders the sectioned results text of a run.
func WriteRunReport(out io.Writer, input, timestamp string, result recognition.Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Processing results for %s\n", input)
	fmt.Fprintf(&b, "Processing time: %s\n\n", timestamp)
	for _, entry := range result.Entries() {
		b.WriteString("[" + Title(entry.Backend) + "]\n")
		b.WriteString(strings.Repeat("=", rulerWidth) + "\n")
		b.WriteString(entry.Outcome.String() + "\n\n")
	}
	_, err := io.WriteString(out, b.String())
	return err
}

// UploadDir is the output folder for an uploaded request.
func (w *Writer) UploadDir(id string) string {
	return filepath.Join(w.root, id)
}

// UploadResultsPath is where SaveUpload writes an upload's results.
func (w *Writer) UploadResultsPath(id string) string {
	return filepath.Join(w.UploadDir(id), UploadResultsName)
}

// SaveUpload writes <root>/<id>/results.txt for an uploaded file.
func (w *Writer) SaveUpload(id, filename string, result recognition.Result) (string, error) {
	if err := os.MkdirAll(w.UploadDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Results for %s\n\n", filename)
	for _, entry := range result.Entries() {
		fmt.Fprintf(&b, "%s Results:\n%s\n\n", shortTitle(entry.Backend), entry.Outcome.String())
	}
	path := w.UploadResultsPath(id)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write results: %w", err)
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
