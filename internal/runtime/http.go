package runtime

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/artifacts"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/service"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

//go:embed static/index.html
var indexPage []byte

const (
	uploadField      = "audio"
	multipartMemory  = 8 << 20
	defaultListLimit = 20

	kindBadRequest  = "bad_request"
	kindUnsupported = "unsupported_format"
	kindBadMethod   = "invalid_method"
	kindTooLarge    = "upload_too_large"
	kindNotFound    = "not_found"
)

// Server exposes the recognition service over HTTP.
type Server struct {
	svc         *service.Service
	httpCfg     config.HTTPConfig
	recognition config.RecognitionConfig
	allowed     map[string]bool
	metrics     http.Handler
	ready       func() bool
	logger      *slog.Logger
}

func NewServer(svc *service.Service, cfg config.Config, metrics http.Handler, ready func() bool, logger *slog.Logger) *Server {
	allowed := make(map[string]bool, len(cfg.HTTP.AllowedExtensions))
	for _, ext := range cfg.HTTP.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		svc:         svc,
		httpCfg:     cfg.HTTP,
		recognition: cfg.Recognition,
		allowed:     allowed,
		metrics:     metrics,
		ready:       ready,
		logger:      logger.With(slog.String("component", "http")),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /recognize", s.handleRecognize)
	mux.HandleFunc("GET /download/{id}", s.handleDownload)
	mux.HandleFunc("GET /results", s.handleList)
	mux.HandleFunc("GET /results/{id}", s.handleResult)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.httpCfg.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, kindTooLarge, fmt.Sprintf("upload exceeds %d MB", s.httpCfg.MaxUploadMB), "")
			return
		}
		writeError(w, http.StatusBadRequest, kindBadRequest, "invalid multipart form", "")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "no audio file provided", "")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "no file selected", "")
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !s.allowed[ext] {
		writeError(w, http.StatusBadRequest, kindUnsupported, "invalid file type", "")
		return
	}

	rawMethod := r.FormValue("method")
	if rawMethod == "" {
		rawMethod = s.recognition.DefaultMethod
	}
	method, err := recognition.ParseMethod(rawMethod)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadMethod, err.Error(), "")
		return
	}
	language := r.FormValue("language")
	if language == "" {
		language = s.recognition.Language
	}

	id := uuid.NewString()
	log := s.logger.With(slog.String("request_id", id))
	path, err := s.saveUpload(id, ext, file)
	if err != nil {
		log.Error("failed to store upload", slogError(err))
		writeError(w, http.StatusInternalServerError, pipeline.KindProcessing, "failed to store upload", id)
		return
	}
	defer os.Remove(path)

	log.Info("processing upload", slog.String("filename", header.Filename), slog.String("method", string(method)))
	report, err := s.svc.Recognize(r.Context(), service.Job{
		ID:       id,
		Source:   store.SourceHTTP,
		Path:     path,
		Filename: header.Filename,
		Method:   method,
		Language: language,
	})
	if err != nil {
		kind := pipeline.Kind(err)
		writeError(w, statusForKind(kind), kind, err.Error(), id)
		return
	}

	body := map[string]any{
		"status":    "success",
		"result_id": id,
		"results":   report.Result,
	}
	for _, entry := range report.Result.Entries() {
		body[entry.Backend] = entry.Outcome.String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) saveUpload(id, ext string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.httpCfg.UploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.httpCfg.UploadDir, id+ext)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	return path, out.Close()
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	path := s.svc.Artifacts().UploadResultsPath(id)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, kindNotFound, "results not found", id)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifacts.DownloadName+`"`)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.Store().Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, kindNotFound, "request not found", id)
		return
	}
	if err != nil {
		s.logger.Error("failed to load request", slog.String("request_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, pipeline.KindProcessing, "failed to load request", id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, kindBadRequest, "limit must be a positive integer", "")
			return
		}
		limit = parsed
	}
	records, err := s.svc.Store().List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list requests", slogError(err))
		writeError(w, http.StatusInternalServerError, pipeline.KindProcessing, "failed to list requests", "")
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func parseID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.PathValue("id")
	if _, err := uuid.Parse(raw); err != nil {
		writeError(w, http.StatusNotFound, kindNotFound, "unknown result id", "")
		return "", false
	}
	return raw, true
}

func statusForKind(kind string) int {
	switch kind {
	case pipeline.KindInputNotFound:
		return http.StatusNotFound
	case pipeline.KindDecode:
		return http.StatusUnprocessableEntity
	case pipeline.KindDurationExceeded:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, kind, message, id string) {
	body := map[string]string{"error": message, "kind": kind}
	if id != "" {
		body["result_id"] = id
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
