package protocol

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/recognition"
)

// RecognitionRequest asks a recognition worker to process one file. Either
// Path (a file the worker can read) or Audio (inline bytes) is set.
type RecognitionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Filename  string `json:"filename"`
	Path      string `json:"path,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
	Method    string `json:"method,omitempty"`
	Language  string `json:"language,omitempty"`
}

// RecognitionReply answers a RecognitionRequest.
type RecognitionReply struct {
	RequestID string             `json:"request_id"`
	Status    string             `json:"status"`
	Results   recognition.Result `json:"results"`
	Duration  float64            `json:"duration_seconds,omitempty"`
	Error     string             `json:"error,omitempty"`
	Kind      string             `json:"kind,omitempty"`
}

// RecognitionEvent is broadcast when a request reaches a terminal state.
type RecognitionEvent struct {
	RequestID string             `json:"request_id"`
	Source    string             `json:"source"`
	Filename  string             `json:"filename"`
	Method    string             `json:"method"`
	State     string             `json:"state"`
	Results   recognition.Result `json:"results"`
	Duration  float64            `json:"duration_seconds,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	SubjectRecognize        = "scribe.recognize"
	SubjectResultPrefix     = "scribe.result"
	SubjectResultAggregated = SubjectResultPrefix + ".aggregated"
	SubjectResultRejected   = SubjectResultPrefix + ".rejected"

	// ResultsStream is the JetStream stream retaining result events.
	ResultsStream = "SCRIBE_RESULTS"
	// WorkerQueue load-balances recognition requests across workers.
	WorkerQueue = "scribe-workers"
)
