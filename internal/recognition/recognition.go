package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// Backend names double as result keys.
const (
	BackendCloud = "google"
	BackendLocal = "wav2vec2"
)

// Method selects which backends a request runs.
type Method string

const (
	MethodCloud Method = "cloud"
	MethodLocal Method = "local"
	MethodBoth  Method = "both"
)

// ParseMethod accepts cloud|local|both and the backend names as aliases.
// An empty string selects both.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return MethodBoth, nil
	case "cloud", BackendCloud:
		return MethodCloud, nil
	case "local", BackendLocal:
		return MethodLocal, nil
	}
	return "", fmt.Errorf("unknown recognition method %q", s)
}

// Backends lists the backend names the method requests, in priority order.
func (m Method) Backends() []string {
	switch m {
	case MethodCloud:
		return []string{BackendCloud}
	case MethodLocal:
		return []string{BackendLocal}
	default:
		return []string{BackendCloud, BackendLocal}
	}
}

// Priority orders backends within a Result; unknown names sort last.
func Priority(name string) int {
	switch name {
	case BackendCloud:
		return 0
	case BackendLocal:
		return 1
	}
	return 2
}

// Reason classifies a failed recognition.
type Reason string

const (
	ReasonUnintelligible     Reason = "unintelligible"
	ReasonServiceUnavailable Reason = "service_unavailable"
	ReasonOther              Reason = "other"
)

// Outcome is either recognized text or a failure with a reason. An empty
// transcription is still a successful Outcome.
type Outcome struct {
	text   string
	failed bool
	reason Reason
	detail string
}

func Text(s string) Outcome {
	return Outcome{text: s}
}

func Failed(reason Reason, detail string) Outcome {
	return Outcome{failed: true, reason: reason, detail: detail}
}

func Failedf(reason Reason, format string, args ...any) Outcome {
	return Failed(reason, fmt.Sprintf(format, args...))
}

func (o Outcome) OK() bool       { return !o.failed }
func (o Outcome) Text() string   { return o.text }
func (o Outcome) Reason() Reason { return o.reason }
func (o Outcome) Detail() string { return o.detail }

func (o Outcome) String() string {
	if o.failed {
		if o.detail == "" {
			return "failed: " + string(o.reason)
		}
		return fmt.Sprintf("failed: %s (%s)", o.reason, o.detail)
	}
	return o.text
}

type outcomeJSON struct {
	Text   *string `json:"text,omitempty"`
	Error  Reason  `json:"error,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.failed {
		return json.Marshal(outcomeJSON{Error: o.reason, Detail: o.detail})
	}
	text := o.text
	return json.Marshal(outcomeJSON{Text: &text})
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var raw outcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Error != "":
		*o = Failed(raw.Error, raw.Detail)
	case raw.Text != nil:
		*o = Text(*raw.Text)
	default:
		return fmt.Errorf("outcome has neither text nor error")
	}
	return nil
}

// Backend is a speech recognizer. Implementations report every failure as
// a Failed outcome rather than an error or a panic.
type Backend interface {
	Name() string
	Recognize(ctx context.Context, asset audio.Asset, language string) Outcome
}

// Entry is one backend's outcome within a Result.
type Entry struct {
	Backend string
	Outcome Outcome
}

// Result maps backend name to outcome in priority order regardless of the
// order in which backends completed.
type Result struct {
	entries []Entry
}

// Set records an outcome, keeping entries sorted by priority.
func (r *Result) Set(backend string, outcome Outcome) {
	for i := range r.entries {
		if r.entries[i].Backend == backend {
			r.entries[i].Outcome = outcome
			return
		}
	}
	pos := len(r.entries)
	for i, e := range r.entries {
		if Priority(backend) < Priority(e.Backend) {
			pos = i
			break
		}
	}
	r.entries = append(r.entries, Entry{})
	copy(r.entries[pos+1:], r.entries[pos:])
	r.entries[pos] = Entry{Backend: backend, Outcome: outcome}
}

func (r Result) Get(backend string) (Outcome, bool) {
	for _, e := range r.entries {
		if e.Backend == backend {
			return e.Outcome, true
		}
	}
	return Outcome{}, false
}

func (r Result) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

func (r Result) Keys() []string {
	keys := make([]string, len(r.entries))
	for i, e := range r.entries {
		keys[i] = e.Backend
	}
	return keys
}

func (r Result) Len() int {
	return len(r.entries)
}

// MarshalJSON writes an object whose keys keep priority order.
func (r Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Backend)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Outcome)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]Outcome
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.entries = nil
	for name, outcome := range raw {
		r.Set(name, outcome)
	}
	return nil
}
