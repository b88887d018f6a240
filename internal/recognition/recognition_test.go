package recognition

import (
	"encoding/json"
	"testing"
)

func TestParseMethod(t *testing.T) {
	cases := map[string]Method{
		"":         MethodBoth,
		"both":     MethodBoth,
		"Cloud":    MethodCloud,
		"google":   MethodCloud,
		"local":    MethodLocal,
		"wav2vec2": MethodLocal,
	}
	for in, want := range cases {
		got, err := ParseMethod(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseMethod("whisper"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestResultKeepsPriorityOrder(t *testing.T) {
	var r Result
	r.Set(BackendLocal, Text("local first"))
	r.Set(BackendCloud, Failed(ReasonServiceUnavailable, "503"))

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != BackendCloud || keys[1] != BackendLocal {
		t.Fatalf("unexpected key order %v", keys)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"google":{"error":"service_unavailable","detail":"503"},"wav2vec2":{"text":"local first"}}`
	if string(data) != want {
		t.Fatalf("unexpected json\n got: %s\nwant: %s", data, want)
	}
}

func TestResultSetReplaces(t *testing.T) {
	var r Result
	r.Set(BackendCloud, Text("a"))
	r.Set(BackendCloud, Text("b"))
	if r.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", r.Len())
	}
	if o, _ := r.Get(BackendCloud); o.Text() != "b" {
		t.Fatalf("expected replaced text, got %q", o.Text())
	}
}

func TestEmptyTextIsSuccess(t *testing.T) {
	o := Text("")
	if !o.OK() {
		t.Fatal("empty transcription must be a success")
	}
	data, err := json.Marshal(o)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"text":""}` {
		t.Fatalf("unexpected json %s", data)
	}
}

func TestResultUnmarshal(t *testing.T) {
	var r Result
	if err := json.Unmarshal([]byte(`{"wav2vec2":{"text":"hi"},"google":{"error":"unintelligible"}}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	keys := r.Keys()
	if keys[0] != BackendCloud {
		t.Fatalf("expected cloud first, got %v", keys)
	}
	cloud, _ := r.Get(BackendCloud)
	if cloud.OK() || cloud.Reason() != ReasonUnintelligible {
		t.Fatalf("unexpected cloud outcome %v", cloud)
	}
}
