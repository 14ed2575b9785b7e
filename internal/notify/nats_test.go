package notify

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/vinayprograms/warden/internal/session"
)

type recorder struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (r *recorder) Publish(subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "warden.runs.abc.events"},
		{"team.audit.", "team.audit.abc.events"},
		{" custom ", "custom.abc.events"},
	}
	for _, tt := range tests {
		s := newSink(&recorder{}, tt.prefix)
		if got := s.Subject("abc"); got != tt.want {
			t.Errorf("prefix %q: got %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestPublish_SendsEventJSON(t *testing.T) {
	rec := &recorder{}
	s := newSink(rec, "")
	ev := session.Event{RunID: "r1", SeqID: 3, Type: session.EventPlan, Payload: json.RawMessage(`{"plan":"x"}`)}

	if err := s.Publish(ev); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(rec.subjects) != 1 || rec.subjects[0] != "warden.runs.r1.events" {
		t.Fatalf("unexpected subjects: %v", rec.subjects)
	}
	var got session.Event
	if err := json.Unmarshal(rec.payloads[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.SeqID != 3 || got.Type != session.EventPlan || got.RunID != "r1" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestPublish_WrapsError(t *testing.T) {
	boom := errors.New("boom")
	s := newSink(&recorder{err: boom}, "")
	err := s.Publish(session.Event{RunID: "r1", SeqID: 1})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestClose_WithoutConnection(t *testing.T) {
	if err := newSink(&recorder{}, "").Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}
