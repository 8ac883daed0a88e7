package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func validEvent(t *testing.T, eventType EventType, payload string) Event {
	t.Helper()
	return Event{
		ProtocolVersion: "1.0",
		ID:              uuid.New(),
		SessionID:       "dev",
		Type:            eventType,
		From:            "tester",
		Payload:         json.RawMessage(payload),
	}
}

func TestValidateAcceptsWellFormedMessage(t *testing.T) {
	ev := validEvent(t, EventMessage, `{"text":"hello"}`)
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingProtocolVersion(t *testing.T) {
	ev := validEvent(t, EventMessage, `{"text":"hello"}`)
	ev.ProtocolVersion = ""
	if _, ok := errIsValidation(ev.Validate()); !ok {
		t.Fatalf("expected ErrValidation for a missing protocolVersion")
	}
}

func TestValidateRejectsMissingSessionID(t *testing.T) {
	ev := validEvent(t, EventMessage, `{"text":"hello"}`)
	ev.SessionID = ""
	if _, ok := errIsValidation(ev.Validate()); !ok {
		t.Fatalf("expected ErrValidation for a missing sessionId")
	}
}

func TestValidateRejectsNilID(t *testing.T) {
	ev := validEvent(t, EventMessage, `{"text":"hello"}`)
	ev.ID = uuid.Nil
	if _, ok := errIsValidation(ev.Validate()); !ok {
		t.Fatalf("expected ErrValidation for a nil id")
	}
}

func TestValidateRejectsUnknownEventType(t *testing.T) {
	ev := validEvent(t, EventType("not_a_real_type"), `{"text":"hello"}`)
	err := ev.Validate()
	if _, ok := err.(ErrUnknownEventType); !ok {
		t.Fatalf("err = %v (%T), want ErrUnknownEventType", err, err)
	}
}

func TestValidateRejectsEmptyPayload(t *testing.T) {
	ev := validEvent(t, EventMessage, "")
	if _, ok := errIsValidation(ev.Validate()); !ok {
		t.Fatalf("expected ErrValidation for an empty payload")
	}
}

func TestValidatePayloadRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		evType  EventType
		payload string
		wantErr bool
	}{
		{"message missing text", EventMessage, `{}`, true},
		{"message with text", EventMessage, `{"text":"hi"}`, false},
		{"task_progress missing progress", EventTaskProgress, `{"taskId":"t1"}`, true},
		{"task_progress complete", EventTaskProgress, `{"taskId":"t1","progress":0.5}`, false},
		{"job_log missing fields", EventJobLog, `{"jobId":"j1"}`, true},
		{"job_log complete", EventJobLog, `{"jobId":"j1","stream":"stdout","seq":1,"line":"ok"}`, false},
		{"committed missing branch", EventCommitted, `{"jobId":"j1","commitSha":"abc"}`, true},
		{"committed complete", EventCommitted, `{"jobId":"j1","commitSha":"abc","branch":"main"}`, false},
		{"not a json object", EventMessage, `"just a string"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent(t, tt.evType, tt.payload)
			err := ev.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("Validate() = nil, want an error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityInteractive.Rank() >= PriorityNormal.Rank() {
		t.Fatal("interactive must rank ahead of normal")
	}
	if PriorityNormal.Rank() >= PriorityBackground.Rank() {
		t.Fatal("normal must rank ahead of background")
	}
	if Priority("bogus").Rank() != PriorityNormal.Rank() {
		t.Fatal("unrecognized priorities should rank like normal")
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityInteractive, PriorityNormal, PriorityBackground} {
		if !p.Valid() {
			t.Fatalf("%q should be valid", p)
		}
	}
	if Priority("urgent").Valid() {
		t.Fatal(`"urgent" should not be a valid priority`)
	}
}

func errIsValidation(err error) (ErrValidation, bool) {
	v, ok := err.(ErrValidation)
	return v, ok
}
