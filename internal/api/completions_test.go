package api_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
)

func TestCompletionEnqueueClaimProcess(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions", "", map[string]string{"sessionId": "dev"})
	resp.Body.Close()

	enqueueBody := map[string]any{
		"jobId":     uuid.New().String(),
		"sessionId": "dev",
		"commitSha": "abc123",
		"branch":    "main",
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/completions/enqueue", "", enqueueBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want 201", resp.StatusCode)
	}
	var enqueued struct {
		CompletionID string `json:"completionId"`
	}
	decodeData(t, resp, &enqueued)
	if enqueued.CompletionID == "" {
		t.Fatal("expected a non-empty completionId")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/completions/claim", "", map[string]string{"pusherId": "scm-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/completions/"+enqueued.CompletionID+"/complete", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCompletionFailWithoutClaimConflicts(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions", "", map[string]string{"sessionId": "dev"})
	resp.Body.Close()

	enqueueBody := map[string]any{"jobId": uuid.New().String(), "sessionId": "dev"}
	resp = doJSON(t, http.MethodPost, srv.URL+"/completions/enqueue", "", enqueueBody)
	var enqueued struct {
		CompletionID string `json:"completionId"`
	}
	decodeData(t, resp, &enqueued)

	resp = doJSON(t, http.MethodPost, srv.URL+"/completions/"+enqueued.CompletionID+"/fail", "", map[string]string{"message": "push rejected"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for failing a still-pending (unclaimed) completion", resp.StatusCode)
	}
}
