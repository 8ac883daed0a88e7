package api_test

import (
	"net/http"
	"testing"
)

func TestJobEnqueueClaimLogComplete(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions", "", map[string]string{"sessionId": "dev"})
	resp.Body.Close()

	enqueueBody := map[string]any{
		"taskId":    "t-1",
		"sessionId": "dev",
		"kind":      "shell",
		"priority":  "interactive",
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/enqueue", "", enqueueBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want 201", resp.StatusCode)
	}
	var enqueued struct {
		JobID string `json:"jobId"`
	}
	decodeData(t, resp, &enqueued)
	if enqueued.JobID == "" {
		t.Fatal("expected a non-empty jobId")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/claim", "", map[string]string{"workerId": "worker-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	logBody := map[string]any{"stream": "stdout", "seq": 1, "line": "hello world"}
	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+enqueued.JobID+"/log", "", logBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("log status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	// Re-sending the same (stream, seq) pair is a conflict, not a new line.
	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+enqueued.JobID+"/log", "", logBody)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate log status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/jobs/" + enqueued.JobID + "/logs")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	var lines []struct {
		Line string `json:"Line"`
	}
	decodeData(t, resp, &lines)
	if len(lines) != 1 || lines[0].Line != "hello world" {
		t.Fatalf("lines = %+v, want exactly one logged line", lines)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+enqueued.JobID+"/complete", "", map[string]string{"result": "ok"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Completing an already-completed job is a no-op success.
	resp = doJSON(t, http.MethodPost, srv.URL+"/jobs/"+enqueued.JobID+"/complete", "", map[string]string{"result": "ok"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-complete status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestJobClaimEmptyQueueReturnsNilJob(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs/claim", "", map[string]string{"workerId": "worker-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		OK  bool `json:"ok"`
		Job any  `json:"job"`
	}
	decodeData(t, resp, &out)
	if !out.OK || out.Job != nil {
		t.Fatalf("out = %+v, want {ok:true job:nil} for an empty queue", out)
	}
}

func TestJobEnqueueRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs/enqueue", "", map[string]any{"sessionId": "dev"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a missing taskId/kind", resp.StatusCode)
	}
}
