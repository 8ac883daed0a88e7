package api_test

import (
	"net/http"
	"testing"
)

func TestSystemStatusReflectsQueueCounts(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions", "", map[string]string{"sessionId": "dev"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/requests/enqueue", "", map[string]any{
		"sessionId": "dev", "originalPrompt": "do work",
	})
	resp.Body.Close()

	heartbeat := map[string]any{"workerId": "worker-a", "status": "idle", "capabilities": []string{"shell"}}
	resp = doJSON(t, http.MethodPut, srv.URL+"/workers/heartbeat", "", heartbeat)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/system/status")
	if err != nil {
		t.Fatalf("GET /system/status: %v", err)
	}
	var status struct {
		Sessions      int64 `json:"sessions"`
		Requests      int64 `json:"requests"`
		Workers       int64 `json:"workers"`
		OnlineWorkers int   `json:"onlineWorkers"`
	}
	decodeData(t, resp, &status)
	if status.Sessions != 1 {
		t.Fatalf("Sessions = %d, want 1", status.Sessions)
	}
	if status.Requests != 1 {
		t.Fatalf("Requests = %d, want 1", status.Requests)
	}
	if status.Workers != 1 || status.OnlineWorkers != 1 {
		t.Fatalf("Workers = %d OnlineWorkers = %d, want 1 and 1", status.Workers, status.OnlineWorkers)
	}
}
