package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type requestRow struct {
	ID uuid.UUID `json:"ID"`
}

type jobRow struct {
	ID uuid.UUID `json:"ID"`
}

type completionRow struct {
	ID uuid.UUID `json:"ID"`
}

func newDemoCmd(opts *clientOptions) *cobra.Command {
	var sessionID string
	var workerID string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Drive the full request/job/completion pipeline against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = "demo-" + time.Now().UTC().Format("20060102T150405")
			}
			return runDemo(cmd.Context(), newAPIClient(opts), sessionID, workerID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", envOrDefault("PUSHPALS_SESSION_ID", ""), "Session id to use (default: generated)")
	cmd.Flags().StringVar(&workerID, "worker-id", "demo-worker", "Worker id the demo claims jobs as")

	return cmd
}

func runDemo(ctx context.Context, c *apiClient, sessionID, workerID string) error {
	fmt.Printf("== session %s ==\n", sessionID)

	var session struct {
		SessionID string `json:"sessionId"`
		Created   bool   `json:"created"`
	}
	if err := c.do(ctx, "POST", "/sessions", map[string]string{"sessionId": sessionID}, &session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("session ready (created=%v)\n", session.Created)

	if err := postCommand(ctx, c, sessionID, "message", map[string]string{"text": "hello from pushpalsctl"}); err != nil {
		return fmt.Errorf("post command: %w", err)
	}

	var enqueueReq struct {
		RequestID uuid.UUID `json:"requestId"`
	}
	if err := c.do(ctx, "POST", "/requests/enqueue", map[string]any{
		"sessionId":      sessionID,
		"originalPrompt": "add a health check endpoint",
		"priority":       "interactive",
	}, &enqueueReq); err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	fmt.Printf("request enqueued: %s\n", enqueueReq.RequestID)

	var claimReq struct {
		Request *requestRow `json:"request"`
	}
	if err := c.do(ctx, "POST", "/requests/claim", map[string]string{"agentId": "demo-remote-buddy"}, &claimReq); err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	if claimReq.Request == nil {
		return fmt.Errorf("claim request: queue unexpectedly empty")
	}
	fmt.Printf("request claimed: %s\n", claimReq.Request.ID)

	taskID := "task-" + claimReq.Request.ID.String()[:8]
	var enqueueJob struct {
		JobID uuid.UUID `json:"jobId"`
	}
	if err := c.do(ctx, "POST", "/jobs/enqueue", map[string]any{
		"taskId":    taskID,
		"sessionId": sessionID,
		"kind":      "shell",
		"params":    `{"cmd":"echo ok"}`,
		"priority":  "interactive",
	}, &enqueueJob); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	fmt.Printf("job enqueued: %s\n", enqueueJob.JobID)

	if err := c.do(ctx, "PUT", "/workers/heartbeat", map[string]any{
		"workerId":     workerID,
		"status":       "idle",
		"capabilities": []string{"shell"},
	}, nil); err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}

	var claimJob struct {
		Job *jobRow `json:"job"`
	}
	if err := c.do(ctx, "POST", "/jobs/claim", map[string]string{"workerId": workerID}, &claimJob); err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if claimJob.Job == nil {
		return fmt.Errorf("claim job: queue unexpectedly empty")
	}
	fmt.Printf("job claimed: %s\n", claimJob.Job.ID)

	if err := c.do(ctx, "POST", fmt.Sprintf("/jobs/%s/log", claimJob.Job.ID), map[string]any{
		"stream": "stdout",
		"seq":    1,
		"line":   "ok\n",
	}, nil); err != nil {
		return fmt.Errorf("post job log: %w", err)
	}

	if err := c.do(ctx, "POST", fmt.Sprintf("/jobs/%s/complete", claimJob.Job.ID), map[string]string{
		"result": `{"exitCode":0}`,
	}, nil); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	fmt.Printf("job completed: %s\n", claimJob.Job.ID)

	var enqueueCompletion struct {
		CompletionID uuid.UUID `json:"completionId"`
	}
	if err := c.do(ctx, "POST", "/completions/enqueue", map[string]any{
		"jobId":     claimJob.Job.ID.String(),
		"sessionId": sessionID,
		"commitSha": "deadbeef",
		"branch":    "main",
		"message":   "demo commit",
	}, &enqueueCompletion); err != nil {
		return fmt.Errorf("enqueue completion: %w", err)
	}
	fmt.Printf("completion enqueued: %s\n", enqueueCompletion.CompletionID)

	var claimCompletion struct {
		Completion *completionRow `json:"completion"`
	}
	if err := c.do(ctx, "POST", "/completions/claim", map[string]string{"pusherId": "demo-scm"}, &claimCompletion); err != nil {
		return fmt.Errorf("claim completion: %w", err)
	}
	if claimCompletion.Completion == nil {
		return fmt.Errorf("claim completion: queue unexpectedly empty")
	}

	if err := c.do(ctx, "POST", fmt.Sprintf("/completions/%s/complete", claimCompletion.Completion.ID), nil, nil); err != nil {
		return fmt.Errorf("process completion: %w", err)
	}
	fmt.Printf("completion processed: %s\n", claimCompletion.Completion.ID)

	var status json.RawMessage
	if err := c.do(ctx, "GET", "/system/status", nil, &status); err == nil {
		fmt.Printf("system status: %s\n", status)
	}

	fmt.Println("demo pipeline complete — run `pushpalsctl watch --session-id " + sessionID + "` to see the replay")
	return nil
}

func postCommand(ctx context.Context, c *apiClient, sessionID, eventType string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	body := map[string]any{
		"protocolVersion": "1.0",
		"id":              id.String(),
		"sessionId":       sessionID,
		"type":            eventType,
		"from":            "pushpalsctl",
		"payload":         json.RawMessage(encoded),
	}
	return c.do(ctx, "POST", "/sessions/"+sessionID+"/command", body, nil)
}
