// Command pushpalsctl is a reference HTTP client for the PushPals
// session/event server. It shares none of the server's internal/*
// packages except the wire-level ones (protocol, idempotency,
// websocket's frame shape) — everything else goes over the same REST
// API an external LocalBuddy, RemoteBuddy or WorkerPal would use.
//
// Usage:
//
//	pushpalsctl demo --server http://localhost:8080 --token secret
//
// demo drives the full pipeline end to end — create a session, enqueue a
// request, claim it as an agent, enqueue/claim/complete a job, post a log
// line, enqueue/claim/complete a completion — and then points at watch.
//
//	pushpalsctl watch --session-id <id> [--ws] [--reconnects N]
//
// watch subscribes to the session's event stream (SSE by default, --ws
// for WebSocket) and prints every event it has not already seen, using the
// idempotency store to dedupe; when the server ends the stream it
// reconnects from the recorded cursor, up to --reconnects times.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &clientOptions{}

	root := &cobra.Command{
		Use:   "pushpalsctl",
		Short: "Reference client for the PushPals session/event server",
	}

	root.PersistentFlags().StringVar(&opts.serverAddr, "server", envOrDefault("PUSHPALS_SERVER", "http://localhost:8080"), "Server base URL")
	root.PersistentFlags().StringVar(&opts.authToken, "token", envOrDefault("PUSHPALS_AUTH_TOKEN", ""), "Bearer token, if the server requires one")

	root.AddCommand(newDemoCmd(opts))
	root.AddCommand(newWatchCmd(opts))

	return root
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
