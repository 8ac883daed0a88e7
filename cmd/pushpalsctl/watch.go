package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/PushPalsDev/pushpals-sub001/internal/idempotency"
	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"
)

func newWatchCmd(opts *clientOptions) *cobra.Command {
	var sessionID string
	var useWS bool
	var reconnects int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to a session's event stream and print events as they arrive",
		Long: `watch demonstrates the resume contract: it connects and prints events
until the server ends the stream (a backpressure close, a WebSocket close,
or the connection ending), then reconnects with the idempotency store's
recorded cursor so no event is missed and any event redelivered across
the boundary is dropped as a duplicate. It does not disconnect on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session-id is required")
			}
			store, err := idempotency.New(4096)
			if err != nil {
				return fmt.Errorf("build idempotency store: %w", err)
			}
			for i := 0; i <= reconnects; i++ {
				after := store.ResumeCursor(sessionID)
				fmt.Printf("-- connecting (after=%d) --\n", after)

				var watchErr error
				if useWS {
					watchErr = watchWS(cmd.Context(), opts, sessionID, after, store)
				} else {
					watchErr = watchSSE(cmd.Context(), opts, sessionID, after, store)
				}
				if watchErr != nil {
					return watchErr
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", envOrDefault("PUSHPALS_SESSION_ID", ""), "Session id to watch")
	cmd.Flags().BoolVar(&useWS, "ws", false, "Use the WebSocket transport instead of SSE")
	cmd.Flags().IntVar(&reconnects, "reconnects", 0, "Number of times to reconnect after the server ends the stream")

	return cmd
}

// deliver applies the idempotency store's dedup check and prints ev if it
// has not already been handled, advancing the resume cursor regardless so
// a subsequent reconnect starts past it.
func deliver(store *idempotency.Store, sessionID string, ev protocol.Event) {
	store.Advance(sessionID, ev.Cursor)
	if store.SeenOrMark(sessionID, ev.ID) {
		fmt.Printf("[dup]    cursor=%d type=%s id=%s\n", ev.Cursor, ev.Type, ev.ID)
		return
	}
	fmt.Printf("[event]  cursor=%d type=%s from=%s payload=%s\n", ev.Cursor, ev.Type, ev.From, ev.Payload)
}

func watchSSE(ctx context.Context, opts *clientOptions, sessionID string, after int64, store *idempotency.Store) error {
	url := fmt.Sprintf("%s/sessions/%s/events?after=%d", opts.serverAddr, sessionID, after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if opts.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.authToken)
	}

	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect sse: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var pendingID int64
	haveID := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			pendingID, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			haveID = true
		case strings.HasPrefix(line, "event: backpressure"):
			fmt.Println("-- server closed subscription (backpressure); reconnect to resume --")
			return nil
		case strings.HasPrefix(line, "data: "):
			if !haveID {
				continue
			}
			var ev protocol.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				fmt.Println("sse: bad frame:", err)
				continue
			}
			ev.Cursor = pendingID
			deliver(store, sessionID, ev)
			haveID = false
		case line == "":
			// end of frame, nothing to do beyond the id/data handling above
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}

func watchWS(ctx context.Context, opts *clientOptions, sessionID string, after int64, store *idempotency.Store) error {
	wsURL := strings.Replace(opts.serverAddr, "http", "ws", 1)
	url := fmt.Sprintf("%s/sessions/%s/ws?after=%d", wsURL, sessionID, after)
	if opts.authToken != "" {
		url += "&token=" + opts.authToken
	}

	conn, _, err := gorillaws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial ws: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	for {
		var msg websocket.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		deliver(store, sessionID, msg.Envelope)
	}
}
