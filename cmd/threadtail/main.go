// Command threadtail follows one thread from the terminal. It prints the
// history, streams new messages and redactions, and posts each line typed on
// stdin as a message.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"mentorly/api/internal/realtime"
	"mentorly/api/internal/reconcile"
	"mentorly/api/internal/store"
)

func main() {
	var apiURL, threadID, token string
	flag.StringVar(&apiURL, "api", "http://localhost:8787", "API base URL")
	flag.StringVar(&threadID, "thread", "", "thread id to follow")
	flag.StringVar(&token, "token", os.Getenv("MENTORLY_TOKEN"), "session token (defaults to $MENTORLY_TOKEN)")
	flag.Parse()
	if threadID == "" || token == "" {
		fmt.Fprintln(os.Stderr, "--thread and --token are required")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newClient(apiURL, token, threadID)
	if err := run(ctx, client, os.Stdin, os.Stdout, logger); err != nil && ctx.Err() == nil {
		logger.Error("threadtail_failed", "error", err)
		os.Exit(1)
	}
}

type sendResult struct {
	placeholderID int64
	message       reconcile.Message
	err           error
}

func run(ctx context.Context, client *client, in io.Reader, out io.Writer, logger *slog.Logger) error {
	// Subscribe before loading history; overlap is deduplicated by id.
	conn, err := client.dial(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	history, err := client.history(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	state := reconcile.NewState(history)
	for _, msg := range state.Messages() {
		printMessage(out, msg)
	}

	events := make(chan realtime.Event)
	streamErr := make(chan error, 1)
	go func() {
		for {
			var event realtime.Event
			if err := wsjson.Read(ctx, conn, &event); err != nil {
				streamErr <- err
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	results := make(chan sendResult)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-streamErr:
			return fmt.Errorf("stream closed: %w", err)
		case event := <-events:
			apply(state, event, out)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			body := strings.TrimSpace(line)
			if body == "" {
				continue
			}
			placeholder, err := state.Optimistic(client.threadID, "me", body, time.Now())
			if err != nil {
				fmt.Fprintln(out, "! wait for the previous message to be confirmed")
				continue
			}
			go func() {
				msg, err := client.send(ctx, body)
				select {
				case results <- sendResult{placeholderID: placeholder.ID, message: msg, err: err}:
				case <-ctx.Done():
				}
			}()
		case result := <-results:
			if result.err != nil {
				state.Fail(result.placeholderID)
				fmt.Fprintf(out, "! not sent: %v\n", result.err)
				logger.Warn("send_failed", "thread_id", client.threadID, "error", result.err)
				continue
			}
			shown := slices.ContainsFunc(state.Messages(), func(m reconcile.Message) bool { return m.ID == result.message.ID })
			state.Confirm(result.placeholderID, result.message)
			if !shown {
				printMessage(out, result.message)
			}
		}
	}
}

// apply folds a stream event into state and prints what changed. Messages
// already shown are not printed twice.
func apply(state *reconcile.State, event realtime.Event, out io.Writer) {
	if event.Message == nil {
		return
	}
	switch event.Type {
	case realtime.EventMessage:
		before := len(state.Messages())
		state.Realtime(*event.Message)
		if len(state.Messages()) > before {
			printMessage(out, *event.Message)
		}
	case realtime.EventRedacted:
		state.Redact(event.Message.ID, store.RedactedBody)
		fmt.Fprintf(out, "~ message %d was removed by a moderator\n", event.Message.ID)
	}
}

func printMessage(out io.Writer, msg reconcile.Message) {
	fmt.Fprintf(out, "[%d] %s %s: %s\n", msg.ID, msg.CreatedAt.Local().Format("15:04"), msg.SenderID, msg.Body)
}

type client struct {
	baseURL  string
	token    string
	threadID string
	http     *http.Client
}

func newClient(baseURL, token, threadID string) *client {
	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		threadID: threadID,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}
