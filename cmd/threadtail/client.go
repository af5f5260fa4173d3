package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"mentorly/api/internal/realtime"
	"mentorly/api/internal/reconcile"
)

type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
	Details any    `json:"details"`
}

func (e *apiError) Error() string {
	if e.Code == "CONTENT_BLOCKED" {
		return fmt.Sprintf("%s (%v)", e.Message, e.Details)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (c *client) threadURL(suffix string) string {
	return c.baseURL + "/api/threads/" + url.PathEscape(c.threadID) + suffix
}

func (c *client) do(req *http.Request, target any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func (c *client) history(ctx context.Context) ([]reconcile.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.threadURL("/messages?limit=200"), nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Items []reconcile.Message `json:"items"`
	}
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (c *client) send(ctx context.Context, body string) (reconcile.Message, error) {
	encoded, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return reconcile.Message{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.threadURL("/messages"), bytes.NewReader(encoded))
	if err != nil {
		return reconcile.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var msg reconcile.Message
	if err := c.do(req, &msg); err != nil {
		return reconcile.Message{}, err
	}
	return msg, nil
}

// dial opens the realtime stream and waits for the server's ready frame so
// no event published after dial returns is missed.
func (c *client) dial(ctx context.Context) (*websocket.Conn, error) {
	streamURL := c.threadURL("/stream")
	switch {
	case strings.HasPrefix(streamURL, "https://"):
		streamURL = "wss://" + strings.TrimPrefix(streamURL, "https://")
	case strings.HasPrefix(streamURL, "http://"):
		streamURL = "ws://" + strings.TrimPrefix(streamURL, "http://")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	var first realtime.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no ready frame")
		return nil, err
	}
	if first.Type != realtime.EventReady {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected first frame")
		return nil, fmt.Errorf("expected ready frame, got %q", first.Type)
	}
	return conn, nil
}
