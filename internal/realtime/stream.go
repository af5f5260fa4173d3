package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"mentorly/api/internal/metrics"
)

const pingInterval = 30 * time.Second

// Streamer upgrades an authorized request to a websocket and forwards the
// thread's events until either side goes away. Callers check access first.
type Streamer struct {
	broker         *Broker
	originPatterns []string
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

func NewStreamer(broker *Broker, allowedOrigin string, logger *slog.Logger, m *metrics.Metrics) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := []string{"*"}
	if allowedOrigin != "" && allowedOrigin != "*" {
		patterns = []string{allowedOrigin}
	}
	return &Streamer{broker: broker, originPatterns: patterns, logger: logger, metrics: m}
}

func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, threadID, userID string) {
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("realtime_accept_failed", "thread_id", threadID, "user_id", userID, "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "stream ended")
	}()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	sub, err := s.broker.Subscribe(ctx, threadID)
	if err != nil {
		s.logger.Error("realtime_subscribe_failed", "thread_id", threadID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	s.metrics.SubscriberOpened()
	defer s.metrics.SubscriberClosed()
	s.logger.Debug("realtime_stream_open", "thread_id", threadID, "user_id", userID)

	if err := s.write(ctx, conn, Event{Type: EventReady}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.write(ctx, conn, event); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("realtime_ping_failed", "thread_id", threadID, "error", err)
				return
			}
		}
	}
}

func (s *Streamer) write(ctx context.Context, conn *websocket.Conn, event Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, event); err != nil {
		s.logger.Debug("realtime_write_failed", "error", err)
		return err
	}
	return nil
}
