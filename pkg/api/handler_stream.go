package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/relay"
)

// pingTimeout bounds the backend probe before an SSE stream opens.
const pingTimeout = 2 * time.Second

// sseLogEvent is one relayed record on the wire, with its stream coordinates
// restored for clients that resume with History.
type sseLogEvent struct {
	relay.Record
	StreamKey string `json:"stream_key"`
	MessageID string `json:"message_id"`
}

// streamLogs serves the live log feed for one request as server-sent
// events. The stream stays open until the client disconnects or the relay
// fails; quiet periods surface as heartbeats so intermediaries keep the
// connection alive.
func (s *Server) streamLogs(c *gin.Context) {
	requestID := c.Param("request_id")

	pingCtx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	err := s.logs.Ping(pingCtx)
	cancel()
	if err != nil {
		s.logger.Error("Log stream backend unreachable", "request_id", requestID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log stream backend unavailable"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s.logger.Info("Log stream opened", "request_id", requestID)
	follower := s.logs.Follow(requestID)

	connected := false
	c.Stream(func(w io.Writer) bool {
		if !connected {
			connected = true
			return writeEvent(w, "connected", gin.H{"request_id": requestID})
		}

		records, err := follower.Next(c.Request.Context())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			s.logger.Error("Log stream read failed", "request_id", requestID, "error", err)
			writeEvent(w, "error", gin.H{"error": "log stream interrupted"})
			return false
		}
		if len(records) == 0 {
			return writeEvent(w, "heartbeat", gin.H{"timestamp": float64(time.Now().UnixMilli()) / 1000})
		}
		for _, rec := range records {
			if !writeEvent(w, "log", sseLogEvent{Record: rec, StreamKey: rec.StreamKey, MessageID: rec.ID}) {
				return false
			}
		}
		return true
	})

	s.logger.Info("Log stream closed", "request_id", requestID)
}

func writeEvent(w io.Writer, event string, data any) bool {
	return sse.Encode(w, sse.Event{Event: event, Data: data}) == nil
}
