package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// 🔌 WebSocket alt transport for /api/stats/stream
// =============================================================================
// Some operators front the gateway with a reverse proxy that buffers or
// drops long-lived SSE responses. HandleStatsWebSocket offers the same
// TuiStreamEvent feed over a WebSocket connection instead, subscribed to
// the same Broadcaster as the SSE endpoint.
// =============================================================================

// HandleStatsWebSocket serves GET /api/stats/ws: the WebSocket equivalent
// of HandleStatsStream, one frame per TuiStreamEvent.
func (h *GatewayHandler) HandleStatsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events, unsubscribe := h.broadcaster.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "broadcaster closed")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
