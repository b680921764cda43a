package ws

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"paddlesync/server/internal/hub"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/observability"
	"paddlesync/server/internal/sim"
	"paddlesync/server/logging"
	loggingnetwork "paddlesync/server/logging/network"
)

const (
	metricMalformed = "ws_malformed_messages_total"
	metricRejected  = "ws_rejected_messages_total"
)

// Serve runs a websocket session for a joined player until the connection
// fails. Outbound frames are written by the hub; this goroutine only reads.
func (h *Handler) Serve(ctx context.Context, playerID string, conn *websocket.Conn) {
	if h == nil || h.hub == nil || conn == nil {
		return
	}

	sub, err := h.hub.Subscribe(playerID, conn)
	if err != nil {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown player")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	codec := h.hub.Codec()
	pub := h.hub.Publisher()
	actor := logging.PlayerRef(playerID)
	loggingnetwork.SessionOpened(ctx, pub, h.hub.Loop().Tick(), actor, loggingnetwork.SessionPayload{Codec: codec.Name()})

	reason := "closed"
	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			h.logger.Printf("[ws] session panic for %s: %v", playerID, r)
			observability.ReportPanic(r, map[string]string{
				"component": "net.ws",
				"player":    playerID,
			})
		}
		h.hub.Release(sub)
		loggingnetwork.SessionClosed(context.WithoutCancel(ctx), pub, h.hub.Loop().Tick(), actor, loggingnetwork.SessionPayload{
			Codec:  codec.Name(),
			Reason: reason,
		})
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			return
		}

		msg, err := proto.DecodeClientMessage(codec, payload)
		if err != nil {
			h.metrics.Add(metricMalformed, 1)
			if errors.Is(err, proto.ErrNotClientMessage) {
				h.logger.Printf("[ws] %s sent authority-only message: %v", playerID, err)
			} else {
				h.logger.Printf("discarding malformed message from %s: %v", playerID, err)
			}
			loggingnetwork.MalformedMessage(ctx, pub, h.hub.Loop().Tick(), actor, loggingnetwork.MalformedPayload{Error: err.Error()})
			continue
		}

		ok, rejectReason := h.hub.Submit(playerID, msg)
		if ok {
			continue
		}
		h.metrics.Add(metricRejected, 1)
		switch rejectReason {
		case sim.CommandRejectQueueLimit:
			// The loop logs throttled actors itself.
		case hub.RejectUnknownPlayer:
			h.logger.Printf("[ws] %s ignored for unknown player %s", msg.Kind(), playerID)
			return
		default:
			h.logger.Printf("[ws] %s from %s rejected: %s", msg.Kind(), playerID, rejectReason)
		}
	}
}
