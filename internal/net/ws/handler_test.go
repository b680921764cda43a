package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"paddlesync/server/internal/hub"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/sim"
	"paddlesync/server/internal/spawn"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
)

func newRunningHub(t *testing.T, codec proto.Codec) *hub.Hub {
	t.Helper()
	loopCfg := sim.DefaultLoopConfig()
	loopCfg.TickRate = 100
	h, err := hub.New(hub.Config{
		Engine: sim.EngineConfig{Session: "session-ws"},
		Loop:   loopCfg,
		Codec:  codec,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func dial(t *testing.T, srv *httptest.Server, playerID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, playerID), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, codec proto.Codec, kind proto.Kind) proto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed waiting for %s: %v", kind, err)
		}
		msg, err := codec.Decode(payload)
		if err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		if msg.Kind() == kind {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, codec proto.Codec, msg proto.Message) {
	t.Helper()
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", msg.Kind(), err)
	}
	messageType := websocket.TextMessage
	if codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(messageType, data); err != nil {
		t.Fatalf("failed to send %s: %v", msg.Kind(), err)
	}
}

func TestHandleSubscribeStartsWithFullSnapshot(t *testing.T) {
	h := newRunningHub(t, nil)
	join := h.Join(spawn.TeamA)

	handler := NewHandler(h, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, join.ID)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read initial state: %v", err)
	}
	msg, err := h.Codec().Decode(payload)
	if err != nil {
		t.Fatalf("failed to decode initial state: %v", err)
	}
	full, ok := msg.(proto.FullStateSnapshot)
	if !ok {
		t.Fatalf("expected fullState first, got %s", msg.Kind())
	}
	if full.Session != "session-ws" {
		t.Fatalf("expected session-ws, got %q", full.Session)
	}
}

func TestHandleHeartbeatSurvivesMalformedFrames(t *testing.T) {
	codecs := []proto.Codec{proto.JSONCodec{}, proto.MsgpackCodec{}}
	for _, codec := range codecs {
		t.Run(codec.Name(), func(t *testing.T) {
			metrics := &logging.Metrics{}
			h := newRunningHub(t, codec)
			join := h.Join(spawn.TeamB)

			handler := NewHandler(h, HandlerConfig{Metrics: telemetry.WrapMetrics(metrics)})
			srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
			t.Cleanup(srv.Close)

			conn := dial(t, srv, join.ID)
			readUntil(t, conn, codec, proto.KindFullState)

			if err := conn.WriteMessage(websocket.TextMessage, []byte("not a frame")); err != nil {
				t.Fatalf("failed to send garbage: %v", err)
			}
			send(t, conn, codec, proto.StateUpdate{Tick: 99})

			sentAt := time.Now().UnixMilli()
			send(t, conn, codec, proto.Heartbeat{SentAt: sentAt})
			echo, ok := readUntil(t, conn, codec, proto.KindHeartbeat).(proto.Heartbeat)
			if !ok || echo.SentAt != sentAt || echo.ServerTime == 0 {
				t.Fatalf("unexpected heartbeat echo: %+v", echo)
			}
			if got := metrics.Snapshot()[metricMalformed]; got != 2 {
				t.Fatalf("expected two malformed frames, got %d", got)
			}
		})
	}
}

func TestHandleRejectsUnknownPlayer(t *testing.T) {
	h := newRunningHub(t, nil)
	handler := NewHandler(h, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "player-missing")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHandleMissingID(t *testing.T) {
	h := newRunningHub(t, nil)
	handler := NewHandler(h, HandlerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp := httptest.NewRecorder()
	handler.Handle(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestHandleCloseReleasesPlayer(t *testing.T) {
	h := newRunningHub(t, nil)
	join := h.Join(spawn.TeamA)

	handler := NewHandler(h, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, join.ID)
	readUntil(t, conn, h.Codec(), proto.KindFullState)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.DiagnosticsSnapshot().Players) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected player to be released after close")
}

func websocketURL(t *testing.T, baseURL, playerID string) string {
	t.Helper()

	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = "/"
	query := parsed.Query()
	query.Set("id", playerID)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
