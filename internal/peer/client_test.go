package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/hub"
	"paddlesync/server/internal/lifecycle"
	servernet "paddlesync/server/internal/net"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/sim"
)

func startAuthority(t *testing.T, codec proto.Codec) (*hub.Hub, *httptest.Server) {
	t.Helper()
	loopCfg := sim.DefaultLoopConfig()
	loopCfg.TickRate = 100
	h, err := hub.New(hub.Config{
		Engine: sim.EngineConfig{Session: "session-peer"},
		Loop:   loopCfg,
		Codec:  codec,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(servernet.NewHTTPHandler(h, servernet.HTTPHandlerConfig{}))
	t.Cleanup(srv.Close)
	return h, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientSyncsAndTearsDownOnDisconnect(t *testing.T) {
	for _, codec := range []proto.Codec{proto.JSONCodec{}, proto.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			h, srv := startAuthority(t, codec)

			client, err := Dial(context.Background(), ClientConfig{
				BaseURL:           srv.URL,
				Team:              "A",
				HeartbeatInterval: 50 * time.Millisecond,
			})
			if err != nil {
				t.Fatalf("dial failed: %v", err)
			}
			if client.Session() != "session-peer" {
				t.Fatalf("expected session-peer, got %q", client.Session())
			}

			runErr := make(chan error, 1)
			go func() { runErr <- client.Run(context.Background()) }()

			p := client.Peer()
			waitFor(t, "full snapshot", func() bool { return p.Bodies().Synced() })
			if _, ok := p.Bodies().Body(body.PaddleID(p.ClientID())); !ok {
				t.Fatalf("expected own paddle in the mirror")
			}

			h.Disconnect(p.ClientID())

			select {
			case err := <-runErr:
				if !errors.Is(err, ErrConnectionLost) {
					t.Fatalf("expected ErrConnectionLost, got %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("client did not notice the lost connection")
			}
			if p.Bodies().Synced() || len(p.Players().Players()) != 0 {
				t.Fatalf("expected local state to be torn down")
			}
		})
	}
}

func TestClientKnockoutAndAutoRespawn(t *testing.T) {
	loopCfg := sim.DefaultLoopConfig()
	loopCfg.TickRate = 100
	h, err := hub.New(hub.Config{
		Engine: sim.EngineConfig{Session: "session-peer", RespawnDuration: 200 * time.Millisecond},
		Loop:   loopCfg,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	srv := httptest.NewServer(servernet.NewHTTPHandler(h, servernet.HTTPHandlerConfig{}))
	t.Cleanup(srv.Close)

	client, err := Dial(ctx, ClientConfig{BaseURL: srv.URL, Team: "B", AutoRespawn: true})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	go client.Run(ctx)

	p := client.Peer()
	granted := make(chan proto.RespawnGrant, 1)
	p.OnRespawnGrant(func(g proto.RespawnGrant) {
		select {
		case granted <- g:
		default:
		}
	})
	waitFor(t, "full snapshot", func() bool { return p.Bodies().Synced() })

	if !h.RequestKnockout(p.ClientID()) {
		t.Fatalf("expected knockout to be queued")
	}

	select {
	case g := <-granted:
		if g.ClientID != p.ClientID() {
			t.Fatalf("unexpected grant %+v", g)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a respawn grant after the countdown")
	}
	waitFor(t, "alive again", func() bool {
		player, ok := p.Players().Player(p.ClientID())
		return ok && player.State == lifecycle.StateAlive
	})
}
