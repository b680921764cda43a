package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/telemetry"
)

const (
	writeWait                = 10 * time.Second
	defaultHeartbeatInterval = 2 * time.Second
)

// ErrConnectionLost wraps the read error that ended a session.
var ErrConnectionLost = errors.New("peer: authority connection lost")

// ClientConfig describes how to reach an authority.
type ClientConfig struct {
	// BaseURL is the authority's HTTP root, for example http://localhost:8080.
	BaseURL string
	Team    string
	// Codec overrides the codec advertised by /join.
	Codec             proto.Codec
	HeartbeatInterval time.Duration
	AutoRespawn       bool
	SeenEntries       int
	SeenAgeTicks      uint64
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
}

type joinResponse struct {
	ID       string `json:"id"`
	Team     string `json:"team"`
	Session  string `json:"session"`
	TickRate int    `json:"tickRate"`
	Codec    string `json:"codec"`
}

// Client is a websocket connection to the authority driving a Peer.
type Client struct {
	peer      *Peer
	conn      *websocket.Conn
	codec     proto.Codec
	session   string
	heartbeat time.Duration
	logger    telemetry.Logger

	writeMu sync.Mutex
}

// Dial joins the authority over HTTP and opens the websocket session.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("peer: parse base url: %w", err)
	}

	join, err := postJoin(ctx, cfg.HTTPClient, base, cfg.Team)
	if err != nil {
		return nil, err
	}

	codec := cfg.Codec
	if codec == nil {
		codec, err = proto.ParseCodec(join.Codec)
		if err != nil {
			return nil, fmt.Errorf("peer: %w", err)
		}
	}

	wsURL := *base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = base.Path + "/ws"
	wsURL.RawQuery = url.Values{"id": {join.ID}}.Encode()

	conn, resp, err := cfg.Dialer.DialContext(ctx, wsURL.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", wsURL.String(), err)
	}

	p := New(Config{
		ClientID:     join.ID,
		SeenEntries:  cfg.SeenEntries,
		SeenAgeTicks: cfg.SeenAgeTicks,
		AutoRespawn:  cfg.AutoRespawn,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
	c := &Client{
		peer:      p,
		conn:      conn,
		codec:     codec,
		session:   join.Session,
		heartbeat: cfg.HeartbeatInterval,
		logger:    cfg.Logger,
	}
	p.Attach(c)
	return c, nil
}

func postJoin(ctx context.Context, client *http.Client, base *url.URL, team string) (joinResponse, error) {
	body, err := json.Marshal(struct {
		Team string `json:"team,omitempty"`
	}{Team: team})
	if err != nil {
		return joinResponse{}, fmt.Errorf("peer: encode join: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+"/join", strings.NewReader(string(body)))
	if err != nil {
		return joinResponse{}, fmt.Errorf("peer: build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return joinResponse{}, fmt.Errorf("peer: join: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return joinResponse{}, fmt.Errorf("peer: join: unexpected status %s", resp.Status)
	}
	var join joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		return joinResponse{}, fmt.Errorf("peer: decode join: %w", err)
	}
	if join.ID == "" {
		return joinResponse{}, fmt.Errorf("peer: join returned no id")
	}
	return join, nil
}

// Peer returns the mirrors fed by this client.
func (c *Client) Peer() *Peer { return c.peer }

// Session returns the authority session the client joined.
func (c *Client) Session() string { return c.session }

// Send encodes msg and writes it to the authority.
func (c *Client) Send(msg proto.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Run reads frames until ctx ends or the connection fails. Either way the
// peer is torn down before Run returns. A lost connection is reported as an
// error wrapping ErrConnectionLost.
func (c *Client) Run(ctx context.Context) error {
	defer c.peer.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx)
	}()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
			<-readErr
			return nil
		case err := <-readErr:
			c.conn.Close()
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		case <-ticker.C:
			if err := c.peer.Heartbeat(); err != nil {
				c.logger.Printf("[peer] heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := c.codec.Decode(payload)
		if err != nil {
			c.logger.Printf("[peer] discarding malformed frame: %v", err)
			continue
		}
		if err := c.peer.Handle(ctx, msg); err != nil {
			c.logger.Printf("[peer] %s: %v", msg.Kind(), err)
		}
	}
}
