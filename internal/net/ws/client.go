package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"colocate/internal/anchor"
	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/spatial"
	"colocate/internal/telemetry"
	"colocate/internal/transport"
	"colocate/logging"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultReconnectDelay    = time.Second
)

type ClientConfig struct {
	// URL is the relay endpoint, e.g. ws://host:8080/ws.
	URL               string
	Actor             ownership.ActorID
	Format            proto.Format
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	Dialer            *websocket.Dialer
	Clock             logging.Clock
	Logger            telemetry.Logger
}

// Client is the peer-side transport.Transport over a websocket. Run keeps
// the connection up; sends fail with transport.ErrUnavailable while it is
// down.
type Client struct {
	cfg      ClientConfig
	endpoint string
	inbox    transport.Inbox

	mu   sync.Mutex
	conn *websocket.Conn
	seq  uint64
	rtt  time.Duration
}

var _ transport.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Actor == ownership.None {
		return nil, ownership.ErrInvalidActor
	}
	format, err := proto.ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws: relay url: %w", err)
	}
	query := endpoint.Query()
	query.Set("actor", string(cfg.Actor))
	query.Set("format", string(cfg.Format))
	endpoint.RawQuery = query.Encode()

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.ClockFunc(time.Now)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	return &Client{cfg: cfg, endpoint: endpoint.String()}, nil
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.cfg.Logger.Printf("[ws] connection to %s lost: %v", c.cfg.URL, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(proto.MaxFrameSize)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.inbox.Push(transport.StatusChanged{Connected: true})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err = g.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	cause := transport.ErrUnavailable
	if err != nil {
		cause = fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	c.inbox.Push(transport.StatusChanged{Connected: false, Err: cause})
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := proto.Decode(proto.Frame{Binary: messageType == websocket.BinaryMessage, Data: payload})
		if err != nil {
			c.cfg.Logger.Printf("[ws] discarding malformed frame: %v", err)
			continue
		}
		if msg.Type == proto.TypeHeartbeat {
			c.mu.Lock()
			c.rtt = time.Duration(msg.RTTMillis) * time.Millisecond
			c.mu.Unlock()
			continue
		}
		c.inbox.PushMessage(msg)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.write(proto.Heartbeat(c.cfg.Clock.Now().UnixMilli())); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(msg proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return transport.ErrUnavailable
	}
	c.seq++
	msg.Seq = c.seq
	frame, err := proto.Encode(msg, c.cfg.Format)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, frame.Data); err != nil {
		return errors.Join(transport.ErrUnavailable, err)
	}
	return nil
}

// RTT is the round-trip time reported by the last heartbeat reply.
func (c *Client) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt
}

func (c *Client) LocalActor() ownership.ActorID { return c.cfg.Actor }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Poll() []transport.Event { return c.inbox.Drain() }

func (c *Client) RequestAuthority(object ownership.ObjectID, requestID string, timestamp int64) error {
	return c.write(proto.Request(object, requestID, timestamp))
}

func (c *Client) CancelRequest(object ownership.ObjectID, requestID string) error {
	return c.write(proto.Cancel(object, requestID))
}

func (c *Client) ReleaseAuthority(object ownership.ObjectID, epoch uint64, body release.Body) error {
	return c.write(proto.Release(object, epoch, body))
}

func (c *Client) BroadcastState(object ownership.ObjectID, epoch uint64, pose spatial.Pose, body release.Body) error {
	return c.write(proto.State(object, epoch, pose, body))
}

func (c *Client) Spawn(state proto.ObjectState) error {
	return c.write(proto.Spawn(state))
}

func (c *Client) AnnounceAnchor(ann anchor.Announcement) error {
	return c.write(proto.AnchorAnnouncement(ann))
}

func (c *Client) RequestKeyframe() error {
	return c.write(proto.KeyframeRequest())
}
