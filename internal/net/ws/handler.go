// Package ws carries the relay protocol over websockets: the relay-side
// connection handler and the peer-side client transport.
package ws

import (
	"errors"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/relay"
	"colocate/internal/telemetry"
)

const (
	writeWait         = 10 * time.Second
	defaultSendBuffer = 256
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")
	// ErrSlowConsumer is returned when a peer's send buffer is full. The
	// relay drops such peers rather than stall its tick.
	ErrSlowConsumer = errors.New("ws: send buffer full")
)

type HandlerConfig struct {
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
	SendBuffer int
}

// Handler upgrades /ws requests and attaches each connection to the hub.
type Handler struct {
	hub        *relay.Hub
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	sendBuffer int
	upgrader   websocket.Upgrader
}

func NewHandler(hub *relay.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Handler{
		hub:        hub,
		logger:     logger,
		metrics:    metrics,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle serves /ws?actor=<id>[&format=cbor].
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	actor := ownership.ActorID(r.URL.Query().Get("actor"))
	if actor == ownership.None {
		nethttp.Error(w, "missing actor", nethttp.StatusBadRequest)
		return
	}
	format, err := proto.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", actor, err)
		return
	}
	conn.SetReadLimit(proto.MaxFrameSize)

	out := newConnection(conn, format, h.sendBuffer, h.logger, h.metrics)
	go out.writeLoop()
	defer out.Close()

	if _, err := h.hub.Connect(actor, string(format), out); err != nil {
		h.logger.Printf("connect %s: %v", actor, err)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return
	}
	defer h.hub.DisconnectIf(actor, out, "closed")

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.Decode(proto.Frame{Binary: messageType == websocket.BinaryMessage, Data: payload})
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", actor, err)
			continue
		}
		if err := h.hub.Submit(actor, msg); err != nil && !errors.Is(err, relay.ErrCommandRejected) {
			h.logger.Printf("message %q from %s: %v", msg.Type, actor, err)
			if errors.Is(err, relay.ErrUnknownPeer) {
				return
			}
		}
	}
}

// connection is the relay.Outbox of one websocket. Send never blocks: the
// hub calls it under its lock, so frames are queued and written by a
// dedicated goroutine.
type connection struct {
	conn    *websocket.Conn
	format  proto.Format
	send    chan proto.Message
	done    chan struct{}
	once    sync.Once
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

func newConnection(conn *websocket.Conn, format proto.Format, buffer int, logger telemetry.Logger, metrics telemetry.Metrics) *connection {
	return &connection{
		conn:    conn,
		format:  format,
		send:    make(chan proto.Message, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

func (c *connection) Send(msg proto.Message) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *connection) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *connection) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			frame, err := proto.Encode(msg, c.format)
			if err != nil {
				c.logger.Printf("encode %s: %v", msg.Type, err)
				continue
			}
			if frame.Compressed() {
				c.metrics.Add(telemetry.MetricFramesCompressed, 1)
			}
			messageType := websocket.TextMessage
			if frame.Binary {
				messageType = websocket.BinaryMessage
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(messageType, frame.Data); err != nil {
				return
			}
		}
	}
}
