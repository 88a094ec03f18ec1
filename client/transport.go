package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"quizbattle/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second // サーバーは10秒ごとにPingを送る
	writeWait      = 10 * time.Second
	sendQueueSize  = 32
	eventQueueSize = 32
)

var (
	ErrConnClosed    = errors.New("relay connection closed")
	ErrSendQueueFull = errors.New("relay send queue full")
)

// Conn is one live relay connection owned by a session.
type Conn interface {
	// Send queues ev for delivery without blocking.
	Send(ev models.Event) error
	// Events is closed when the connection dies.
	Events() <-chan models.Event
	Alive() bool
	Close() error
}

// Transport opens relay connections. Each session gets its own.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials the relay's /ws endpoint.
type WebsocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return nil, err
	}
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		ws:     ws,
		logger: logger,
		events: make(chan models.Event, eventQueueSize),
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger *zap.Logger
	events chan models.Event
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	alive  atomic.Bool
}

func (c *wsConn) Send(ev models.Event) error {
	data, err := models.EncodeEvent(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Events() <-chan models.Event { return c.events }

func (c *wsConn) Alive() bool { return c.alive.Load() }

func (c *wsConn) Close() error {
	c.once.Do(func() {
		c.alive.Store(false)
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.ws.Close()
	})
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	// Pingを受けたら読み取りデッドラインを延長してPongを返す
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Relay connection lost", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := models.ParseEvent(data)
		if err != nil {
			c.logger.Warn("Dropping unreadable relay event", zap.Error(err))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("Error writing relay event", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
