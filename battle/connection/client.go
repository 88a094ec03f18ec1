package connection

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendBufferSize は接続ごとの送信キュー長。溢れたら遅いクライアントとして切断
const sendBufferSize = 64

// Client is one websocket connection to the relay. UserID and BattleID are
// set by a successful join and only touched from the read loop; Send may run
// on other connections' goroutines and reads nothing but the queue.
type Client struct {
	id     string
	Conn   *websocket.Conn
	logger *zap.Logger

	UserID      string
	BattleID    string
	DisplayName string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		Conn:   conn,
		logger: logger.With(zap.String("connID", id)),
		send:   make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg without blocking. A full queue closes the connection,
// which makes the client reconnect and re-sync.
func (c *Client) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("Send buffer full, closing connection")
		c.closeLocked()
		return false
	}
}

// Close stops the writer. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Joined は join 済み（ルームに所属中）かどうか
func (c *Client) Joined() bool {
	return c.BattleID != ""
}
