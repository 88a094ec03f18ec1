package connection

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod     = 10 * time.Second // 10秒ごとにPingを送信
	pongWait       = 60 * time.Second // 60秒の読み取りデッドライン
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// WritePump はキューのメッセージを書き込み、定期的にPingを送って接続を維持します。
// 送信キューが閉じられたら Close フレームを送って終了する
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Error("Error writing message", zap.Error(err))
				return
			}
		case <-ticker.C:
			// Pingを送信
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Error("Error sending ping", zap.Error(err))
				return
			}
		}
	}
}

// ReadPump reads frames until the connection fails or ctx ends, handing each
// one to handle. Pong frames extend the read deadline.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, msg []byte)) {
	defer c.Close()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	// Pongハンドラの設定: Pongを受信したら読み取りデッドラインを更新
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, msg, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(ctx, msg)
	}
}
