// Package battle serves the realtime relay endpoint.
package battle

import (
	"context"
	"net/http"

	"quizbattle/battle/actions"
	"quizbattle/battle/connection"
	"quizbattle/battle/room"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server owns the room registry shared by every relay connection.
type Server struct {
	Registry *room.Registry
	Handler  *actions.Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(handler *actions.Handler, checkOrigin func(r *http.Request) bool, logger *zap.Logger) *Server {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		Registry: handler.Registry,
		Handler:  handler,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// WebSocket接続へのアップグレードを行い、切断までメッセージを処理する
func (s *Server) HandleConnections(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade は失敗時に自分でレスポンスを書く
		s.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := connection.NewClient(conn, s.logger)
	s.logger.Info("New client connected", zap.String("connID", client.ID()), zap.String("remote", r.RemoteAddr))

	go client.WritePump()

	client.ReadPump(ctx, func(ctx context.Context, msg []byte) {
		s.Handler.HandleMessage(ctx, client, msg)
	})

	// 読み取りループ終了 = 切断。相手に通知する
	s.Handler.Leave(client)
	s.logger.Info("Client removed", zap.String("connID", client.ID()), zap.String("userID", client.UserID))
}
