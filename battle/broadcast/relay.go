package broadcast

import (
	"quizbattle/battle/room"
	"quizbattle/models"

	"go.uber.org/zap"
)

// Relay はイベントを現在のルームメンバーへ配信し、配信できた数を返す。
// メンバーがいないルームへの配信は何もしない（エラーではない）
func Relay(registry *room.Registry, battleID string, ev models.Event, scope models.Scope, senderConnID string, logger *zap.Logger) int {
	members := registry.Snapshot(battleID)
	if len(members) == 0 {
		return 0
	}
	msg, err := models.EncodeEvent(ev)
	if err != nil {
		logger.Error("Failed to encode event", zap.String("type", string(ev.Type())), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, m := range members {
		if m.Conn == nil {
			continue
		}
		if scope == models.ScopeOthers && m.Conn.ID() == senderConnID {
			continue
		}
		if !m.Conn.Send(msg) {
			// 送信バッファが詰まった接続。Send側で切断済み
			logger.Warn("Dropped event for slow connection",
				zap.String("battleID", battleID),
				zap.String("userID", m.UserID),
				zap.String("type", string(ev.Type())))
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo は1接続だけに送る（エラー通知など）
func SendTo(conn room.Sender, ev models.Event, logger *zap.Logger) bool {
	msg, err := models.EncodeEvent(ev)
	if err != nil {
		logger.Error("Failed to encode event", zap.String("type", string(ev.Type())), zap.Error(err))
		return false
	}
	return conn.Send(msg)
}

// NotifyOpponentLeft tells the remaining members that userID disconnected.
// It is informational only; the battle continues.
func NotifyOpponentLeft(registry *room.Registry, battleID, userID string, remaining []models.Member, logger *zap.Logger) {
	if len(remaining) == 0 {
		return
	}
	Relay(registry, battleID, &models.OpponentLeftEvent{BattleID: battleID, UserID: userID}, models.ScopeRoom, "", logger)
	Relay(registry, battleID, &models.MembersEvent{BattleID: battleID, Members: remaining}, models.ScopeRoom, "", logger)
}
