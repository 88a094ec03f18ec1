package actions

import (
	"context"
	"errors"

	"quizbattle/battle/broadcast"
	"quizbattle/battle/connection"
	"quizbattle/battle/room"
	"quizbattle/models"

	"go.uber.org/zap"
)

func (h *Handler) handleJoin(ctx context.Context, c *connection.Client, e *models.JoinEvent) {
	logger := h.Logger.With(zap.String("battleID", e.BattleID), zap.String("userID", e.UserID))

	// 同じ接続で別のユーザーを名乗るのは不可
	if c.UserID != "" && c.UserID != e.UserID {
		h.reject(c, e.BattleID, "connection already belongs to another user")
		return
	}
	if !h.verifyParticipant(ctx, c, e, logger) {
		return
	}

	// 別のバトルに居た接続なら先に退出させる
	if c.Joined() && c.BattleID != e.BattleID {
		h.Leave(c)
	}

	res, err := h.Registry.Join(e.BattleID, room.Member{UserID: e.UserID, DisplayName: e.DisplayName, Conn: c})
	if errors.Is(err, room.ErrRoomFull) {
		logger.Info("Join refused, room full")
		h.reject(c, e.BattleID, err.Error())
		return
	}
	if err != nil {
		logger.Error("Join failed", zap.Error(err))
		h.reject(c, e.BattleID, "join failed")
		return
	}
	c.UserID = e.UserID
	c.BattleID = e.BattleID
	c.DisplayName = e.DisplayName

	if res.Replaced != nil {
		logger.Info("Player rejoined the battle", zap.String("replacedConnID", res.Replaced.ID()))
		// 古い接続は閉じる。その Leave は入れ替え済みなので無視される
		if old, ok := res.Replaced.(*connection.Client); ok {
			old.Close()
		}
	} else if res.Added {
		logger.Info("Player joined the battle", zap.Int("members", len(res.Members)))
	}

	broadcast.Relay(h.Registry, e.BattleID, &models.MembersEvent{BattleID: e.BattleID, Members: res.Members}, models.ScopeRoom, "", h.Logger)

	if res.Ready && h.acquireReady(ctx, e.BattleID, logger) {
		logger.Info("Room ready", zap.Int("members", len(res.Members)))
		broadcast.Relay(h.Registry, e.BattleID, &models.RoomReadyEvent{BattleID: e.BattleID, Members: res.Members}, models.ScopeRoom, "", h.Logger)
	}
}

// verifyParticipant checks the join against the battle record. A store that
// cannot be reached does not block the join.
func (h *Handler) verifyParticipant(ctx context.Context, c *connection.Client, e *models.JoinEvent, logger *zap.Logger) bool {
	if h.Store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	b, err := h.Store.GetBattle(ctx, e.BattleID)
	switch {
	case errors.Is(err, models.ErrBattleNotFound):
		h.reject(c, e.BattleID, err.Error())
		return false
	case err != nil:
		logger.Warn("Battle store unavailable, admitting join unverified", zap.Error(err))
		return true
	case !b.IsParticipant(e.UserID):
		logger.Info("Join refused, not a participant")
		h.reject(c, e.BattleID, models.ErrNotParticipant.Error())
		return false
	}
	return true
}

func (h *Handler) acquireReady(ctx context.Context, battleID string, logger *zap.Logger) bool {
	if h.Latch == nil {
		return true
	}
	ok, err := h.Latch.Acquire(ctx, battleID)
	if err != nil {
		logger.Warn("Ready latch unavailable, using in-memory decision", zap.Error(err))
		return true
	}
	if !ok {
		logger.Info("roomReady already announced for this battle")
	}
	return ok
}

// Leave removes the connection from its room and tells whoever remains.
func (h *Handler) Leave(c *connection.Client) {
	if !c.Joined() {
		return
	}
	battleID := c.BattleID
	left, remaining, ok := h.Registry.Leave(battleID, c.ID())
	c.BattleID = ""
	if !ok {
		return
	}
	h.Logger.Info("Player left the room",
		zap.String("battleID", battleID),
		zap.String("userID", left.UserID),
		zap.Int("remaining", len(remaining)))
	broadcast.NotifyOpponentLeft(h.Registry, battleID, left.UserID, remaining, h.Logger)
}
