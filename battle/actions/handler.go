// Package actions applies inbound relay events: joins update the room
// registry, everything else is relayed with its fixed scope.
package actions

import (
	"context"
	"time"

	"quizbattle/battle/broadcast"
	"quizbattle/battle/connection"
	"quizbattle/battle/room"
	"quizbattle/database"
	"quizbattle/models"

	"go.uber.org/zap"
)

// storeTimeout はjoin検証時のストア読み込み上限
const storeTimeout = 3 * time.Second

// ReadyLatch makes the roomReady announcement at-most-once beyond the
// lifetime of a single in-memory room.
type ReadyLatch interface {
	Acquire(ctx context.Context, battleID string) (bool, error)
}

type Handler struct {
	Registry *room.Registry
	Store    database.BattleStore
	Latch    ReadyLatch // nil ならメモリ上の判定のみ
	Logger   *zap.Logger
}

// HandleMessage decodes one frame and dispatches it. Malformed frames are
// answered with an error event and never relayed.
func (h *Handler) HandleMessage(ctx context.Context, c *connection.Client, msg []byte) {
	ev, err := models.DecodeEvent(msg)
	if err != nil {
		h.Logger.Info("Rejected inbound event", zap.String("connID", c.ID()), zap.Error(err))
		h.reject(c, "", err.Error())
		return
	}
	h.Handle(ctx, c, ev)
}

func (h *Handler) Handle(ctx context.Context, c *connection.Client, ev models.Event) {
	switch e := ev.(type) {
	case *models.JoinEvent:
		h.handleJoin(ctx, c, e)
	case *models.CountdownEvent:
		h.relayFromMember(c, e, models.ScopeRoom)
	case *models.BattleStartedEvent:
		h.relayFromMember(c, e, models.ScopeRoom)
	case *models.CompletionEvent:
		if e.UserID != c.UserID {
			h.reject(c, e.BattleID, "completion must be sent by its own participant")
			return
		}
		h.relayFromMember(c, e, models.ScopeOthers)
	case *models.AnsweredEvent:
		if e.UserID != c.UserID {
			h.reject(c, e.BattleID, "answered must be sent by its own participant")
			return
		}
		h.relayFromMember(c, e, models.ScopeOthers)
	case *models.SyncRequestEvent:
		h.relayFromMember(c, e, models.ScopeOthers)
	default:
		// roomReady / membersUpdated / opponentLeft / error はサーバー発のみ
		h.reject(c, ev.Battle(), "event type "+string(ev.Type())+" is server-originated")
	}
}

func (h *Handler) relayFromMember(c *connection.Client, ev models.Event, scope models.Scope) {
	if c.BattleID != ev.Battle() || !h.Registry.IsMember(ev.Battle(), c.ID()) {
		h.reject(c, ev.Battle(), "join the battle before sending "+string(ev.Type()))
		return
	}
	n := broadcast.Relay(h.Registry, ev.Battle(), ev, scope, c.ID(), h.Logger)
	h.Logger.Debug("Relayed event",
		zap.String("battleID", ev.Battle()),
		zap.String("type", string(ev.Type())),
		zap.String("scope", string(scope)),
		zap.Int("delivered", n))
}

func (h *Handler) reject(c *connection.Client, battleID, message string) {
	broadcast.SendTo(c, &models.ErrorEvent{BattleID: battleID, Message: message}, h.Logger)
}
