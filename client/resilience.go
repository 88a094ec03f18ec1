package client

import (
	"context"
	"errors"
	"time"

	"quizbattle/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// attach は新しい接続を使い始める。古い接続からのイベントは世代番号で捨てる
func (s *Session) attach(conn Conn) {
	if s.conn != nil {
		s.conn.Close()
	}
	s.connGen++
	gen := s.connGen
	s.conn = conn
	go func() {
		for ev := range conn.Events() {
			if !s.post(func() { s.onEvent(gen, ev) }) {
				return
			}
		}
		s.post(func() { s.onConnLost(gen) })
	}()
}

func (s *Session) detach() {
	if s.conn == nil {
		return
	}
	s.connGen++
	s.conn.Close()
	s.conn = nil
}

func (s *Session) send(ev models.Event) {
	if s.conn == nil {
		s.logger.Debug("Not connected, dropping event", zap.String("type", string(ev.Type())))
		return
	}
	if err := s.conn.Send(ev); err != nil {
		s.logger.Warn("Could not send event", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}

func (s *Session) sendJoin() {
	s.send(&models.JoinEvent{BattleID: s.battleID, UserID: s.opts.User.ID, DisplayName: s.opts.User.Name})
}

// needsConnection は再接続の対象となる状態か
func (s *Session) needsConnection() bool {
	return s.battleID != "" && s.phase != PhaseResults && !s.reconnecting
}

// probe is the periodic liveness check.
func (s *Session) probe() {
	if !s.needsConnection() {
		return
	}
	if s.conn != nil && s.conn.Alive() {
		return
	}
	s.startReconnect()
}

func (s *Session) onConnLost(gen int) {
	if gen != s.connGen {
		return
	}
	s.conn = nil
	s.logger.Info("Relay connection lost", zap.String("battleID", s.battleID), zap.String("phase", string(s.phase)))
	if s.needsConnection() {
		s.startReconnect()
	}
}

type reconnectResult struct {
	record *models.Battle
	conn   Conn
}

func (s *Session) startReconnect() {
	s.stopReconnect()
	s.reconnecting = true
	s.warning = "connection lost, reconnecting"
	s.reconnectGen++
	gen, battleID := s.reconnectGen, s.battleID
	rctx, cancel := context.WithCancel(s.ctx)
	s.reconnectCancel = cancel

	go func() {
		attempt := func() (reconnectResult, error) {
			ctx, cancel := context.WithTimeout(rctx, requestTimeout)
			defer cancel()
			b, err := s.opts.API.GetBattle(ctx, battleID)
			if errors.Is(err, models.ErrBattleNotFound) {
				return reconnectResult{}, backoff.Permanent(err)
			}
			if err != nil {
				return reconnectResult{}, err
			}
			conn, err := s.opts.Transport.Dial(ctx)
			if err != nil {
				return reconnectResult{}, err
			}
			return reconnectResult{record: b, conn: conn}, nil
		}
		notify := func(err error, wait time.Duration) {
			s.logger.Info("Reconnect attempt failed", zap.String("battleID", battleID), zap.Duration("retryIn", wait), zap.Error(err))
		}
		res, err := backoff.RetryNotifyWithData(attempt, backoff.WithContext(s.opts.NewBackOff(), rctx), notify)
		if !s.post(func() { s.reconnected(gen, battleID, res, err) }) && res.conn != nil {
			res.conn.Close()
		}
	}()
}

// stopReconnect は進行中の再接続を打ち切る。届いた結果は世代番号で捨てる
func (s *Session) stopReconnect() {
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	s.reconnectGen++
	s.reconnecting = false
}

func (s *Session) reconnected(gen int, battleID string, res reconnectResult, err error) {
	if gen != s.reconnectGen || battleID != s.battleID {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	s.stopReconnect()
	if err != nil {
		if errors.Is(err, models.ErrBattleNotFound) {
			s.logger.Warn("Battle no longer exists", zap.String("battleID", battleID))
			s.detach()
			s.resetBattle()
			s.phase = PhaseModeSelection
			s.warning = "the battle no longer exists"
			return
		}
		// 次のプローブで再開する
		s.logger.Warn("Reconnect gave up", zap.String("battleID", battleID), zap.Error(err))
		return
	}

	s.attach(res.conn)
	s.sendJoin()
	s.setRecord(res.record)
	s.warning = ""
	s.logger.Info("Reconnected", zap.String("battleID", battleID), zap.String("phase", string(s.phase)))
	s.resyncQuiz()
	s.reconcile()
}

// reconcile restores the phase from the battle record after a reconnect or a
// manual results check. Phases the record cannot describe keep local progress.
func (s *Session) reconcile() {
	switch s.phase {
	case PhaseWaitingForOpponent:
		if len(s.record.Participants) == models.MaxParticipants && s.record.Status != models.StatusWaiting {
			s.members = make([]models.Member, 0, len(s.record.Participants))
			for _, p := range s.record.Participants {
				s.members = append(s.members, models.Member{UserID: p.UserID, DisplayName: p.DisplayName})
			}
			s.enterMatchFound()
		}
	case PhaseAwaitingOpponent:
		if rec, ok := s.opponentRecord(); ok {
			s.onOpponentCompletion(rec)
		}
	}
}

// resyncQuiz covers a battleStarted relayed while either side was offline; the
// relay does not replay it. The owner re-sends, the other participant asks.
func (s *Session) resyncQuiz() {
	switch s.phase {
	case PhaseCountdown, PhaseInQuiz, PhaseAwaitingOpponent:
	default:
		return
	}
	if s.ownQuiz != nil && s.isOwner() {
		// 受信側は battleStarted を一度しか受理しないので再送してよい
		s.logger.Info("Re-sending quiz after reconnect", zap.String("battleID", s.battleID))
		s.send(&models.BattleStartedEvent{BattleID: s.battleID, Quiz: *s.ownQuiz})
		return
	}
	if s.phase != PhaseCountdown || s.started || s.isOwner() || s.record == nil || s.record.Status == models.StatusWaiting {
		return
	}
	// 切断中に battleStarted を取りこぼしたかもしれない
	s.retry = true
	s.send(&models.SyncRequestEvent{BattleID: s.battleID, UserID: s.opts.User.ID})
}
