package client

import (
	"context"
	"fmt"

	"quizbattle/models"

	"go.uber.org/zap"
)

// onEvent は中継されたイベントを現在の状態に適用する
func (s *Session) onEvent(gen int, ev models.Event) {
	if gen != s.connGen {
		return
	}
	if ev.Battle() != "" && ev.Battle() != s.battleID {
		return
	}
	// battleStarted だけは不正なクイズでも受け取って再試行に回す
	if _, ok := ev.(*models.BattleStartedEvent); !ok {
		if err := ev.Validate(); err != nil {
			s.logger.Warn("Ignoring invalid relay event", zap.String("type", string(ev.Type())), zap.Error(err))
			return
		}
	}

	me := s.opts.User.ID
	switch e := ev.(type) {
	case *models.RoomReadyEvent:
		s.onRoomReady(e.Members)
	case *models.MembersEvent:
		s.members = e.Members
	case *models.CountdownEvent:
		s.onCountdown(e.Value)
	case *models.BattleStartedEvent:
		s.onBattleStarted(&e.Quiz)
	case *models.AnsweredEvent:
		if e.UserID != me {
			s.oppAnswered[e.QuestionID] = true
		}
	case *models.CompletionEvent:
		s.onOpponentCompletion(e.Record())
	case *models.SyncRequestEvent:
		s.onSyncRequest()
	case *models.OpponentLeftEvent:
		if e.UserID != me {
			// 通知のみ。没収試合にはしない
			s.logger.Info("Opponent left the room", zap.String("battleID", s.battleID), zap.String("opponentID", e.UserID))
			s.warning = "opponent disconnected"
		}
	case *models.ErrorEvent:
		s.logger.Warn("Relay reported an error", zap.String("battleID", e.BattleID), zap.String("message", e.Message))
		s.warning = e.Message
	}
}

func containsUser(members []models.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Session) onRoomReady(members []models.Member) {
	if s.phase != PhaseWaitingForOpponent {
		return
	}
	if len(members) != models.MaxParticipants || !containsUser(members, s.opts.User.ID) {
		return
	}
	s.members = members
	s.enterMatchFound()
}

func (s *Session) enterMatchFound() {
	s.phase = PhaseMatchFound
	s.logger.Info("Match found", zap.String("battleID", s.battleID))
	s.arm(&s.matchTimer, s.opts.MatchFoundDelay, func() {
		if s.phase == PhaseMatchFound {
			s.phase = PhaseCountdown
		}
	})
}

// onCountdown は値そのものを正とする。直前に受理した値より小さいものだけ受理
func (s *Session) onCountdown(value int) {
	switch s.phase {
	case PhaseMatchFound:
		s.disarm(&s.matchTimer)
		s.phase = PhaseCountdown
	case PhaseCountdown:
	default:
		return
	}
	if n := len(s.ticks); n > 0 && value >= s.ticks[n-1] {
		return
	}
	s.ticks = append(s.ticks, value)
}

func (s *Session) countdownStartable() bool {
	return s.phase == PhaseCountdown && !s.ticking && !s.generating && !s.started && len(s.ticks) == 0
}

// StartCountdown begins the countdown. Only the room owner may call it; the
// owner check uses a freshly fetched record when the local one is stale, and
// a rejected call sends nothing.
func (s *Session) StartCountdown(ctx context.Context) error {
	var stale bool
	var battleID string
	err := s.call(ctx, func() error {
		if !s.countdownStartable() {
			return ErrIllegalAction
		}
		stale = s.recordStale()
		battleID = s.battleID
		return nil
	})
	if err != nil {
		return err
	}

	var fresh *models.Battle
	if stale {
		fresh, err = s.opts.API.GetBattle(ctx, battleID)
		if err != nil {
			s.logger.Warn("Could not refresh battle before countdown", zap.String("battleID", battleID), zap.Error(err))
			s.post(func() { s.warning = "could not verify the room owner, try again" })
			return fmt.Errorf("refreshing battle: %w", err)
		}
	}

	return s.call(ctx, func() error {
		if fresh != nil && fresh.ID == s.battleID {
			s.setRecord(fresh)
		}
		if !s.countdownStartable() {
			return ErrIllegalAction
		}
		if !s.isOwner() {
			s.warning = ErrNotOwner.Error()
			return ErrNotOwner
		}
		s.logger.Info("Starting countdown", zap.String("battleID", s.battleID), zap.Int("from", s.opts.CountdownFrom))
		s.ticking = true
		s.nextTick = s.opts.CountdownFrom
		s.emitTick()
		return nil
	})
}

// emitTick は1つ送って次を予約する。表示は中継で戻ってきた値で行う
func (s *Session) emitTick() {
	value := s.nextTick
	s.send(&models.CountdownEvent{BattleID: s.battleID, Value: value})
	if value <= 0 {
		s.ticking = false
		s.generateQuiz()
		return
	}
	s.nextTick--
	s.arm(&s.tickTimer, s.opts.CountdownInterval, s.emitTick)
}

func (s *Session) generateQuiz() {
	if s.generating {
		return
	}
	s.generating = true
	s.retry = false
	topic, battleID := s.topic, s.battleID
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, generateTimeout)
		defer cancel()
		quiz, err := s.opts.API.GenerateQuiz(ctx, topic, s.opts.Difficulty, s.opts.QuestionCount)
		s.post(func() { s.quizGenerated(battleID, quiz, err) })
	}()
}

func (s *Session) quizGenerated(battleID string, quiz *models.QuizPayload, err error) {
	if battleID != s.battleID {
		return
	}
	s.generating = false
	if s.phase != PhaseCountdown || s.started {
		return
	}
	if err == nil {
		err = quiz.Validate()
	}
	if err != nil {
		s.logger.Warn("Quiz generation failed", zap.String("battleID", battleID), zap.Error(err))
		s.retry = true
		s.warning = "could not prepare the quiz, retry available"
		return
	}
	s.ownQuiz = quiz
	s.send(&models.BattleStartedEvent{BattleID: s.battleID, Quiz: *quiz})
	s.startQuiz(quiz)
}

func (s *Session) onBattleStarted(quiz *models.QuizPayload) {
	if s.started {
		return
	}
	if s.phase != PhaseCountdown && s.phase != PhaseMatchFound {
		return
	}
	if s.phase == PhaseMatchFound {
		s.disarm(&s.matchTimer)
		s.phase = PhaseCountdown
	}
	if err := quiz.Validate(); err != nil {
		s.logger.Warn("Received an unusable quiz", zap.String("battleID", s.battleID), zap.Error(err))
		s.retry = true
		s.warning = "the quiz could not be loaded, retry available"
		return
	}
	s.startQuiz(quiz)
}

// onSyncRequest: 相手がクイズを受け取れなかったので送り直す
func (s *Session) onSyncRequest() {
	if s.ownQuiz == nil || !s.isOwner() {
		return
	}
	s.logger.Info("Re-sending quiz on request", zap.String("battleID", s.battleID))
	s.send(&models.BattleStartedEvent{BattleID: s.battleID, Quiz: *s.ownQuiz})
}

// Retry recovers from a failed or malformed quiz. The owner generates again;
// the other participant asks the owner to resend.
func (s *Session) Retry(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.phase != PhaseCountdown || !s.retry {
			return ErrIllegalAction
		}
		s.warning = ""
		if s.isOwner() {
			s.generateQuiz()
			return nil
		}
		s.send(&models.SyncRequestEvent{BattleID: s.battleID, UserID: s.opts.User.ID})
		return nil
	})
}

func (s *Session) startQuiz(quiz *models.QuizPayload) {
	s.disarm(&s.tickTimer)
	s.started = true
	s.ticking = false
	s.retry = false
	s.warning = ""
	s.quiz = quiz
	s.answered = make([]bool, len(quiz.Questions))
	s.nAnswered = 0
	s.correct = 0
	s.phase = PhaseInQuiz
	s.logger.Info("Battle started", zap.String("battleID", s.battleID), zap.Int("questions", len(quiz.Questions)))
}

// Answer records the choice for one question. Answering the last question
// completes the local run.
func (s *Session) Answer(ctx context.Context, questionIndex, optionIndex int) error {
	return s.call(ctx, func() error {
		if s.phase != PhaseInQuiz {
			return ErrIllegalAction
		}
		if questionIndex < 0 || questionIndex >= len(s.quiz.Questions) || s.answered[questionIndex] {
			return fmt.Errorf("%w: question %d", ErrIllegalAction, questionIndex)
		}
		q := s.quiz.Questions[questionIndex]
		if optionIndex < 0 || optionIndex >= len(q.Options) {
			return fmt.Errorf("%w: option %d", ErrIllegalAction, optionIndex)
		}
		correct := optionIndex == q.CorrectAnswer
		s.answered[questionIndex] = true
		s.nAnswered++
		if correct {
			s.correct++
		}
		s.send(&models.AnsweredEvent{BattleID: s.battleID, UserID: s.opts.User.ID, QuestionID: q.ID, Correct: correct})
		if s.nAnswered == len(s.quiz.Questions) {
			s.completeLocal()
		}
		return nil
	})
}

func (s *Session) completeLocal() {
	rec := models.CompletionRecord{
		UserID:         s.opts.User.ID,
		DisplayName:    s.opts.User.Name,
		Score:          s.correct,
		TotalQuestions: len(s.quiz.Questions),
		CompletedAt:    s.clock,
	}
	s.agg.RecordOwn(rec)
	s.logger.Info("Quiz completed", zap.String("battleID", s.battleID), zap.Int("score", rec.Score), zap.Int("total", rec.TotalQuestions))

	// 保存失敗は結果表示を妨げない
	battleID := s.battleID
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()
		if _, err := s.opts.API.SubmitScore(ctx, battleID, rec.UserID, rec.Score, rec.TotalQuestions); err != nil {
			s.logger.Warn("Score not saved", zap.String("battleID", battleID), zap.Error(err))
			s.post(func() {
				if s.battleID == battleID {
					s.warning = "score not saved"
				}
			})
		}
	}()

	s.send(&models.CompletionEvent{
		BattleID:       s.battleID,
		UserID:         rec.UserID,
		DisplayName:    rec.DisplayName,
		Score:          rec.Score,
		TotalQuestions: rec.TotalQuestions,
		CompletedAt:    rec.CompletedAt,
	})
	s.phase = PhaseAwaitingOpponent
	s.arm(&s.fallbackTimer, s.opts.FallbackTimeout, s.onFallback)
	s.tryResolve()
}

// onOpponentCompletion は自分の完了前に届いても保持しておく
func (s *Session) onOpponentCompletion(rec models.CompletionRecord) {
	if rec.UserID == s.opts.User.ID {
		return
	}
	if !s.agg.RecordOpponent(rec) {
		return
	}
	s.logger.Info("Opponent completed", zap.String("battleID", s.battleID), zap.String("opponentID", rec.UserID))
	if s.phase == PhaseAwaitingOpponent {
		s.tryResolve()
	}
}

func (s *Session) tryResolve() {
	if !s.agg.Complete() {
		return
	}
	res, _ := s.agg.Resolve()
	s.finish(res)
}

func (s *Session) onFallback() {
	if s.phase != PhaseAwaitingOpponent {
		return
	}
	res, ok := s.agg.Resolve()
	if !ok {
		return
	}
	s.logger.Info("Opponent data unavailable, showing partial result", zap.String("battleID", s.battleID))
	s.finish(res)
}

func (s *Session) finish(res Result) {
	if s.phase == PhaseResults {
		return
	}
	s.disarm(&s.fallbackTimer)
	s.result = &res
	s.phase = PhaseResults
	s.logger.Info("Battle result",
		zap.String("battleID", s.battleID),
		zap.String("winnerID", res.WinnerID),
		zap.Bool("draw", res.Draw),
		zap.Bool("partial", res.Partial))
}

// CheckResults fetches the battle record while waiting for the opponent and
// uses the opponent's stored score if it is there.
func (s *Session) CheckResults(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.phase != PhaseAwaitingOpponent {
			return ErrIllegalAction
		}
		s.refreshRecord(s.battleID)
		return nil
	})
}

func (s *Session) refreshRecord(battleID string) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()
		b, err := s.opts.API.GetBattle(ctx, battleID)
		s.post(func() {
			if battleID != s.battleID {
				return
			}
			if err != nil {
				s.logger.Warn("Could not refresh battle", zap.String("battleID", battleID), zap.Error(err))
				s.warning = "could not check results"
				return
			}
			s.setRecord(b)
			s.reconcile()
		})
	}()
}

// opponentRecord は保存済みレコードから相手の完了記録を組み立てる
func (s *Session) opponentRecord() (models.CompletionRecord, bool) {
	if s.record == nil {
		return models.CompletionRecord{}, false
	}
	opp := s.record.Opponent(s.opts.User.ID)
	if opp == nil || opp.Score == nil {
		return models.CompletionRecord{}, false
	}
	rec := models.CompletionRecord{
		UserID:      opp.UserID,
		DisplayName: opp.DisplayName,
		Score:       *opp.Score,
		CompletedAt: s.clock,
	}
	switch {
	case opp.TotalQuestions != nil:
		rec.TotalQuestions = *opp.TotalQuestions
	case s.quiz != nil:
		rec.TotalQuestions = len(s.quiz.Questions)
	}
	return rec, true
}
