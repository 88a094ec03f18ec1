package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"quizbattle/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	alice = User{ID: "alice", Name: "Alice"}
	bob   = User{ID: "bob", Name: "Bob"}
	both  = []models.Member{{UserID: "alice", DisplayName: "Alice"}, {UserID: "bob", DisplayName: "Bob"}}
)

func newTestSession(t *testing.T, api API, tr Transport, user User, tweak func(*Options)) *Session {
	t.Helper()
	opts := Options{
		User:              user,
		API:               api,
		Transport:         tr,
		Logger:            zap.NewNop(),
		MatchFoundDelay:   20 * time.Millisecond,
		CountdownInterval: 10 * time.Millisecond,
		FallbackTimeout:   5 * time.Second,
		LivenessInterval:  50 * time.Millisecond,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func snapshot(t *testing.T, s *Session) Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func waitFor(t *testing.T, s *Session, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.Snapshot(context.Background())
		return err == nil && cond(snap)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return snap
}

func waitPhase(t *testing.T, s *Session, phase Phase) Snapshot {
	t.Helper()
	return waitFor(t, s, func(snap Snapshot) bool { return snap.Phase == phase }, "waiting for "+string(phase))
}

type fixture struct {
	s        *Session
	api      *storeAPI
	tr       *fakeTransport
	battleID string
}

func (f *fixture) conn() *fakeConn { return f.tr.conn(f.tr.dials() - 1) }

// joinerInCountdown: alice がオーナー、bob としてセッションを進める
func joinerInCountdown(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{api: newStoreAPI(), tr: &fakeTransport{}}
	b, err := f.api.store.CreateBattle(ctx, "Algebra", models.Participant{UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	f.battleID = b.ID

	f.s = newTestSession(t, f.api, f.tr, bob, tweak)
	require.NoError(t, f.s.ChooseJoin(ctx))
	require.NoError(t, f.s.SubmitBattleID(ctx, b.ID))
	waitPhase(t, f.s, PhaseWaitingForOpponent)

	f.conn().push(&models.RoomReadyEvent{BattleID: b.ID, Members: both})
	waitPhase(t, f.s, PhaseCountdown)
	return f
}

func joinerInQuiz(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	f := joinerInCountdown(t, tweak)
	f.conn().push(&models.BattleStartedEvent{BattleID: f.battleID, Quiz: *makeQuiz("Algebra", 5)})
	waitPhase(t, f.s, PhaseInQuiz)
	return f
}

// ownerInCountdown: alice としてルームを作り、bob の参加を中継から受け取る
func ownerInCountdown(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{api: newStoreAPI(), tr: &fakeTransport{}}
	f.s = newTestSession(t, f.api, f.tr, alice, tweak)
	require.NoError(t, f.s.ChooseCreate(ctx))
	require.NoError(t, f.s.SubmitTopic(ctx, "Algebra"))
	snap := waitPhase(t, f.s, PhaseWaitingForOpponent)
	f.battleID = snap.BattleID

	_, err := f.api.store.JoinBattle(ctx, f.battleID, models.Participant{UserID: "bob", DisplayName: "Bob"})
	require.NoError(t, err)
	f.conn().push(&models.RoomReadyEvent{BattleID: f.battleID, Members: both})
	waitPhase(t, f.s, PhaseCountdown)
	return f
}

// answerAll answers every question, the first `correct` of them correctly.
func answerAll(t *testing.T, s *Session, n, correct int) {
	t.Helper()
	for i := 0; i < n; i++ {
		option := 1
		if i < correct {
			option = 0
		}
		require.NoError(t, s.Answer(context.Background(), i, option))
	}
}

func TestCreateSendsJoin(t *testing.T) {
	ctx := context.Background()
	api, tr := newStoreAPI(), &fakeTransport{}
	s := newTestSession(t, api, tr, alice, nil)

	require.NoError(t, s.ChooseCreate(ctx))
	require.NoError(t, s.SubmitTopic(ctx, "  Algebra "))
	snap := waitPhase(t, s, PhaseWaitingForOpponent)
	assert.Equal(t, "Algebra", snap.Topic)
	assert.True(t, snap.IsOwner)
	require.NotNil(t, snap.Battle)
	assert.Equal(t, models.StatusWaiting, snap.Battle.Status)

	joins := tr.conn(0).sentOf(models.EventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, &models.JoinEvent{BattleID: snap.BattleID, UserID: "alice", DisplayName: "Alice"}, joins[0])
}

func TestRoomReadyGuards(t *testing.T) {
	ctx := context.Background()
	api, tr := newStoreAPI(), &fakeTransport{}
	s := newTestSession(t, api, tr, alice, func(o *Options) { o.MatchFoundDelay = time.Hour })
	require.NoError(t, s.ChooseCreate(ctx))
	require.NoError(t, s.SubmitTopic(ctx, "Algebra"))
	snap := waitPhase(t, s, PhaseWaitingForOpponent)
	conn := tr.conn(0)

	// 1人だけ、別のバトル、自分を含まない通知は無視
	conn.push(&models.RoomReadyEvent{BattleID: snap.BattleID, Members: both[:1]})
	conn.push(&models.RoomReadyEvent{BattleID: "other", Members: both})
	conn.push(&models.RoomReadyEvent{BattleID: snap.BattleID, Members: []models.Member{{UserID: "bob"}, {UserID: "carol"}}})
	conn.push(&models.MembersEvent{BattleID: snap.BattleID, Members: both[:1]})
	snap = waitFor(t, s, func(snap Snapshot) bool { return len(snap.Members) == 1 }, "members update")
	assert.Equal(t, PhaseWaitingForOpponent, snap.Phase)

	conn.push(&models.RoomReadyEvent{BattleID: snap.BattleID, Members: both})
	snap = waitPhase(t, s, PhaseMatchFound)
	assert.Equal(t, both, snap.Members)
}

func TestBackRules(t *testing.T) {
	ctx := context.Background()

	t.Run("not from mode selection", func(t *testing.T) {
		s := newTestSession(t, newStoreAPI(), &fakeTransport{}, alice, nil)
		assert.ErrorIs(t, s.Back(ctx), ErrBackNotAllowed)
	})

	t.Run("topic input and joining room return to mode selection", func(t *testing.T) {
		s := newTestSession(t, newStoreAPI(), &fakeTransport{}, alice, nil)
		require.NoError(t, s.ChooseCreate(ctx))
		require.NoError(t, s.Back(ctx))
		assert.Equal(t, PhaseModeSelection, snapshot(t, s).Phase)

		require.NoError(t, s.ChooseJoin(ctx))
		require.NoError(t, s.Back(ctx))
		assert.Equal(t, PhaseModeSelection, snapshot(t, s).Phase)
	})

	t.Run("waiting for opponent leaves the room", func(t *testing.T) {
		tr := &fakeTransport{}
		s := newTestSession(t, newStoreAPI(), tr, alice, nil)
		require.NoError(t, s.ChooseCreate(ctx))
		require.NoError(t, s.SubmitTopic(ctx, "Algebra"))
		waitPhase(t, s, PhaseWaitingForOpponent)

		require.NoError(t, s.Back(ctx))
		snap := snapshot(t, s)
		assert.Equal(t, PhaseModeSelection, snap.Phase)
		assert.Empty(t, snap.BattleID)
		assert.False(t, tr.conn(0).Alive())
	})

	t.Run("not once the countdown began", func(t *testing.T) {
		f := joinerInCountdown(t, nil)
		assert.ErrorIs(t, f.s.Back(ctx), ErrBackNotAllowed)
		assert.Equal(t, PhaseCountdown, snapshot(t, f.s).Phase)
	})

	t.Run("not during the quiz", func(t *testing.T) {
		f := joinerInQuiz(t, nil)
		assert.ErrorIs(t, f.s.Back(ctx), ErrBackNotAllowed)
	})
}

func TestLobbyFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown battle keeps joining room", func(t *testing.T) {
		s := newTestSession(t, newStoreAPI(), &fakeTransport{}, bob, nil)
		require.NoError(t, s.ChooseJoin(ctx))
		require.NoError(t, s.SubmitBattleID(ctx, "missing"))
		snap := waitFor(t, s, func(snap Snapshot) bool { return snap.Warning != "" }, "join warning")
		assert.Equal(t, PhaseJoiningRoom, snap.Phase)
		assert.Contains(t, snap.Warning, models.ErrBattleNotFound.Error())
	})

	t.Run("relay unreachable returns to topic input", func(t *testing.T) {
		tr := &fakeTransport{}
		tr.failNext(1)
		s := newTestSession(t, newStoreAPI(), tr, alice, nil)
		require.NoError(t, s.ChooseCreate(ctx))
		require.NoError(t, s.SubmitTopic(ctx, "Algebra"))
		snap := waitFor(t, s, func(snap Snapshot) bool { return snap.Warning != "" }, "create warning")
		assert.Equal(t, PhaseTopicInput, snap.Phase)
	})

	t.Run("empty topic", func(t *testing.T) {
		s := newTestSession(t, newStoreAPI(), &fakeTransport{}, alice, nil)
		require.NoError(t, s.ChooseCreate(ctx))
		assert.ErrorIs(t, s.SubmitTopic(ctx, "   "), ErrIllegalAction)
		assert.Equal(t, PhaseTopicInput, snapshot(t, s).Phase)
	})
}

func TestNonOwnerCannotStartCountdown(t *testing.T) {
	f := joinerInCountdown(t, nil)

	err := f.s.StartCountdown(context.Background())
	assert.ErrorIs(t, err, ErrNotOwner)

	snap := snapshot(t, f.s)
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.Empty(t, snap.Ticks)
	assert.Empty(t, f.conn().sentOf(models.EventCountdown))
}

func TestOwnerDrivesCountdownThenStartsQuiz(t *testing.T) {
	f := ownerInCountdown(t, nil)
	require.NoError(t, f.s.StartCountdown(context.Background()))

	snap := waitPhase(t, f.s, PhaseInQuiz)
	require.NotNil(t, snap.Quiz)
	assert.Len(t, snap.Quiz.Questions, 5)
	assert.Equal(t, 1, f.api.generations())

	var values []int
	for _, ev := range f.conn().sentOf(models.EventCountdown) {
		values = append(values, ev.(*models.CountdownEvent).Value)
	}
	assert.Equal(t, []int{3, 2, 1, 0}, values)
	assert.Len(t, f.conn().sentOf(models.EventBattleStarted), 1)

	// 二重開始は不可
	assert.ErrorIs(t, f.s.StartCountdown(context.Background()), ErrIllegalAction)
}

func TestCountdownTicksAreDeduplicated(t *testing.T) {
	f := joinerInCountdown(t, nil)
	for _, v := range []int{3, 3, 2, 5, 1, 1, 0} {
		f.conn().push(&models.CountdownEvent{BattleID: f.battleID, Value: v})
	}
	snap := waitFor(t, f.s, func(snap Snapshot) bool { return snap.Countdown == 0 }, "last tick")
	assert.Equal(t, []int{3, 2, 1, 0}, snap.Ticks)
}

func TestTickDuringMatchFoundStartsCountdown(t *testing.T) {
	ctx := context.Background()
	api, tr := newStoreAPI(), &fakeTransport{}
	b, err := api.store.CreateBattle(ctx, "Algebra", models.Participant{UserID: "alice"})
	require.NoError(t, err)
	s := newTestSession(t, api, tr, bob, func(o *Options) { o.MatchFoundDelay = time.Hour })
	require.NoError(t, s.ChooseJoin(ctx))
	require.NoError(t, s.SubmitBattleID(ctx, b.ID))
	waitPhase(t, s, PhaseWaitingForOpponent)

	tr.conn(0).push(&models.RoomReadyEvent{BattleID: b.ID, Members: both})
	waitPhase(t, s, PhaseMatchFound)
	tr.conn(0).push(&models.CountdownEvent{BattleID: b.ID, Value: 3})
	snap := waitPhase(t, s, PhaseCountdown)
	assert.Equal(t, []int{3}, snap.Ticks)
}

func TestMalformedQuizKeepsCountdown(t *testing.T) {
	ctx := context.Background()
	f := joinerInCountdown(t, nil)

	bad := makeQuiz("Algebra", 5)
	bad.Questions[2].CorrectAnswer = 7
	f.conn().push(&models.BattleStartedEvent{BattleID: f.battleID, Quiz: *bad})
	f.conn().push(&models.BattleStartedEvent{BattleID: f.battleID, Quiz: models.QuizPayload{}})

	snap := waitFor(t, f.s, func(snap Snapshot) bool { return snap.RetryAvailable }, "retry offered")
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.Nil(t, snap.Quiz)
	assert.NotEmpty(t, snap.Warning)

	require.NoError(t, f.s.Retry(ctx))
	syncs := f.conn().sentOf(models.EventSyncRequest)
	require.Len(t, syncs, 1)
	assert.Equal(t, &models.SyncRequestEvent{BattleID: f.battleID, UserID: "bob"}, syncs[0])

	good := makeQuiz("Algebra", 5)
	f.conn().push(&models.BattleStartedEvent{BattleID: f.battleID, Quiz: *good})
	snap = waitPhase(t, f.s, PhaseInQuiz)
	assert.False(t, snap.RetryAvailable)

	// 再送は無視される
	f.conn().push(&models.BattleStartedEvent{BattleID: f.battleID, Quiz: *makeQuiz("Other", 3)})
	f.conn().push(&models.CountdownEvent{BattleID: f.battleID, Value: 1})
	time.Sleep(30 * time.Millisecond)
	snap = snapshot(t, f.s)
	assert.Equal(t, PhaseInQuiz, snap.Phase)
	assert.Equal(t, "Algebra", snap.Quiz.Topic)
	assert.Len(t, snap.Quiz.Questions, 5)
}

func TestOwnerGenerationFailureOffersRetry(t *testing.T) {
	ctx := context.Background()
	f := ownerInCountdown(t, nil)
	bad := makeQuiz("Algebra", 5)
	bad.TotalQuestions = 4
	f.api.quizzes = []*models.QuizPayload{bad}

	require.NoError(t, f.s.StartCountdown(ctx))
	snap := waitFor(t, f.s, func(snap Snapshot) bool { return snap.RetryAvailable }, "retry offered")
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.Empty(t, f.conn().sentOf(models.EventBattleStarted))

	require.NoError(t, f.s.Retry(ctx))
	waitPhase(t, f.s, PhaseInQuiz)
	assert.Equal(t, 2, f.api.generations())
	started := f.conn().sentOf(models.EventBattleStarted)
	require.Len(t, started, 1)

	// 相手からの再送要求には同じクイズを返す
	f.conn().push(&models.SyncRequestEvent{BattleID: f.battleID, UserID: "bob"})
	require.Eventually(t, func() bool {
		return len(f.conn().sentOf(models.EventBattleStarted)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, started[0], f.conn().sentOf(models.EventBattleStarted)[1])
}

func TestRetryNotAvailableWithoutFailure(t *testing.T) {
	f := joinerInCountdown(t, nil)
	assert.ErrorIs(t, f.s.Retry(context.Background()), ErrIllegalAction)
}

func TestAnswerRelaysProgress(t *testing.T) {
	ctx := context.Background()
	f := joinerInQuiz(t, nil)

	require.NoError(t, f.s.Answer(ctx, 0, 0))
	assert.ErrorIs(t, f.s.Answer(ctx, 0, 1), ErrIllegalAction)
	assert.ErrorIs(t, f.s.Answer(ctx, 9, 0), ErrIllegalAction)
	assert.ErrorIs(t, f.s.Answer(ctx, 1, 9), ErrIllegalAction)
	require.NoError(t, f.s.Answer(ctx, 1, 2))

	answered := f.conn().sentOf(models.EventAnswered)
	require.Len(t, answered, 2)
	assert.Equal(t, &models.AnsweredEvent{BattleID: f.battleID, UserID: "bob", QuestionID: 1, Correct: true}, answered[0])
	assert.Equal(t, &models.AnsweredEvent{BattleID: f.battleID, UserID: "bob", QuestionID: 2, Correct: false}, answered[1])

	f.conn().push(&models.AnsweredEvent{BattleID: f.battleID, UserID: "alice", QuestionID: 1, Correct: true})
	f.conn().push(&models.AnsweredEvent{BattleID: f.battleID, UserID: "alice", QuestionID: 1, Correct: true})
	f.conn().push(&models.AnsweredEvent{BattleID: f.battleID, UserID: "alice", QuestionID: 2, Correct: false})
	snap := waitFor(t, f.s, func(snap Snapshot) bool { return snap.OpponentAnswered == 2 }, "opponent progress")
	assert.Equal(t, 2, snap.Answered)
	assert.Equal(t, 1, snap.Correct)
}

func TestFallbackProducesPartialResult(t *testing.T) {
	f := joinerInQuiz(t, func(o *Options) { o.FallbackTimeout = 50 * time.Millisecond })
	answerAll(t, f.s, 5, 4)

	completions := f.conn().sentOf(models.EventCompletion)
	require.Len(t, completions, 1)
	done := completions[0].(*models.CompletionEvent)
	assert.Equal(t, 4, done.Score)
	assert.Equal(t, 5, done.TotalQuestions)

	snap := waitPhase(t, f.s, PhaseResults)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.Partial)
	assert.Empty(t, snap.Result.WinnerID)
	assert.False(t, snap.Result.Draw)
	require.Len(t, snap.Result.Records, 1)
	assert.Equal(t, "bob", snap.Result.Records[0].UserID)
	assert.Equal(t, 4, snap.Result.Records[0].Score)

	// 確定後に届いた相手の完了で結果は変わらない
	f.conn().push(&models.CompletionEvent{BattleID: f.battleID, UserID: "alice", Score: 5, TotalQuestions: 5})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, snap.Result, snapshot(t, f.s).Result)
}

func TestOpponentCompletionHeldUntilLocalCompletion(t *testing.T) {
	f := joinerInQuiz(t, nil)

	f.conn().push(&models.CompletionEvent{BattleID: f.battleID, UserID: "bob", Score: 0, TotalQuestions: 5})
	f.conn().push(&models.CompletionEvent{BattleID: f.battleID, UserID: "alice", DisplayName: "Alice", Score: 4, TotalQuestions: 5})
	f.conn().push(&models.CompletionEvent{BattleID: f.battleID, UserID: "alice", DisplayName: "Alice", Score: 5, TotalQuestions: 5})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, PhaseInQuiz, snapshot(t, f.s).Phase)

	answerAll(t, f.s, 5, 5)
	snap := waitPhase(t, f.s, PhaseResults)
	require.NotNil(t, snap.Result)
	assert.False(t, snap.Result.Partial)
	assert.Equal(t, "bob", snap.Result.WinnerID)
	require.Len(t, snap.Result.Records, 2)
	assert.Equal(t, 4, snap.Result.Records[1].Score)
}

func TestScoreSaveFailureIsSoft(t *testing.T) {
	f := joinerInQuiz(t, nil)
	f.api.mu.Lock()
	f.api.submitErr = errors.New("store down")
	f.api.mu.Unlock()

	f.conn().push(&models.CompletionEvent{BattleID: f.battleID, UserID: "alice", Score: 5, TotalQuestions: 5})
	answerAll(t, f.s, 5, 5)

	snap := waitFor(t, f.s, func(snap Snapshot) bool { return snap.Warning == "score not saved" }, "soft warning")
	assert.Equal(t, PhaseResults, snap.Phase)
	assert.True(t, snap.Result.Draw)
}

func TestCheckResultsUsesStoredScore(t *testing.T) {
	ctx := context.Background()
	f := joinerInQuiz(t, nil)
	answerAll(t, f.s, 5, 3)
	waitPhase(t, f.s, PhaseAwaitingOpponent)

	_, err := f.api.store.SubmitScore(ctx, f.battleID, "alice", 2, 5)
	require.NoError(t, err)
	require.NoError(t, f.s.CheckResults(ctx))

	snap := waitPhase(t, f.s, PhaseResults)
	assert.False(t, snap.Result.Partial)
	assert.Equal(t, "bob", snap.Result.WinnerID)
	assert.Equal(t, models.CompletionRecord{UserID: "alice", DisplayName: "Alice", Score: 2, TotalQuestions: 5, CompletedAt: snap.Result.Records[1].CompletedAt}, snap.Result.Records[1])
}

func TestReconnectDuringWaitingLandsInMatchFound(t *testing.T) {
	ctx := context.Background()
	api, tr := newStoreAPI(), &fakeTransport{}
	s := newTestSession(t, api, tr, alice, func(o *Options) { o.MatchFoundDelay = time.Hour })
	require.NoError(t, s.ChooseCreate(ctx))
	require.NoError(t, s.SubmitTopic(ctx, "Algebra"))
	snap := waitPhase(t, s, PhaseWaitingForOpponent)

	// 切断中に相手が参加した。roomReady は届かない
	tr.failNext(2)
	require.NoError(t, tr.conn(0).Close())
	_, err := api.store.JoinBattle(ctx, snap.BattleID, models.Participant{UserID: "bob", DisplayName: "Bob"})
	require.NoError(t, err)

	snap = waitPhase(t, s, PhaseMatchFound)
	assert.Equal(t, both, snap.Members)
	assert.False(t, snap.Reconnecting)
	assert.Empty(t, snap.Warning)
	require.Equal(t, 2, tr.dials())
	joins := tr.conn(1).sentOf(models.EventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, snap.BattleID, joins[0].Battle())
}

func TestLivenessProbeReconnects(t *testing.T) {
	f := joinerInCountdown(t, nil)
	old := f.conn()
	old.stall()

	require.Eventually(t, func() bool { return f.tr.dials() == 2 }, 2*time.Second, 5*time.Millisecond)
	snap := waitFor(t, f.s, func(snap Snapshot) bool { return snap.Connected && !snap.Reconnecting }, "reconnected")
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.Len(t, f.tr.conn(1).sentOf(models.EventJoin), 1)
	assert.False(t, old.Alive())

	// 新しい接続のイベントは届く
	f.conn().push(&models.CountdownEvent{BattleID: f.battleID, Value: 3})
	waitFor(t, f.s, func(snap Snapshot) bool { return len(snap.Ticks) == 1 }, "tick on new conn")
	old.mu.Lock()
	closed := old.closed
	old.mu.Unlock()
	assert.True(t, closed)
}

func TestReconnectToDeletedBattle(t *testing.T) {
	ctx := context.Background()
	api, tr := newStoreAPI(), &fakeTransport{}
	s := newTestSession(t, api, tr, alice, nil)
	require.NoError(t, s.ChooseCreate(ctx))
	require.NoError(t, s.SubmitTopic(ctx, "Algebra"))
	waitPhase(t, s, PhaseWaitingForOpponent)

	_, err := api.store.DeleteStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, tr.conn(0).Close())

	snap := waitPhase(t, s, PhaseModeSelection)
	assert.Equal(t, "the battle no longer exists", snap.Warning)
	assert.Empty(t, snap.BattleID)
	assert.Equal(t, 1, tr.dials())
}

func TestLeaveStopsSession(t *testing.T) {
	ctx := context.Background()
	f := joinerInQuiz(t, nil)
	updates := f.s.Updates()

	require.NoError(t, f.s.Leave(ctx))
	<-f.s.Done()
	assert.False(t, f.conn().Alive())
	assert.ErrorIs(t, f.s.Answer(ctx, 0, 0), ErrClosed)
	_, err := f.s.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// 最後のスナップショットの後に閉じられる
	var last Snapshot
	for snap := range updates {
		last = snap
	}
	assert.Equal(t, PhaseInQuiz, last.Phase)
}

func TestReconnectDuringCountdownRequestsQuiz(t *testing.T) {
	ctx := context.Background()
	f := joinerInCountdown(t, nil)
	f.conn().push(&models.CountdownEvent{BattleID: f.battleID, Value: 3})
	waitFor(t, f.s, func(snap Snapshot) bool { return len(snap.Ticks) == 1 }, "first tick")

	// 切断中に送られた battleStarted は届かない
	require.NoError(t, f.conn().Close())
	snap := waitFor(t, f.s, func(snap Snapshot) bool {
		return f.tr.dials() == 2 && snap.Connected && !snap.Reconnecting
	}, "reconnected")
	assert.Equal(t, PhaseCountdown, snap.Phase)
	assert.True(t, snap.RetryAvailable)

	syncs := f.tr.conn(1).sentOf(models.EventSyncRequest)
	require.Len(t, syncs, 1)
	assert.Equal(t, &models.SyncRequestEvent{BattleID: f.battleID, UserID: "bob"}, syncs[0])

	require.NoError(t, f.s.Retry(ctx))
	assert.Len(t, f.tr.conn(1).sentOf(models.EventSyncRequest), 2)

	f.conn().push(&models.BattleStartedEvent{BattleID: f.battleID, Quiz: *makeQuiz("Algebra", 5)})
	snap = waitPhase(t, f.s, PhaseInQuiz)
	assert.False(t, snap.RetryAvailable)
}

func TestOwnerResendsQuizAfterReconnect(t *testing.T) {
	f := ownerInCountdown(t, nil)
	require.NoError(t, f.s.StartCountdown(context.Background()))
	waitPhase(t, f.s, PhaseInQuiz)
	sent := f.tr.conn(0).sentOf(models.EventBattleStarted)
	require.Len(t, sent, 1)

	require.NoError(t, f.tr.conn(0).Close())
	require.Eventually(t, func() bool {
		return f.tr.dials() == 2 && len(f.tr.conn(1).sentOf(models.EventBattleStarted)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sent[0], f.tr.conn(1).sentOf(models.EventBattleStarted)[0])
	assert.Empty(t, f.tr.conn(1).sentOf(models.EventSyncRequest))
	assert.Equal(t, PhaseInQuiz, snapshot(t, f.s).Phase)
}

func TestBackCancelsRunningReconnect(t *testing.T) {
	ctx := context.Background()
	api, tr := newStoreAPI(), &fakeTransport{}
	s := newTestSession(t, api, tr, alice, nil)
	require.NoError(t, s.ChooseCreate(ctx))
	require.NoError(t, s.SubmitTopic(ctx, "Algebra"))
	waitPhase(t, s, PhaseWaitingForOpponent)

	// 再接続が終わらないまま部屋を出る
	tr.failNext(1 << 20)
	require.NoError(t, tr.conn(0).Close())
	waitFor(t, s, func(snap Snapshot) bool { return snap.Reconnecting }, "reconnecting")
	require.NoError(t, s.Back(ctx))
	snap := snapshot(t, s)
	assert.Equal(t, PhaseModeSelection, snap.Phase)
	assert.False(t, snap.Reconnecting)

	tr.failNext(0)
	require.NoError(t, s.ChooseCreate(ctx))
	require.NoError(t, s.SubmitTopic(ctx, "Geometry"))
	snap = waitPhase(t, s, PhaseWaitingForOpponent)
	require.Equal(t, 2, tr.dials())

	// 新しいバトルの切断は再接続される
	require.NoError(t, tr.conn(1).Close())
	waitFor(t, s, func(snap Snapshot) bool {
		return tr.dials() == 3 && snap.Connected && !snap.Reconnecting
	}, "new battle reconnected")
	joins := tr.conn(2).sentOf(models.EventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, snap.BattleID, joins[0].Battle())
}
