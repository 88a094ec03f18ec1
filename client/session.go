package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quizbattle/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultMatchFoundDelay   = 2 * time.Second
	DefaultCountdownFrom     = 3
	DefaultCountdownInterval = time.Second
	DefaultFallbackTimeout   = 15 * time.Second
	DefaultLivenessInterval  = 5 * time.Second
	DefaultRecordMaxAge      = 30 * time.Second
	DefaultQuestionCount     = 5

	requestTimeout  = 10 * time.Second
	generateTimeout = 2 * time.Minute
	inboxSize       = 64
)

// Options configure a Session. Zero durations take the defaults above.
type Options struct {
	User      User
	API       API
	Transport Transport
	Logger    *zap.Logger

	Difficulty    models.Difficulty
	QuestionCount int

	MatchFoundDelay   time.Duration
	CountdownFrom     int
	CountdownInterval time.Duration
	FallbackTimeout   time.Duration
	LivenessInterval  time.Duration

	// RecordMaxAge is how long a fetched battle record is trusted for the
	// owner check before it is fetched again.
	RecordMaxAge time.Duration

	// NewBackOff builds the reconnect schedule.
	NewBackOff func() backoff.BackOff
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Difficulty == "" {
		o.Difficulty = models.DifficultyIntermediate
	}
	if o.QuestionCount == 0 {
		o.QuestionCount = DefaultQuestionCount
	}
	if o.MatchFoundDelay == 0 {
		o.MatchFoundDelay = DefaultMatchFoundDelay
	}
	if o.CountdownFrom <= 0 || o.CountdownFrom > models.MaxCountdown {
		o.CountdownFrom = DefaultCountdownFrom
	}
	if o.CountdownInterval == 0 {
		o.CountdownInterval = DefaultCountdownInterval
	}
	if o.FallbackTimeout == 0 {
		o.FallbackTimeout = DefaultFallbackTimeout
	}
	if o.LivenessInterval == 0 {
		o.LivenessInterval = DefaultLivenessInterval
	}
	if o.RecordMaxAge == 0 {
		o.RecordMaxAge = DefaultRecordMaxAge
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	Phase    Phase
	BattleID string
	Topic    string
	IsOwner  bool
	Battle   *models.Battle
	Members  []models.Member

	// Countdown は最後に受理したカウント値。未受信なら -1
	Countdown int
	Ticks     []int

	Quiz             *models.QuizPayload
	Answered         int
	Correct          int
	OpponentAnswered int

	RetryAvailable bool
	Reconnecting   bool
	Connected      bool
	Warning        string
	Result         *Result
}

type timerSlot struct {
	t   *time.Timer
	gen int
}

// Session is one participant's battle state machine. All state is owned by
// the goroutine running Run; every other method posts into its inbox.
type Session struct {
	opts   Options
	logger *zap.Logger

	inbox   chan func()
	updates chan Snapshot
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// ここから下は Run のゴルーチンだけが触る
	phase   Phase
	stopped bool
	clock   int64
	warning string

	lobbyGen int
	pending  bool

	topic           string
	battleID        string
	record          *models.Battle
	recordAt        time.Time
	members         []models.Member
	conn            Conn
	connGen         int
	reconnecting    bool
	reconnectGen    int
	reconnectCancel context.CancelFunc

	ticks      []int
	ticking    bool
	nextTick   int
	generating bool
	started    bool // battleStarted は一度だけ受理
	ownQuiz    *models.QuizPayload
	retry      bool

	quiz        *models.QuizPayload
	answered    []bool
	nAnswered   int
	correct     int
	oppAnswered map[int]bool

	agg    *Aggregator
	result *Result

	matchTimer    timerSlot
	tickTimer     timerSlot
	fallbackTimer timerSlot
}

func NewSession(opts Options) (*Session, error) {
	if opts.User.ID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.API == nil || opts.Transport == nil {
		return nil, errors.New("api and transport are required")
	}
	opts.setDefaults()
	s := &Session{
		opts:    opts,
		logger:  opts.Logger.With(zap.String("userID", opts.User.ID)),
		inbox:   make(chan func(), inboxSize),
		updates: make(chan Snapshot, 1),
		done:    make(chan struct{}),
		phase:   PhaseModeSelection,
	}
	s.resetBattle()
	return s, nil
}

// Run processes the inbox until Leave or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	liveness := time.NewTicker(s.opts.LivenessInterval)
	defer liveness.Stop()

	s.publish()
	for {
		select {
		case f := <-s.inbox:
			s.clock++
			f()
		case <-liveness.C:
			s.probe()
		case <-s.ctx.Done():
			s.shutdown()
			return ctx.Err()
		}
		if s.stopped {
			s.shutdown()
			return nil
		}
		s.publish()
	}
}

func (s *Session) shutdown() {
	s.disarm(&s.matchTimer)
	s.disarm(&s.tickTimer)
	s.disarm(&s.fallbackTimer)
	s.stopReconnect()
	s.detach()
	s.cancel()
	s.publish()
	close(s.done)
	close(s.updates)
	s.logger.Info("Session closed", zap.String("battleID", s.battleID), zap.String("phase", string(s.phase)))
}

// Updates streams snapshots. A slow reader only sees the latest one.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) publish() {
	snap := s.snapshot()
	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}

func (s *Session) post(f func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) call(ctx context.Context, f func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- f() }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) arm(slot *timerSlot, d time.Duration, fire func()) {
	s.disarm(slot)
	gen := slot.gen
	slot.t = time.AfterFunc(d, func() {
		s.post(func() {
			if slot.gen != gen {
				return
			}
			slot.t = nil
			fire()
		})
	})
}

func (s *Session) disarm(slot *timerSlot) {
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.gen++
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.call(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Phase:            s.phase,
		BattleID:         s.battleID,
		Topic:            s.topic,
		IsOwner:          s.isOwner(),
		Battle:           s.record.Clone(),
		Members:          append([]models.Member(nil), s.members...),
		Countdown:        -1,
		Ticks:            append([]int(nil), s.ticks...),
		Quiz:             s.quiz,
		Answered:         s.nAnswered,
		Correct:          s.correct,
		OpponentAnswered: len(s.oppAnswered),
		RetryAvailable:   s.retry,
		Reconnecting:     s.reconnecting,
		Connected:        s.conn != nil && s.conn.Alive(),
		Warning:          s.warning,
	}
	if n := len(s.ticks); n > 0 {
		snap.Countdown = s.ticks[n-1]
	}
	if s.result != nil {
		res := *s.result
		snap.Result = &res
	}
	return snap
}

// ChooseCreate は「ルームを作る」を選ぶ
func (s *Session) ChooseCreate(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.phase != PhaseModeSelection {
			return ErrIllegalAction
		}
		s.phase = PhaseTopicInput
		s.warning = ""
		return nil
	})
}

// ChooseJoin は「ルームに参加する」を選ぶ
func (s *Session) ChooseJoin(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.phase != PhaseModeSelection {
			return ErrIllegalAction
		}
		s.phase = PhaseJoiningRoom
		s.warning = ""
		return nil
	})
}

// SubmitTopic creates the battle. The result arrives asynchronously; the
// phase moves to waiting-for-opponent or back to topic-input with a warning.
func (s *Session) SubmitTopic(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	return s.call(ctx, func() error {
		if s.phase != PhaseTopicInput {
			return ErrIllegalAction
		}
		if topic == "" {
			s.warning = "enter a topic"
			return fmt.Errorf("%w: topic is required", ErrIllegalAction)
		}
		s.topic = topic
		s.phase = PhaseCreatingRoom
		s.warning = ""
		s.lobbyGen++
		go s.openBattle(s.lobbyGen, func(ctx context.Context) (*models.Battle, error) {
			return s.opts.API.CreateBattle(ctx, topic, s.opts.User)
		})
		return nil
	})
}

// SubmitBattleID joins an existing battle by id.
func (s *Session) SubmitBattleID(ctx context.Context, battleID string) error {
	battleID = strings.TrimSpace(battleID)
	return s.call(ctx, func() error {
		if s.phase != PhaseJoiningRoom || s.pending {
			return ErrIllegalAction
		}
		if battleID == "" {
			s.warning = "enter a battle id"
			return fmt.Errorf("%w: battle id is required", ErrIllegalAction)
		}
		s.pending = true
		s.warning = ""
		s.lobbyGen++
		go s.openBattle(s.lobbyGen, func(ctx context.Context) (*models.Battle, error) {
			return s.opts.API.JoinBattle(ctx, battleID, s.opts.User)
		})
		return nil
	})
}

func (s *Session) openBattle(gen int, fetch func(ctx context.Context) (*models.Battle, error)) {
	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	b, err := fetch(ctx)
	var conn Conn
	if err == nil {
		conn, err = s.opts.Transport.Dial(ctx)
	}
	if !s.post(func() { s.battleOpened(gen, b, conn, err) }) && conn != nil {
		conn.Close()
	}
}

func (s *Session) battleOpened(gen int, b *models.Battle, conn Conn, err error) {
	if gen != s.lobbyGen || (s.phase != PhaseCreatingRoom && s.phase != PhaseJoiningRoom) {
		// back で取り消された
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.pending = false
	if err != nil {
		s.logger.Warn("Could not open battle", zap.String("phase", string(s.phase)), zap.Error(err))
		if s.phase == PhaseCreatingRoom {
			s.phase = PhaseTopicInput
			s.warning = "could not create the battle: " + err.Error()
		} else {
			s.warning = "could not join the battle: " + err.Error()
		}
		return
	}

	s.resetBattle()
	s.battleID = b.ID
	s.topic = b.Topic
	s.setRecord(b)
	s.attach(conn)
	s.sendJoin()
	s.phase = PhaseWaitingForOpponent
	s.logger.Info("Waiting for opponent", zap.String("battleID", b.ID), zap.Int("participants", len(b.Participants)))
}

// Back navigates one step back. Allowed only before the countdown.
func (s *Session) Back(ctx context.Context) error {
	return s.call(ctx, func() error {
		target, ok := backTarget(s.phase)
		if !ok {
			return ErrBackNotAllowed
		}
		switch s.phase {
		case PhaseCreatingRoom, PhaseJoiningRoom:
			s.lobbyGen++
			s.pending = false
		case PhaseWaitingForOpponent:
			s.detach()
			s.resetBattle()
		}
		s.phase = target
		s.warning = ""
		return nil
	})
}

// Leave cancels every timer, closes the relay connection and stops the
// session. The opponent keeps playing.
func (s *Session) Leave(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.stopped = true
		return nil
	})
}

// resetBattle はバトル単位の状態を初期化する
func (s *Session) resetBattle() {
	s.disarm(&s.matchTimer)
	s.disarm(&s.tickTimer)
	s.disarm(&s.fallbackTimer)
	s.stopReconnect()
	s.battleID = ""
	s.record = nil
	s.members = nil
	s.ticks = nil
	s.ticking = false
	s.generating = false
	s.started = false
	s.ownQuiz = nil
	s.retry = false
	s.quiz = nil
	s.answered = nil
	s.nAnswered = 0
	s.correct = 0
	s.oppAnswered = make(map[int]bool)
	s.agg = NewAggregator(s.opts.User.ID)
	s.result = nil
}

func (s *Session) setRecord(b *models.Battle) {
	s.record = b
	s.recordAt = time.Now()
}

func (s *Session) isOwner() bool {
	if s.record == nil {
		return false
	}
	owner := s.record.Owner()
	return owner != nil && owner.UserID == s.opts.User.ID
}

// recordStale は所有者判定の前に取り直すべきか
func (s *Session) recordStale() bool {
	return s.record == nil ||
		len(s.record.Participants) < models.MaxParticipants ||
		time.Since(s.recordAt) > s.opts.RecordMaxAge
}
