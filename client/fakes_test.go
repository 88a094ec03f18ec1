package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quizbattle/database"
	"quizbattle/models"
)

// storeAPI serves the API from an in-memory store.
type storeAPI struct {
	store *database.MemoryStore

	mu        sync.Mutex
	quizzes   []*models.QuizPayload // 呼ばれるたびに先頭から返す
	quizErr   error
	submitErr error
	generated int
}

func newStoreAPI() *storeAPI {
	return &storeAPI{store: database.NewMemoryStore()}
}

func (a *storeAPI) CreateBattle(ctx context.Context, topic string, user User) (*models.Battle, error) {
	return a.store.CreateBattle(ctx, topic, models.Participant{UserID: user.ID, DisplayName: user.Name})
}

func (a *storeAPI) JoinBattle(ctx context.Context, battleID string, user User) (*models.Battle, error) {
	return a.store.JoinBattle(ctx, battleID, models.Participant{UserID: user.ID, DisplayName: user.Name})
}

func (a *storeAPI) GetBattle(ctx context.Context, battleID string) (*models.Battle, error) {
	return a.store.GetBattle(ctx, battleID)
}

func (a *storeAPI) SubmitScore(ctx context.Context, battleID, userID string, score, total int) (*models.Battle, error) {
	a.mu.Lock()
	err := a.submitErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.store.SubmitScore(ctx, battleID, userID, score, total)
}

func (a *storeAPI) GenerateQuiz(ctx context.Context, topic string, difficulty models.Difficulty, count int) (*models.QuizPayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generated++
	if a.quizErr != nil {
		return nil, a.quizErr
	}
	if len(a.quizzes) == 0 {
		return makeQuiz(topic, count), nil
	}
	q := a.quizzes[0]
	a.quizzes = a.quizzes[1:]
	return q, nil
}

func (a *storeAPI) generations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generated
}

func makeQuiz(topic string, n int) *models.QuizPayload {
	q := &models.QuizPayload{Topic: topic, Difficulty: models.DifficultyIntermediate, TotalQuestions: n}
	for i := 0; i < n; i++ {
		q.Questions = append(q.Questions, models.Question{
			ID:            i + 1,
			Question:      fmt.Sprintf("What is %d + %d?", i, i),
			Options:       []string{fmt.Sprint(2 * i), fmt.Sprint(2*i + 1), fmt.Sprint(2*i + 2)},
			CorrectAnswer: 0,
		})
	}
	return q
}

// fakeConn is an in-memory relay connection driven by the test.
type fakeConn struct {
	events chan models.Event

	mu     sync.Mutex
	sent   []models.Event
	closed bool
	dead   bool // 応答しないがイベントは閉じていない
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan models.Event, 64)}
}

func (c *fakeConn) Send(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Events() <-chan models.Event { return c.events }

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.dead
}

// stall makes the connection look dead to the liveness probe.
func (c *fakeConn) stall() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// push delivers ev as if relayed by the server.
func (c *fakeConn) push(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *fakeConn) sentOf(t models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.sent {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeTransport hands out fakeConns. failures makes that many dials fail first.
type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) failNext(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}
