package database

import (
	"context"
	"fmt"
	"time"

	"quizbattle/models"
	"quizbattle/scoring"

	"github.com/google/uuid"
)

// BattleStore はバトルレコードの永続化層。同期コアはこのインターフェース越しにのみ触る
type BattleStore interface {
	CreateBattle(ctx context.Context, topic string, creator models.Participant) (*models.Battle, error)
	JoinBattle(ctx context.Context, id string, participant models.Participant) (*models.Battle, error)
	SubmitScore(ctx context.Context, id, userID string, score, totalQuestions int) (*models.Battle, error)
	GetBattle(ctx context.Context, id string) (*models.Battle, error)
	// DeleteStale removes records created before the cutoff and reports how many went.
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// newBattle は作成直後のレコードを組み立てる（全ドライバ共通）
func newBattle(topic string, creator models.Participant) (*models.Battle, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if creator.UserID == "" {
		return nil, fmt.Errorf("creator user id is required")
	}
	now := time.Now().UTC()
	id := uuid.New().String()
	creator.ID = 0
	creator.BattleID = id
	creator.Seat = 0
	creator.Score = nil
	creator.TotalQuestions = nil
	return &models.Battle{
		ID:           id,
		Topic:        topic,
		Status:       models.StatusWaiting,
		Participants: []models.Participant{creator},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// applyJoin mutates b for a join by p. It reports whether anything changed;
// a user already present is an idempotent no-op.
func applyJoin(b *models.Battle, p models.Participant) (bool, error) {
	if p.UserID == "" {
		return false, fmt.Errorf("participant user id is required")
	}
	if b.IsParticipant(p.UserID) {
		return false, nil
	}
	if b.Status != models.StatusWaiting || b.IsFull() {
		return false, models.ErrBattleFull
	}
	p.ID = 0
	p.BattleID = b.ID
	p.Seat = len(b.Participants)
	p.Score = nil
	p.TotalQuestions = nil
	b.Participants = append(b.Participants, p)
	if b.IsFull() {
		b.Status = models.StatusActive
	}
	b.UpdatedAt = time.Now().UTC()
	return true, nil
}

// applyScore records a participant's score. Once both participants have a
// score on an active battle, the battle is finished and the winner set.
func applyScore(b *models.Battle, userID string, score, totalQuestions int) (bool, error) {
	if score < 0 || totalQuestions < 0 || (totalQuestions > 0 && score > totalQuestions) {
		return false, fmt.Errorf("invalid score %d/%d", score, totalQuestions)
	}
	p := b.Participant(userID)
	if p == nil {
		return false, models.ErrNotParticipant
	}
	// 終了済みのレコードは変更しない
	if b.Status == models.StatusFinished {
		return false, nil
	}
	s, total := score, totalQuestions
	p.Score = &s
	p.TotalQuestions = &total
	b.UpdatedAt = time.Now().UTC()

	if b.Status == models.StatusActive && len(b.Participants) == models.MaxParticipants {
		first, second := b.Participants[0], b.Participants[1]
		if first.Score != nil && second.Score != nil {
			winner := scoring.WinnerID(completionOf(first), completionOf(second))
			b.WinnerID = &winner
			b.Status = models.StatusFinished
		}
	}
	return true, nil
}

func completionOf(p models.Participant) models.CompletionRecord {
	rec := models.CompletionRecord{UserID: p.UserID, DisplayName: p.DisplayName}
	if p.Score != nil {
		rec.Score = *p.Score
	}
	if p.TotalQuestions != nil {
		rec.TotalQuestions = *p.TotalQuestions
	}
	return rec
}
