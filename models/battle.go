package models

import (
	"errors"
	"time"
)

// BattleStatus はバトルレコードの状態。waiting → active → finished の順にしか進まない
type BattleStatus string

const (
	StatusWaiting  BattleStatus = "waiting"
	StatusActive   BattleStatus = "active"
	StatusFinished BattleStatus = "finished"
)

// DrawWinnerID は引き分けを表す WinnerID の値
const DrawWinnerID = "draw"

// MaxParticipants は1バトルあたりの参加者上限
const MaxParticipants = 2

var (
	ErrBattleNotFound = errors.New("battle not found")
	ErrBattleFull     = errors.New("battle is full or no longer accepting participants")
	ErrNotParticipant = errors.New("user is not a participant of this battle")
)

// rank は状態の前後関係を比較するための順位
func (s BattleStatus) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusActive:
		return 1
	case StatusFinished:
		return 2
	}
	return -1
}

// Before reports whether s precedes next in the waiting → active → finished order.
func (s BattleStatus) Before(next BattleStatus) bool {
	return s.rank() < next.rank()
}

// Battle モデルの定義。Participants[0] がルーム作成者（オーナー）
type Battle struct {
	ID           string        `gorm:"primaryKey;size:36" json:"id" bson:"_id"`
	Topic        string        `gorm:"not null" json:"topic" bson:"topic"`
	Status       BattleStatus  `gorm:"not null;index;default:'waiting'" json:"status" bson:"status"`
	Participants []Participant `gorm:"foreignKey:BattleID;constraint:OnDelete:CASCADE" json:"participants" bson:"participants"`
	WinnerID     *string       `json:"winnerId" bson:"winnerId,omitempty"`
	Version      int64         `gorm:"not null;default:0" json:"-" bson:"version"`
	CreatedAt    time.Time     `gorm:"index" json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// Participant はバトル参加者。Seat が並び順（0がオーナー）
type Participant struct {
	ID             uint   `gorm:"primaryKey" json:"-" bson:"-"`
	BattleID       string `gorm:"size:36;not null;uniqueIndex:idx_battle_user;uniqueIndex:idx_battle_seat" json:"-" bson:"-"`
	Seat           int    `gorm:"not null;uniqueIndex:idx_battle_seat" json:"-" bson:"-"`
	UserID         string `gorm:"not null;uniqueIndex:idx_battle_user" json:"userId" bson:"userId"`
	DisplayName    string `json:"displayName" bson:"displayName"`
	Score          *int   `json:"score" bson:"score,omitempty"`
	TotalQuestions *int   `json:"totalQuestions,omitempty" bson:"totalQuestions,omitempty"`
}

// Owner returns the room owner, or nil for a record without participants.
func (b *Battle) Owner() *Participant {
	if len(b.Participants) == 0 {
		return nil
	}
	return &b.Participants[0]
}

// Participant returns the participant with the given user id, or nil.
func (b *Battle) Participant(userID string) *Participant {
	for i := range b.Participants {
		if b.Participants[i].UserID == userID {
			return &b.Participants[i]
		}
	}
	return nil
}

// Opponent returns the other participant from userID's point of view.
func (b *Battle) Opponent(userID string) *Participant {
	for i := range b.Participants {
		if b.Participants[i].UserID != userID {
			return &b.Participants[i]
		}
	}
	return nil
}

func (b *Battle) IsParticipant(userID string) bool {
	return b.Participant(userID) != nil
}

func (b *Battle) IsFull() bool {
	return len(b.Participants) >= MaxParticipants
}

// Clone はポインタフィールドも含めて複製する（ドライバ間で共有しないため）
func (b *Battle) Clone() *Battle {
	if b == nil {
		return nil
	}
	out := *b
	if b.WinnerID != nil {
		w := *b.WinnerID
		out.WinnerID = &w
	}
	out.Participants = make([]Participant, len(b.Participants))
	for i, p := range b.Participants {
		if p.Score != nil {
			s := *p.Score
			p.Score = &s
		}
		if p.TotalQuestions != nil {
			t := *p.TotalQuestions
			p.TotalQuestions = &t
		}
		out.Participants[i] = p
	}
	return &out
}

// Member はルームに物理的に接続中の参加者（ワイヤ上の表現）
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}
