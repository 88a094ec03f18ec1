package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType はワイヤ上のイベント種別
type EventType string

const (
	EventJoin          EventType = "join"
	EventRoomReady     EventType = "roomReady"
	EventMembers       EventType = "membersUpdated"
	EventCountdown     EventType = "countdown"
	EventBattleStarted EventType = "battleStarted"
	EventCompletion    EventType = "completion"
	EventAnswered      EventType = "answered"
	EventSyncRequest   EventType = "syncRequest"
	EventOpponentLeft  EventType = "opponentLeft"
	EventError         EventType = "error"
)

// Scope はリレーの配信範囲
type Scope string

const (
	ScopeRoom   Scope = "room"   // 送信者を含むルーム全員
	ScopeOthers Scope = "others" // 送信者以外
)

// MaxCountdown is the highest countdown value accepted on the wire.
const MaxCountdown = 10

var ErrInvalidEvent = errors.New("invalid event")

// Event is the closed set of messages carried by the relay.
type Event interface {
	Type() EventType
	Battle() string
	Validate() error
	isEvent()
}

type JoinEvent struct {
	BattleID    string `json:"battleId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type RoomReadyEvent struct {
	BattleID string   `json:"battleId"`
	Members  []Member `json:"members"`
}

type MembersEvent struct {
	BattleID string   `json:"battleId"`
	Members  []Member `json:"members"`
}

type CountdownEvent struct {
	BattleID string `json:"battleId"`
	Value    int    `json:"value"`
}

type BattleStartedEvent struct {
	BattleID string      `json:"battleId"`
	Quiz     QuizPayload `json:"quiz"`
}

type CompletionEvent struct {
	BattleID       string `json:"battleId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"totalQuestions"`
	CompletedAt    int64  `json:"completedAt"`
}

// AnsweredEvent は相手の進捗表示用。勝敗判定には使わない
type AnsweredEvent struct {
	BattleID   string `json:"battleId"`
	UserID     string `json:"userId"`
	QuestionID int    `json:"questionId"`
	Correct    bool   `json:"correct"`
}

// SyncRequestEvent asks the room owner to re-send its battleStarted payload.
type SyncRequestEvent struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
}

// OpponentLeftEvent は通知のみ。没収試合の合図ではない
type OpponentLeftEvent struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
}

type ErrorEvent struct {
	BattleID string `json:"battleId,omitempty"`
	Message  string `json:"message"`
}

func (*JoinEvent) Type() EventType          { return EventJoin }
func (*RoomReadyEvent) Type() EventType     { return EventRoomReady }
func (*MembersEvent) Type() EventType       { return EventMembers }
func (*CountdownEvent) Type() EventType     { return EventCountdown }
func (*BattleStartedEvent) Type() EventType { return EventBattleStarted }
func (*CompletionEvent) Type() EventType    { return EventCompletion }
func (*AnsweredEvent) Type() EventType      { return EventAnswered }
func (*SyncRequestEvent) Type() EventType   { return EventSyncRequest }
func (*OpponentLeftEvent) Type() EventType  { return EventOpponentLeft }
func (*ErrorEvent) Type() EventType         { return EventError }

func (e *JoinEvent) Battle() string          { return e.BattleID }
func (e *RoomReadyEvent) Battle() string     { return e.BattleID }
func (e *MembersEvent) Battle() string       { return e.BattleID }
func (e *CountdownEvent) Battle() string     { return e.BattleID }
func (e *BattleStartedEvent) Battle() string { return e.BattleID }
func (e *CompletionEvent) Battle() string    { return e.BattleID }
func (e *AnsweredEvent) Battle() string      { return e.BattleID }
func (e *SyncRequestEvent) Battle() string   { return e.BattleID }
func (e *OpponentLeftEvent) Battle() string  { return e.BattleID }
func (e *ErrorEvent) Battle() string         { return e.BattleID }

func (*JoinEvent) isEvent()          {}
func (*RoomReadyEvent) isEvent()     {}
func (*MembersEvent) isEvent()       {}
func (*CountdownEvent) isEvent()     {}
func (*BattleStartedEvent) isEvent() {}
func (*CompletionEvent) isEvent()    {}
func (*AnsweredEvent) isEvent()      {}
func (*SyncRequestEvent) isEvent()   {}
func (*OpponentLeftEvent) isEvent()  {}
func (*ErrorEvent) isEvent()         {}

func requireBattle(id string) error {
	if id == "" {
		return fmt.Errorf("%w: battleId is required", ErrInvalidEvent)
	}
	return nil
}

func requireUser(id string) error {
	if id == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidEvent)
	}
	return nil
}

func (e *JoinEvent) Validate() error {
	if err := requireBattle(e.BattleID); err != nil {
		return err
	}
	return requireUser(e.UserID)
}

func validateMembers(battleID string, members []Member) error {
	if err := requireBattle(battleID); err != nil {
		return err
	}
	if len(members) > MaxParticipants {
		return fmt.Errorf("%w: %d members exceeds room capacity", ErrInvalidEvent, len(members))
	}
	for _, m := range members {
		if err := requireUser(m.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (e *RoomReadyEvent) Validate() error { return validateMembers(e.BattleID, e.Members) }
func (e *MembersEvent) Validate() error   { return validateMembers(e.BattleID, e.Members) }

func (e *CountdownEvent) Validate() error {
	if err := requireBattle(e.BattleID); err != nil {
		return err
	}
	if e.Value < 0 || e.Value > MaxCountdown {
		return fmt.Errorf("%w: countdown value %d out of range", ErrInvalidEvent, e.Value)
	}
	return nil
}

func (e *BattleStartedEvent) Validate() error {
	if err := requireBattle(e.BattleID); err != nil {
		return err
	}
	if err := e.Quiz.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

func (e *CompletionEvent) Validate() error {
	if err := requireBattle(e.BattleID); err != nil {
		return err
	}
	if err := requireUser(e.UserID); err != nil {
		return err
	}
	if e.TotalQuestions <= 0 || e.Score < 0 || e.Score > e.TotalQuestions {
		return fmt.Errorf("%w: score %d/%d out of range", ErrInvalidEvent, e.Score, e.TotalQuestions)
	}
	return nil
}

func (e *AnsweredEvent) Validate() error {
	if err := requireBattle(e.BattleID); err != nil {
		return err
	}
	return requireUser(e.UserID)
}

func (e *SyncRequestEvent) Validate() error {
	if err := requireBattle(e.BattleID); err != nil {
		return err
	}
	return requireUser(e.UserID)
}

func (e *OpponentLeftEvent) Validate() error { return requireBattle(e.BattleID) }

func (e *ErrorEvent) Validate() error {
	if e.Message == "" {
		return fmt.Errorf("%w: error message is required", ErrInvalidEvent)
	}
	return nil
}

// Record converts a completion event into the aggregator's record form.
func (e *CompletionEvent) Record() CompletionRecord {
	return CompletionRecord{
		UserID:         e.UserID,
		DisplayName:    e.DisplayName,
		Score:          e.Score,
		TotalQuestions: e.TotalQuestions,
		CompletedAt:    e.CompletedAt,
	}
}

type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newEvent(t EventType) (Event, error) {
	switch t {
	case EventJoin:
		return &JoinEvent{}, nil
	case EventRoomReady:
		return &RoomReadyEvent{}, nil
	case EventMembers:
		return &MembersEvent{}, nil
	case EventCountdown:
		return &CountdownEvent{}, nil
	case EventBattleStarted:
		return &BattleStartedEvent{}, nil
	case EventCompletion:
		return &CompletionEvent{}, nil
	case EventAnswered:
		return &AnsweredEvent{}, nil
	case EventSyncRequest:
		return &SyncRequestEvent{}, nil
	case EventOpponentLeft:
		return &OpponentLeftEvent{}, nil
	case EventError:
		return &ErrorEvent{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, t)
}

// EncodeEvent wraps ev in its {"type","payload"} envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: ev.Type(), Payload: payload})
}

// ParseEvent decodes an envelope without validating the payload.
func ParseEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev, err := newEvent(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return ev, nil
}

// DecodeEvent parses and validates; used at the relay boundary.
func DecodeEvent(data []byte) (Event, error) {
	ev, err := ParseEvent(data)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
