// Package client runs one participant's side of a battle: a single-goroutine
// state machine fed by the relay, the battle API and its own timers.
package client

import "errors"

// Phase はクライアント側のバトル進行状態
type Phase string

const (
	PhaseModeSelection      Phase = "mode-selection"
	PhaseTopicInput         Phase = "topic-input"
	PhaseCreatingRoom       Phase = "creating-room"
	PhaseJoiningRoom        Phase = "joining-room"
	PhaseWaitingForOpponent Phase = "waiting-for-opponent"
	PhaseMatchFound         Phase = "match-found"
	PhaseCountdown          Phase = "countdown"
	PhaseInQuiz             Phase = "in-quiz"
	PhaseAwaitingOpponent   Phase = "awaiting-opponent-completion"
	PhaseResults            Phase = "results"
)

var (
	ErrBackNotAllowed = errors.New("back is not allowed once the battle is committed")
	ErrNotOwner       = errors.New("only the room owner can start the countdown")
	ErrIllegalAction  = errors.New("action not allowed in the current phase")
	ErrClosed         = errors.New("session closed")
)

// backTarget は back で戻る先。false なら back 不可
func backTarget(p Phase) (Phase, bool) {
	switch p {
	case PhaseTopicInput:
		return PhaseModeSelection, true
	case PhaseCreatingRoom:
		return PhaseTopicInput, true
	case PhaseJoiningRoom:
		return PhaseModeSelection, true
	case PhaseWaitingForOpponent:
		return PhaseModeSelection, true
	}
	return p, false
}
