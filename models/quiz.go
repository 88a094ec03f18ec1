package models

import (
	"errors"
	"fmt"
	"strings"
)

// Difficulty はクイズの難易度
type Difficulty string

const (
	DifficultyEasy         Difficulty = "easy"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyHard         Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyIntermediate, DifficultyHard:
		return true
	}
	return false
}

var ErrInvalidQuiz = errors.New("invalid quiz payload")

// Question は1問分。CorrectAnswer は Options の0始まりインデックス
type Question struct {
	ID            int      `json:"id"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
}

// QuizPayload は生成サービスが返すクイズ。中身には立ち入らず形だけ検証する
type QuizPayload struct {
	Questions      []Question `json:"quiz"`
	Topic          string     `json:"topic"`
	Difficulty     Difficulty `json:"difficulty"`
	TotalQuestions int        `json:"total_questions"`
}

// Validate checks the structural validity of the payload.
func (q *QuizPayload) Validate() error {
	if q == nil || len(q.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidQuiz)
	}
	if q.TotalQuestions != len(q.Questions) {
		return fmt.Errorf("%w: total_questions %d does not match %d questions",
			ErrInvalidQuiz, q.TotalQuestions, len(q.Questions))
	}
	for i, question := range q.Questions {
		if strings.TrimSpace(question.Question) == "" {
			return fmt.Errorf("%w: question %d has no prompt", ErrInvalidQuiz, i)
		}
		if len(question.Options) == 0 {
			return fmt.Errorf("%w: question %d has no options", ErrInvalidQuiz, i)
		}
		if question.CorrectAnswer < 0 || question.CorrectAnswer >= len(question.Options) {
			return fmt.Errorf("%w: question %d correct_answer %d out of range",
				ErrInvalidQuiz, i, question.CorrectAnswer)
		}
	}
	return nil
}

// CompletionRecord は参加者1人分の完了結果。CompletedAt は論理時刻
type CompletionRecord struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"totalQuestions"`
	CompletedAt    int64  `json:"completedAt"`
}
