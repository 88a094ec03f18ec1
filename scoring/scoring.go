// Package scoring decides the winner between two completed quiz runs.
//
// The rule is accuracy first, raw score second, draw last. Completion time is
// not part of the comparison.
package scoring

import "quizbattle/models"

// Outcome は a から見た比較結果
type Outcome int

const (
	Draw Outcome = iota
	FirstWins
	SecondWins
)

// Decide compares two completion records.
//
// Accuracies are compared exactly by cross-multiplying score and total, so
// 8/10 and 4/5 tie. When either total is not positive the accuracy step is
// skipped and raw scores decide.
func Decide(a, b models.CompletionRecord) Outcome {
	if a.TotalQuestions > 0 && b.TotalQuestions > 0 {
		left := a.Score * b.TotalQuestions
		right := b.Score * a.TotalQuestions
		switch {
		case left > right:
			return FirstWins
		case left < right:
			return SecondWins
		}
	}
	switch {
	case a.Score > b.Score:
		return FirstWins
	case a.Score < b.Score:
		return SecondWins
	}
	return Draw
}

// WinnerID returns the winning user id, or models.DrawWinnerID on a draw.
func WinnerID(a, b models.CompletionRecord) string {
	switch Decide(a, b) {
	case FirstWins:
		return a.UserID
	case SecondWins:
		return b.UserID
	}
	return models.DrawWinnerID
}
