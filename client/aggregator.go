package client

import (
	"quizbattle/models"
	"quizbattle/scoring"
)

// Result is the outcome shown to the participant. A partial result holds only
// the local record and names no winner.
type Result struct {
	WinnerID string                    `json:"winnerId,omitempty"`
	Draw     bool                      `json:"draw"`
	Partial  bool                      `json:"partial"`
	Records  []models.CompletionRecord `json:"records"`
}

// Aggregator は自分と相手の完了記録を集め、勝敗を一度だけ確定する
type Aggregator struct {
	userID   string
	own      *models.CompletionRecord
	opponent *models.CompletionRecord
	result   *Result
}

func NewAggregator(userID string) *Aggregator {
	return &Aggregator{userID: userID}
}

// RecordOwn stores the local record. Only the first call counts.
func (a *Aggregator) RecordOwn(rec models.CompletionRecord) bool {
	if a.own != nil {
		return false
	}
	a.own = &rec
	return true
}

// RecordOpponent stores the opponent's record. Self-authored and repeated
// records are dropped.
func (a *Aggregator) RecordOpponent(rec models.CompletionRecord) bool {
	if rec.UserID == "" || rec.UserID == a.userID || a.opponent != nil {
		return false
	}
	a.opponent = &rec
	return true
}

// Complete は両者の記録が揃っているか
func (a *Aggregator) Complete() bool {
	return a.own != nil && a.opponent != nil
}

// Resolve computes the result once; later calls return the first result.
// Without the opponent's record the result is partial. Nothing is computed
// before the local record exists.
func (a *Aggregator) Resolve() (Result, bool) {
	if a.result != nil {
		return *a.result, true
	}
	if a.own == nil {
		return Result{}, false
	}
	var res Result
	if a.opponent == nil {
		res = Result{Partial: true, Records: []models.CompletionRecord{*a.own}}
	} else {
		res = Result{Records: []models.CompletionRecord{*a.own, *a.opponent}}
		if w := scoring.WinnerID(*a.own, *a.opponent); w == models.DrawWinnerID {
			res.Draw = true
		} else {
			res.WinnerID = w
		}
	}
	a.result = &res
	return res, true
}
