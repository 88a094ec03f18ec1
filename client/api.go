package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quizbattle/models"
	"quizbattle/quizgen"

	"go.uber.org/zap"
)

// User は参加者本人
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// API is the battle record and quiz service as seen by one participant.
type API interface {
	CreateBattle(ctx context.Context, topic string, user User) (*models.Battle, error)
	JoinBattle(ctx context.Context, battleID string, user User) (*models.Battle, error)
	GetBattle(ctx context.Context, battleID string) (*models.Battle, error)
	SubmitScore(ctx context.Context, battleID, userID string, score, totalQuestions int) (*models.Battle, error)
	quizgen.Generator
}

// HTTPAPI calls the battle server's REST routes.
type HTTPAPI struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTPAPI(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPAPI {
	return &HTTPAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type apiError struct {
	Error string `json:"error"`
}

// statusError はステータスコードを既知のエラーに戻す
func statusError(status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)
	switch status {
	case http.StatusNotFound:
		return models.ErrBattleNotFound
	case http.StatusConflict:
		return models.ErrBattleFull
	case http.StatusForbidden:
		return models.ErrNotParticipant
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", quizgen.ErrInvalidRequest, e.Error)
	}
	return fmt.Errorf("battle server returned %d: %s", status, e.Error)
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		a.logger.Debug("Battle server error", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return statusError(resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

func (a *HTTPAPI) CreateBattle(ctx context.Context, topic string, user User) (*models.Battle, error) {
	var b models.Battle
	err := a.do(ctx, http.MethodPost, "/api/battle/create", map[string]any{"topic": topic, "user": user}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (a *HTTPAPI) JoinBattle(ctx context.Context, battleID string, user User) (*models.Battle, error) {
	var b models.Battle
	err := a.do(ctx, http.MethodPost, "/api/battle/join", map[string]any{"battleId": battleID, "user": user}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (a *HTTPAPI) GetBattle(ctx context.Context, battleID string) (*models.Battle, error) {
	var b models.Battle
	if err := a.do(ctx, http.MethodGet, "/api/battle/"+url.PathEscape(battleID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (a *HTTPAPI) SubmitScore(ctx context.Context, battleID, userID string, score, totalQuestions int) (*models.Battle, error) {
	var b models.Battle
	err := a.do(ctx, http.MethodPost, "/api/battle/submit", map[string]any{
		"battleId":       battleID,
		"userId":         userID,
		"score":          score,
		"totalQuestions": totalQuestions,
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GenerateQuiz は検証せずに返す。検証と再試行はセッション側で行う
func (a *HTTPAPI) GenerateQuiz(ctx context.Context, topic string, difficulty models.Difficulty, count int) (*models.QuizPayload, error) {
	var quiz models.QuizPayload
	req := quizgen.Request{Topic: topic, Difficulty: difficulty, NumQuestions: count}
	if err := a.do(ctx, http.MethodPost, "/api/generate-battle-quiz", req, &quiz); err != nil {
		return nil, err
	}
	return &quiz, nil
}
