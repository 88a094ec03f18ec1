// Package quizgen talks to the external quiz generation service.
package quizgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quizbattle/models"

	"go.uber.org/zap"
)

const (
	DefaultQuestionCount = 5
	MaxQuestionCount     = 20
)

var ErrInvalidRequest = errors.New("invalid quiz request")

// Request はクイズ生成リクエスト。生成サービスのJSON形式に合わせる
type Request struct {
	Topic        string            `json:"topic"`
	Difficulty   models.Difficulty `json:"difficulty"`
	NumQuestions int               `json:"num_questions"`
}

// Normalize fills defaults and checks bounds.
func (r *Request) Normalize() error {
	r.Topic = strings.TrimSpace(r.Topic)
	if r.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	if r.Difficulty == "" {
		r.Difficulty = models.DifficultyIntermediate
	}
	if !r.Difficulty.Valid() {
		return fmt.Errorf("%w: difficulty must be easy, intermediate or hard", ErrInvalidRequest)
	}
	if r.NumQuestions == 0 {
		r.NumQuestions = DefaultQuestionCount
	}
	if r.NumQuestions < 1 || r.NumQuestions > MaxQuestionCount {
		return fmt.Errorf("%w: num_questions must be between 1 and %d", ErrInvalidRequest, MaxQuestionCount)
	}
	return nil
}

// Generator is what the HTTP layer needs from the generation service.
type Generator interface {
	GenerateQuiz(ctx context.Context, topic string, difficulty models.Difficulty, count int) (*models.QuizPayload, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// GenerateQuiz asks the service for a quiz and validates its shape.
func (c *Client) GenerateQuiz(ctx context.Context, topic string, difficulty models.Difficulty, count int) (*models.QuizPayload, error) {
	req := Request{Topic: topic, Difficulty: difficulty, NumQuestions: count}
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/battle-quiz", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("Quiz generation request failed", zap.String("topic", req.Topic), zap.Error(err))
		return nil, fmt.Errorf("generation service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading generation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		c.logger.Error("Quiz generation returned an error",
			zap.Int("status", resp.StatusCode), zap.String("error", e.Error), zap.String("details", e.Details))
		return nil, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, e.Error)
	}

	var quiz models.QuizPayload
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidQuiz, err)
	}
	if err := quiz.Validate(); err != nil {
		c.logger.Warn("Generated quiz failed validation", zap.String("topic", req.Topic), zap.Error(err))
		return nil, err
	}
	c.logger.Info("Quiz generated",
		zap.String("topic", req.Topic),
		zap.Int("questions", quiz.TotalQuestions),
		zap.Duration("latency", time.Since(start)),
	)
	return &quiz, nil
}
