package screens

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"quizbattle/database"
	"quizbattle/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserRef はリクエストボディ内のユーザー情報
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateBattleRequest はバトル作成リクエストのボディ
type CreateBattleRequest struct {
	Topic string  `json:"topic"`
	User  UserRef `json:"user"`
}

// JoinBattleRequest はバトル参加リクエストのボディ
type JoinBattleRequest struct {
	BattleID string  `json:"battleId"`
	User     UserRef `json:"user"`
}

// SubmitScoreRequest は最終スコア送信のボディ
type SubmitScoreRequest struct {
	BattleID       string `json:"battleId"`
	UserID         string `json:"userId"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"totalQuestions"`
}

// storeStatus はストアのエラーをHTTPステータスに変換する
func storeStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrBattleNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBattleFull):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondStoreError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := storeStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	logger.Info(msg, zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

// BattleCreate は新しいバトルを作成し、作成者をオーナーとして登録するハンドラです。
func BattleCreate(c *gin.Context, store database.BattleStore, logger *zap.Logger) {
	var request CreateBattleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.Info("Request binding error", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request binding error"})
		return
	}
	request.Topic = strings.TrimSpace(request.Topic)
	if request.Topic == "" || request.User.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic and user.id are required"})
		return
	}

	battle, err := store.CreateBattle(c.Request.Context(), request.Topic, models.Participant{
		UserID:      request.User.ID,
		DisplayName: request.User.Name,
	})
	if err != nil {
		respondStoreError(c, logger, "Failed to create battle", err)
		return
	}
	logger.Info("Battle created", zap.String("battleID", battle.ID), zap.String("userID", request.User.ID))
	c.JSON(http.StatusOK, battle)
}

// BattleJoin は既存のバトルに参加する。同じユーザーの再参加はそのまま成功
func BattleJoin(c *gin.Context, store database.BattleStore, logger *zap.Logger) {
	var request JoinBattleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.Info("Request binding error", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request binding error"})
		return
	}
	request.BattleID = strings.TrimSpace(request.BattleID)
	if request.BattleID == "" || request.User.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "battleId and user.id are required"})
		return
	}

	battle, err := store.JoinBattle(c.Request.Context(), request.BattleID, models.Participant{
		UserID:      request.User.ID,
		DisplayName: request.User.Name,
	})
	if err != nil {
		respondStoreError(c, logger, "Failed to join battle", err)
		return
	}
	logger.Info("Battle joined", zap.String("battleID", battle.ID), zap.String("userID", request.User.ID))
	c.JSON(http.StatusOK, battle)
}

func BattleGet(c *gin.Context, store database.BattleStore, logger *zap.Logger) {
	battle, err := store.GetBattle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, logger, "Failed to fetch battle", err)
		return
	}
	c.JSON(http.StatusOK, battle)
}

// BattleSubmit は参加者の最終スコアを記録する。両者が揃うと勝者が確定する
func BattleSubmit(c *gin.Context, store database.BattleStore, logger *zap.Logger) {
	var request SubmitScoreRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.Info("Request binding error", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request binding error"})
		return
	}
	if request.BattleID == "" || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "battleId and userId are required"})
		return
	}
	if request.Score < 0 || request.TotalQuestions <= 0 || request.Score > request.TotalQuestions {
		c.JSON(http.StatusBadRequest, gin.H{"error": "score must be within 0..totalQuestions"})
		return
	}

	battle, err := store.SubmitScore(c.Request.Context(), request.BattleID, request.UserID, request.Score, request.TotalQuestions)
	if err != nil {
		respondStoreError(c, logger, "Failed to submit score", err)
		return
	}
	fields := []zap.Field{
		zap.String("battleID", battle.ID),
		zap.String("userID", request.UserID),
		zap.String("status", string(battle.Status)),
	}
	if battle.WinnerID != nil {
		fields = append(fields, zap.String("winnerID", *battle.WinnerID))
	}
	logger.Info("Score submitted", fields...)
	c.JSON(http.StatusOK, battle)
}
