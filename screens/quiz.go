package screens

import (
	"errors"
	"net/http"

	"quizbattle/models"
	"quizbattle/quizgen"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// QuizGenerate は生成サービスにクイズを依頼し、検証済みのペイロードを返す
func QuizGenerate(c *gin.Context, gen quizgen.Generator, logger *zap.Logger) {
	var request quizgen.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.Info("Request binding error", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request binding error"})
		return
	}
	if err := request.Normalize(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quiz, err := gen.GenerateQuiz(c.Request.Context(), request.Topic, request.Difficulty, request.NumQuestions)
	switch {
	case errors.Is(err, quizgen.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, models.ErrInvalidQuiz):
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation service returned a malformed quiz", "details": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to generate quiz", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, quiz)
}
