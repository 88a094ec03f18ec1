// Package screens is the HTTP surface: battle records, quiz generation,
// health and the relay websocket route.
package screens

import (
	"time"

	"quizbattle/battle"
	"quizbattle/database"
	"quizbattle/quizgen"
	"quizbattle/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Dependencies struct {
	Store        database.BattleStore
	Generator    quizgen.Generator
	Relay        *battle.Server
	Checks       map[string]Checker
	AllowOrigins []string
	Logger       *zap.Logger
}

func NewRouter(deps Dependencies) *gin.Engine {
	logger := deps.Logger
	router := gin.New()
	//リクエストロガーを起動
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	router.Use(cors.New(cors.Config{
		AllowOrigins:     deps.AllowOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	//各HTTPリクエストのルーティング
	api := router.Group("/api")
	api.POST("/battle/create", func(c *gin.Context) {
		BattleCreate(c, deps.Store, logger)
	})
	api.POST("/battle/join", func(c *gin.Context) {
		BattleJoin(c, deps.Store, logger)
	})
	api.GET("/battle/:id", func(c *gin.Context) {
		BattleGet(c, deps.Store, logger)
	})
	api.POST("/battle/submit", func(c *gin.Context) {
		BattleSubmit(c, deps.Store, logger)
	})
	if deps.Generator != nil {
		api.POST("/generate-battle-quiz", func(c *gin.Context) {
			QuizGenerate(c, deps.Generator, logger)
		})
	}

	router.GET("/healthz", func(c *gin.Context) {
		Health(c, deps.Checks, logger)
	})
	if deps.Relay != nil {
		router.GET("/ws", func(c *gin.Context) {
			deps.Relay.HandleConnections(c.Request.Context(), c.Writer, c.Request)
		})
	}
	return router
}
