package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quizbattle/battle"         //対戦中継（WebSocket）
	"quizbattle/battle/actions" //中継イベントの処理
	"quizbattle/battle/room"    //ルーム管理
	"quizbattle/database"       //ストアとRedisの初期化
	"quizbattle/quizgen"        //クイズ生成サービスのクライアント
	"quizbattle/screens"        //REST API のルーティング
	"quizbattle/utils"          //ロガーの初期化とCronジョブ(古いバトルの定期クリーンナップ)

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config, err := database.LoadConfig()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	logger, err = utils.InitLogger(config.LogLevel) // ロガーの初期化
	if err != nil {
		panic(err) // 失敗した場合はプログラム停止
	}
	defer logger.Sync() // ロガーのクリーンアップ

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 非同期でストアとRedisの初期化
	var store database.BattleStore
	var closeStore func() error
	var rdb *redis.Client
	done := make(chan bool)

	go func() {
		var err error
		store, closeStore, err = database.OpenStore(ctx, config, logger)
		if err != nil {
			logger.Fatal("ストアの初期化に失敗しました", zap.Error(err))
		}
		done <- true
	}()

	go func() {
		var err error
		rdb, err = database.InitRedis(ctx, config, logger)
		if err != nil {
			// Redis なしでも動く。準備完了の通知はプロセス内だけで判定する
			logger.Warn("Redis unavailable, ready announcements are not shared across instances", zap.Error(err))
		}
		done <- true
	}()

	// 2つの初期化が完了するのを待つ
	<-done
	<-done
	defer closeStore()

	handler := &actions.Handler{Registry: room.NewRegistry(), Store: store, Logger: logger}
	checks := map[string]screens.Checker{"store": screens.CheckerFunc(store.Ping)}
	if rdb != nil {
		defer rdb.Close()
		handler.Latch = database.NewRedisReadyLatch(rdb, config.BattleTTL)
		checks["redis"] = screens.RedisChecker{Client: rdb}
	}

	// クーロンスケジューラのセットアップと呼び出し
	cleaner, err := utils.CronCleaner(store, config.BattleTTL, config.CleanupSchedule, logger)
	if err != nil {
		logger.Fatal("Cronジョブの登録に失敗しました", zap.Error(err))
	}

	router := screens.NewRouter(screens.Dependencies{
		Store:        store,
		Generator:    quizgen.NewClient(config.QuizServiceURL, config.QuizServiceTimeout, logger),
		Relay:        battle.NewServer(handler, originChecker(config.AllowOrigins), logger),
		Checks:       checks,
		AllowOrigins: config.AllowOrigins,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    config.HTTPAddr,
		Handler: router,
		// 中継の読み込みループはこのコンテキストで終了する
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server started", zap.String("addr", config.HTTPAddr), zap.String("store", config.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		<-cleaner.Stop().Done()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Server stopped")
}

// originChecker は WebSocket のオリジンを CORS と同じリストで検証する
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
