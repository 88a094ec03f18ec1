package utils

import (
	"context"
	"time"

	"quizbattle/database"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cleanupTimeout は1回のクリーンアップ処理の上限
const cleanupTimeout = time.Minute

// CleanupStaleBattles は ttl より古いバトルレコードを削除する
func CleanupStaleBattles(ctx context.Context, store database.BattleStore, ttl time.Duration, logger *zap.Logger) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	n, err := store.DeleteStale(ctx, cutoff)
	if err != nil {
		logger.Error("古いバトルの削除に失敗しました", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0, err
	}
	logger.Info("古いバトルの削除完了", zap.Int64("battles_deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// CronCleaner は期限切れバトルの定期削除ジョブを登録して開始する。停止は呼び出し側で Stop()
func CronCleaner(store database.BattleStore, ttl time.Duration, schedule string, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		logger.Info("期限切れバトルを削除する処理を開始")
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		CleanupStaleBattles(ctx, store, ttl, logger)
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}
