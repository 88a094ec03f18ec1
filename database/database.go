package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"quizbattle/migrations"
	"quizbattle/models"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// LoadConfig loads optional .env files and then parses the environment.
func LoadConfig(filenames ...string) (models.Config, error) {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		// .env が無いのは正常（本番では環境変数のみ）
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return models.Config{}, fmt.Errorf("loading %s: %w", name, err)
		}
	}
	config, err := env.ParseAs[models.Config]()
	if err != nil {
		return config, fmt.Errorf("parsing environment: %w", err)
	}
	return config, nil
}

func InitPostgreSQL(config models.Config, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		config.DBHost, config.DBPort, config.DBUser, config.DBName, config.DBPassword, config.DBSSLMode)

	const maxRetries = 3
	const retryInterval = 5 * time.Second
	var err error
	for i := 0; i <= maxRetries; i++ {
		var gormDB *gorm.DB
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			return gormDB, nil
		}
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
}

func InitRedis(ctx context.Context, config models.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	// Redisへの接続テスト
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", config.RedisAddr))
	return rdb, nil
}

func InitMongo(ctx context.Context, config models.Config, logger *zap.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		logger.Error("Failed to ping MongoDB", zap.Error(err))
		client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info("Connected to MongoDB", zap.String("database", config.MongoDatabase))
	return client, nil
}

// OpenStore はSTORE_DRIVERに応じてストアを初期化する。戻り値の close は終了時に呼ぶ
func OpenStore(ctx context.Context, config models.Config, logger *zap.Logger) (BattleStore, func() error, error) {
	switch config.StoreDriver {
	case "postgres", "":
		db, err := InitPostgreSQL(config, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.Run(db); err != nil {
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresStore(db, logger), sqlDB.Close, nil
	case "mongo":
		client, err := InitMongo(ctx, config, logger)
		if err != nil {
			return nil, nil, err
		}
		store := NewMongoStore(client.Database(config.MongoDatabase), logger)
		if err := store.EnsureIndexes(ctx, config.BattleTTL); err != nil {
			logger.Warn("Failed to ensure mongo indexes", zap.Error(err))
		}
		return store, func() error { return client.Disconnect(context.Background()) }, nil
	case "memory":
		logger.Warn("Using in-memory battle store; records are lost on restart")
		return NewMemoryStore(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", config.StoreDriver)
}
