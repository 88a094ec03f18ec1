package models

import "time"

// Config 構造体はサーバーの設定情報を保持します。環境変数（.env も可）から読み込む
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"` // postgres | mongo | memory

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"quizbattle"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"quizbattle"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	QuizServiceURL     string        `env:"QUIZ_SERVICE_URL" envDefault:"http://localhost:5000"`
	QuizServiceTimeout time.Duration `env:"QUIZ_SERVICE_TIMEOUT" envDefault:"120s"`

	AllowOrigins    []string      `env:"ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	BattleTTL       time.Duration `env:"BATTLE_TTL" envDefault:"1h"`
	CleanupSchedule string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 10m"`
}
