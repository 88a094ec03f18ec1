package screens

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Checker verifies that an infrastructure dependency is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// RedisChecker adapts *redis.Client to Checker.
type RedisChecker struct{ Client *redis.Client }

func (r RedisChecker) Check(ctx context.Context) error { return r.Client.Ping(ctx).Err() }

type checkResult struct {
	Status string `json:"status"`
}

// Health は依存先ごとの疎通結果を返す。1つでも失敗すれば 503
func Health(c *gin.Context, checks map[string]Checker, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]checkResult, len(checks))
	status := http.StatusOK
	for _, name := range names {
		if err := checks[name].Check(ctx); err != nil {
			logger.Error("Health check failed", zap.String("name", name), zap.Error(err))
			results[name] = checkResult{Status: "error"}
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = checkResult{Status: "ok"}
	}
	c.JSON(status, results)
}
