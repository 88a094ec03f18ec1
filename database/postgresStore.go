package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quizbattle/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore は gorm 経由で battles / participants テーブルを扱う
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewPostgresStore(db *gorm.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// 参加者は席順（0がオーナー）で取得する
func bySeat(db *gorm.DB) *gorm.DB {
	return db.Order("seat ASC")
}

func (s *PostgresStore) CreateBattle(ctx context.Context, topic string, creator models.Participant) (*models.Battle, error) {
	b, err := newBattle(topic, creator)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		s.logger.Error("Failed to create battle", zap.Error(err))
		return nil, fmt.Errorf("create battle: %w", err)
	}
	return b, nil
}

// lockBattle は行ロック付きでレコードを読む。同じバトルへの更新はここで直列化される
func lockBattle(tx *gorm.DB, id string) (*models.Battle, error) {
	var b models.Battle
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Participants", bySeat).
		First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrBattleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) JoinBattle(ctx context.Context, id string, participant models.Participant) (*models.Battle, error) {
	var out *models.Battle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBattle(tx, id)
		if err != nil {
			return err
		}
		seat := len(b.Participants)
		changed, err := applyJoin(b, participant)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.Create(&b.Participants[seat]).Error; err != nil {
				return err
			}
			if err := bumpBattle(tx, b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, s.wrap("join battle", id, err)
	}
	return out, nil
}

func (s *PostgresStore) SubmitScore(ctx context.Context, id, userID string, score, totalQuestions int) (*models.Battle, error) {
	var out *models.Battle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := lockBattle(tx, id)
		if err != nil {
			return err
		}
		changed, err := applyScore(b, userID, score, totalQuestions)
		if err != nil {
			return err
		}
		if changed {
			p := b.Participant(userID)
			if err := tx.Model(&models.Participant{}).
				Where("battle_id = ? AND user_id = ?", b.ID, userID).
				Updates(map[string]interface{}{
					"score":           *p.Score,
					"total_questions": *p.TotalQuestions,
				}).Error; err != nil {
				return err
			}
			if err := bumpBattle(tx, b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, s.wrap("submit score", id, err)
	}
	return out, nil
}

// bumpBattle はバトル行の状態・勝者・バージョンを書き戻す
func bumpBattle(tx *gorm.DB, b *models.Battle) error {
	err := tx.Model(&models.Battle{}).Where("id = ?", b.ID).Updates(map[string]interface{}{
		"status":     string(b.Status),
		"winner_id":  b.WinnerID,
		"version":    gorm.Expr("version + 1"),
		"updated_at": b.UpdatedAt,
	}).Error
	if err == nil {
		b.Version++
	}
	return err
}

func (s *PostgresStore) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	var b models.Battle
	err := s.db.WithContext(ctx).Preload("Participants", bySeat).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrBattleNotFound
	}
	if err != nil {
		return nil, s.wrap("get battle", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		staleIDs := []string{}
		if err := tx.Model(&models.Battle{}).Where("created_at < ?", before).Pluck("id", &staleIDs).Error; err != nil {
			return err
		}
		if len(staleIDs) == 0 {
			return nil
		}
		// 参加者を先に削除してからバトル本体を削除
		if err := tx.Where("battle_id IN ?", staleIDs).Delete(&models.Participant{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", staleIDs).Delete(&models.Battle{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// wrap は想定内のエラー（not found 等）はそのまま返し、それ以外はログに残す
func (s *PostgresStore) wrap(op, id string, err error) error {
	if errors.Is(err, models.ErrBattleNotFound) || errors.Is(err, models.ErrBattleFull) ||
		errors.Is(err, models.ErrNotParticipant) {
		return err
	}
	s.logger.Error("Battle store operation failed", zap.String("op", op), zap.String("battleID", id), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}
