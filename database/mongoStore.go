package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quizbattle/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const battlesCollection = "battles"

// maxUpdateAttempts は楽観ロック競合時のリトライ上限
const maxUpdateAttempts = 5

var ErrUpdateConflict = errors.New("battle update conflict")

// MongoStore stores one document per battle. Updates are optimistic: a
// replace only succeeds when the stored version still matches the one read.
type MongoStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{coll: db.Collection(battlesCollection), logger: logger}
}

// EnsureIndexes は createdAt に TTL インデックスを張り、古いレコードを自動で失効させる
func (s *MongoStore) EnsureIndexes(ctx context.Context, ttl time.Duration) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
	})
	return err
}

func (s *MongoStore) CreateBattle(ctx context.Context, topic string, creator models.Participant) (*models.Battle, error) {
	b, err := newBattle(topic, creator)
	if err != nil {
		return nil, err
	}
	if _, err := s.coll.InsertOne(ctx, b); err != nil {
		s.logger.Error("Failed to insert battle", zap.Error(err))
		return nil, fmt.Errorf("create battle: %w", err)
	}
	return b, nil
}

func (s *MongoStore) JoinBattle(ctx context.Context, id string, participant models.Participant) (*models.Battle, error) {
	return s.update(ctx, id, func(b *models.Battle) (bool, error) {
		return applyJoin(b, participant)
	})
}

func (s *MongoStore) SubmitScore(ctx context.Context, id, userID string, score, totalQuestions int) (*models.Battle, error) {
	return s.update(ctx, id, func(b *models.Battle) (bool, error) {
		return applyScore(b, userID, score, totalQuestions)
	})
}

func (s *MongoStore) update(ctx context.Context, id string, mutate func(*models.Battle) (bool, error)) (*models.Battle, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		b, err := s.GetBattle(ctx, id)
		if err != nil {
			return nil, err
		}
		changed, err := mutate(b)
		if err != nil {
			return nil, err
		}
		if !changed {
			return b, nil
		}
		prev := b.Version
		b.Version++
		res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": prev}, b)
		if err != nil {
			s.logger.Error("Failed to replace battle", zap.String("battleID", id), zap.Error(err))
			return nil, fmt.Errorf("update battle: %w", err)
		}
		if res.MatchedCount == 1 {
			return b, nil
		}
		s.logger.Info("Battle version conflict, retrying", zap.String("battleID", id), zap.Int("attempt", attempt))
	}
	return nil, ErrUpdateConflict
}

func (s *MongoStore) GetBattle(ctx context.Context, id string) (*models.Battle, error) {
	var b models.Battle
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrBattleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get battle: %w", err)
	}
	for i := range b.Participants {
		b.Participants[i].BattleID = b.ID
		b.Participants[i].Seat = i
	}
	return &b, nil
}

func (s *MongoStore) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"createdAt": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
