// Package migrations creates the Postgres schema used by the battle store.
package migrations

import (
	"fmt"

	"quizbattle/models"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(db *gorm.DB) error
}

// 追加する場合は末尾に。名前は日付_内容
var steps = []step{
	{name: "202610190900_create_battle_tables", run: createBattleTables},
	{name: "202610190930_index_participant_user", run: indexParticipantUser},
}

// Run applies every step in order. Steps are idempotent.
func Run(db *gorm.DB) error {
	for _, s := range steps {
		if err := s.run(db); err != nil {
			return fmt.Errorf("migration %s: %w", s.name, err)
		}
	}
	return nil
}

func createBattleTables(db *gorm.DB) error {
	return db.AutoMigrate(&models.Battle{}, &models.Participant{})
}

// ユーザー単位の履歴検索用
func indexParticipantUser(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_participants_user_id ON participants (user_id)").Error
}
