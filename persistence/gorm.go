package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/types"
)

// GormPersist is the SQL backend, covering sqlite and postgres through the
// gorm dialectors.
type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&types.Message{}, &types.Membership{})
	return db, nil
}

func (p *GormPersist) AppendMessage(room string, author types.Identity, content string, mentions []string) (*types.Message, error) {
	msg, err := types.NewMessage(room, author, content, mentions)
	if err != nil {
		return nil, err
	}
	// DoNothing keeps the append idempotent under retries
	err = p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *GormPersist) EditMessage(id, content string) (*types.Message, error) {
	msg := &types.Message{}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(msg, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		msg.Content = content
		msg.EditedAt = &now
		return tx.Model(msg).Updates(map[string]interface{}{"content": content, "edited_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *GormPersist) DeleteMessage(id string) error {
	res := p.db.Delete(&types.Message{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) FindMessageOwner(id string) (*types.Identity, error) {
	msg := &types.Message{}
	err := p.db.First(msg, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &types.Identity{Username: msg.Author, Picture: msg.Picture, Subject: msg.AuthorSubject}, nil
}

func (p *GormPersist) UpsertMembership(identity types.Identity, room string) (bool, error) {
	record := types.Membership{Username: identity.Username, Room: room, JoinedAt: time.Now().UTC()}
	res := p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (p *GormPersist) RoomHistory(room string, limit int) ([]*types.Message, error) {
	newestFirst := make([]*types.Message, 0)
	err := p.db.Where("room = ?", room).Order("created_at DESC").Limit(limit).Find(&newestFirst).Error
	if err != nil {
		return nil, err
	}
	history := make([]*types.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history = append(history, newestFirst[i])
	}
	return history, nil
}

func (p *GormPersist) Close() error {
	return nil
}
