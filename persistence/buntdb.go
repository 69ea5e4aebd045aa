package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/buntdb"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/types"
)

const messagesByCreatedIndex = "messages_created"

// BuntDBPersist is the embedded default backend. Messages are stored under
// message:<id>, memberships under membership:<room>:<user>.
type BuntDBPersist struct {
	db       *buntdb.DB
	fileLock *flock.Flock
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	var fileLock *flock.Flock
	if cfg.PersistenceConfig.FlockPath != "" {
		fileLock = flock.New(cfg.PersistenceConfig.FlockPath)
		locked, err := fileLock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("database %s is locked by another instance", cfg.PersistenceConfig.BuntDBConfig.Name)
		}
	}
	db, err := setupBuntDB(cfg)
	if err != nil {
		if fileLock != nil {
			fileLock.Unlock()
		}
		return nil, err
	}
	if db == nil {
		if fileLock != nil {
			fileLock.Unlock()
		}
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &BuntDBPersist{db: db, fileLock: fileLock}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	fileName := cfg.PersistenceConfig.BuntDBConfig.Name
	if fileName == "" {
		return nil, nil
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex(messagesByCreatedIndex, "message:*", buntdb.IndexJSON("created_at"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func messageKey(id string) string {
	return "message:" + id
}

func membershipKey(room, username string) string {
	return "membership:" + room + ":" + username
}

func (p *BuntDBPersist) AppendMessage(room string, author types.Identity, content string, mentions []string) (*types.Message, error) {
	msg, err := types.NewMessage(room, author, content, mentions)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	err = p.db.Update(func(tx *buntdb.Tx) error {
		// the id is the natural-key hash, a retried append maps onto the
		// same record
		if _, err := tx.Get(messageKey(msg.Id)); err == nil {
			return nil
		}
		_, _, err := tx.Set(messageKey(msg.Id), string(raw), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *BuntDBPersist) EditMessage(id, content string) (*types.Message, error) {
	msg := &types.Message{}
	err := p.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(messageKey(id))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), msg); err != nil {
			return err
		}
		now := time.Now().UTC()
		msg.Content = content
		msg.EditedAt = &now
		updated, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(messageKey(id), string(updated), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *BuntDBPersist) DeleteMessage(id string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(messageKey(id))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		return err
	})
}

func (p *BuntDBPersist) FindMessageOwner(id string) (*types.Identity, error) {
	msg := &types.Message{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(messageKey(id))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), msg)
	})
	if err != nil {
		return nil, err
	}
	return &types.Identity{Username: msg.Author, Picture: msg.Picture, Subject: msg.AuthorSubject}, nil
}

func (p *BuntDBPersist) UpsertMembership(identity types.Identity, room string) (bool, error) {
	created := false
	err := p.db.Update(func(tx *buntdb.Tx) error {
		key := membershipKey(room, identity.Username)
		if _, err := tx.Get(key); err == nil {
			return nil
		} else if err != buntdb.ErrNotFound {
			return err
		}
		record := types.Membership{Username: identity.Username, Room: room, JoinedAt: time.Now().UTC()}
		raw, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(raw), nil); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// RoomHistory returns the most recent limit messages of room in
// chronological order.
func (p *BuntDBPersist) RoomHistory(room string, limit int) ([]*types.Message, error) {
	newestFirst := make([]*types.Message, 0, limit)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(messagesByCreatedIndex, func(key, val string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(val), msg); err != nil {
				return true
			}
			if msg.Room != room {
				return true
			}
			newestFirst = append(newestFirst, msg)
			return limit <= 0 || len(newestFirst) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	history := make([]*types.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history = append(history, newestFirst[i])
	}
	return history, nil
}

func (p *BuntDBPersist) Close() error {
	if p.fileLock != nil {
		defer p.fileLock.Unlock()
	}
	return p.db.Close()
}
