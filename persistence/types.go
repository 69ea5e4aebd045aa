package persistence

import (
	"errors"
	"fmt"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/types"
)

// ErrNotFound is returned when a message id is unknown to the store.
var ErrNotFound = errors.New("not found")

// Persister is the durable storage collaborator of the event router. All
// write operations are idempotent by natural key. The router calls
// AppendMessage and UpsertMembership off the real-time path (their failure
// degrades delivery, it never blocks it); FindMessageOwner, EditMessage and
// DeleteMessage are awaited because the broadcast depends on their result.
type Persister interface {
	AppendMessage(room string, author types.Identity, content string, mentions []string) (*types.Message, error)
	EditMessage(id, content string) (*types.Message, error)
	DeleteMessage(id string) error
	FindMessageOwner(id string) (*types.Identity, error)
	UpsertMembership(identity types.Identity, room string) (created bool, err error)
	RoomHistory(room string, limit int) ([]*types.Message, error)
	Close() error
}

// NewPersister returns the configured persistence backend, or nil if
// persistence is not configured.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "buntdb":
		return NewBuntPersister(cfg)
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
	}
}
