package types

import (
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Message is one chat message as stored and as broadcast to clients.
// A message keeps its id across edits; EditedAt flips from nil to the edit
// time. Deleted messages are removed, there is no tombstone.
type Message struct {
	Id            string          `json:"id,omitempty" gorm:"primaryKey" mapstructure:"id"`
	Room          string          `json:"room" gorm:"index" mapstructure:"room"`
	Author        string          `json:"username" mapstructure:"-"`
	AuthorSubject string          `json:"-" mapstructure:"-"`
	Picture       string          `json:"picture,omitempty" mapstructure:"-"`
	Content       string          `json:"content" mapstructure:"content"`
	CreatedAt     time.Time       `json:"created_at" mapstructure:"-"`
	EditedAt      *time.Time      `json:"edited_at,omitempty" mapstructure:"-"`
	Mentions      JSONStringSlice `json:"mentions" mapstructure:"mentions"`
}

// CreateId derives the message id from the natural key (room, author,
// content, creation time), so that a retried append maps onto the same
// record.
func (m *Message) CreateId() error {
	key := struct {
		Room    string
		Author  string
		Content string
		Created int64
	}{m.Room, m.Author, m.Content, m.CreatedAt.UnixNano()}
	hash, err := hashstructure.Hash(key, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = strconv.FormatUint(hash, 16)
	return nil
}

// NewMessage builds a message record for the append path.
func NewMessage(room string, author Identity, content string, mentions []string) (*Message, error) {
	msg := &Message{
		Room:          room,
		Author:        author.Username,
		AuthorSubject: author.Subject,
		Picture:       author.Picture,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
		Mentions:      mentions,
	}
	if err := msg.CreateId(); err != nil {
		return nil, err
	}
	return msg, nil
}

// FallbackMessage is the best-effort payload broadcast when the store is
// unavailable: no id, current wall-clock time.
func FallbackMessage(room string, author Identity, content string, mentions []string) *Message {
	return &Message{
		Room:      room,
		Author:    author.Username,
		Picture:   author.Picture,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Mentions:  mentions,
	}
}

// Membership is the durable (user, room) record. It only gates the one-time
// "joined" announcement, presence always comes from the live registry.
type Membership struct {
	Username string    `json:"username" gorm:"primaryKey"`
	Room     string    `json:"room" gorm:"primaryKey"`
	JoinedAt time.Time `json:"joined_at"`
}
