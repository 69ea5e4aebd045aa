package types

import (
	"encoding/json"
	"time"
)

const (
	// client -> server
	WireEventJoin          = "join"
	WireEventMessage       = "message"
	WireEventEditMessage   = "edit_message"
	WireEventDeleteMessage = "delete_message"

	// server -> client (WireEventMessage is used in both directions)
	WireEventSystem      = "system"
	WireEventOnlineUsers = "online_users"
	WireEventNewMessage  = "new_message"
	WireEventEdited      = "message_edited"
	WireEventDeleted     = "message_deleted"
	WireEventError       = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func envelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// The different request payloads transferred from the client to here.

type JoinRequest struct {
	Room     string   `json:"room" mapstructure:"room"`
	Identity Identity `json:"identity" mapstructure:"identity"`
}

type MessageRequest struct {
	Room     string   `json:"room" mapstructure:"room"`
	Content  string   `json:"content" mapstructure:"content"`
	Mentions []string `json:"mentions,omitempty" mapstructure:"mentions"`
}

type EditRequest struct {
	Room    string `json:"room" mapstructure:"room"`
	Id      string `json:"id" mapstructure:"id"`
	Content string `json:"content" mapstructure:"content"`
}

type DeleteRequest struct {
	Room string `json:"room" mapstructure:"room"`
	Id   string `json:"id" mapstructure:"id"`
}

// Outbound payloads.

type SystemNotice struct {
	Text string `json:"text"`
}

// RoomMember is one entry of the online_users roster.
type RoomMember struct {
	Identity
	JoinedAt *time.Time `json:"joined_at,omitempty"`
}

type OnlineUsers struct {
	Room  string       `json:"room"`
	Users []RoomMember `json:"users"`
}

type DeletedNotice struct {
	Id string `json:"id"`
}

type ErrorNotice struct {
	Message string `json:"message"`
}

// The Wire* wrappers add the websocket envelope when marshalled.

type WireSystem struct{ *SystemNotice }

func (w WireSystem) MarshalJSON() ([]byte, error) {
	return envelope(WireEventSystem, w.SystemNotice)
}

type WireOnlineUsers struct{ *OnlineUsers }

func (w WireOnlineUsers) MarshalJSON() ([]byte, error) {
	return envelope(WireEventOnlineUsers, w.OnlineUsers)
}

type WireMessage struct{ *Message }

func (w WireMessage) MarshalJSON() ([]byte, error) {
	return envelope(WireEventMessage, w.Message)
}

// WireNewMessage is the cross-room notification variant: same payload as
// WireMessage (the room name is part of the message), broadcast to every
// connected session so clients can keep unread counters for inactive rooms.
type WireNewMessage struct{ *Message }

func (w WireNewMessage) MarshalJSON() ([]byte, error) {
	return envelope(WireEventNewMessage, w.Message)
}

type WireEdited struct{ *Message }

func (w WireEdited) MarshalJSON() ([]byte, error) {
	return envelope(WireEventEdited, w.Message)
}

type WireDeleted struct{ *DeletedNotice }

func (w WireDeleted) MarshalJSON() ([]byte, error) {
	return envelope(WireEventDeleted, w.DeletedNotice)
}

type WireError struct{ *ErrorNotice }

func (w WireError) MarshalJSON() ([]byte, error) {
	return envelope(WireEventError, w.ErrorNotice)
}
