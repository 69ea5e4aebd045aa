package client

import (
	"encoding/json"

	"github.com/relaychat/relay/types"
)

// Entry is one line of the visible message list.
type Entry struct {
	types.Message
	System bool `json:"system,omitempty"`
}

// Counters tracks unseen activity of a room that is not currently active.
type Counters struct {
	Unread   int
	Mentions int
}

// State is the reconciliation core of the sync client: it merges inbound
// events into the local message list (dedup, ordering, room scoping) and
// maintains the unread/mention counters of inactive rooms. It is not safe
// for concurrent use, Client drives it from a single goroutine.
type State struct {
	identity types.Identity
	active   string
	entries  []Entry
	unread   map[string]Counters
	roster   []types.RoomMember
	lastErr  string
}

func NewState(identity types.Identity) *State {
	return &State{
		identity: identity,
		unread:   make(map[string]Counters),
	}
}

func (s *State) ActiveRoom() string {
	return s.active
}

// SwitchRoom makes room the active one: the visible list is cleared, the
// room's unread/mention counters reset atomically with the switch, and
// events of other rooms stop reaching the visible list.
func (s *State) SwitchRoom(room string) {
	s.active = room
	s.entries = s.entries[:0]
	s.roster = nil
	delete(s.unread, room)
}

// LoadHistory merges the fetched history page in front of whatever live
// events already arrived for the active room.
func (s *State) LoadHistory(messages []*types.Message) {
	merged := make([]Entry, 0, len(messages)+len(s.entries))
	for _, msg := range messages {
		if msg.Room != "" && msg.Room != s.active {
			continue
		}
		if msg.Id != "" && s.contains(msg.Id) {
			continue
		}
		merged = append(merged, Entry{Message: *msg})
	}
	s.entries = append(merged, s.entries...)
}

// Apply reconciles one inbound wire event.
func (s *State) Apply(event string, data json.RawMessage) error {
	switch event {
	case types.WireEventMessage:
		msg := types.Message{}
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.applyMessage(msg, false)

	case types.WireEventNewMessage:
		msg := types.Message{}
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.applyMessage(msg, true)

	case types.WireEventEdited:
		msg := types.Message{}
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.applyEdit(msg)

	case types.WireEventDeleted:
		notice := types.DeletedNotice{}
		if err := json.Unmarshal(data, &notice); err != nil {
			return err
		}
		s.applyDelete(notice.Id)

	case types.WireEventSystem:
		notice := types.SystemNotice{}
		if err := json.Unmarshal(data, &notice); err != nil {
			return err
		}
		s.entries = append(s.entries, Entry{System: true, Message: types.Message{Room: s.active, Content: notice.Text}})

	case types.WireEventOnlineUsers:
		roster := types.OnlineUsers{}
		if err := json.Unmarshal(data, &roster); err != nil {
			return err
		}
		if roster.Room == s.active {
			s.roster = roster.Users
		}

	case types.WireEventError:
		notice := types.ErrorNotice{}
		if err := json.Unmarshal(data, &notice); err != nil {
			return err
		}
		s.lastErr = notice.Message
	}
	return nil
}

// applyMessage routes a message-shaped event: active-room events merge into
// the visible list, inactive-room events bump that room's counters.
func (s *State) applyMessage(msg types.Message, global bool) {
	if msg.Room != s.active {
		// only the global notification channel feeds the counters; a
		// room-scoped copy can still arrive here around a room switch
		// and would double-count the same dispatch
		if !global {
			return
		}
		counters := s.unread[msg.Room]
		counters.Unread++
		if s.identity.Username != "" && msg.Mentions.Contains(s.identity.Username) {
			counters.Mentions++
		}
		s.unread[msg.Room] = counters
		return
	}
	// the global notification for the active room duplicates the
	// room-scoped copy of the same dispatch; without an id there is
	// nothing to dedup against, so it is dropped instead
	if global && msg.Id == "" {
		return
	}
	s.merge(msg)
}

// merge appends msg unless an entry with its id is already present.
// Id-less fallback payloads cannot be de-duplicated, accepting the
// occasional duplicate is the price of delivery during storage outages.
func (s *State) merge(msg types.Message) {
	if msg.Id != "" && s.contains(msg.Id) {
		return
	}
	s.entries = append(s.entries, Entry{Message: msg})
}

func (s *State) applyEdit(msg types.Message) {
	if msg.Id == "" {
		return
	}
	for i := range s.entries {
		if s.entries[i].Id == msg.Id {
			s.entries[i].Message = msg
			return
		}
	}
	// unknown id: the message belongs to a room never loaded, ignore
}

func (s *State) applyDelete(id string) {
	if id == "" {
		return
	}
	for i := range s.entries {
		if s.entries[i].Id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *State) contains(id string) bool {
	for i := range s.entries {
		if s.entries[i].Id == id {
			return true
		}
	}
	return false
}

// Entries returns a copy of the visible message list.
func (s *State) Entries() []Entry {
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	return entries
}

// UnreadCounters returns the counters of room; the zero value means "all
// read".
func (s *State) UnreadCounters(room string) Counters {
	return s.unread[room]
}

// Roster returns the last online_users list received for the active room.
func (s *State) Roster() []types.RoomMember {
	roster := make([]types.RoomMember, len(s.roster))
	copy(roster, s.roster)
	return roster
}

// LastError returns the most recent error event, "" if none arrived.
func (s *State) LastError() string {
	return s.lastErr
}
