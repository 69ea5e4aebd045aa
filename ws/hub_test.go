package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/persistence"
	"github.com/relaychat/relay/types"
)

// stubPersister is an in-memory persistence gateway for router tests.
type stubPersister struct {
	mu          sync.Mutex
	failAppend  bool
	messages    map[string]*types.Message
	memberships map[string]struct{}
}

func newStubPersister() *stubPersister {
	return &stubPersister{
		messages:    make(map[string]*types.Message),
		memberships: make(map[string]struct{}),
	}
}

func (p *stubPersister) AppendMessage(room string, author types.Identity, content string, mentions []string) (*types.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAppend {
		return nil, errors.New("storage unavailable")
	}
	msg, err := types.NewMessage(room, author, content, mentions)
	if err != nil {
		return nil, err
	}
	p.messages[msg.Id] = msg
	return msg, nil
}

func (p *stubPersister) EditMessage(id, content string) (*types.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.EditedAt = &now
	return msg, nil
}

func (p *stubPersister) DeleteMessage(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.messages[id]; !ok {
		return persistence.ErrNotFound
	}
	delete(p.messages, id)
	return nil
}

func (p *stubPersister) FindMessageOwner(id string) (*types.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &types.Identity{Username: msg.Author, Picture: msg.Picture, Subject: msg.AuthorSubject}, nil
}

func (p *stubPersister) UpsertMembership(identity types.Identity, room string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := room + ":" + identity.Username
	if _, ok := p.memberships[key]; ok {
		return false, nil
	}
	p.memberships[key] = struct{}{}
	return true, nil
}

func (p *stubPersister) RoomHistory(room string, limit int) ([]*types.Message, error) {
	return nil, nil
}

func (p *stubPersister) Close() error { return nil }

func (p *stubPersister) content(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[id]
	if !ok {
		return "", false
	}
	return msg.Content, true
}

func newTestHub(cfg *config.Config, p persistence.Persister) *Hub {
	if cfg == nil {
		cfg = &config.Config{}
	}
	h := NewHub(cfg, p)
	go h.Run()
	return h
}

func addClient(h *Hub, username string) *Client {
	identity := types.Identity{Username: username}
	if username != "" {
		identity.Subject = username + "@test"
	}
	c := NewClient(h, nil, identity, make(chan struct{}))
	c.Add(1)
	h.Register <- c
	c.Wait()
	return c
}

func joinRoom(h *Hub, c *Client, room string) {
	h.handleJoin(c, types.JoinRequest{Room: room, Identity: c.Identity()})
}

func readEvent(t *testing.T, c *Client) types.WebsocketMessage {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		msg := types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return types.WebsocketMessage{}
}

func expectEvent(t *testing.T, c *Client, event string) json.RawMessage {
	t.Helper()
	msg := readEvent(t, c)
	require.Equal(t, event, msg.Event)
	return msg.Data
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

// drain discards everything buffered so far, plus anything arriving within a
// short grace period (the join announcement is asynchronous).
func drain(cs ...*Client) {
	time.Sleep(100 * time.Millisecond)
	for _, c := range cs {
		for len(c.Send) > 0 {
			<-c.Send
		}
	}
}

func TestJoinRosterAndAnnouncement(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	joinRoom(h, alice, "general")

	// the joiner always gets the current roster as direct reply
	data := expectEvent(t, alice, types.WireEventOnlineUsers)
	roster := types.OnlineUsers{}
	require.NoError(t, json.Unmarshal(data, &roster))
	assert.Equal(t, "general", roster.Room)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].Username)
	drain(alice)

	bob := addClient(h, "bob")
	joinRoom(h, bob, "general")

	data = expectEvent(t, bob, types.WireEventOnlineUsers)
	require.NoError(t, json.Unmarshal(data, &roster))
	assert.Len(t, roster.Users, 2)

	// alice sees the refreshed roster and the first-join announcement (the
	// announcement is asynchronous, order is not guaranteed)
	events := map[string]json.RawMessage{}
	first := readEvent(t, alice)
	events[first.Event] = first.Data
	second := readEvent(t, alice)
	events[second.Event] = second.Data
	require.Contains(t, events, types.WireEventOnlineUsers)
	require.Contains(t, events, types.WireEventSystem)
	notice := types.SystemNotice{}
	require.NoError(t, json.Unmarshal(events[types.WireEventSystem], &notice))
	assert.Equal(t, "bob joined", notice.Text)

	// the announcement is one-time per (user, room)
	drain(alice, bob)
	joinRoom(h, bob, "random")
	drain(alice, bob)
	joinRoom(h, bob, "general")
	expectEvent(t, bob, types.WireEventOnlineUsers)
	data = expectEvent(t, alice, types.WireEventOnlineUsers)
	expectNoEvent(t, alice)
}

func TestRoomSwitchRefreshesVacatedRoom(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	drain(alice, bob)

	joinRoom(h, bob, "random")

	data := expectEvent(t, alice, types.WireEventOnlineUsers)
	roster := types.OnlineUsers{}
	require.NoError(t, json.Unmarshal(data, &roster))
	assert.Equal(t, "general", roster.Room)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].Username)
}

func TestDisconnectBroadcastsRoster(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	drain(alice, bob)

	h.Unregister <- bob

	data := expectEvent(t, alice, types.WireEventOnlineUsers)
	roster := types.OnlineUsers{}
	require.NoError(t, json.Unmarshal(data, &roster))
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].Username)
}

func TestMessageFanout(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	carol := addClient(h, "carol")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	joinRoom(h, carol, "random")
	drain(alice, bob, carol)

	h.handleMessage(alice, types.MessageRequest{Room: "general", Content: "hello @bob"})

	// room members get the room-scoped event and the global notification
	for _, c := range []*Client{alice, bob} {
		data := expectEvent(t, c, types.WireEventMessage)
		msg := types.Message{}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.NotEmpty(t, msg.Id)
		assert.Equal(t, "general", msg.Room)
		assert.Equal(t, "alice", msg.Author)
		assert.Equal(t, "hello @bob", msg.Content)
		assert.Equal(t, types.JSONStringSlice{"bob"}, msg.Mentions)

		expectEvent(t, c, types.WireEventNewMessage)
	}

	// carol is in another room: only the global notification arrives
	data := expectEvent(t, carol, types.WireEventNewMessage)
	msg := types.Message{}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "general", msg.Room)
	expectNoEvent(t, carol)
}

func TestMessageFallbackOnPersistenceFailure(t *testing.T) {
	p := newStubPersister()
	p.failAppend = true
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	drain(alice, bob)

	h.handleMessage(alice, types.MessageRequest{Room: "general", Content: "test"})

	data := expectEvent(t, bob, types.WireEventMessage)
	msg := types.Message{}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Empty(t, msg.Id)
	assert.Equal(t, "test", msg.Content)
	assert.False(t, msg.CreatedAt.IsZero())

	// no error event reaches the sender, delivery degraded silently
	expectEvent(t, alice, types.WireEventMessage)
	expectEvent(t, alice, types.WireEventNewMessage)
	expectNoEvent(t, alice)
}

func TestEditAuthorization(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	drain(alice, bob)

	stored, err := p.AppendMessage("general", alice.Identity(), "original", nil)
	require.NoError(t, err)

	// non-owner edit is rejected locally, nothing is broadcast
	h.handleEdit(bob, types.EditRequest{Room: "general", Id: stored.Id, Content: "hijack"})
	expectEvent(t, bob, types.WireEventError)
	expectNoEvent(t, alice)
	content, ok := p.content(stored.Id)
	require.True(t, ok)
	assert.Equal(t, "original", content)

	// owner edit propagates to every room member
	h.handleEdit(alice, types.EditRequest{Room: "general", Id: stored.Id, Content: "fixed"})
	for _, c := range []*Client{alice, bob} {
		data := expectEvent(t, c, types.WireEventEdited)
		msg := types.Message{}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, stored.Id, msg.Id)
		assert.Equal(t, "fixed", msg.Content)
		assert.NotNil(t, msg.EditedAt)
	}

	// unknown id yields a local not-found error
	h.handleEdit(alice, types.EditRequest{Room: "general", Id: "no-such-id", Content: "x"})
	expectEvent(t, alice, types.WireEventError)
	expectNoEvent(t, bob)
}

func TestEditRequiresIdentity(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	anon := addClient(h, "")
	joinRoom(h, anon, "general")
	drain(anon)

	h.handleEdit(anon, types.EditRequest{Room: "general", Id: "whatever", Content: "x"})
	expectEvent(t, anon, types.WireEventError)
}

func TestDeleteMessage(t *testing.T) {
	p := newStubPersister()
	h := newTestHub(nil, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	drain(alice, bob)

	stored, err := p.AppendMessage("general", alice.Identity(), "remove me", nil)
	require.NoError(t, err)

	h.handleDelete(alice, types.DeleteRequest{Room: "general", Id: stored.Id})
	for _, c := range []*Client{alice, bob} {
		data := expectEvent(t, c, types.WireEventDeleted)
		notice := types.DeletedNotice{}
		require.NoError(t, json.Unmarshal(data, &notice))
		assert.Equal(t, stored.Id, notice.Id)
	}
	_, ok := p.content(stored.Id)
	assert.False(t, ok)

	// deleting again: not found, local error only
	h.handleDelete(alice, types.DeleteRequest{Room: "general", Id: stored.Id})
	expectEvent(t, alice, types.WireEventError)
	expectNoEvent(t, bob)
}

func TestRoomMessageFilter(t *testing.T) {
	cfg := &config.Config{
		RoomConfigs: []config.RoomConfig{
			{Name: "general", MessageFilter: `Target.Username != "bob"`},
		},
	}
	p := newStubPersister()
	h := newTestHub(cfg, p)

	alice := addClient(h, "alice")
	bob := addClient(h, "bob")
	joinRoom(h, alice, "general")
	joinRoom(h, bob, "general")
	drain(alice, bob)

	h.handleMessage(alice, types.MessageRequest{Room: "general", Content: "secret"})

	expectEvent(t, alice, types.WireEventMessage)
	expectEvent(t, alice, types.WireEventNewMessage)
	expectNoEvent(t, bob)
}
