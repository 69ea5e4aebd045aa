package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/antonmedv/expr/vm"
	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/mention"
	"github.com/relaychat/relay/persistence"
	"github.com/relaychat/relay/registry"
	"github.com/relaychat/relay/types"
)

const (
	maxMessageSize       = 4096
	pongWait             = 2 * time.Minute
	pingPeriod           = time.Minute
	writeWait            = 10 * time.Second
	broadcastChannelSize = 1000
	ownerCacheSize       = 1024
)

// frame is one outbound fan-out unit. Either global (every connected
// session) or scoped to a room's current members; exclude skips a single
// session. msg is set for message-shaped frames so the per-room broadcast
// filter can be evaluated per recipient.
type frame struct {
	room    string
	exclude string
	global  bool
	data    []byte
	msg     *types.Message
}

// Hub is the event router: it owns the connected sessions, mutates the live
// presence registry, calls the persistence gateway and fans events out.
// There is one hub per server.
type Hub struct {
	cfg *config.Config

	// persistence, may be nil (transient mode)
	Persister persistence.Persister

	// live presence, the sole source of "who is online"
	Registry *registry.Registry

	// connected sessions by session id
	clients map[string]*Client

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub.
	Unregister chan *Client

	broadcast chan frame

	// cache for message-owner lookups on the edit/delete path
	owners *lru.Cache

	// compiled per-room message filters, read-only after NewHub
	roomFilters map[string]*vm.Program

	// mutex for manipulating the clients
	sync.RWMutex
}

func NewHub(cfg *config.Config, persister persistence.Persister) *Hub {
	ownerCache, _ := lru.New(ownerCacheSize)
	hub := &Hub{
		cfg:         cfg,
		Persister:   persister,
		Registry:    registry.New(),
		clients:     make(map[string]*Client),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		broadcast:   make(chan frame, broadcastChannelSize),
		owners:      ownerCache,
		roomFilters: compileRoomFilters(cfg.RoomConfigs),
	}
	return hub
}

// NoClients returns the number of clients registered
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Run is the main hub event loop handling register, unregister and broadcast
// events.
func (h *Hub) Run() {
	if h.cfg.PresenceCronSpec != "" {
		cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
		entryId, err := cronRunner.AddFunc(h.cfg.PresenceCronSpec, h.refreshPresence)
		if err != nil {
			globals.AppLogger.Error("invalid presence_cron spec, roster refresh disabled", "error", err)
		} else {
			defer cronRunner.Remove(entryId)
			cronRunner.Start()
			defer cronRunner.Stop()
		}
	}
	for {
		select {
		case client := <-h.Register:
			globals.AppLogger.Debug("register new client", "session", client.sessionId)
			h.Lock()
			h.clients[client.sessionId] = client
			h.Unlock()
			client.Done()

		case client := <-h.Unregister:
			go h.unregister(client)

		case f := <-h.broadcast:
			h.deliver(f)
		}
	}
}

func (h *Hub) unregister(c *Client) {
	h.RLock()
	if _, ok := h.clients[c.sessionId]; !ok {
		h.RUnlock()
		return
	}
	h.RUnlock()
	globals.AppLogger.Debug("unregister client", "session", c.sessionId)
	room, wasJoined := h.Registry.Remove(c.sessionId)
	h.Lock()
	delete(h.clients, c.sessionId)
	if c.conn != nil {
		// probably already is closed, just to make sure
		c.conn.Close()
	}
	// wait for all loops and write operations to be finished, then it is
	// safe to close the send channel (writers take the hub read lock and
	// check registration first)
	c.Wait()
	close(c.Send)
	h.Unlock()
	if wasJoined {
		// the vacated room must observe the shrunk roster
		h.broadcastOnlineUsers(room)
	}
}

func (h *Hub) deliver(f frame) {
	h.RLock()
	defer h.RUnlock()
	if f.global {
		for _, c := range h.clients {
			h.deliverTo(c, f)
		}
		return
	}
	for _, sessionId := range h.Registry.MembersOf(f.room) {
		if sessionId == f.exclude {
			continue
		}
		if c, ok := h.clients[sessionId]; ok {
			h.deliverTo(c, f)
		}
	}
}

func (h *Hub) deliverTo(c *Client, f frame) {
	if f.msg != nil {
		if prog, ok := h.roomFilters[f.msg.Room]; ok && !c.runMessageFilter(f.msg, prog) {
			return
		}
	}
	c.send(f.data)
}

// handleJoin moves the session into the requested room, replies with the
// room's roster, shares the roster with both affected rooms and triggers the
// one-time membership announcement off the real-time path.
func (h *Hub) handleJoin(c *Client, req types.JoinRequest) {
	if req.Room == "" {
		h.sendError(c, "join: room is required")
		return
	}
	c.setIdentity(req.Identity)
	prev := h.Registry.Move(c.sessionId, req.Room)
	c.setJoined(req.Room, time.Now().UTC())

	roster := h.onlineUsers(req.Room)
	if data, err := json.Marshal(types.WireOnlineUsers{OnlineUsers: roster}); err == nil {
		c.enqueue(data)
		h.broadcast <- frame{room: req.Room, exclude: c.sessionId, data: data}
	} else {
		globals.AppLogger.Error("could not marshal roster", "error", err)
	}
	if prev != "" && prev != req.Room {
		h.broadcastOnlineUsers(prev)
	}

	go h.announceJoin(c.sessionId, req.Room, c.Identity())
}

// announceJoin upserts the durable membership record and broadcasts the
// "joined" system announcement when this is the first time the user enters
// the room. A broken store never prevents the join: errors are swallowed
// and the announcement is still attempted.
func (h *Hub) announceJoin(sessionId, room string, identity types.Identity) {
	if identity.IsAnonymous() {
		return
	}
	if h.Persister != nil {
		created, err := h.Persister.UpsertMembership(identity, room)
		if err != nil {
			globals.AppLogger.Error("could not upsert membership", "error", err, "room", room)
		} else if !created {
			return
		}
	}
	notice := &types.SystemNotice{Text: identity.Username + " joined"}
	if data, err := json.Marshal(types.WireSystem{SystemNotice: notice}); err == nil {
		h.broadcast <- frame{room: room, exclude: sessionId, data: data}
	}
}

// handleMessage persists and fans out one chat message. Storage failure
// degrades to the fallback payload (no id, wall-clock time), it is never
// surfaced as an error: real-time delivery is independent of durability.
func (h *Hub) handleMessage(c *Client, req types.MessageRequest) {
	if req.Room == "" {
		h.sendError(c, "message: room is required")
		return
	}
	mentions := req.Mentions
	if len(mentions) == 0 {
		mentions = mention.Extract(req.Content)
	}
	identity := c.Identity()
	var msg *types.Message
	if h.Persister != nil {
		m, err := h.Persister.AppendMessage(req.Room, identity, req.Content, mentions)
		if err != nil {
			globals.AppLogger.Error("could not persist message, degrading to transient delivery", "error", err, "room", req.Room)
		} else {
			msg = m
		}
	}
	if msg == nil {
		msg = types.FallbackMessage(req.Room, identity, req.Content, mentions)
	}
	if data, err := json.Marshal(types.WireMessage{Message: msg}); err == nil {
		h.broadcast <- frame{room: req.Room, data: data, msg: msg}
	}
	// cross-room notification: every connected session learns about the
	// message so clients can track unread/mention counts
	if data, err := json.Marshal(types.WireNewMessage{Message: msg}); err == nil {
		h.broadcast <- frame{global: true, data: data, msg: msg}
	}
}

func (h *Hub) handleEdit(c *Client, req types.EditRequest) {
	if _, ok := h.authorizeMutation(c, "edit_message", req.Room, req.Id); !ok {
		return
	}
	updated, err := h.Persister.EditMessage(req.Id, req.Content)
	if err == persistence.ErrNotFound {
		h.owners.Remove(req.Id)
		h.sendError(c, "edit_message: unknown message id")
		return
	}
	if err != nil {
		h.sendError(c, "edit_message: storage error")
		return
	}
	if data, err := json.Marshal(types.WireEdited{Message: updated}); err == nil {
		h.broadcast <- frame{room: req.Room, data: data}
	}
}

func (h *Hub) handleDelete(c *Client, req types.DeleteRequest) {
	if _, ok := h.authorizeMutation(c, "delete_message", req.Room, req.Id); !ok {
		return
	}
	err := h.Persister.DeleteMessage(req.Id)
	if err == persistence.ErrNotFound {
		h.owners.Remove(req.Id)
		h.sendError(c, "delete_message: unknown message id")
		return
	}
	if err != nil {
		h.sendError(c, "delete_message: storage error")
		return
	}
	h.owners.Remove(req.Id)
	if data, err := json.Marshal(types.WireDeleted{DeletedNotice: &types.DeletedNotice{Id: req.Id}}); err == nil {
		h.broadcast <- frame{room: req.Room, data: data}
	}
}

// authorizeMutation runs the shared validation/ownership checks of the
// edit/delete path. Unlike the append path these checks are awaited: the
// broadcast content depends on the stored record, mutating state the router
// cannot verify would be unsafe.
func (h *Hub) authorizeMutation(c *Client, op, room, id string) (*types.Identity, bool) {
	identity := c.Identity()
	if identity.IsAnonymous() {
		h.sendError(c, op+": anonymous sessions may not modify messages")
		return nil, false
	}
	if room == "" || id == "" {
		h.sendError(c, op+": room and id are required")
		return nil, false
	}
	if h.Persister == nil {
		h.sendError(c, op+": no durable storage configured")
		return nil, false
	}
	owner, err := h.messageOwner(id)
	if err == persistence.ErrNotFound {
		h.sendError(c, op+": unknown message id")
		return nil, false
	}
	if err != nil {
		globals.AppLogger.Error("could not look up message owner", "error", err, "id", id)
		h.sendError(c, op+": could not verify the message author")
		return nil, false
	}
	if !identity.SameActor(*owner) {
		h.sendError(c, op+": only the author may modify a message")
		return nil, false
	}
	return owner, true
}

func (h *Hub) messageOwner(id string) (*types.Identity, error) {
	if v, ok := h.owners.Get(id); ok {
		owner := v.(types.Identity)
		return &owner, nil
	}
	owner, err := h.Persister.FindMessageOwner(id)
	if err != nil {
		return nil, err
	}
	h.owners.Add(id, *owner)
	return owner, nil
}

// onlineUsers assembles the roster of a room from the live registry.
func (h *Hub) onlineUsers(room string) *types.OnlineUsers {
	h.RLock()
	defer h.RUnlock()
	users := make([]types.RoomMember, 0)
	for _, sessionId := range h.Registry.MembersOf(room) {
		if c, ok := h.clients[sessionId]; ok {
			identity, joinedAt := c.snapshot()
			users = append(users, types.RoomMember{Identity: identity, JoinedAt: joinedAt})
		}
	}
	return &types.OnlineUsers{Room: room, Users: users}
}

func (h *Hub) broadcastOnlineUsers(room string) {
	roster := h.onlineUsers(room)
	data, err := json.Marshal(types.WireOnlineUsers{OnlineUsers: roster})
	if err != nil {
		globals.AppLogger.Error("could not marshal roster", "error", err)
		return
	}
	h.broadcast <- frame{room: room, data: data}
}

// refreshPresence re-broadcasts every occupied room's roster; wired to the
// presence_cron schedule.
func (h *Hub) refreshPresence() {
	for _, room := range h.Registry.Rooms() {
		if len(h.Registry.MembersOf(room)) == 0 {
			continue
		}
		h.broadcastOnlineUsers(room)
	}
}

// sendError emits an error event to the requesting session only, errors are
// never broadcast.
func (h *Hub) sendError(c *Client, message string) {
	data, err := json.Marshal(types.WireError{ErrorNotice: &types.ErrorNotice{Message: message}})
	if err != nil {
		return
	}
	c.enqueue(data)
}
