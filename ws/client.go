package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/types"
)

const sendChannelSize = 1000

// Client is the middleman between one websocket connection and the hub: one
// live session with its bound identity and current-room state.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	sessionId string

	doneChan chan struct{}

	// guards identity and current-room state; the identity is re-supplied
	// on every join
	mu       sync.Mutex
	identity types.Identity
	room     string
	joinedAt time.Time

	// WaitGroup which keeps track of running read/write loops. If the
	// WaitGroup is done, it is safe to close the send channel.
	sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, identity types.Identity, doneChan chan struct{}) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		Send:      make(chan []byte, sendChannelSize),
		sessionId: uuid.NewString(),
		identity:  identity,
		doneChan:  doneChan,
	}
}

func (c *Client) SessionId() string {
	return c.sessionId
}

func (c *Client) Identity() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// setIdentity merges the identity supplied with a join. The stable subject
// of the gateway assertion sticks to the connection and is never overwritten
// by client-supplied data.
func (c *Client) setIdentity(identity types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if identity.Username != "" {
		c.identity.Username = identity.Username
		c.identity.Picture = identity.Picture
	}
}

func (c *Client) setJoined(room string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
	c.joinedAt = at
}

func (c *Client) snapshot() (types.Identity, *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == "" {
		return c.identity, nil
	}
	joined := c.joinedAt
	return c.identity, &joined
}

// send hands data to the write loop without blocking; the caller must hold
// the hub read lock (the fan-out path does).
func (c *Client) send(data []byte) {
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("send buffer full, dropping event", "session", c.sessionId)
	}
}

// enqueue is the locking variant used outside the fan-out path (direct
// replies, errors). The registered-check under the hub read lock makes it
// safe against the unregister path closing Send.
func (c *Client) enqueue(data []byte) {
	c.hub.RLock()
	defer c.hub.RUnlock()
	if _, ok := c.hub.clients[c.sessionId]; !ok {
		return
	}
	c.send(data)
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine. Handlers run to completion here,
// so events of one session never interleave.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	message := &types.WebsocketMessage{}
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "error", err)
			}
			return
		}

		err = json.Unmarshal(raw, message)
		if err != nil {
			globals.AppLogger.Error("could not unmarshal ws message", "error", err)
			return
		}

		switch message.Event {
		case types.WireEventJoin:
			req := types.JoinRequest{}
			if !c.decode(message.Data, &req) {
				continue
			}
			c.hub.handleJoin(c, req)

		case types.WireEventMessage:
			req := types.MessageRequest{}
			if !c.decode(message.Data, &req) {
				continue
			}
			c.hub.handleMessage(c, req)

		case types.WireEventEditMessage:
			req := types.EditRequest{}
			if !c.decode(message.Data, &req) {
				continue
			}
			c.hub.handleEdit(c, req)

		case types.WireEventDeleteMessage:
			req := types.DeleteRequest{}
			if !c.decode(message.Data, &req) {
				continue
			}
			c.hub.handleDelete(c, req)

		default:
			globals.AppLogger.Debug("ignoring unknown event", "event", message.Event)
		}
	}
}

func (c *Client) decode(data json.RawMessage, out interface{}) bool {
	payload := make(map[string]interface{})
	if err := json.Unmarshal(data, &payload); err != nil {
		globals.AppLogger.Error("could not unmarshal event payload", "error", err)
		c.hub.sendError(c, "could not parse event payload")
		return false
	}
	if err := mapstructure.WeakDecode(payload, out); err != nil {
		globals.AppLogger.Error("could not decode event payload", "error", err)
		c.hub.sendError(c, "could not parse event payload")
		return false
	}
	return true
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case <-c.doneChan:
			return
		default:
		}
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				globals.AppLogger.Debug("could not send ping message, exiting write loop")
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
