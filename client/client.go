package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/types"
)

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 10 * time.Second
)

// Client is a synchronizing chat client: it keeps one websocket connection,
// folds every inbound event into its State and offers the send/edit/delete
// operations. All exported methods are safe for concurrent use.
type Client struct {
	baseUrl  string
	identity types.Identity
	conn     *websocket.Conn
	http     *http.Client

	mu    sync.Mutex // guards state
	state *State

	writeMu sync.Mutex // serializes websocket writes

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a relay at baseUrl (http:// or https://). The identity
// travels in the X-Forwarded-User header, the server may still override it
// with the gateway assertion. The read loop is running before Dial returns,
// so no event of a subsequent Join can be missed.
func Dial(baseUrl string, identity types.Identity) (*Client, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat"

	header := http.Header{}
	if identity.Username != "" {
		header.Set("X-Forwarded-User", identity.Username)
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseUrl:  strings.TrimSuffix(baseUrl, "/"),
		identity: identity,
		conn:     conn,
		http:     &http.Client{Timeout: requestTimeout},
		state:    NewState(identity),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Join switches the active room: the local list and the room's counters are
// cleared, the persisted history is fetched and merged, then the join is
// announced so live events start flowing. Duplicates between the history
// page and events already received are resolved by message id.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	c.state.SwitchRoom(room)
	c.mu.Unlock()

	history, err := c.fetchHistory(room)
	if err != nil {
		globals.AppLogger.Warn("could not load history", "room", room, "error", err)
	} else {
		c.mu.Lock()
		c.state.LoadHistory(history)
		c.mu.Unlock()
	}

	return c.writeEvent(types.WireEventJoin, types.JoinRequest{Room: room, Identity: c.identity})
}

// SendMessage posts content to the active room. Mentions are derived
// server-side when none are given.
func (c *Client) SendMessage(content string) error {
	c.mu.Lock()
	room := c.state.ActiveRoom()
	c.mu.Unlock()
	if room == "" {
		return fmt.Errorf("no active room")
	}
	return c.writeEvent(types.WireEventMessage, types.MessageRequest{Room: room, Content: content})
}

// EditMessage replaces the content of an own message in the active room.
func (c *Client) EditMessage(id, content string) error {
	c.mu.Lock()
	room := c.state.ActiveRoom()
	c.mu.Unlock()
	return c.writeEvent(types.WireEventEditMessage, types.EditRequest{Room: room, Id: id, Content: content})
}

// DeleteMessage removes an own message from the active room.
func (c *Client) DeleteMessage(id string) error {
	c.mu.Lock()
	room := c.state.ActiveRoom()
	c.mu.Unlock()
	return c.writeEvent(types.WireEventDeleteMessage, types.DeleteRequest{Room: room, Id: id})
}

func (c *Client) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ActiveRoom()
}

func (c *Client) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Entries()
}

func (c *Client) UnreadCounters(room string) Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.UnreadCounters(room)
}

func (c *Client) Roster() []types.RoomMember {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Roster()
}

func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastError()
}

// Done is closed when the read loop ends, i.e. the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down and waits for the read loop to finish.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				globals.AppLogger.Debug("connection closed", "error", err)
			}
			return
		}
		wsMessage := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &wsMessage); err != nil {
			globals.AppLogger.Warn("could not parse event", "error", err)
			continue
		}
		c.mu.Lock()
		if err := c.state.Apply(wsMessage.Event, wsMessage.Data); err != nil {
			globals.AppLogger.Warn("could not apply event", "event", wsMessage.Event, "error", err)
		}
		c.mu.Unlock()
	}
}

func (c *Client) fetchHistory(room string) ([]*types.Message, error) {
	resp, err := c.http.Get(c.baseUrl + "/api/channels/" + url.PathEscape(room) + "/messages")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request failed with status %d", resp.StatusCode)
	}
	messages := make([]*types.Message, 0)
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) writeEvent(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(types.WebsocketMessage{Event: event, Data: data})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}
