package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/hub"
)

// ErrNotConnected is returned by calls made while the socket is down.
// The caller decides whether to retry; the client never queues writes.
var ErrNotConnected = errors.New("remote: not connected")

// State is the connection state of the client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Options configures a hub client.
type Options struct {
	URL string
	UID string

	MaxReconnectAttempts int // 0 = unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	CallTimeout          time.Duration

	Logger *zap.Logger
	Bus    *bus.Bus
}

func (o *Options) defaults() {
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = 1 * time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type watcher struct {
	id          string
	path        string
	mode        string
	onFrame     func(hub.Envelope)
	onCancelled func(error)
}

// Client speaks the hub protocol over a single WebSocket with automatic
// reconnect. Watches do NOT survive a reconnect: each registered watch
// gets its onCancelled callback when the socket drops, and the owner
// re-binds after the bus announces the connection is back. That keeps
// replay semantics in one place instead of hiding them in the transport.
type Client struct {
	opts Options
	log  *zap.Logger
	bus  *bus.Bus

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	intentionalClose bool
	cancelFn         context.CancelFunc

	recon reconnector

	pendingMu  sync.Mutex
	reqCounter uint64
	pending    map[string]chan hub.Envelope

	watchMu      sync.Mutex
	watchCounter uint64
	watches      map[string]*watcher
}

// NewClient builds a client; Connect must be called before use.
func NewClient(opts Options) *Client {
	opts.defaults()
	return &Client{
		opts:  opts,
		log:   opts.Logger,
		bus:   opts.Bus,
		state: StateDisconnected,
		recon: reconnector{
			baseDelay:   opts.ReconnectBaseDelay,
			maxDelay:    opts.ReconnectMaxDelay,
			maxAttempts: opts.MaxReconnectAttempts,
		},
		pending: make(map[string]chan hub.Envelope),
		watches: make(map[string]*watcher),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the hub and starts the read and heartbeat loops.
// Calling it while connected or connecting is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	wsURL := strings.Replace(c.opts.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?uid=" + url.QueryEscape(c.opts.UID)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("hub dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	c.publish(bus.KindRemoteConnected, c.opts.UID)
	c.log.Info("hub connected", zap.String("url", c.opts.URL))

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)

	return nil
}

// Close tears the connection down for good. No reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPending()
	c.cancelWatches(errors.New("client closed"))

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Put writes a payload at path and waits for the hub's ack.
func (c *Client) Put(ctx context.Context, path string, payload json.RawMessage) error {
	_, err := c.call(ctx, hub.Envelope{Op: hub.OpPut, Path: path, Payload: payload})
	return err
}

// Get fetches the current snapshot of the subtree at path.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	reply, err := c.call(ctx, hub.Envelope{Op: hub.OpGet, Path: path})
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// WriteMessage stores one message record under both parties' subtrees so
// either side sees the full conversation from its own root. Both writes
// must ack; a failure on either path fails the whole send and the caller
// retries the pair.
func (c *Client) WriteMessage(ctx context.Context, selfID, peerID, msgID string, rec MessageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode message record: %w", err)
	}
	if err := c.Put(ctx, hub.MessagePath(selfID, peerID, msgID), payload); err != nil {
		return fmt.Errorf("write own copy: %w", err)
	}
	if err := c.Put(ctx, hub.MessagePath(peerID, selfID, msgID), payload); err != nil {
		return fmt.Errorf("write peer copy: %w", err)
	}
	return nil
}

// Subscription is a handle on one registered watch. Cancel is idempotent
// and safe after the watch was already torn down by a disconnect.
type Subscription struct {
	id   string
	c    *Client
	once sync.Once
}

// Cancel unregisters the watch. After Cancel returns no further frame
// callbacks fire, though one already in flight may still complete.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.c.removeWatch(s.id)
		_ = s.c.send(hub.Envelope{Op: hub.OpUnwatch, WatchID: s.id})
	})
}

// WatchInbox registers a child listener on self's inbox for peer.
// Existing messages replay first, then live ones arrive in hub order.
// Payloads that fail to decode are logged and skipped.
func (c *Client) WatchInbox(selfID, peerID string, onAdded func(key string, rec MessageRecord), onCancelled func(error)) (*Subscription, error) {
	path := hub.InboxPath(selfID, peerID)
	return c.watch(path, hub.ModeChildren, func(env hub.Envelope) {
		rec, err := DecodeMessageRecord(env.Payload)
		if err != nil {
			c.log.Warn("skipping inbox payload", zap.String("path", path), zap.String("key", env.Key), zap.Error(err))
			return
		}
		onAdded(env.Key, rec)
	}, onCancelled)
}

// WatchChatList registers a snapshot watch on a user's chat summaries.
// The full decoded list is delivered on registration and after every change.
func (c *Client) WatchChatList(uid string, onSnapshot func(map[string]ChatRecord), onCancelled func(error)) (*Subscription, error) {
	return c.watch(hub.ChatListPath(uid), hub.ModeSnapshot, func(env hub.Envelope) {
		onSnapshot(DecodeChatList(env.Payload))
	}, onCancelled)
}

// WatchPresence registers a snapshot watch on a peer's online flag.
func (c *Client) WatchPresence(uid string, onChange func(online bool), onCancelled func(error)) (*Subscription, error) {
	return c.watch(hub.OnlineStatusPath(uid), hub.ModeSnapshot, func(env hub.Envelope) {
		var online bool
		if err := json.Unmarshal(env.Payload, &online); err != nil {
			return
		}
		onChange(online)
	}, onCancelled)
}

// SetOnline publishes self's presence flag.
func (c *Client) SetOnline(ctx context.Context, online bool) error {
	payload, _ := json.Marshal(online)
	return c.Put(ctx, hub.OnlineStatusPath(c.opts.UID), payload)
}

// TouchLastSeen publishes self's last-seen timestamp.
func (c *Client) TouchLastSeen(ctx context.Context, at time.Time) error {
	payload, _ := json.Marshal(at.UnixMilli())
	return c.Put(ctx, hub.LastSeenPath(c.opts.UID), payload)
}

// MarkInboxRead flips every unread message from peer to read on both
// parties' copies, so the sender's status listener observes the read.
func (c *Client) MarkInboxRead(ctx context.Context, selfID, peerID string) error {
	raw, err := c.Get(ctx, hub.InboxPath(selfID, peerID))
	if err != nil {
		return fmt.Errorf("fetch inbox: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode inbox: %w", err)
	}
	for key, entry := range entries {
		rec, err := DecodeMessageRecord(entry)
		if err != nil || rec.SenderID != peerID || rec.IsRead {
			continue
		}
		rec.IsRead = true
		rec.Status = "read"
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode read record: %w", err)
		}
		if err := c.Put(ctx, hub.MessagePath(selfID, peerID, key), payload); err != nil {
			return fmt.Errorf("mark read own copy: %w", err)
		}
		if err := c.Put(ctx, hub.MessagePath(peerID, selfID, key), payload); err != nil {
			return fmt.Errorf("mark read peer copy: %w", err)
		}
	}
	return nil
}

func (c *Client) watch(path, mode string, onFrame func(hub.Envelope), onCancelled func(error)) (*Subscription, error) {
	c.watchMu.Lock()
	c.watchCounter++
	w := &watcher{
		id:          fmt.Sprintf("w-%d", c.watchCounter),
		path:        path,
		mode:        mode,
		onFrame:     onFrame,
		onCancelled: onCancelled,
	}
	c.watches[w.id] = w
	c.watchMu.Unlock()

	if err := c.send(hub.Envelope{Op: hub.OpWatch, WatchID: w.id, Path: path, Mode: mode}); err != nil {
		c.removeWatch(w.id)
		return nil, err
	}
	return &Subscription{id: w.id, c: c}, nil
}

func (c *Client) removeWatch(id string) {
	c.watchMu.Lock()
	delete(c.watches, id)
	c.watchMu.Unlock()
}

func (c *Client) lookupWatch(id string) *watcher {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watches[id]
}

// call sends a request frame and waits for the correlated reply.
func (c *Client) call(ctx context.Context, env hub.Envelope) (hub.Envelope, error) {
	ch := make(chan hub.Envelope, 1)
	c.pendingMu.Lock()
	c.reqCounter++
	env.ID = fmt.Sprintf("r-%d", c.reqCounter)
	c.pending[env.ID] = ch
	c.pendingMu.Unlock()

	clearPending := func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}

	if err := c.send(env); err != nil {
		clearPending()
		return hub.Envelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return hub.Envelope{}, ErrNotConnected
		}
		if reply.Op == hub.OpError {
			return hub.Envelope{}, fmt.Errorf("hub: %s", reply.Reason)
		}
		return reply, nil
	case <-time.After(c.opts.CallTimeout):
		clearPending()
		return hub.Envelope{}, fmt.Errorf("hub %s: timeout", env.Op)
	case <-ctx.Done():
		clearPending()
		return hub.Envelope{}, ctx.Err()
	}
}

func (c *Client) send(env hub.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.mu.Unlock()
			if intentional {
				return
			}

			c.mu.Lock()
			c.state = StateDisconnected
			c.conn = nil
			c.mu.Unlock()

			c.log.Warn("hub connection lost", zap.Error(err))
			c.failPending()
			c.cancelWatches(ErrNotConnected)
			c.publish(bus.KindRemoteDropped, err.Error())

			if c.recon.shouldReconnect() {
				go c.scheduleReconnect()
			}
			return
		}

		var env hub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed hub frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one server frame. Watch frames run their callbacks
// inline so each listener observes hub order.
func (c *Client) dispatch(env hub.Envelope) {
	if env.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
		return
	}

	if env.WatchID == "" {
		if env.Op == hub.OpError {
			c.log.Warn("hub error", zap.String("reason", env.Reason))
		}
		return
	}

	w := c.lookupWatch(env.WatchID)
	if w == nil {
		return
	}
	switch env.Op {
	case hub.OpChildAdded, hub.OpSnapshot:
		w.onFrame(env)
	case hub.OpCancelled:
		c.removeWatch(w.id)
		if w.onCancelled != nil {
			w.onCancelled(fmt.Errorf("hub cancelled watch: %s", env.Reason))
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if _, err := c.call(ctx, hub.Envelope{Op: hub.OpPing}); err != nil {
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *Client) scheduleReconnect() {
	for {
		delay := c.recon.nextDelay()
		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()
		c.log.Info("hub reconnecting", zap.Int("attempt", c.recon.attempt), zap.Duration("delay", delay))

		time.Sleep(delay)

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()

		if err := c.Connect(context.Background()); err == nil {
			return
		}
		if !c.recon.shouldReconnect() {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			c.log.Error("hub reconnect attempts exhausted")
			return
		}
	}
}

// failPending closes every in-flight call channel; call() maps the
// closed channel to ErrNotConnected.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// cancelWatches fires onCancelled for every live watch and clears the
// registry. Owners re-register after the next connected event.
func (c *Client) cancelWatches(err error) {
	c.watchMu.Lock()
	cancelled := make([]*watcher, 0, len(c.watches))
	for id, w := range c.watches {
		cancelled = append(cancelled, w)
		delete(c.watches, id)
	}
	c.watchMu.Unlock()

	for _, w := range cancelled {
		if w.onCancelled != nil {
			w.onCancelled(err)
		}
	}
}

func (c *Client) publish(kind string, payload any) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, payload))
	}
}
