package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/remote"
	"github.com/maxohm/privchat/internal/session"
	"github.com/maxohm/privchat/internal/store"
)

// ConvState is the lifecycle of the single active-conversation slot.
type ConvState string

const (
	ConvIdle      ConvState = "idle"
	ConvBinding   ConvState = "binding"
	ConvLive      ConvState = "live"
	ConvRebinding ConvState = "rebinding"
)

// Coordinator owns at most one active conversation. All listener
// callbacks funnel through its mutex, and every store mutation runs
// behind a peer re-check: teardown is asynchronous, so a late callback
// from a previous peer must be dropped at the point of mutation.
type Coordinator struct {
	db     *store.DB
	ch     Channel
	bus    *bus.Bus
	log    *zap.Logger
	selfID string

	mu         sync.Mutex
	state      ConvState
	activePeer string
	epoch      uint64
	subs       []Subscription
}

func NewCoordinator(db *store.DB, ch Channel, b *bus.Bus, logger *zap.Logger, selfID string) *Coordinator {
	return &Coordinator{
		db:     db,
		ch:     ch,
		bus:    b,
		log:    logger,
		selfID: selfID,
		state:  ConvIdle,
	}
}

// State returns the current conversation slot state.
func (c *Coordinator) State() ConvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActivePeer returns the bound peer id, or "" when idle.
func (c *Coordinator) ActivePeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePeer
}

// OpenConversation binds the slot to peerID. Re-opening the bound peer
// is a no-op and never duplicates listeners. Opening a different peer
// cancels the old subscriptions first, then binds fresh ones.
func (c *Coordinator) OpenConversation(ctx context.Context, peerID string) error {
	if c.selfID == "" {
		return session.ErrNotAuthenticated
	}
	if err := session.ValidatePeer(peerID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.activePeer == peerID && c.state != ConvIdle {
		c.mu.Unlock()
		return nil
	}
	if c.activePeer != "" {
		c.state = ConvRebinding
		c.teardownLocked()
	}
	c.activePeer = peerID
	c.state = ConvBinding
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.ensureChat(peerID); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}

	subs, err := c.bind(peerID, epoch)
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.activePeer = ""
			c.state = ConvIdle
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// A concurrent open or close won; drop the freshly bound watches.
		c.mu.Unlock()
		for _, s := range subs {
			s.Cancel()
		}
		return nil
	}
	c.subs = subs
	c.state = ConvLive
	c.mu.Unlock()

	c.publish(bus.KindConvOpened, peerID)

	// Opening a conversation reads it.
	if err := c.MarkConversationRead(ctx, peerID); err != nil {
		c.log.Warn("mark read on open failed", zap.String("peer", peerID), zap.Error(err))
	}
	return nil
}

// CloseConversation releases the slot and cancels both listeners.
func (c *Coordinator) CloseConversation() {
	c.mu.Lock()
	if c.state == ConvIdle {
		c.mu.Unlock()
		return
	}
	peer := c.activePeer
	c.teardownLocked()
	c.activePeer = ""
	c.state = ConvIdle
	c.epoch++
	c.mu.Unlock()

	c.publish(bus.KindConvClosed, peer)
}

// Rebind re-attaches the watches for the bound peer after a reconnect.
// Idle slots are left alone.
func (c *Coordinator) Rebind(ctx context.Context) error {
	c.mu.Lock()
	peer := c.activePeer
	if peer == "" {
		c.mu.Unlock()
		return nil
	}
	c.state = ConvRebinding
	c.teardownLocked()
	c.state = ConvBinding
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	subs, err := c.bind(peer, epoch)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		for _, s := range subs {
			s.Cancel()
		}
		return nil
	}
	c.subs = subs
	c.state = ConvLive
	c.mu.Unlock()

	c.publish(bus.KindConvUpdated, peer)
	return nil
}

// Run re-binds the active conversation whenever the remote channel
// announces it is back. Blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	events, cancel := c.bus.Subscribe("remote.", 8)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != bus.KindRemoteConnected {
				continue
			}
			if err := c.Rebind(ctx); err != nil {
				c.log.Warn("conversation rebind failed", zap.Error(err))
			}
		}
	}
}

// MarkConversationRead zeroes the local unread state and flips the
// remote read flags so the peer's status listener observes the read.
func (c *Coordinator) MarkConversationRead(ctx context.Context, peerID string) error {
	if c.selfID == "" {
		return session.ErrNotAuthenticated
	}
	if err := c.db.MarkChatRead(peerID); err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	if err := c.ch.MarkInboxRead(ctx, c.selfID, peerID); err != nil {
		return fmt.Errorf("mark inbox read: %w", err)
	}
	return nil
}

// bind attaches both symmetric inbox listeners plus the peer's presence
// watch. The two inbox streams interleave arbitrarily; correctness rests
// on the dedup key, not arrival order.
func (c *Coordinator) bind(peerID string, epoch uint64) ([]Subscription, error) {
	onAdded := func(key string, rec remote.MessageRecord) {
		c.onInboxAdded(peerID, epoch, rec)
	}
	onCancelled := func(err error) {
		c.log.Info("inbox watch cancelled", zap.String("peer", peerID), zap.Error(err))
	}

	var subs []Subscription
	fail := func(err error) ([]Subscription, error) {
		for _, s := range subs {
			s.Cancel()
		}
		return nil, err
	}

	recv, err := c.ch.WatchInbox(c.selfID, peerID, onAdded, onCancelled)
	if err != nil {
		return fail(fmt.Errorf("watch inbox: %w", err))
	}
	subs = append(subs, recv)

	sent, err := c.ch.WatchInbox(peerID, c.selfID, onAdded, onCancelled)
	if err != nil {
		return fail(fmt.Errorf("watch mirror inbox: %w", err))
	}
	subs = append(subs, sent)

	pres, err := c.ch.WatchPresence(peerID, func(online bool) {
		c.onPresence(peerID, epoch, online)
	}, nil)
	if err != nil {
		return fail(fmt.Errorf("watch presence: %w", err))
	}
	subs = append(subs, pres)

	return subs, nil
}

// onInboxAdded merges one remote record into the store. Runs under the
// coordinator mutex; the epoch check drops callbacks that outlived their
// conversation.
func (c *Coordinator) onInboxAdded(peerID string, epoch uint64, rec remote.MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activePeer != peerID || c.epoch != epoch {
		return
	}

	existing, err := c.db.FindMessage(peerID, rec.Body, rec.SentAt, rec.SenderID)
	if err != nil {
		c.log.Warn("dedup lookup failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if existing != nil {
		if st, ok := chainStatus(rec.Status); ok && st != existing.Status {
			if err := c.db.UpdateMessageStatus(existing.ID, st); err != nil {
				c.log.Warn("status merge failed", zap.Int64("id", existing.ID), zap.Error(err))
			}
		}
		return
	}

	inbound := rec.SenderID != c.selfID
	st, ok := chainStatus(rec.Status)
	if !ok {
		if inbound {
			st = store.StatusDelivered
		} else {
			st = store.StatusSent
		}
	}
	msg := &store.Message{
		ChatPeerID: peerID,
		SenderID:   rec.SenderID,
		Body:       rec.Body,
		SentAt:     rec.SentAt,
		IsRead:     rec.IsRead,
		Status:     st,
	}
	if _, err := c.db.AppendMessage(msg); err != nil {
		c.log.Warn("append failed", zap.String("peer", peerID), zap.Error(err))
		return
	}
	if err := c.db.UpdateLastMessage(peerID, rec.Body, rec.SentAt); err != nil {
		c.log.Warn("last message update failed", zap.String("peer", peerID), zap.Error(err))
	}
	if inbound && !rec.IsRead {
		if err := c.db.IncrementUnread(peerID); err != nil {
			c.log.Warn("unread increment failed", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

func (c *Coordinator) onPresence(peerID string, epoch uint64, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activePeer != peerID || c.epoch != epoch {
		return
	}
	if err := c.db.SetPresence(peerID, online); err != nil {
		c.log.Warn("presence update failed", zap.String("peer", peerID), zap.Error(err))
	}
	c.publish(bus.KindPresenceChanged, peerID)
}

func (c *Coordinator) ensureChat(peerID string) error {
	chat, err := c.db.GetChat(peerID)
	if err != nil {
		return err
	}
	if chat != nil {
		return nil
	}
	return c.db.UpsertChat(&store.Chat{PeerID: peerID})
}

func (c *Coordinator) teardownLocked() {
	for _, s := range c.subs {
		s.Cancel()
	}
	c.subs = nil
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus != nil {
		c.bus.Publish(bus.NewEvent(kind, payload))
	}
}

// chainStatus maps a wire status onto the forward-only local chain.
// Failed and unknown values never arrive from the remote side.
func chainStatus(s string) (store.Status, bool) {
	switch store.Status(s) {
	case store.StatusSending, store.StatusSent, store.StatusDelivered, store.StatusRead:
		return store.Status(s), true
	}
	return "", false
}
