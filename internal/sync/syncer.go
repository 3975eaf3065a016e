package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/remote"
	"github.com/maxohm/privchat/internal/store"
)

// Syncer mirrors the remote chat-list subtree into the local store:
// chats missing locally are created, peer-owned profile fields are
// backfilled on every snapshot. Unread counters and last-message state
// stay local; the snapshot never overwrites them.
type Syncer struct {
	db     *store.DB
	ch     Channel
	bus    *bus.Bus
	log    *zap.Logger
	selfID string

	mu  sync.Mutex
	sub Subscription
}

func NewSyncer(db *store.DB, ch Channel, b *bus.Bus, logger *zap.Logger, selfID string) *Syncer {
	return &Syncer{db: db, ch: ch, bus: b, log: logger, selfID: selfID}
}

// Bind attaches the chat-list watch. Safe to call again after a drop;
// a previous live watch is cancelled first.
func (s *Syncer) Bind() error {
	if s.selfID == "" {
		return nil
	}
	s.mu.Lock()
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.mu.Unlock()

	sub, err := s.ch.WatchChatList(s.selfID, s.apply, func(err error) {
		s.log.Info("chat list watch cancelled", zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("watch chat list: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// Stop cancels the chat-list watch.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
}

// Run keeps the chat-list watch bound across reconnects until ctx ends.
func (s *Syncer) Run(ctx context.Context) {
	events, cancel := s.bus.Subscribe("remote.", 8)
	defer cancel()
	defer s.Stop()

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
			if err := s.Bind(); err != nil {
				s.log.Warn("chat list rebind failed", zap.Error(err))
			}
		}
	}
}

// apply folds one chat-list snapshot into the store.
func (s *Syncer) apply(entries map[string]remote.ChatRecord) {
	for _, rec := range entries {
		existing, err := s.db.GetChat(rec.PeerID)
		if err != nil {
			s.log.Warn("chat lookup failed", zap.String("peer", rec.PeerID), zap.Error(err))
			continue
		}
		if existing == nil {
			chat := &store.Chat{
				PeerID:      rec.PeerID,
				DisplayName: rec.DisplayName,
				AvatarRef:   rec.AvatarRef,
				StatusText:  rec.StatusText,
			}
			if err := s.db.UpsertChat(chat); err != nil {
				s.log.Warn("chat create failed", zap.String("peer", rec.PeerID), zap.Error(err))
			}
			continue
		}
		if existing.DisplayName == rec.DisplayName &&
			existing.StatusText == rec.StatusText &&
			(existing.AvatarRef == rec.AvatarRef || rec.AvatarRef == "") {
			continue
		}
		avatar := rec.AvatarRef
		if avatar == "" {
			avatar = existing.AvatarRef
		}
		if err := s.db.UpdateChatProfile(rec.PeerID, rec.DisplayName, avatar, rec.StatusText); err != nil {
			s.log.Warn("chat profile update failed", zap.String("peer", rec.PeerID), zap.Error(err))
		}
	}
}
