// Package repo is the read side of the daemon: presentation-shaped
// queries over the local store plus live streams that re-emit whenever
// the store announces a mutation on the bus.
package repo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/store"
)

// ChatSummary is one chat-list row shaped for display.
type ChatSummary struct {
	PeerID        string    `json:"peer_id"`
	DisplayName   string    `json:"display_name"`
	AvatarRef     string    `json:"avatar_ref,omitempty"`
	StatusText    string    `json:"status_text,omitempty"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	IsOnline      bool      `json:"is_online"`
}

// MessageView is one conversation row shaped for display. Mine marks
// messages sent by the local identity.
type MessageView struct {
	ID       int64        `json:"id"`
	SenderID string       `json:"sender_id"`
	Body     string       `json:"body"`
	SentAt   time.Time    `json:"sent_at"`
	Mine     bool         `json:"mine"`
	IsRead   bool         `json:"is_read"`
	Status   store.Status `json:"status"`
}

// Repository maps store rows to presentation models.
type Repository struct {
	db     *store.DB
	bus    *bus.Bus
	log    *zap.Logger
	selfID string
}

func New(db *store.DB, b *bus.Bus, logger *zap.Logger, selfID string) *Repository {
	return &Repository{db: db, bus: b, log: logger, selfID: selfID}
}

func (r *Repository) chatSummary(c store.Chat) ChatSummary {
	name := c.DisplayName
	if name == "" {
		name = c.PeerID
	}
	return ChatSummary{
		PeerID:        c.PeerID,
		DisplayName:   name,
		AvatarRef:     c.AvatarRef,
		StatusText:    c.StatusText,
		LastMessage:   c.LastMessage,
		LastMessageAt: time.UnixMilli(c.LastMessageAt),
		UnreadCount:   c.UnreadCount,
		IsOnline:      c.IsOnline,
	}
}

func (r *Repository) messageView(m store.Message) MessageView {
	return MessageView{
		ID:       m.ID,
		SenderID: m.SenderID,
		Body:     m.Body,
		SentAt:   time.UnixMilli(m.SentAt),
		Mine:     m.SenderID == r.selfID,
		IsRead:   m.IsRead,
		Status:   m.Status,
	}
}

// Chats returns every chat summary, most recently active first.
func (r *Repository) Chats(ctx context.Context) ([]ChatSummary, error) {
	chats, err := r.db.AllChats()
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, r.chatSummary(c))
	}
	return out, nil
}

// Messages returns the full log of one conversation in send order.
func (r *Repository) Messages(ctx context.Context, peerID string) ([]MessageView, error) {
	msgs, err := r.db.MessagesForChat(peerID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, r.messageView(m))
	}
	return out, nil
}

// StreamAllChats emits the current chat list immediately and again after
// every chat mutation. The channel holds only the latest list: a slow
// consumer skips intermediate states instead of lagging behind.
func (r *Repository) StreamAllChats(ctx context.Context) (<-chan []ChatSummary, error) {
	initial, err := r.Chats(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []ChatSummary, 1)
	out <- initial

	events, cancel := r.bus.Subscribe("store.", 32)
	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != bus.KindChatsChanged {
					continue
				}
				chats, err := r.Chats(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.log.Warn("chat list requery failed", zap.Error(err))
					continue
				}
				emitChats(out, chats)
			}
		}
	}()
	return out, nil
}

// StreamMessagesForChat emits the conversation log for peerID immediately
// and again after every message mutation touching that chat. Latest-wins,
// same as StreamAllChats.
func (r *Repository) StreamMessagesForChat(ctx context.Context, peerID string) (<-chan []MessageView, error) {
	initial, err := r.Messages(ctx, peerID)
	if err != nil {
		return nil, err
	}

	out := make(chan []MessageView, 1)
	out <- initial

	events, cancel := r.bus.Subscribe("store.", 32)
	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != bus.KindMessagesChanged {
					continue
				}
				if peer, ok := ev.Payload.(string); ok && peer != peerID {
					continue
				}
				msgs, err := r.Messages(ctx, peerID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.log.Warn("conversation requery failed", zap.String("peer", peerID), zap.Error(err))
					continue
				}
				emitMessages(out, msgs)
			}
		}
	}()
	return out, nil
}

// emitChats replaces whatever the buffered channel holds. Only the
// stream goroutine sends, so the post-drain send cannot block.
func emitChats(out chan []ChatSummary, v []ChatSummary) {
	select {
	case out <- v:
	default:
		select {
		case <-out:
		default:
		}
		out <- v
	}
}

func emitMessages(out chan []MessageView, v []MessageView) {
	select {
	case out <- v:
	default:
		select {
		case <-out:
		default:
		}
		out <- v
	}
}
