// Package outbox drains the persisted send queue. Sends survive daemon
// restarts: the local message row and the queue entry are written before
// any network attempt, and the poller picks up whatever is due.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/remote"
	"github.com/maxohm/privchat/internal/session"
	"github.com/maxohm/privchat/internal/store"
)

// Writer is the slice of the remote client the sender needs.
type Writer interface {
	WriteMessage(ctx context.Context, selfID, peerID, msgID string, rec remote.MessageRecord) error
}

// Options tunes the retry policy. Zero values pick the defaults:
// poll every 500ms, back off 1s doubling to a 30s cap, give up after
// 5 attempts.
type Options struct {
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func (o *Options) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 1 * time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
}

// Sender owns the outgoing pipeline: queueing new sends and draining
// due queue entries against the remote channel.
type Sender struct {
	db     *store.DB
	writer Writer
	bus    *bus.Bus
	log    *zap.Logger
	selfID string
	opts   Options
}

func NewSender(db *store.DB, w Writer, b *bus.Bus, logger *zap.Logger, selfID string, opts Options) *Sender {
	opts.defaults()
	return &Sender{db: db, writer: w, bus: b, log: logger, selfID: selfID, opts: opts}
}

// Enqueue persists an outgoing message and schedules its delivery.
// The local row starts at sending; the poller advances it.
func (s *Sender) Enqueue(ctx context.Context, peerID, body string) (*store.Message, error) {
	if s.selfID == "" {
		return nil, session.ErrNotAuthenticated
	}
	if err := session.ValidatePeer(peerID); err != nil {
		return nil, err
	}
	if body == "" {
		return nil, fmt.Errorf("outbox: empty message body")
	}

	chat, err := s.db.GetChat(peerID)
	if err != nil {
		return nil, fmt.Errorf("lookup chat: %w", err)
	}
	if chat == nil {
		if err := s.db.UpsertChat(&store.Chat{PeerID: peerID}); err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}
	}

	now := time.Now().UnixMilli()
	msg := &store.Message{
		ChatPeerID: peerID,
		SenderID:   s.selfID,
		Body:       body,
		SentAt:     now,
		Status:     store.StatusSending,
	}
	localID, err := s.db.AppendMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	msg.ID = localID

	if err := s.db.UpdateLastMessage(peerID, body, now); err != nil {
		return nil, fmt.Errorf("update last message: %w", err)
	}

	msgID := uuid.NewString()
	if err := s.db.QueueOutbox(msgID, peerID, body, now, localID); err != nil {
		return nil, fmt.Errorf("queue outbox: %w", err)
	}
	return msg, nil
}

// Run recovers entries a previous run left claimed, then polls the
// queue until ctx ends.
func (s *Sender) Run(ctx context.Context) {
	if n, err := s.db.RequeueStaleSending(); err != nil {
		s.log.Warn("outbox recovery failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("requeued sends interrupted by a previous run", zap.Int64("count", n))
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx, time.Now().UnixMilli())
		}
	}
}

// drain attempts every due queue entry once.
func (s *Sender) drain(ctx context.Context, now int64) {
	entries, err := s.db.PendingOutbox(now)
	if err != nil {
		s.log.Warn("outbox poll failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		s.attempt(ctx, e, now)
	}
}

func (s *Sender) attempt(ctx context.Context, e store.OutboxEntry, now int64) {
	if err := s.db.MarkOutboxSending(e.MsgID); err != nil {
		s.log.Warn("outbox claim failed", zap.String("msg", e.MsgID), zap.Error(err))
		return
	}

	rec := remote.MessageRecord{
		SenderID: s.selfID,
		Body:     e.Body,
		SentAt:   e.SentAt,
		Status:   string(store.StatusSent),
	}
	err := s.writer.WriteMessage(ctx, s.selfID, e.PeerID, e.MsgID, rec)
	if err == nil {
		if err := s.db.MarkOutboxSent(e.MsgID); err != nil {
			s.log.Warn("outbox finish failed", zap.String("msg", e.MsgID), zap.Error(err))
		}
		// Both mirror writes acked; the message is on the peer's path.
		if err := s.db.UpdateMessageStatus(e.LocalMsgID, store.StatusDelivered); err != nil {
			s.log.Warn("status advance failed", zap.Int64("id", e.LocalMsgID), zap.Error(err))
		}
		s.publish(bus.KindSendAck, e.MsgID)
		return
	}

	attempts := e.Attempts + 1
	if attempts >= s.opts.MaxAttempts {
		s.log.Error("send failed permanently",
			zap.String("msg", e.MsgID), zap.String("peer", e.PeerID),
			zap.Int("attempts", attempts), zap.Error(err))
		if dbErr := s.db.MarkOutboxFailed(e.MsgID, err.Error()); dbErr != nil {
			s.log.Warn("outbox fail mark failed", zap.String("msg", e.MsgID), zap.Error(dbErr))
		}
		if dbErr := s.db.MarkMessageFailed(e.LocalMsgID); dbErr != nil {
			s.log.Warn("message fail mark failed", zap.Int64("id", e.LocalMsgID), zap.Error(dbErr))
		}
		s.publish(bus.KindSendFailed, e.MsgID)
		return
	}

	delay := s.backoff(e.Attempts)
	s.log.Warn("send attempt failed, retrying",
		zap.String("msg", e.MsgID), zap.Int("attempt", attempts),
		zap.Duration("retry_in", delay), zap.Error(err))
	if dbErr := s.db.RequeueOutbox(e.MsgID, err.Error(), now+delay.Milliseconds()); dbErr != nil {
		s.log.Warn("outbox requeue failed", zap.String("msg", e.MsgID), zap.Error(dbErr))
	}
}

// backoff doubles the base delay per prior attempt, capped at MaxDelay.
func (s *Sender) backoff(priorAttempts int) time.Duration {
	d := s.opts.BaseDelay
	for i := 0; i < priorAttempts; i++ {
		d *= 2
		if d >= s.opts.MaxDelay {
			return s.opts.MaxDelay
		}
	}
	return d
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}
