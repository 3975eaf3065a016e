package store

// Status is a message delivery status. Transitions are forward-only:
// sending -> sent -> delivered -> read. Failed is terminal and reachable
// only from sending.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the forward-only statuses. Failed is outside the
// chain and handled separately.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Chat is one conversation summary, keyed by the peer's phone number.
type Chat struct {
	PeerID        string
	DisplayName   string
	AvatarRef     string
	StatusText    string
	LastMessage   string
	LastMessageAt int64
	UnreadCount   int
	IsOnline      bool
}

// Message is one row of a conversation's append-only log. ID is owned by
// the local store and never transmitted.
type Message struct {
	ID         int64
	ChatPeerID string
	SenderID   string
	Body       string
	SentAt     int64
	IsRead     bool
	Status     Status
}

// OutboxEntry is a pending outgoing message awaiting mirror-write to the
// remote channel.
type OutboxEntry struct {
	ID            int64
	MsgID         string
	PeerID        string
	Body          string
	SentAt        int64
	LocalMsgID    int64
	Status        string // queued, sending, sent, failed
	Attempts      int
	NextAttemptAt int64
	ErrorMessage  string
}
