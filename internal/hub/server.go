package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Conn is the subset of the websocket connection the hub session loop
// needs; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Server owns the tree and all live connections. A connection identifies
// its user with ?uid=; the hub marks that user offline when the socket
// drops, standing in for the vendor's onDisconnect hook.
type Server struct {
	logger *zap.Logger

	mu    sync.Mutex
	tree  *Tree
	conns map[*conn]struct{}
}

type conn struct {
	uid     string
	send    chan []byte
	watches map[string]*watch
	closed  bool
}

type watch struct {
	id   string
	path string
	mode string
}

// NewServer creates an empty hub.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger,
		tree:   NewTree(),
		conns:  make(map[*conn]struct{}),
	}
}

// App builds the fiber application serving the hub endpoint.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(ws *websocket.Conn) {
		s.Serve(ws, ws.Query("uid"))
	}))

	return app
}

// Serve runs one connection's session until the socket drops. Blocks.
func (s *Server) Serve(ws Conn, uid string) {
	c := &conn{
		uid:     uid,
		send:    make(chan []byte, 256),
		watches: make(map[string]*watch),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("hub connection opened", zap.String("uid", uid))

	go func() {
		for data := range c.send {
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(c, Envelope{Op: OpError, Reason: "malformed envelope"})
			continue
		}
		s.handle(c, env)
	}

	s.disconnect(c)
}

func (s *Server) handle(c *conn, env Envelope) {
	switch env.Op {
	case OpPut:
		if err := s.put(env.Path, env.Payload); err != nil {
			s.reply(c, Envelope{Op: OpError, ID: env.ID, Reason: err.Error()})
			return
		}
		s.reply(c, Envelope{Op: OpAck, ID: env.ID})

	case OpGet:
		s.reply(c, Envelope{Op: OpSnapshot, ID: env.ID, Path: env.Path, Payload: s.tree.Snapshot(env.Path)})

	case OpWatch:
		s.addWatch(c, env)

	case OpUnwatch:
		s.mu.Lock()
		delete(c.watches, env.WatchID)
		s.mu.Unlock()

	case OpPing:
		s.reply(c, Envelope{Op: OpPong, ID: env.ID})

	default:
		s.reply(c, Envelope{Op: OpError, ID: env.ID, Reason: fmt.Sprintf("unknown op %q", env.Op)})
	}
}

func (s *Server) addWatch(c *conn, env Envelope) {
	if env.WatchID == "" || env.Path == "" {
		s.reply(c, Envelope{Op: OpError, ID: env.ID, Reason: "watch requires watch_id and path"})
		return
	}
	if env.Mode != ModeChildren && env.Mode != ModeSnapshot {
		// A rejected watch is cancelled by id so the client can release
		// its registration instead of leaking a watcher that never fires.
		s.reply(c, Envelope{Op: OpCancelled, WatchID: env.WatchID, Reason: fmt.Sprintf("unknown watch mode %q", env.Mode)})
		return
	}

	w := &watch{id: env.WatchID, path: env.Path, mode: env.Mode}
	s.mu.Lock()
	c.watches[w.id] = w
	s.mu.Unlock()

	// Replay current state so a fresh listener sees history.
	switch w.mode {
	case ModeChildren:
		for _, child := range s.tree.Children(w.path) {
			s.reply(c, Envelope{Op: OpChildAdded, WatchID: w.id, Path: w.path, Key: child.Key, Payload: child.Payload})
		}
	case ModeSnapshot:
		s.reply(c, Envelope{Op: OpSnapshot, WatchID: w.id, Path: w.path, Payload: s.tree.Snapshot(w.path)})
	}
}

// put applies a write and fans it out to matching watchers.
func (s *Server) put(path string, payload json.RawMessage) error {
	if err := s.tree.Put(path, payload); err != nil {
		return err
	}

	parent := ""
	key := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		parent, key = path[:i], path[i+1:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		for _, w := range c.watches {
			switch w.mode {
			case ModeChildren:
				if w.path == parent {
					s.replyLocked(c, Envelope{Op: OpChildAdded, WatchID: w.id, Path: w.path, Key: key, Payload: payload})
				}
			case ModeSnapshot:
				if path == w.path || strings.HasPrefix(path, w.path+"/") {
					s.replyLocked(c, Envelope{Op: OpSnapshot, WatchID: w.id, Path: w.path, Payload: s.tree.Snapshot(w.path)})
				}
			}
		}
	}
	return nil
}

func (s *Server) reply(c *conn, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyLocked(c, env)
}

func (s *Server) replyLocked(c *conn, env Envelope) {
	if c.closed {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		s.logger.Warn("hub subscriber buffer full, dropping frame",
			zap.String("uid", c.uid), zap.String("op", env.Op))
	}
}

// disconnect tears down a connection's watches and marks its user offline.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	if c.closed {
		s.mu.Unlock()
		return
	}
	c.closed = true
	delete(s.conns, c)
	close(c.send)
	uid := c.uid
	s.mu.Unlock()

	s.logger.Info("hub connection closed", zap.String("uid", uid))

	if uid != "" {
		offline, _ := json.Marshal(false)
		lastSeen, _ := json.Marshal(time.Now().UnixMilli())
		_ = s.put(OnlineStatusPath(uid), offline)
		_ = s.put(LastSeenPath(uid), lastSeen)
	}
}
