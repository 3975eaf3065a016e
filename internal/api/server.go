// Package api serves the daemon's control surface on the session unix
// socket: chat and message queries, sends, conversation control and a
// WebSocket tail of the event bus.
package api

import (
	"errors"
	"net"
	"net/url"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/bus"
	"github.com/maxohm/privchat/internal/outbox"
	"github.com/maxohm/privchat/internal/repo"
	"github.com/maxohm/privchat/internal/session"
	"github.com/maxohm/privchat/internal/status"
	"github.com/maxohm/privchat/internal/store"
	syncpkg "github.com/maxohm/privchat/internal/sync"
)

// Server holds the handler dependencies.
type Server struct {
	log     *zap.Logger
	machine *status.Machine
	repo    *repo.Repository
	coord   *syncpkg.Coordinator
	sender  *outbox.Sender
	db      *store.DB
	bus     *bus.Bus
}

func New(logger *zap.Logger, m *status.Machine, r *repo.Repository, c *syncpkg.Coordinator, s *outbox.Sender, db *store.DB, b *bus.Bus) *Server {
	return &Server{log: logger, machine: m, repo: r, coord: c, sender: s, db: db, bus: b}
}

type sendRequest struct {
	Body string `json:"body"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// App builds the fiber application with all control routes.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	v1 := app.Group("/v1")
	v1.Get("/status", s.handleStatus)
	v1.Get("/chats", s.handleChats)
	v1.Get("/chats/:peer/messages", s.handleMessages)
	v1.Post("/chats/:peer/messages", s.handleSend)
	v1.Post("/chats/:peer/read", s.handleRead)
	v1.Delete("/chats/:peer", s.handleDeleteChat)
	v1.Post("/conversation/:peer/open", s.handleOpen)
	v1.Post("/conversation/close", s.handleClose)

	v1.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/events", websocket.New(s.serveEvents))

	return app
}

// Listen serves the app on the session unix socket.
func (s *Server) Listen(app *fiber.App, socketPath string) error {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	return app.Listener(ln)
}

func (s *Server) peerParam(c *fiber.Ctx) (string, error) {
	raw, err := url.PathUnescape(c.Params("peer"))
	if err != nil {
		raw = c.Params("peer")
	}
	peer := session.NormalizePeer(raw)
	if err := session.ValidatePeer(peer); err != nil {
		return "", err
	}
	return peer, nil
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		code = fiber.StatusUnauthorized
	case errors.Is(err, session.ErrInvalidPeer):
		code = fiber.StatusBadRequest
	}
	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state":       s.machine.Current(),
		"active_peer": s.coord.ActivePeer(),
		"conv_state":  s.coord.State(),
	})
}

func (s *Server) handleChats(c *fiber.Ctx) error {
	chats, err := s.repo.Chats(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(chats)
}

func (s *Server) handleMessages(c *fiber.Ctx) error {
	peer, err := s.peerParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	msgs, err := s.repo.Messages(c.Context(), peer)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(msgs)
}

func (s *Server) handleSend(c *fiber.Ctx) error {
	peer, err := s.peerParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}
	if req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "message body required"})
	}
	msg, err := s.sender.Enqueue(c.Context(), peer, req.Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":      msg.ID,
		"sent_at": msg.SentAt,
		"status":  msg.Status,
	})
}

func (s *Server) handleRead(c *fiber.Ctx) error {
	peer, err := s.peerParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.coord.MarkConversationRead(c.Context(), peer); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDeleteChat(c *fiber.Ctx) error {
	peer, err := s.peerParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	// Deleting the active conversation tears its listeners down first.
	if s.coord.ActivePeer() == peer {
		s.coord.CloseConversation()
	}
	if err := s.db.DeleteChat(peer); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleOpen(c *fiber.Ctx) error {
	peer, err := s.peerParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.coord.OpenConversation(c.Context(), peer); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleClose(c *fiber.Ctx) error {
	s.coord.CloseConversation()
	return c.SendStatus(fiber.StatusNoContent)
}

// serveEvents tails the bus over a WebSocket. The optional prefix query
// narrows the stream, e.g. ?prefix=store.
func (s *Server) serveEvents(ws *websocket.Conn) {
	prefix := ws.Query("prefix")
	events, cancel := s.bus.Subscribe(prefix, 64)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain reads so close frames are processed.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(fiber.Map{
				"kind":      ev.Kind,
				"timestamp": ev.Timestamp,
				"payload":   ev.Payload,
			}); err != nil {
				return
			}
		}
	}
}
