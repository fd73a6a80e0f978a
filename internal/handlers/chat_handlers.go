package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/pelusa-v/forumchat/internal/broker"
	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/protocol"
)

const maxHistoryLimit = 500

// Store is what the REST routes read and write.
type Store interface {
	GetUser(ctx context.Context, id string) (protocol.Profile, error)
	UpsertUser(ctx context.Context, p protocol.Profile) error
	Conversations(ctx context.Context, userID string) (map[string]protocol.History, error)
	Messages(ctx context.Context, userID, partnerID string, limit int) ([]protocol.Message, error)
	Ping(ctx context.Context) error
}

type ChatHandler struct {
	hub     *broker.Manager
	store   Store
	metrics http.Handler
}

// NewChatHandler wires the broker routes. metrics may be nil to leave /metrics out.
func NewChatHandler(hub *broker.Manager, store Store, metrics http.Handler) *ChatHandler {
	return &ChatHandler{hub: hub, store: store, metrics: metrics}
}

// Mount registers every route on app.
func (h *ChatHandler) Mount(app *fiber.App) {
	api := app.Group("/api")
	api.Use("/ws", h.WebSocketAuth)
	api.Get("/ws", websocket.New(h.RegisterHandler)) // ?id=

	api.Get("/users/:id", h.GetUserHandler)
	api.Put("/users/:id", h.PutUserHandler)
	api.Get("/chats/:id", h.ChatsHandler)
	api.Get("/chats/:id/:partner", h.MessagesHandler) // ?limit=
	api.Get("/clients", h.ShowClientsHandler)         // ?exclude=idOrName
	api.Get("/inbox/:id", h.InboxHandler)
	api.Post("/inbox/read", h.MarkReadHandler) // ?id=&partner=

	app.Get("/health", h.HealthHandler)
	if h.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.metrics))
	}
}

// WebSocketAuth only lets websocket upgrades that name a user through.
func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "websocket upgrade required"})
	}
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user id"})
	}
	c.Locals("user_id", id)
	return c.Next()
}

// RegisterHandler GET /api/ws?id=
func (h *ChatHandler) RegisterHandler(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	if err := h.hub.Serve(context.Background(), c, userID); err != nil {
		logger.Warn("ws_register_failed", "user", userID, "error", err)
	}
}

// GetUserHandler GET /api/users/:id
func (h *ChatHandler) GetUserHandler(c *fiber.Ctx) error {
	p, err := h.store.GetUser(c.Context(), c.Params("id"))
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(p)
}

type putUserRequest struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// PutUserHandler PUT /api/users/:id
func (h *ChatHandler) PutUserHandler(c *fiber.Ctx) error {
	var req putUserRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	p := protocol.Profile{ID: c.Params("id"), Name: strings.TrimSpace(req.Name), Image: strings.TrimSpace(req.Image)}
	if p.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	if err := h.store.UpsertUser(c.Context(), p); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(p)
}

// ChatsHandler GET /api/chats/:id
func (h *ChatHandler) ChatsHandler(c *fiber.Ctx) error {
	convs, err := h.store.Conversations(c.Context(), c.Params("id"))
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(convs)
}

// MessagesHandler GET /api/chats/:id/:partner?limit=
func (h *ChatHandler) MessagesHandler(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
		}
		limit = n
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := h.store.Messages(c.Context(), c.Params("id"), c.Params("partner"), limit)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(msgs)
}

// ShowClientsHandler GET /api/clients?exclude=idOrName
func (h *ChatHandler) ShowClientsHandler(c *fiber.Ctx) error {
	return c.JSON(h.hub.ListClients(c.Query("exclude")))
}

// InboxHandler GET /api/inbox/:id
func (h *ChatHandler) InboxHandler(c *fiber.Ctx) error {
	return c.JSON(h.hub.GetInbox(c.Params("id")))
}

// MarkReadHandler POST /api/inbox/read?id=&partner=
func (h *ChatHandler) MarkReadHandler(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Query("id"))
	partner := strings.TrimSpace(c.Query("partner"))
	if id == "" || partner == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	h.hub.MarkRead(id, partner)
	return c.SendStatus(fiber.StatusNoContent)
}

// HealthHandler GET /health
func (h *ChatHandler) HealthHandler(c *fiber.Ctx) error {
	if err := h.store.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func mapStoreError(c *fiber.Ctx, err error) error {
	if errors.Is(err, protocol.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	logger.Error("store_request_failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
