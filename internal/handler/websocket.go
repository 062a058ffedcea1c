package handler

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"elearning/internal/broadcast"
	"elearning/internal/chat"
	"elearning/internal/config"
	"elearning/internal/middleware"
	"elearning/internal/service"
	"elearning/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type WebSocketHandler struct {
	chatService service.ChatService
	bus         broadcast.Bus
	upgrader    websocket.Upgrader
	sessionCfg  chat.Config
	log         logger.Logger
}

func NewWebSocketHandler(chatService service.ChatService, bus broadcast.Bus, cfg *config.Config, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		chatService: chatService,
		bus:         bus,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin(cfg.Server.AllowedOrigins),
		},
		sessionCfg: chat.Config{
			HistoryLimit:   cfg.Chat.HistoryLimit,
			WriteWait:      cfg.Chat.WriteWait,
			PongWait:       cfg.Chat.PongWait,
			PingPeriod:     cfg.Chat.PingPeriod,
			MaxMessageSize: cfg.Chat.MaxMessageSize,
		},
		log: log,
	}
}

// HandleChat - GET /ws/chat/:username?token=...
// Identity кладет ConnectionGate; отказ анонимному делает сессия.
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	identity := middleware.IdentityFrom(c.Request.Context())

	handshake := &wsHandshake{
		upgrader: &h.upgrader,
		w:        c.Writer,
		r:        c.Request,
	}

	session := chat.NewSession(handshake, identity, c.Param("username"), h.chatService, h.bus, h.sessionCfg, h.log)
	if err := session.Run(c.Request.Context()); err != nil {
		if errors.Is(err, chat.ErrUnauthenticated) {
			h.log.Debug("Rejected unauthenticated chat connection", "client_ip", c.ClientIP())
			return
		}
		h.log.Warn("Chat session ended with error", "error", err, "session_id", session.ID())
	}
}

// wsHandshake откладывает апгрейд до решения сессии
type wsHandshake struct {
	upgrader *websocket.Upgrader
	w        http.ResponseWriter
	r        *http.Request
	answered bool
}

func (h *wsHandshake) Accept() (chat.Conn, error) {
	h.answered = true
	// При ошибке Upgrade сам пишет HTTP ответ
	conn, err := h.upgrader.Upgrade(h.w, h.r, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (h *wsHandshake) Reject() {
	if h.answered {
		return
	}
	h.answered = true
	h.w.WriteHeader(http.StatusForbidden)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return lo.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}
