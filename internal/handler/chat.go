package handler

import (
	"errors"
	"net/http"

	"elearning/internal/domain"
	"elearning/internal/middleware"
	"elearning/internal/service"
	apperrors "elearning/pkg/errors"
	"elearning/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type ChatHandler struct {
	chatService service.ChatService
	log         logger.Logger
}

func NewChatHandler(chatService service.ChatService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		log:         log,
	}
}

// MessageResponse - тот же вид, что и фрейм WebSocket
type MessageResponse struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// GetMessages отдает окно истории диалога с :username.
// Собеседник проверяется так же, как при подключении по WebSocket.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	identity := middleware.IdentityFrom(c.Request.Context())
	if identity.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	// Чтение истории не создает комнату
	room, err := h.chatService.FindRoom(c.Request.Context(), identity.User, c.Param("username"))
	if errors.Is(err, apperrors.ErrRoomNotFound) {
		c.JSON(http.StatusOK, gin.H{
			"room_id":  nil,
			"messages": []MessageResponse{},
		})
		return
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	messages, err := h.chatService.History(c.Request.Context(), room.ID, 0)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": room.ID,
		"messages": lo.Map(messages, func(m *domain.ChatMessage, _ int) MessageResponse {
			return MessageResponse{
				Username:  m.AuthorUsername,
				Message:   m.Body,
				Timestamp: m.FormattedTimestamp(),
			}
		}),
	})
}
