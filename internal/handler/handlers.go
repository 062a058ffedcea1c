package handler

import (
	"elearning/internal/broadcast"
	"elearning/internal/config"
	"elearning/internal/service"
	"elearning/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Handlers struct {
	Health    *HealthHandler
	Auth      *AuthHandler
	User      *UserHandler
	Chat      *ChatHandler
	WebSocket *WebSocketHandler
}

func NewHandlers(services *service.Services, bus broadcast.Bus, db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, log logger.Logger) *Handlers {
	handlers := &Handlers{
		Health:    NewHealthHandler(db, rdb),
		Auth:      NewAuthHandler(services.Auth, log),
		User:      NewUserHandler(services.User, log),
		Chat:      NewChatHandler(services.Chat, log),
		WebSocket: NewWebSocketHandler(services.Chat, bus, cfg, log),
	}

	log.Info("Handlers initialized")

	return handlers
}
