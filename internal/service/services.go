package service

import (
	"elearning/internal/config"
	"elearning/internal/repository"
	"elearning/pkg/logger"
)

type Services struct {
	Auth      AuthService
	User      UserService
	Chat      ChatService
	RateLimit RateLimitService
	Audit     AuditService
}

func NewServices(repos *repository.Repositories, cfg *config.Config, log logger.Logger) *Services {
	audit := NewAuditService(repos.Audit, log)

	services := &Services{
		Auth:      NewAuthService(repos.User, audit, cfg.JWT, log),
		User:      NewUserService(repos.User, log),
		Chat:      NewChatService(repos.Chat, repos.User, audit, cfg.Chat.HistoryLimit, log),
		RateLimit: NewRateLimitService(repos.RateLimit, log),
		Audit:     audit,
	}

	log.Info("Services initialized")

	return services
}
