package service

import (
	"context"
	"time"

	"elearning/internal/repository"
	"elearning/pkg/logger"
)

type RateLimitService interface {
	// Allow засчитывает запрос и сообщает, укладывается ли ключ в лимит окна
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	allowed, err := s.rateLimitRepo.CheckLimit(ctx, key, limit)
	if err != nil {
		return false, err
	}
	if !allowed {
		s.log.Warn("Rate limit exceeded", "key", key, "limit", limit)
		return false, nil
	}

	if _, err := s.rateLimitRepo.Increment(ctx, key, window); err != nil {
		return false, err
	}
	return true, nil
}
