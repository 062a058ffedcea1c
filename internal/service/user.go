package service

import (
	"context"
	"strings"

	"elearning/internal/domain"
	"elearning/internal/repository"
	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
)

type UserService interface {
	GetMe(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	// Search ищет активных пользователей по префиксу username, исключая самого себя
	Search(ctx context.Context, requesterID uuid.UUID, prefix string, limit int) ([]*domain.User, error)
}

type userService struct {
	userRepo repository.UserRepository
	log      logger.Logger
}

func NewUserService(userRepo repository.UserRepository, log logger.Logger) UserService {
	return &userService{
		userRepo: userRepo,
		log:      log,
	}
}

func (s *userService) GetMe(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	return user, nil
}

func (s *userService) Search(ctx context.Context, requesterID uuid.UUID, prefix string, limit int) ([]*domain.User, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []*domain.User{}, nil
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}

	// +1 на случай, если в выдачу попадет сам запрашивающий
	users, err := s.userRepo.Search(ctx, prefix, limit+1)
	if err != nil {
		return nil, err
	}

	users = lo.Filter(users, func(u *domain.User, _ int) bool {
		return u.ID != requesterID
	})
	if len(users) > limit {
		users = users[:limit]
	}

	lo.ForEach(users, func(u *domain.User, _ int) {
		u.PasswordHash = ""
	})
	return users, nil
}
