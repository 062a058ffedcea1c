package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"elearning/internal/domain"
	"elearning/internal/repository"
	apperrors "elearning/pkg/errors"
	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/samber/lo/mutable"
)

type ChatService interface {
	// ResolveRoom находит или создает комнату владельца соединения и собеседника
	ResolveRoom(ctx context.Context, owner *domain.User, peerUsername string) (*domain.ChatRoom, error)
	// FindRoom ищет комнату пары без создания; ErrRoomNotFound если ее нет
	FindRoom(ctx context.Context, owner *domain.User, peerUsername string) (*domain.ChatRoom, error)
	// SaveMessage сохраняет сообщение; id и время назначает хранилище
	SaveMessage(ctx context.Context, room *domain.ChatRoom, author *domain.User, body string) (*domain.ChatMessage, error)
	// History возвращает последние limit сообщений в хронологическом порядке
	History(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.ChatMessage, error)
}

type chatService struct {
	chatRepo     repository.ChatRepository
	userRepo     repository.UserRepository
	audit        AuditService
	historyLimit int
	log          logger.Logger
}

func NewChatService(chatRepo repository.ChatRepository, userRepo repository.UserRepository, audit AuditService, historyLimit int, log logger.Logger) ChatService {
	return &chatService{
		chatRepo:     chatRepo,
		userRepo:     userRepo,
		audit:        audit,
		historyLimit: historyLimit,
		log:          log,
	}
}

func (s *chatService) ResolveRoom(ctx context.Context, owner *domain.User, peerUsername string) (*domain.ChatRoom, error) {
	peer, err := s.lookupPeer(ctx, owner, peerUsername)
	if err != nil {
		return nil, err
	}

	pairKey := domain.PairKey(owner.Username, peer.Username)

	// Быстрый путь: комната уже есть
	room, err := s.chatRepo.GetRoomByPairKey(ctx, pairKey)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, apperrors.ErrRoomNotFound) {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	room, created, err := s.chatRepo.FindOrCreateRoom(ctx, pairKey, orderedParticipants(owner, peer))
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	if created {
		s.log.Info("Chat room created", "room_id", room.ID, "pair_key", pairKey)
		if err := s.audit.ChatRoomCreated(ctx, owner, peer, room); err != nil {
			s.log.Warn("Failed to write audit log", "error", err, "event_type", domain.EventTypeChatRoomCreated)
		}
	}

	return room, nil
}

func (s *chatService) FindRoom(ctx context.Context, owner *domain.User, peerUsername string) (*domain.ChatRoom, error) {
	peer, err := s.lookupPeer(ctx, owner, peerUsername)
	if err != nil {
		return nil, err
	}

	room, err := s.chatRepo.GetRoomByPairKey(ctx, domain.PairKey(owner.Username, peer.Username))
	if err != nil {
		if errors.Is(err, apperrors.ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// lookupPeer проверяет собеседника: валидный handle, не сам владелец, активен
func (s *chatService) lookupPeer(ctx context.Context, owner *domain.User, peerUsername string) (*domain.User, error) {
	if owner == nil {
		return nil, apperrors.ErrUnauthorized
	}

	peerUsername = strings.TrimSpace(peerUsername)
	if !domain.ValidUsername(peerUsername) {
		return nil, fmt.Errorf("%w: invalid peer username", apperrors.ErrBadRequest)
	}
	if peerUsername == owner.Username {
		return nil, fmt.Errorf("%w: cannot chat with yourself", apperrors.ErrBadRequest)
	}

	peer, err := s.userRepo.GetByUsername(ctx, peerUsername)
	if err != nil {
		return nil, err
	}
	if !peer.IsActive {
		return nil, apperrors.ErrUserNotFound
	}
	return peer, nil
}

func (s *chatService) SaveMessage(ctx context.Context, room *domain.ChatRoom, author *domain.User, body string) (*domain.ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.ErrEmptyMessage
	}

	message := &domain.ChatMessage{
		RoomID:         room.ID,
		AuthorID:       author.ID,
		AuthorUsername: author.Username,
		Body:           body,
	}

	if err := s.chatRepo.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return message, nil
}

func (s *chatService) History(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}

	// Репозиторий отдает от новых к старым
	messages, err := s.chatRepo.GetRecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	mutable.Reverse(messages)
	return messages, nil
}

// orderedParticipants - участники в порядке PairKey
func orderedParticipants(a, b *domain.User) [2]uuid.UUID {
	if a.Username < b.Username {
		return [2]uuid.UUID{a.ID, b.ID}
	}
	return [2]uuid.UUID{b.ID, a.ID}
}
