package service

import (
	"context"
	"time"

	"elearning/internal/domain"
	"elearning/internal/repository"
	"elearning/pkg/logger"
)

// AuditService пишет события платформы в журнал аудита.
// Ошибка записи возвращается вызывающему, который решает, критична ли она.
type AuditService interface {
	UserRegistered(ctx context.Context, user *domain.User) error
	// ChatRoomCreated фиксирует обоих участников, инициатор - owner
	ChatRoomCreated(ctx context.Context, owner, peer *domain.User, room *domain.ChatRoom) error
}

type auditService struct {
	auditRepo repository.AuditRepository
	log       logger.Logger
	now       func() time.Time
}

func NewAuditService(auditRepo repository.AuditRepository, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		log:       log,
		now:       time.Now,
	}
}

func (s *auditService) UserRegistered(ctx context.Context, user *domain.User) error {
	payload := map[string]interface{}{
		"username": user.Username,
		"role":     user.Role,
	}
	if user.Organisation != nil {
		payload["organisation"] = *user.Organisation
	}

	return s.write(ctx, &domain.AuditLog{
		ActorUserID: &user.ID,
		ActorRole:   user.Role,
		EventType:   domain.EventTypeUserRegistered,
		Payload:     payload,
	})
}

func (s *auditService) ChatRoomCreated(ctx context.Context, owner, peer *domain.User, room *domain.ChatRoom) error {
	return s.write(ctx, &domain.AuditLog{
		ActorUserID: &owner.ID,
		ActorRole:   owner.Role,
		RoomID:      &room.ID,
		EventType:   domain.EventTypeChatRoomCreated,
		Payload: map[string]interface{}{
			"pair_key":     room.PairKey,
			"channel":      room.Channel(),
			"initiator":    owner.Username,
			"participants": []string{owner.Username, peer.Username},
			"participant_ids": []string{
				room.Participants[0].String(),
				room.Participants[1].String(),
			},
		},
	})
}

func (s *auditService) write(ctx context.Context, entry *domain.AuditLog) error {
	if entry.ActorRole == "" {
		entry.ActorRole = domain.ActorRoleSystem
	}
	entry.EventTime = s.now().UTC()

	if err := s.auditRepo.CreateLog(ctx, entry); err != nil {
		return err
	}

	s.log.Debug("Audit event recorded", "event_type", entry.EventType, "audit_id", entry.ID)
	return nil
}
