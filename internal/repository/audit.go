//go:generate go run go.uber.org/mock/mockgen -source=audit.go -destination=../mocks/mock_audit_repository.go -package=mocks
package repository

import (
	"context"
	"fmt"

	"elearning/internal/domain"
	"elearning/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepository interface {
	CreateLog(ctx context.Context, log *domain.AuditLog) error
}

type auditRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewAuditRepository(db *pgxpool.Pool, log logger.Logger) AuditRepository {
	return &auditRepository{db: db, log: log}
}

// CreateLog пишет запись журнала; payload хранится в JSONB как есть
func (r *auditRepository) CreateLog(ctx context.Context, entry *domain.AuditLog) error {
	const query = `
		INSERT INTO audit_log (event_time, actor_user_id, actor_role, room_id, event_type, payload)
		VALUES (@event_time, @actor_user_id, @actor_role, @room_id, @event_type, @payload)
		RETURNING id
	`

	payload := entry.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	args := pgx.NamedArgs{
		"event_time":    entry.EventTime,
		"actor_user_id": entry.ActorUserID,
		"actor_role":    entry.ActorRole,
		"room_id":       entry.RoomID,
		"event_type":    entry.EventType,
		"payload":       payload,
	}

	if err := r.db.QueryRow(ctx, query, args).Scan(&entry.ID); err != nil {
		r.log.Error("Failed to create audit log", "error", err, "event_type", entry.EventType)
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}
