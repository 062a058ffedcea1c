//go:generate go run go.uber.org/mock/mockgen -source=chat.go -destination=../mocks/mock_chat_repository.go -package=mocks
package repository

import (
	"context"
	"errors"
	"fmt"

	"elearning/internal/domain"
	apperrors "elearning/pkg/errors"
	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository interface {
	// FindOrCreateRoom атомарно возвращает комнату пары, created=true если она создана этим вызовом
	FindOrCreateRoom(ctx context.Context, pairKey string, participants [2]uuid.UUID) (room *domain.ChatRoom, created bool, err error)
	GetRoomByPairKey(ctx context.Context, pairKey string) (*domain.ChatRoom, error)
	CreateMessage(ctx context.Context, message *domain.ChatMessage) error
	// GetRecentMessages возвращает последние limit сообщений, от новых к старым
	GetRecentMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.ChatMessage, error)
}

type chatRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewChatRepository(db *pgxpool.Pool, log logger.Logger) ChatRepository {
	return &chatRepository{db: db, log: log}
}

func (r *chatRepository) FindOrCreateRoom(ctx context.Context, pairKey string, participants [2]uuid.UUID) (*domain.ChatRoom, bool, error) {
	var (
		room    *domain.ChatRoom
		created bool
	)

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		// UNIQUE(pair_key) гарантирует одну комнату на пару при одновременном создании
		tag, err := tx.Exec(ctx, `
			INSERT INTO chat_rooms (id, pair_key, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (pair_key) DO NOTHING
		`, uuid.New(), pairKey)
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		created = tag.RowsAffected() == 1

		room, err = scanRoom(tx.QueryRow(ctx, `
			SELECT id, pair_key, created_at FROM chat_rooms WHERE pair_key = $1
		`, pairKey))
		if err != nil {
			return fmt.Errorf("select room: %w", err)
		}

		if created {
			// Участники фиксируются один раз - при создании комнаты
			for _, userID := range participants {
				if _, err := tx.Exec(ctx, `
					INSERT INTO chat_room_participants (room_id, user_id) VALUES ($1, $2)
				`, room.ID, userID); err != nil {
					return fmt.Errorf("insert participant: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to find or create chat room", "error", err, "pair_key", pairKey)
		return nil, false, err
	}

	room.Participants = participants
	return room, created, nil
}

func (r *chatRepository) GetRoomByPairKey(ctx context.Context, pairKey string) (*domain.ChatRoom, error) {
	room, err := scanRoom(r.db.QueryRow(ctx, `
		SELECT id, pair_key, created_at FROM chat_rooms WHERE pair_key = $1
	`, pairKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRoomNotFound
		}
		r.log.Error("Failed to get chat room", "error", err, "pair_key", pairKey)
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT user_id FROM chat_room_participants WHERE room_id = $1 ORDER BY user_id
	`, room.ID)
	if err != nil {
		r.log.Error("Failed to get chat room participants", "error", err)
		return nil, err
	}
	defer rows.Close()

	i := 0
	for rows.Next() && i < len(room.Participants) {
		if err := rows.Scan(&room.Participants[i]); err != nil {
			return nil, err
		}
		i++
	}

	return room, rows.Err()
}

func (r *chatRepository) CreateMessage(ctx context.Context, message *domain.ChatMessage) error {
	// created_at назначает база (clock_timestamp), id - порядок при равном времени
	query := `
		INSERT INTO chat_messages (room_id, author_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query, message.RoomID, message.AuthorID, message.Body).
		Scan(&message.ID, &message.CreatedAt)
	if err != nil {
		r.log.Error("Failed to create message", "error", err, "room_id", message.RoomID)
		return err
	}

	return nil
}

func (r *chatRepository) GetRecentMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT m.id, m.room_id, m.author_id, u.username, m.body, m.created_at
		FROM chat_messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.room_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, roomID, limit)
	if err != nil {
		r.log.Error("Failed to get messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	messages := make([]*domain.ChatMessage, 0, limit)
	for rows.Next() {
		message := &domain.ChatMessage{}
		err := rows.Scan(
			&message.ID, &message.RoomID, &message.AuthorID, &message.AuthorUsername,
			&message.Body, &message.CreatedAt,
		)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, message)
	}

	return messages, rows.Err()
}

func scanRoom(row pgx.Row) (*domain.ChatRoom, error) {
	room := &domain.ChatRoom{}
	if err := row.Scan(&room.ID, &room.PairKey, &room.CreatedAt); err != nil {
		return nil, err
	}
	return room, nil
}
