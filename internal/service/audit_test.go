package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"elearning/internal/domain"
	"elearning/internal/mocks"
	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestAuditService(t *testing.T) (*auditService, *mocks.MockAuditRepository) {
	t.Helper()
	repo := mocks.NewMockAuditRepository(gomock.NewController(t))
	svc := NewAuditService(repo, logger.Nop()).(*auditService)
	svc.now = func() time.Time {
		return time.Date(2024, 5, 1, 13, 0, 0, 0, time.FixedZone("UTC+3", 3*60*60))
	}
	return svc, repo
}

func TestAuditService_ChatRoomCreatedCarriesParticipants(t *testing.T) {
	req := require.New(t)
	svc, repo := newTestAuditService(t)

	alice, bob := testUser("alice"), testUser("bob")
	room := &domain.ChatRoom{
		ID:           uuid.New(),
		PairKey:      "alice:bob",
		Participants: [2]uuid.UUID{alice.ID, bob.ID},
	}

	var entry *domain.AuditLog
	repo.EXPECT().CreateLog(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, l *domain.AuditLog) error {
			entry = l
			return nil
		})

	req.NoError(svc.ChatRoomCreated(context.Background(), bob, alice, room))

	req.Equal(domain.EventTypeChatRoomCreated, entry.EventType)
	req.Equal(bob.ID, *entry.ActorUserID)
	req.Equal(room.ID, *entry.RoomID)
	req.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), entry.EventTime)
	req.Equal("chat:alice:bob", entry.Payload["channel"])
	req.Equal("bob", entry.Payload["initiator"])
	req.Equal([]string{"bob", "alice"}, entry.Payload["participants"])
	req.Equal([]string{alice.ID.String(), bob.ID.String()}, entry.Payload["participant_ids"])
}

func TestAuditService_UserRegistered(t *testing.T) {
	req := require.New(t)
	svc, repo := newTestAuditService(t)

	org := "MIT"
	user := testUser("alice")
	user.Role = ""
	user.Organisation = &org

	repo.EXPECT().CreateLog(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, l *domain.AuditLog) error {
			req.Equal(domain.EventTypeUserRegistered, l.EventType)
			req.Equal(domain.ActorRoleSystem, l.ActorRole)
			req.Nil(l.RoomID)
			req.Equal("MIT", l.Payload["organisation"])
			return nil
		})
	req.NoError(svc.UserRegistered(context.Background(), user))

	repo.EXPECT().CreateLog(gomock.Any(), gomock.Any()).Return(errors.New("db down"))
	req.Error(svc.UserRegistered(context.Background(), testUser("bob")))
}
