package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// TimestampLayout - формат времени сообщений на проводе (YYYY-MM-DD HH:MM:SS, UTC)
	TimestampLayout = "2006-01-02 15:04:05"

	pairKeySeparator = ":"
	channelPrefix    = "chat:"
)

// ChatRoom - приватная комната двух пользователей
type ChatRoom struct {
	ID           uuid.UUID    `json:"id"`
	PairKey      string       `json:"pair_key"`
	Participants [2]uuid.UUID `json:"participants"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ChatMessage - неизменяемое сообщение, время назначается при сохранении
type ChatMessage struct {
	ID             int64     `json:"id"`
	RoomID         uuid.UUID `json:"room_id"`
	AuthorID       uuid.UUID `json:"author_id"`
	AuthorUsername string    `json:"username"`
	Body           string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// FormattedTimestamp возвращает время в формате TimestampLayout
func (m *ChatMessage) FormattedTimestamp() string {
	return FormatTimestamp(m.CreatedAt)
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// PairKey - канонический ключ пары: хэндлы отсортированы лексикографически
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, pairKeySeparator)
}

// ChannelName - имя канала на шине для комнаты пары (a, b).
// Обе стороны вычисляют его независимо и получают одно и то же.
func ChannelName(a, b string) string {
	return ChannelForPairKey(PairKey(a, b))
}

func ChannelForPairKey(pairKey string) string {
	return channelPrefix + pairKey
}

// Channel - канал комнаты на шине, выводится из сохраненного PairKey
func (r *ChatRoom) Channel() string {
	return ChannelForPairKey(r.PairKey)
}
