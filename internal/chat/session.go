// Package chat ведет одно WebSocket соединение приватного чата от рукопожатия до закрытия.
//
// Жизненный цикл: CONNECTING -> AUTHENTICATING -> JOINING -> ACTIVE -> CLOSED.
// Анонимная identity отклоняется до апгрейда. В ACTIVE читатель сохраняет
// входящие сообщения и публикует их на шину, писатель отдает в сокет все
// события канала комнаты, включая собственное эхо.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"elearning/internal/broadcast"
	"elearning/internal/domain"
	"elearning/internal/service"
	apperrors "elearning/pkg/errors"
	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrUnauthenticated = errors.New("connection is not authenticated")
	ErrEvicted         = errors.New("subscription evicted by broadcast bus")
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateJoining:
		return "JOINING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn - часть *websocket.Conn, которой пользуется сессия
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Handshake - незавершенное рукопожатие. Accept выполняет апгрейд,
// Reject закрывает запрос без апгрейда и без тела ответа.
type Handshake interface {
	Accept() (Conn, error)
	Reject()
}

type Config struct {
	HistoryLimit   int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// inbound - входящий фрейм клиента
type inbound struct {
	Message *string `json:"message"`
}

// outbound - исходящий фрейм: история и живые сообщения выглядят одинаково
type outbound struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type Session struct {
	id        uuid.UUID
	identity  domain.Identity
	peer      string
	handshake Handshake
	chat      service.ChatService
	bus       broadcast.Bus
	cfg       Config
	log       logger.Logger

	state      atomic.Int32
	conn       Conn
	room       *domain.ChatRoom
	channel    string
	sub        *broadcast.Subscription
	replayed   map[int64]struct{}
	readerDone chan struct{}
}

func NewSession(
	handshake Handshake,
	identity domain.Identity,
	peer string,
	chat service.ChatService,
	bus broadcast.Bus,
	cfg Config,
	log logger.Logger,
) *Session {
	id := uuid.New()
	peer = strings.TrimSpace(peer)
	return &Session{
		id:        id,
		identity:  identity,
		peer:      peer,
		handshake: handshake,
		chat:      chat,
		bus:       bus,
		cfg:       cfg.withDefaults(),
		log:       log.With("session_id", id, "username", identity.Username(), "peer", peer),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	s.log.Debug("Session state changed", "from", prev.String(), "to", state.String())
}

// Run ведет сессию до закрытия. nil означает штатное завершение
// (клиент закрыл соединение или отменен ctx).
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateAuthenticating)
	if s.identity.IsAnonymous() {
		s.handshake.Reject()
		s.setState(StateClosed)
		return ErrUnauthenticated
	}

	s.setState(StateJoining)
	defer s.teardown()

	if err := s.join(ctx); err != nil {
		if s.conn == nil {
			s.handshake.Reject()
		}
		s.log.Warn("Failed to join chat", "error", err)
		return err
	}

	s.setState(StateActive)
	s.log.Info("Chat session started", "room_id", s.room.ID, "channel", s.channel)

	return s.serve(ctx)
}

func (s *Session) join(ctx context.Context) error {
	room, err := s.chat.ResolveRoom(ctx, s.identity.User, s.peer)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	s.room = room
	s.channel = room.Channel()

	// Подписка раньше истории: сообщения между выборкой и подпиской не теряются
	sub, err := s.bus.Subscribe(ctx, s.channel)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.sub = sub

	conn, err := s.handshake.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	s.conn = conn

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	return s.replay(ctx)
}

func (s *Session) replay(ctx context.Context) error {
	history, err := s.chat.History(ctx, s.room.ID, s.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	s.replayed = make(map[int64]struct{}, len(history))
	for _, message := range history {
		if err := s.write(outbound{
			Username:  message.AuthorUsername,
			Message:   message.Body,
			Timestamp: message.FormattedTimestamp(),
		}); err != nil {
			return fmt.Errorf("replay history: %w", err)
		}
		s.replayed[message.ID] = struct{}{}
	}

	s.log.Debug("History replayed", "count", len(history))
	return nil
}

func (s *Session) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	s.readerDone = make(chan struct{})
	go func() {
		defer close(s.readerDone)
		readErr <- s.readLoop(ctx)
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	events := s.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return err

		case event, ok := <-events:
			if !ok {
				s.log.Warn("Subscription closed by bus")
				return ErrEvicted
			}
			// Уже отдано при воспроизведении истории. Сравниваем по набору id:
			// порядок коммитов не совпадает с порядком id.
			if _, seen := s.replayed[event.MessageID]; seen && event.MessageID != 0 {
				continue
			}
			if err := s.write(outbound{
				Username:  event.Username,
				Message:   event.Message,
				Timestamp: event.Timestamp,
			}); err != nil {
				return fmt.Errorf("write event: %w", err)
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// readLoop - единственный читатель соединения. Сообщения одной сессии
// сохраняются последовательно, в порядке отправки.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				s.log.Debug("Client disconnected", "error", err)
				return nil
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				s.log.Warn("Inbound frame exceeds limit", "limit", s.cfg.MaxMessageSize)
			}
			return fmt.Errorf("read: %w", err)
		}

		s.handleInbound(ctx, data)
	}
}

func (s *Session) handleInbound(ctx context.Context, data []byte) {
	var frame inbound
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Warn("Dropping malformed frame", "error", err)
		return
	}
	if frame.Message == nil {
		s.log.Warn("Dropping frame without message field")
		return
	}

	message, err := s.chat.SaveMessage(ctx, s.room, s.identity.User, *frame.Message)
	if err != nil {
		if errors.Is(err, apperrors.ErrEmptyMessage) {
			s.log.Debug("Dropping empty message")
			return
		}
		// Не сохранено - не публикуем
		s.log.Error("Failed to persist message", "error", err, "room_id", s.room.ID)
		return
	}

	event := broadcast.Event{
		MessageID: message.ID,
		Username:  message.AuthorUsername,
		Message:   message.Body,
		Timestamp: message.FormattedTimestamp(),
	}
	if err := s.bus.Publish(ctx, s.channel, event); err != nil {
		// Сообщение уже в истории, клиенты получат его при переподключении
		s.log.Error("Failed to publish message", "error", err, "message_id", message.ID)
	}
}

func (s *Session) write(frame outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) teardown() {
	s.setState(StateClosed)

	if s.sub == nil {
		s.log.Warn("No subscription to release on close")
	} else {
		s.bus.Unsubscribe(s.sub)
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.log.Debug("Failed to close connection", "error", err)
		}
	}

	// Закрытое соединение разблокирует ReadMessage
	if s.readerDone != nil {
		<-s.readerDone
	}

	s.log.Info("Chat session closed")
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
