package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"elearning/internal/broadcast"
	"elearning/internal/domain"
	apperrors "elearning/pkg/errors"
	"elearning/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeConn - соединение в памяти: клиент пишет в inbound, сервер - в frames
type fakeConn struct {
	inbound chan []byte

	mu       sync.Mutex
	frames   [][]byte
	notify   chan struct{}
	closed   bool
	closedCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		notify:   make(chan struct{}, 1024),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-c.closedCh:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if messageType == websocket.TextMessage {
		c.frames = append(c.frames, append([]byte(nil), data...))
		c.notify <- struct{}{}
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(func(appData string) error) {}
func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	c.inbound <- []byte(raw)
}

// hangUp - клиент закрывает соединение
func (c *fakeConn) hangUp() {
	close(c.inbound)
}

func (c *fakeConn) waitFrames(t *testing.T, n int) []outbound {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := make([]outbound, 0, len(c.frames))
			for _, raw := range c.frames {
				var f outbound
				require.NoError(t, json.Unmarshal(raw, &f))
				out = append(out, f)
			}
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeHandshake struct {
	conn      *fakeConn
	acceptErr error

	mu       sync.Mutex
	accepted bool
	rejected bool
}

func (h *fakeHandshake) Accept() (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acceptErr != nil {
		return nil, h.acceptErr
	}
	h.accepted = true
	return h.conn, nil
}

func (h *fakeHandshake) Reject() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = true
}

func (h *fakeHandshake) status() (accepted, rejected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepted, h.rejected
}

// fakeChatService хранит сообщения в памяти и пишет журнал операций
type fakeChatService struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	rooms    map[string]*domain.ChatRoom
	messages map[uuid.UUID][]*domain.ChatMessage
	nextID   int64
	saveErr  error
	journal  *journal

	resolveCalls int
}

func newFakeChatService(j *journal, users ...*domain.User) *fakeChatService {
	svc := &fakeChatService{
		users:    make(map[string]*domain.User),
		rooms:    make(map[string]*domain.ChatRoom),
		messages: make(map[uuid.UUID][]*domain.ChatMessage),
		journal:  j,
	}
	for _, u := range users {
		svc.users[u.Username] = u
	}
	return svc
}

func (f *fakeChatService) ResolveRoom(_ context.Context, owner *domain.User, peer string) (*domain.ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	peerUser, ok := f.users[peer]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	key := domain.PairKey(owner.Username, peerUser.Username)
	room, ok := f.rooms[key]
	if !ok {
		room = &domain.ChatRoom{ID: uuid.New(), PairKey: key}
		f.rooms[key] = room
	}
	return room, nil
}

func (f *fakeChatService) FindRoom(_ context.Context, owner *domain.User, peer string) (*domain.ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	peerUser, ok := f.users[peer]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	room, ok := f.rooms[domain.PairKey(owner.Username, peerUser.Username)]
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return room, nil
}

func (f *fakeChatService) SaveMessage(_ context.Context, room *domain.ChatRoom, author *domain.User, body string) (*domain.ChatMessage, error) {
	if body == "" {
		return nil, apperrors.ErrEmptyMessage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.nextID++
	msg := &domain.ChatMessage{
		ID:             f.nextID,
		RoomID:         room.ID,
		AuthorID:       author.ID,
		AuthorUsername: author.Username,
		Body:           body,
		CreatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(f.nextID) * time.Second),
	}
	f.messages[room.ID] = append(f.messages[room.ID], msg)
	f.journal.add(fmt.Sprintf("save:%d", msg.ID))
	return msg, nil
}

func (f *fakeChatService) History(_ context.Context, roomID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[roomID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]*domain.ChatMessage(nil), all...), nil
}

func (f *fakeChatService) seed(room *domain.ChatRoom, author *domain.User, n int) {
	for i := 1; i <= n; i++ {
		_, _ = f.SaveMessage(context.Background(), room, author, fmt.Sprintf("m%d", i))
	}
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// journalBus пишет публикации в общий журнал с сохранениями
type journalBus struct {
	*broadcast.MemoryBus
	journal    *journal
	publishErr error
}

func (b *journalBus) Publish(ctx context.Context, channel string, event broadcast.Event) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.journal.add(fmt.Sprintf("publish:%d", event.MessageID))
	return b.MemoryBus.Publish(ctx, channel, event)
}

var testConfig = Config{
	HistoryLimit:   50,
	WriteWait:      time.Second,
	PongWait:       time.Minute,
	PingPeriod:     50 * time.Second,
	MaxMessageSize: 4096,
}

type harness struct {
	chat  *fakeChatService
	bus   *journalBus
	log   *journal
	alice *domain.User
	bob   *domain.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := &journal{}
	alice := &domain.User{ID: uuid.New(), Username: "alice", Role: domain.RoleStudent, IsActive: true}
	bob := &domain.User{ID: uuid.New(), Username: "bob", Role: domain.RoleTeacher, IsActive: true}
	bus := &journalBus{MemoryBus: broadcast.NewMemoryBus(64, logger.Nop()), journal: j}
	t.Cleanup(func() { _ = bus.Close() })
	return &harness{chat: newFakeChatService(j, alice, bob), bus: bus, log: j, alice: alice, bob: bob}
}

type running struct {
	session *Session
	conn    *fakeConn
	hs      *fakeHandshake
	done    chan error
	cancel  context.CancelFunc
}

func (h *harness) start(t *testing.T, identity domain.Identity, peer string) *running {
	t.Helper()
	conn := newFakeConn()
	hs := &fakeHandshake{conn: conn}
	session := NewSession(hs, identity, peer, h.chat, h.bus, testConfig, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	r := &running{session: session, conn: conn, hs: hs, done: done, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	return nil
}

func (h *harness) channel() string {
	return domain.ChannelName(h.alice.Username, h.bob.Username)
}

func waitSubscribers(t *testing.T, bus *broadcast.MemoryBus, channel string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.SubscriberCount(channel) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_AnonymousIsRejectedBeforeJoin(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Anonymous(), "bob")
	err := r.wait(t)

	req.ErrorIs(err, ErrUnauthenticated)
	accepted, rejected := r.hs.status()
	req.False(accepted)
	req.True(rejected)
	req.Equal(StateClosed, r.session.State())
	req.Zero(h.chat.resolveCalls)
	req.Zero(h.bus.SubscriberCount(h.channel()))
	req.Zero(r.conn.frameCount())
}

func TestSession_ResolveFailureRejectsWithoutSubscription(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Authenticated(h.alice), "carol")
	err := r.wait(t)

	req.ErrorIs(err, apperrors.ErrUserNotFound)
	accepted, rejected := r.hs.status()
	req.False(accepted)
	req.True(rejected)
	req.Zero(h.bus.SubscriberCount(domain.ChannelName("alice", "carol")))
}

func TestSession_AcceptFailureReleasesSubscription(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	conn := newFakeConn()
	hs := &fakeHandshake{conn: conn, acceptErr: errors.New("upgrade failed")}
	session := NewSession(hs, domain.Authenticated(h.alice), "bob", h.chat, h.bus, testConfig, logger.Nop())

	err := session.Run(context.Background())
	req.Error(err)
	_, rejected := hs.status()
	req.True(rejected)
	req.Zero(h.bus.SubscriberCount(h.channel()))
}

func TestSession_ReplaysLastWindowInOrder(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	room, err := h.chat.ResolveRoom(context.Background(), h.alice, "bob")
	req.NoError(err)
	h.chat.seed(room, h.bob, 120)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	frames := r.conn.waitFrames(t, 50)

	req.Len(frames, 50)
	for i, f := range frames {
		req.Equal(fmt.Sprintf("m%d", 71+i), f.Message)
		req.Equal("bob", f.Username)
		_, err := time.Parse(domain.TimestampLayout, f.Timestamp)
		req.NoError(err)
	}
	req.Equal("2024-05-01 10:01:11", frames[0].Timestamp)

	// Повторного воспроизведения нет
	time.Sleep(50 * time.Millisecond)
	req.Equal(50, r.conn.frameCount())
	req.Equal(StateActive, r.session.State())
}

func TestSession_EchoesOwnMessageAfterPersisting(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	r.conn.send(t, `{"message":"hi bob"}`)
	frames := r.conn.waitFrames(t, 1)

	req.Equal(outbound{Username: "alice", Message: "hi bob", Timestamp: "2024-05-01 10:00:01"}, frames[0])
	req.Equal([]string{"save:1", "publish:1"}, h.log.snapshot())
}

func TestSession_PeersReceiveEachOthersMessages(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	alice := h.start(t, domain.Authenticated(h.alice), "bob")
	bob := h.start(t, domain.Authenticated(h.bob), "alice")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 2)

	alice.conn.send(t, `{"message":"hello"}`)
	bobFrames := bob.conn.waitFrames(t, 1)
	req.Equal("alice", bobFrames[0].Username)
	req.Equal("hello", bobFrames[0].Message)

	bob.conn.send(t, `{"message":"hey"}`)
	aliceFrames := alice.conn.waitFrames(t, 2)
	req.Equal([]string{"hello", "hey"}, []string{aliceFrames[0].Message, aliceFrames[1].Message})
}

func TestSession_DropsMalformedPayloads(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	for _, raw := range []string{`not json`, `{"msg":"x"}`, `{"message":""}`, `null`, `[1,2]`} {
		r.conn.send(t, raw)
	}
	r.conn.send(t, `{"message":"valid"}`)

	frames := r.conn.waitFrames(t, 1)
	req.Equal("valid", frames[0].Message)
	req.Equal([]string{"save:1", "publish:1"}, h.log.snapshot())
	req.Equal(StateActive, r.session.State())
}

func TestSession_PersistenceFailureSkipsPublish(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.chat.saveErr = errors.New("db is down")

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	r.conn.send(t, `{"message":"lost"}`)
	time.Sleep(50 * time.Millisecond)

	req.Empty(h.log.snapshot())
	req.Zero(r.conn.frameCount())
	req.Equal(StateActive, r.session.State())
}

func TestSession_PublishFailureKeepsSessionAlive(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.bus.publishErr = errors.New("redis is down")

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	r.conn.send(t, `{"message":"stored only"}`)
	require.Eventually(t, func() bool {
		return len(h.log.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	// Сообщение сохранено и будет в истории, но эха нет
	req.Equal([]string{"save:1"}, h.log.snapshot())
	req.Zero(r.conn.frameCount())
	req.Equal(StateActive, r.session.State())
}

func TestSession_SkipsBusEventsAlreadyReplayed(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	room, err := h.chat.ResolveRoom(context.Background(), h.alice, "bob")
	req.NoError(err)
	h.chat.seed(room, h.bob, 3)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	r.conn.waitFrames(t, 3)

	// Событие, попавшее в историю, приходит с шины повторно
	req.NoError(h.bus.MemoryBus.Publish(context.Background(), h.channel(), broadcast.Event{MessageID: 3, Username: "bob", Message: "m3"}))
	req.NoError(h.bus.MemoryBus.Publish(context.Background(), h.channel(), broadcast.Event{MessageID: 4, Username: "bob", Message: "m4"}))

	frames := r.conn.waitFrames(t, 4)
	time.Sleep(20 * time.Millisecond)
	req.Equal(4, r.conn.frameCount())
	req.Equal("m4", frames[3].Message)
}

func TestSession_DeliversLateCommittedMessageBelowReplayedID(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	room, err := h.chat.ResolveRoom(context.Background(), h.alice, "bob")
	req.NoError(err)

	// id 11 закоммичен раньше id 10: в истории есть только 11
	h.chat.mu.Lock()
	h.chat.messages[room.ID] = []*domain.ChatMessage{{
		ID:             11,
		RoomID:         room.ID,
		AuthorUsername: "bob",
		Body:           "m11",
		CreatedAt:      time.Date(2024, 5, 1, 10, 0, 11, 0, time.UTC),
	}}
	h.chat.mu.Unlock()

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	r.conn.waitFrames(t, 1)

	req.NoError(h.bus.MemoryBus.Publish(context.Background(), h.channel(), broadcast.Event{MessageID: 10, Username: "bob", Message: "m10"}))
	req.NoError(h.bus.MemoryBus.Publish(context.Background(), h.channel(), broadcast.Event{MessageID: 11, Username: "bob", Message: "m11"}))

	frames := r.conn.waitFrames(t, 2)
	time.Sleep(20 * time.Millisecond)
	req.Equal(2, r.conn.frameCount())
	req.Equal("m11", frames[0].Message)
	req.Equal("m10", frames[1].Message)
}

func TestSession_SubscribesToChannelOfResolvedRoom(t *testing.T) {
	h := newHarness(t)
	// Путь указывает другой регистр, комната хранит каноничный username
	h.chat.users["Bob"] = h.bob

	h.start(t, domain.Authenticated(h.alice), "Bob")

	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)
	require.Zero(t, h.bus.SubscriberCount(domain.ChannelName("alice", "Bob")))
}

func TestSession_ClientHangUpTearsDown(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	r.conn.hangUp()
	req.NoError(r.wait(t))

	req.Equal(StateClosed, r.session.State())
	req.Zero(h.bus.SubscriberCount(h.channel()))
	req.True(r.conn.isClosed())
}

func TestSession_ContextCancelTearsDown(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	r.cancel()
	req.NoError(r.wait(t))
	req.Zero(h.bus.SubscriberCount(h.channel()))
	req.True(r.conn.isClosed())
}

func TestSession_BusCloseEndsSession(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	r := h.start(t, domain.Authenticated(h.alice), "bob")
	waitSubscribers(t, h.bus.MemoryBus, h.channel(), 1)

	req.NoError(h.bus.Close())
	req.ErrorIs(r.wait(t), ErrEvicted)
	req.True(r.conn.isClosed())
}
