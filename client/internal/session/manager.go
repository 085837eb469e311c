package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatsync/client/internal/channel"
	"chatsync/client/internal/composer"
	"chatsync/client/internal/eventqueue"
	"chatsync/client/internal/model"
	"chatsync/client/internal/presence"
	"chatsync/client/internal/protocol"
	"chatsync/client/internal/timeline"
)

var (
	// ErrNoRoom 当前没有打开的房间
	ErrNoRoom = errors.New("no room is open")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("session manager closed")
	// ErrEmptyRoom 房间名为空
	ErrEmptyRoom = errors.New("room name is empty")
)

// HistorySource 历史消息来源
type HistorySource interface {
	Get(ctx context.Context, room string, limit int) ([]model.Message, error)
	Fetch(ctx context.Context, room string, limit int) []model.Message
}

// Journal 本地未完成条目记录
type Journal interface {
	composer.Journal
	List(room string) ([]model.Message, error)
}

// Options 管理器依赖与参数
type Options struct {
	Author         model.Author
	Channel        channel.Config
	History        HistorySource
	HistoryLimit   int
	HistoryTimeout time.Duration
	Uploader       composer.Uploader
	UploadTimeout  time.Duration
	Policy         composer.RetryPolicy
	DedupeEcho     bool
	Journal        Journal
	Logger         zerolog.Logger
}

// Manager 进程内唯一的连接管理器
//
// 同一时刻最多一个房间会话。切换房间、离开、关闭都会先完整拆除旧会话
// （链路、事件队列、时间线、组合器），再建立新会话。
type Manager struct {
	opts     Options
	presence *presence.Tracker
	// roomTag 当前房间名，供队列协程中的在线人数通知无锁读取
	roomTag atomic.Value

	mu      sync.Mutex
	current *roomSession
	closed  bool

	subsMu sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// roomSession 一个房间会话内的全部状态
type roomSession struct {
	room     string
	ctx      context.Context
	cancel   context.CancelFunc
	queue    *eventqueue.EventQueue
	tl       *timeline.Timeline
	merger   *timeline.Merger
	link     *channel.Link
	composer *composer.Composer

	unsubLink    func()
	teardownOnce sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 10 * time.Second
	}
	m := &Manager{
		opts:     opts,
		presence: presence.NewTracker(),
		subs:     make(map[int]func(Event)),
	}
	m.roomTag.Store("")
	// 只在人数变化时通知 UI
	m.presence.Subscribe(func(count int) {
		room, _ := m.roomTag.Load().(string)
		m.publish(Event{Kind: EventPresence, Room: room, Count: count})
	})
	return m
}

// Subscribe 订阅会话事件，返回取消订阅函数
//
// 回调在内部协程中同步执行（可能持有内部锁），必须尽快返回，
// 不能阻塞，也不能回调 Manager 的方法。
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) publish(evt Event) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, fn := range m.subs {
		fn(evt)
	}
}

// Open 打开（切换到）房间；已在该房间时为空操作
func (m *Manager) Open(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrEmptyRoom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.current != nil && m.current.room == room {
		return nil
	}
	if m.current != nil {
		m.teardown(m.current)
		m.current = nil
	}
	m.presence.Reset()

	rs := m.newRoomSession(room)
	m.roomTag.Store(room)
	if err := rs.link.Open(room); err != nil {
		m.roomTag.Store("")
		m.teardown(rs)
		return err
	}
	m.current = rs

	if m.opts.History != nil {
		go m.loadHistory(rs)
	}

	m.opts.Logger.Info().Msgf("[Session:%s] opened", room)
	m.publish(Event{Kind: EventRoom, Room: room})
	return nil
}

func (m *Manager) newRoomSession(room string) *roomSession {
	ctx, cancel := context.WithCancel(context.Background())
	logger := m.opts.Logger

	rs := &roomSession{
		room:   room,
		ctx:    ctx,
		cancel: cancel,
		queue:  eventqueue.NewEventQueue(room, logger),
		tl:     timeline.NewTimeline(room),
	}
	rs.merger = timeline.NewMerger(rs.tl, m.opts.DedupeEcho, logger)
	rs.link = channel.NewLink(m.opts.Channel, m.frameHandler(rs), logger)
	rs.unsubLink = rs.link.Subscribe(func(s channel.State) {
		m.publish(Event{Kind: EventLinkState, Room: room, LinkState: s.String()})
	})

	// 避免把 nil 的 Journal 包装成非 nil 接口
	var journal composer.Journal
	if m.opts.Journal != nil {
		journal = m.opts.Journal
	}
	rs.composer = composer.New(composer.Options{
		Room:          room,
		Author:        m.opts.Author,
		Timeline:      rs.tl,
		Queue:         rs.queue,
		Link:          rs.link,
		Uploader:      m.opts.Uploader,
		Journal:       journal,
		Policy:        m.opts.Policy,
		UploadTimeout: m.opts.UploadTimeout,
		Notify:        m.composerNotifier(room),
		Logger:        logger,
	})
	return rs
}

// frameHandler 所有入站帧的唯一分发入口；在链路读协程中执行
func (m *Manager) frameHandler(rs *roomSession) func([]byte) {
	return func(data []byte) {
		frame, err := protocol.Decode(data)
		if err != nil {
			m.opts.Logger.Warn().Err(err).Msgf("[Session:%s] discarding frame", rs.room)
			return
		}
		if frame.Kind == protocol.KindUnknown {
			m.opts.Logger.Debug().Str("type", frame.Type).Msgf("[Session:%s] unknown frame ignored", rs.room)
			return
		}
		// 队列满时阻塞读协程，形成背压；会话结束时 ctx 取消
		_ = rs.queue.Enqueue(rs.ctx, "frame."+frame.Kind.String(), func(ctx context.Context) error {
			m.applyFrame(rs, frame)
			return nil
		})
	}
}

// applyFrame 在事件队列中执行
func (m *Manager) applyFrame(rs *roomSession, frame protocol.Frame) {
	if frame.Kind == protocol.KindPresence {
		m.presence.Set(frame.Count)
		return
	}

	outcome := rs.merger.Ingest(frame)
	switch outcome {
	case timeline.Confirmed:
		rs.composer.Acknowledge(frame.Message.LocalID)
	case timeline.Ignored, timeline.Rejected:
		return
	}

	evt := Event{Kind: EventTimeline, Room: rs.room, Outcome: outcome.String()}
	if frame.Kind == protocol.KindChat {
		msg, ok := rs.tl.Last()
		if outcome == timeline.Confirmed {
			msg, ok = rs.tl.Find(frame.Message.LocalID)
		}
		if ok {
			evt.Message = &msg
		}
	}
	m.publish(evt)
}

// loadHistory 拉取历史；失败时不消费历史标记，服务端推送的数组帧仍可作为历史
func (m *Manager) loadHistory(rs *roomSession) {
	ctx, cancel := context.WithTimeout(rs.ctx, m.opts.HistoryTimeout)
	defer cancel()

	msgs, err := m.opts.History.Get(ctx, rs.room, m.opts.HistoryLimit)
	if err != nil {
		if rs.ctx.Err() != nil {
			return
		}
		m.opts.Logger.Error().Err(err).Msgf("[Session:%s] history unavailable", rs.room)
		m.publish(Event{Kind: EventHistoryUnavailable, Room: rs.room, Error: err.Error()})
		return
	}

	_ = rs.queue.Enqueue(rs.ctx, "history.fetch", func(ctx context.Context) error {
		if rs.merger.ApplyHistory(msgs) == timeline.Replaced {
			m.publish(Event{Kind: EventTimeline, Room: rs.room, Outcome: timeline.Replaced.String()})
		}
		return nil
	})
}

func (m *Manager) composerNotifier(room string) func(composer.Change) {
	return func(c composer.Change) {
		msg := c.Message
		switch c.Kind {
		case composer.ChangeUploadFailed:
			evt := Event{Kind: EventUploadFailed, Room: room, Message: &msg}
			if c.Err != nil {
				evt.Error = c.Err.Error()
			}
			m.publish(evt)
		default:
			m.publish(Event{Kind: EventTimeline, Room: room, Outcome: string(c.Kind), Message: &msg})
		}
	}
}

// teardown 所有退出路径的唯一拆除入口；可重复调用
func (m *Manager) teardown(rs *roomSession) {
	rs.teardownOnce.Do(func() {
		rs.cancel()
		rs.unsubLink()
		_ = rs.link.Close()
		rs.tl.Close()
		rs.composer.Close()
		_ = rs.queue.Close()
		m.opts.Logger.Info().Msgf("[Session:%s] torn down", rs.room)
	})
}

// Leave 离开当前房间
func (m *Manager) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	m.teardown(m.current)
	m.current = nil
	m.roomTag.Store("")
	m.presence.Reset()
	m.publish(Event{Kind: EventRoom})
}

// Close 离开当前房间并拒绝之后的 Open；可重复调用
func (m *Manager) Close() error {
	m.Leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Manager) session() (*roomSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.current == nil {
		return nil, ErrNoRoom
	}
	return m.current, nil
}

// Submit 在当前房间发送消息，返回本地幂等键
func (m *Manager) Submit(ctx context.Context, text string, file *composer.File) (string, error) {
	rs, err := m.session()
	if err != nil {
		return "", err
	}
	return rs.composer.Submit(ctx, text, file)
}

// Retry 重新上传当前房间中失败的附件
func (m *Manager) Retry(ctx context.Context, localID string) error {
	rs, err := m.session()
	if err != nil {
		return err
	}
	return rs.composer.Retry(ctx, localID)
}

// Room 当前房间名，没有时为空
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.room
}

// Timeline 当前房间时间线快照
func (m *Manager) Timeline() []model.Message {
	rs, err := m.session()
	if err != nil {
		return []model.Message{}
	}
	return rs.tl.List()
}

// Presence 当前房间在线人数
func (m *Manager) Presence() int {
	return m.presence.Count()
}

// LinkState 当前链路状态
func (m *Manager) LinkState() channel.State {
	rs, err := m.session()
	if err != nil {
		return channel.Disconnected
	}
	return rs.link.State()
}

// Snapshot 当前会话的完整快照
func (m *Manager) Snapshot() Snapshot {
	rs, err := m.session()
	if err != nil {
		return Snapshot{LinkState: channel.Disconnected.String(), Messages: []model.Message{}}
	}
	return Snapshot{
		Room:          rs.room,
		LinkState:     rs.link.State().String(),
		Presence:      m.presence.Count(),
		PresenceKnown: m.presence.Known(),
		HistoryLoaded: rs.tl.HistoryConsumed(),
		Messages:      rs.tl.List(),
	}
}

// PreviewHistory 不进入房间，直接拉取其最近历史；失败时为空
func (m *Manager) PreviewHistory(ctx context.Context, room string, limit int) []model.Message {
	if m.opts.History == nil {
		return []model.Message{}
	}
	if limit <= 0 {
		limit = m.opts.HistoryLimit
	}
	return m.opts.History.Fetch(ctx, room, limit)
}

// Outbox 本地记录的未完成条目
func (m *Manager) Outbox(room string) ([]model.Message, error) {
	if m.opts.Journal == nil {
		return []model.Message{}, nil
	}
	if room == "" {
		room = m.Room()
	}
	return m.opts.Journal.List(room)
}
