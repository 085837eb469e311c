package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrClosed 链路已被关闭，不能再次打开
var ErrClosed = errors.New("link closed")

// State 链路连接状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	defaultReconnectDelay   = 3 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Config 链路配置
type Config struct {
	// BaseURL websocket 服务地址，例如 ws://localhost:8080
	BaseURL string
	// ReconnectDelay 断开后固定的重连间隔（默认 3s，不做指数退避）
	ReconnectDelay time.Duration
	// HandshakeTimeout 单次连接尝试的最长时间
	HandshakeTimeout time.Duration
	// PingInterval 大于 0 时定期发送 ping，读超时为其两倍
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Header 握手时携带的请求头（如 accessToken cookie）
	Header http.Header
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Link 一个房间的持久 websocket 链路
//
// 链路断开后按固定间隔无限重连，直到 Close。每次连接尝试递增代数（generation），
// 过期代数的回调一律丢弃，保证同一链路不会同时存在两条传输连接。
type Link struct {
	cfg     Config
	onFrame func([]byte)
	logger  zerolog.Logger

	mu            sync.Mutex
	room          string
	roomTag       atomic.Value // string，供无锁路径记录日志
	opened        bool
	closed        bool
	timer         *time.Timer
	attemptCancel context.CancelFunc
	subscribers   []subscriber
	nextSubID     int

	gen   atomic.Uint64
	state atomic.Int32
	conn  atomic.Pointer[websocket.Conn]

	// 写入互斥：gorilla/websocket 不允许并发写
	writeMu sync.Mutex

	closeChan chan struct{}
}

type subscriber struct {
	id int
	fn func(State)
}

// NewLink 创建链路；onFrame 在读协程中按到达顺序被调用
func NewLink(cfg Config, onFrame func([]byte), logger zerolog.Logger) *Link {
	if onFrame == nil {
		onFrame = func([]byte) {}
	}
	return &Link{
		cfg:       cfg.withDefaults(),
		onFrame:   onFrame,
		logger:    logger,
		closeChan: make(chan struct{}),
	}
}

// URL 房间对应的 websocket 地址
func (l *Link) URL(room string) string {
	return strings.TrimRight(l.cfg.BaseURL, "/") + "/chat/" + url.PathEscape(room)
}

// Room 已打开的房间名
func (l *Link) Room() string {
	room, _ := l.roomTag.Load().(string)
	return room
}

// State 当前状态（无锁读取，可在订阅回调中调用）
func (l *Link) State() State {
	return State(l.state.Load())
}

// Subscribe 订阅状态变化，返回取消订阅函数
//
// 回调在链路内部锁内同步执行，只能调用 State/Send，不能调用 Open/Close/Subscribe。
func (l *Link) Subscribe(fn func(State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSubID++
	id := l.nextSubID
	l.subscribers = append(l.subscribers, subscriber{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subscribers {
			if s.id == id {
				l.subscribers = append(l.subscribers[:i:i], l.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Open 开始连接指定房间；已打开时为空操作
func (l *Link) Open(room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.opened {
		if room != l.room {
			l.logger.Warn().Msgf("[Link:%s] already opened, ignoring open for %s", l.room, room)
		}
		return nil
	}
	l.room = room
	l.roomTag.Store(room)
	l.opened = true
	l.connectLocked()
	return nil
}

// Send 在链路打开时发送一帧；否则记录告警并返回 false
func (l *Link) Send(payload []byte) bool {
	if l.State() != Open {
		l.logger.Warn().Str("state", l.State().String()).Msgf("[Link:%s] send while not open, dropped", l.Room())
		return false
	}
	conn := l.conn.Load()
	if conn == nil {
		l.logger.Warn().Msgf("[Link:%s] send without transport, dropped", l.Room())
		return false
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		l.logger.Warn().Err(err).Msgf("[Link:%s] write failed", l.Room())
		// 关闭传输让读循环尽快感知并进入重连
		_ = conn.Close()
		return false
	}
	return true
}

// Close 关闭链路：取消重连定时器和进行中的连接尝试，拆除传输；可重复调用
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.gen.Add(1)
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.attemptCancel != nil {
		l.attemptCancel()
		l.attemptCancel = nil
	}
	conn := l.conn.Swap(nil)
	l.setStateLocked(Disconnected)
	room := l.room
	l.mu.Unlock()

	close(l.closeChan)

	if conn != nil {
		l.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		_ = conn.Close()
	}

	l.logger.Info().Msgf("[Link:%s] closed", room)
	return nil
}

// connectLocked 发起一次新的连接尝试（调用方持有 mu）
func (l *Link) connectLocked() {
	gen := l.gen.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HandshakeTimeout)
	l.attemptCancel = cancel
	l.setStateLocked(Connecting)

	target := l.URL(l.room)
	l.logger.Debug().Uint64("gen", gen).Msgf("[Link:%s] connecting to %s", l.room, target)

	go l.dial(ctx, cancel, gen, target)
}

func (l *Link) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: l.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, target, l.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial chat: status=%d err=%w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial chat: %w", err)
		}
		l.transportLost(gen, err)
		return
	}

	l.mu.Lock()
	if l.closed || gen != l.gen.Load() {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.attemptCancel = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.conn.Store(conn)
	l.setStateLocked(Open)
	l.mu.Unlock()

	l.logger.Info().Msgf("[Link:%s] connected", l.Room())

	l.serve(conn, gen)
}

// serve 读循环；返回时该连接已失效
func (l *Link) serve(conn *websocket.Conn, gen uint64) {
	stopPing := make(chan struct{})
	defer close(stopPing)

	if l.cfg.PingInterval > 0 {
		pongWait := 2 * l.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go l.pingLoop(conn, stopPing)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			l.transportLost(gen, err)
			return
		}
		if l.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * l.cfg.PingInterval))
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if gen != l.gen.Load() {
			return
		}
		l.onFrame(data)
	}
}

// pingLoop 定期发送 ping 保持连接
func (l *Link) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-l.closeChan:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.cfg.WriteTimeout))
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// transportLost 连接尝试失败或已建立的连接断开，进入重连
func (l *Link) transportLost(gen uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || gen != l.gen.Load() {
		return
	}

	l.attemptCancel = nil
	l.conn.Store(nil)

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		l.logger.Info().Msgf("[Link:%s] server closed connection", l.room)
	} else {
		l.logger.Warn().Err(err).Msgf("[Link:%s] transport error", l.room)
	}

	l.setStateLocked(Disconnected)
	l.scheduleReconnectLocked()
}

// scheduleReconnectLocked 挂上一次性的重连定时器
func (l *Link) scheduleReconnectLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	gen := l.gen.Load()
	l.setStateLocked(Reconnecting)
	l.logger.Info().Dur("delay", l.cfg.ReconnectDelay).Msgf("[Link:%s] reconnecting", l.room)

	l.timer = time.AfterFunc(l.cfg.ReconnectDelay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed || gen != l.gen.Load() {
			return
		}
		l.timer = nil
		l.connectLocked()
	})
}

func (l *Link) setStateLocked(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	for _, sub := range l.subscribers {
		sub.fn(s)
	}
}
