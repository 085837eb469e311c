package timeline

import (
	"errors"
	"sync"

	"chatsync/client/internal/model"
)

var (
	// ErrInvalidMessage 消息既无文本也无附件
	ErrInvalidMessage = errors.New("message has neither text nor attachment")
	// ErrClosed 时间线所属的房间会话已结束
	ErrClosed = errors.New("timeline closed")
	// ErrNotFound 没有对应 localID 的条目
	ErrNotFound = errors.New("timeline entry not found")
)

// Timeline 一个房间会话的有序消息视图
//
// 写操作由会话的事件队列串行发起；读操作（快照）可以来自任意协程。
// 历史批次在一个房间会话内只会被应用一次，标记不随重连重置。
type Timeline struct {
	mu              sync.RWMutex
	room            string
	entries         []model.Message
	index           map[string]int // localID -> 下标
	historyConsumed bool
	closed          bool
}

func NewTimeline(room string) *Timeline {
	return &Timeline{
		room:  room,
		index: make(map[string]int),
	}
}

func (t *Timeline) Room() string {
	return t.room
}

// ReplaceHistory 用历史批次替换时间线内容；同一会话只生效一次
//
// 历史到达之前已追加的条目（早到的实时消息、乐观发送）保留并排在历史之后。
// 返回 false 表示历史已被消费，本次批次被忽略。
func (t *Timeline) ReplaceHistory(batch []model.Message) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	if t.historyConsumed {
		return false, nil
	}

	early := t.entries
	entries := make([]model.Message, 0, len(batch)+len(early))
	for _, msg := range batch {
		if !msg.Valid() {
			continue
		}
		entries = append(entries, msg.Clone())
	}
	entries = append(entries, early...)

	t.entries = entries
	t.reindexLocked()
	t.historyConsumed = true
	return true, nil
}

// Append 在末尾追加一条消息，返回其下标
func (t *Timeline) Append(msg model.Message) (int, error) {
	if !msg.Valid() {
		return -1, ErrInvalidMessage
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return -1, ErrClosed
	}

	t.entries = append(t.entries, msg.Clone())
	pos := len(t.entries) - 1
	if msg.LocalID != "" {
		if _, exists := t.index[msg.LocalID]; !exists {
			t.index[msg.LocalID] = pos
		}
	}
	return pos, nil
}

// Update 按 localID 原地修改条目，返回修改后的副本
func (t *Timeline) Update(localID string, fn func(*model.Message)) (model.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return model.Message{}, ErrClosed
	}
	pos, ok := t.index[localID]
	if !ok {
		return model.Message{}, ErrNotFound
	}

	fn(&t.entries[pos])
	return t.entries[pos].Clone(), nil
}

// Confirm 为乐观条目写入服务端 id；sentAt 非 0 时以服务端时间为准
func (t *Timeline) Confirm(localID, serverID string, sentAt int64) (model.Message, error) {
	return t.Update(localID, func(m *model.Message) {
		m.ServerID = serverID
		if sentAt != 0 {
			m.SentAt = sentAt
		}
	})
}

// Find 按 localID 查找条目
func (t *Timeline) Find(localID string) (model.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.index[localID]
	if !ok {
		return model.Message{}, false
	}
	return t.entries[pos].Clone(), true
}

// List 返回全部条目的副本（按时间线顺序）
func (t *Timeline) List() []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return model.CloneAll(t.entries)
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Last 最后一条消息
func (t *Timeline) Last() (model.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return model.Message{}, false
	}
	return t.entries[len(t.entries)-1].Clone(), true
}

func (t *Timeline) HistoryConsumed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.historyConsumed
}

// Close 结束时间线，之后的修改都返回 ErrClosed
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *Timeline) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Timeline) reindexLocked() {
	t.index = make(map[string]int, len(t.entries))
	for i, msg := range t.entries {
		if msg.LocalID == "" {
			continue
		}
		if _, exists := t.index[msg.LocalID]; !exists {
			t.index[msg.LocalID] = i
		}
	}
}
