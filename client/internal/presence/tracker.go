package presence

import "sync"

// Tracker 当前房间的在线人数
//
// 每个在线人数帧整体替换计数，不做增减。
type Tracker struct {
	mu          sync.RWMutex
	count       int
	known       bool
	subscribers map[int]func(int)
	nextID      int
}

func NewTracker() *Tracker {
	return &Tracker{subscribers: make(map[int]func(int))}
}

// Set 用服务端下发的值替换计数；值未变化时不通知订阅者
func (t *Tracker) Set(count int) {
	if count < 0 {
		return
	}

	t.mu.Lock()
	changed := !t.known || t.count != count
	t.count = count
	t.known = true
	subs := t.snapshotLocked()
	t.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(count)
	}
}

// Count 最近一次的在线人数；尚未收到时为 0
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Known 是否已收到过在线人数帧
func (t *Tracker) Known() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.known
}

// Reset 切换房间时清零
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
	t.known = false
}

// Subscribe 订阅计数变化，返回取消订阅函数
func (t *Tracker) Subscribe(fn func(int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.subscribers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subscribers, id)
	}
}

func (t *Tracker) snapshotLocked() []func(int) {
	subs := make([]func(int), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	return subs
}
