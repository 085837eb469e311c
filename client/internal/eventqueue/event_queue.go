package eventqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("event queue closed")

// Task 在队列协程中执行的一次状态变更
type Task func(ctx context.Context) error

// EventQueue 为一个房间会话提供串行事件处理（Actor Model）
// 解决问题：
// 1. 入站帧、乐观追加、上传回调都会修改时间线，集中到一个协程执行避免数据竞态
// 2. 保证事件按到达顺序处理，历史批次与实时消息不会乱序
//
// 与丢弃式队列不同，Enqueue 在队列满时阻塞等待，入站帧不会因为背压被静默丢弃。
type EventQueue struct {
	name      string
	eventChan chan *queuedEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    zerolog.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	failedEvents    int64
}

type queuedEvent struct {
	name      string
	task      Task
	timestamp time.Time
	resultCh  chan error // 同步调用时非空
}

// Stats 队列统计
type Stats struct {
	Name      string `json:"name"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
}

const (
	defaultQueueCapacity = 256
	// 单个任务的处理超时
	defaultEventTimeout = 10 * time.Second
	slowEventThreshold  = time.Second
)

// NewEventQueue 创建事件队列并启动处理协程
func NewEventQueue(name string, logger zerolog.Logger) *EventQueue {
	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		name:      name,
		eventChan: make(chan *queuedEvent, defaultQueueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	eq.wg.Add(1)
	go eq.processLoop()

	logger.Debug().Msgf("[EventQueue] Created for %s", name)

	return eq
}

// Enqueue 将任务加入队列（异步）
//
// 队列满时阻塞，直到任务被接收、ctx 结束或队列关闭。
func (eq *EventQueue) Enqueue(ctx context.Context, name string, task Task) error {
	return eq.push(ctx, &queuedEvent{name: name, task: task, timestamp: time.Now()})
}

// EnqueueSync 将任务加入队列并等待其执行完成
//
// ctx 只约束入队；任务一旦被接收就一定会执行，此时只等待执行结果或队列关闭，
// 调用方不会在任务已生效时拿到 ctx 错误。
// 不能在队列协程内部调用，否则会自我死锁。
func (eq *EventQueue) EnqueueSync(ctx context.Context, name string, task Task) error {
	event := &queuedEvent{
		name:      name,
		task:      task,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}
	if err := eq.push(ctx, event); err != nil {
		return err
	}

	select {
	case err := <-event.resultCh:
		return err
	case <-eq.ctx.Done():
		// 等处理协程退出：关闭时正在执行的任务仍返回其结果
		eq.wg.Wait()
		select {
		case err := <-event.resultCh:
			return err
		default:
			return ErrClosed
		}
	}
}

func (eq *EventQueue) push(ctx context.Context, event *queuedEvent) error {
	select {
	case <-eq.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-eq.ctx.Done():
		return ErrClosed
	}
}

// processLoop 串行处理事件（单协程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			eq.logger.Debug().Msgf("[EventQueue] Process loop stopped for %s", eq.name)
			return
		case event := <-eq.eventChan:
			eq.processEvent(event)
		}
	}
}

// processEvent 处理单个事件
func (eq *EventQueue) processEvent(event *queuedEvent) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, defaultEventTimeout)
	defer cancel()

	err := event.task(ctx)
	processingTime := time.Since(startTime)

	eq.mu.Lock()
	eq.processedEvents++
	if err != nil {
		eq.failedEvents++
	}
	eq.mu.Unlock()

	if err != nil {
		eq.logger.Warn().Err(err).
			Str("task", event.name).
			Dur("queue_latency", startTime.Sub(event.timestamp)).
			Msg("[EventQueue] task failed")
	}

	if event.resultCh != nil {
		event.resultCh <- err
	}

	if processingTime > slowEventThreshold {
		eq.logger.Warn().Str("task", event.name).Dur("processing_time", processingTime).
			Msg("[EventQueue] slow task")
	}
}

// Done 队列关闭后返回的 channel 被关闭
func (eq *EventQueue) Done() <-chan struct{} {
	return eq.ctx.Done()
}

// Close 关闭事件队列，未处理的任务被丢弃；可重复调用
func (eq *EventQueue) Close() error {
	eq.closeOnce.Do(func() {
		eq.cancel()
		eq.wg.Wait()

		s := eq.Stats()
		eq.logger.Debug().
			Int64("total", s.Total).
			Int64("processed", s.Processed).
			Int64("failed", s.Failed).
			Int("pending", s.Pending).
			Msgf("[EventQueue] Closed for %s", eq.name)
	})
	return nil
}

// Stats 获取队列统计信息
func (eq *EventQueue) Stats() Stats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return Stats{
		Name:      eq.name,
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Failed:    eq.failedEvents,
		Pending:   len(eq.eventChan),
		Capacity:  cap(eq.eventChan),
	}
}
