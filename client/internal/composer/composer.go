package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatsync/client/internal/eventqueue"
	"chatsync/client/internal/model"
	"chatsync/client/internal/protocol"
	"chatsync/client/internal/timeline"
	"chatsync/client/internal/upload"
)

var (
	// ErrEmptyMessage 没有文本也没有附件
	ErrEmptyMessage = errors.New("message has neither text nor file")
	// ErrRetryDisabled 当前策略不允许重试
	ErrRetryDisabled = errors.New("upload retry disabled by policy")
	// ErrNotRetryable 条目不存在、不是失败状态或正在上传
	ErrNotRetryable = errors.New("entry is not a failed upload")
	// ErrClosed 房间会话已结束
	ErrClosed = errors.New("composer closed")
)

// Sender 出站链路
type Sender interface {
	Send(payload []byte) bool
}

// Uploader 附件上传
type Uploader interface {
	Upload(ctx context.Context, req upload.Request, progress func(int)) (upload.Result, error)
}

// Journal 本地未完成条目的记录（可选）
type Journal interface {
	Record(msg model.Message) error
	Remove(room, localID string) error
}

// File 待上传的附件
type File struct {
	Name        string
	ContentType string
	Data        []byte
	// LocalPreview 上传完成前用于展示的本地地址；为空时使用 file://Name
	LocalPreview string
}

// ChangeKind 组合器产生的变化
type ChangeKind string

const (
	ChangeAppended     ChangeKind = "appended"
	ChangeUpdated      ChangeKind = "updated"
	ChangeUploadFailed ChangeKind = "upload_failed"
)

// Change 通知给会话层的变化，总是在事件队列协程中发出
type Change struct {
	Kind    ChangeKind
	Message model.Message
	Err     error
}

// Options 组合器依赖
type Options struct {
	Room          string
	Author        model.Author
	Timeline      *timeline.Timeline
	Queue         *eventqueue.EventQueue
	Link          Sender
	Uploader      Uploader
	Journal       Journal
	Policy        RetryPolicy
	UploadTimeout time.Duration
	Notify        func(Change)
	Logger        zerolog.Logger

	// 测试可替换
	Now   func() time.Time
	NewID func() string
}

// Composer 一个房间会话的出站消息组合器
//
// 文本消息乐观追加后经链路发出；附件消息乐观追加后走上传端点，不经过链路，
// 上传结果原地更新同一条目。所有时间线修改都在事件队列中执行。
type Composer struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*pendingUpload
	closed  bool

	closeChan chan struct{}
	wg        sync.WaitGroup
}

// pendingUpload 保留附件内容以便重试
type pendingUpload struct {
	file    File
	caption string
	// entry 提交时的条目，用于在事件队列之外更新 journal
	entry    model.Message
	attempts int
	inFlight bool
}

func New(opts Options) *Composer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Notify == nil {
		opts.Notify = func(Change) {}
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	opts.Policy = opts.Policy.normalized()

	return &Composer{
		opts:      opts,
		pending:   make(map[string]*pendingUpload),
		closeChan: make(chan struct{}),
	}
}

// Submit 发送一条消息，返回本地幂等键
//
// 乐观条目在 Submit 返回前已经出现在时间线中。
func (c *Composer) Submit(ctx context.Context, text string, file *File) (string, error) {
	if strings.TrimSpace(text) == "" && file == nil {
		return "", ErrEmptyMessage
	}
	if c.isClosed() {
		return "", ErrClosed
	}

	msg := model.Message{
		LocalID:     c.opts.NewID(),
		AuthorID:    c.opts.Author.ID,
		AuthorName:  c.opts.Author.Name,
		RoomName:    c.opts.Room,
		TextContent: text,
		SentAt:      c.opts.Now().UnixMilli(),
	}
	if file != nil {
		preview := file.LocalPreview
		if preview == "" {
			preview = "file://" + file.Name
		}
		msg.Attachment = &model.Attachment{
			LocalPreviewURI: preview,
			FileName:        file.Name,
			UploadState:     model.UploadUploading,
		}
	}

	err := c.opts.Queue.EnqueueSync(ctx, "composer.submit", func(ctx context.Context) error {
		if _, err := c.opts.Timeline.Append(msg); err != nil {
			return err
		}
		c.opts.Notify(Change{Kind: ChangeAppended, Message: msg.Clone()})

		if file != nil {
			c.record(msg)
			return nil
		}

		payload, err := protocol.EncodeOutbound(msg)
		if err != nil {
			return fmt.Errorf("encode outbound: %w", err)
		}
		if !c.opts.Link.Send(payload) {
			// 无确认、至多一次：未送达的文本只保留在本地时间线和日志里
			c.opts.Logger.Warn().Str("local_id", msg.LocalID).Msgf("[Composer:%s] message not delivered, link not open", c.opts.Room)
			c.record(msg)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, eventqueue.ErrClosed) || errors.Is(err, timeline.ErrClosed) {
			return "", ErrClosed
		}
		return "", err
	}

	if file != nil {
		c.mu.Lock()
		p := &pendingUpload{file: *file, caption: text, entry: msg.Clone()}
		c.pending[msg.LocalID] = p
		c.mu.Unlock()
		c.startUpload(msg.LocalID, p)
	}
	return msg.LocalID, nil
}

// Retry 重新上传一个失败的附件
func (c *Composer) Retry(ctx context.Context, localID string) error {
	if c.opts.Policy.Mode == PolicyNone {
		return ErrRetryDisabled
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	p, ok := c.pending[localID]
	if !ok || p.inFlight {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	c.mu.Unlock()

	err := c.opts.Queue.EnqueueSync(ctx, "composer.retry", func(ctx context.Context) error {
		changed := false
		msg, err := c.opts.Timeline.Update(localID, func(m *model.Message) {
			changed = ReduceUpload(m.Attachment, UploadEvent{Type: UploadRestarted})
		})
		if err != nil {
			return err
		}
		if !changed {
			return ErrNotRetryable
		}
		c.opts.Notify(Change{Kind: ChangeUpdated, Message: msg})
		return nil
	})
	if err != nil {
		if errors.Is(err, timeline.ErrNotFound) {
			return ErrNotRetryable
		}
		return err
	}

	c.mu.Lock()
	p.attempts = 0
	c.mu.Unlock()
	c.opts.Logger.Info().Str("local_id", localID).Msgf("[Composer:%s] retrying upload", c.opts.Room)
	c.startUpload(localID, p)
	return nil
}

// Acknowledge 服务端确认了一条本地消息（回显去重命中）
func (c *Composer) Acknowledge(localID string) {
	c.forget(localID)
}

// Close 结束组合器：停止等待中的自动重试，进行中的上传不取消，其结果不会再影响时间线
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
}

// Wait 等待所有上传协程退出
func (c *Composer) Wait() {
	c.wg.Wait()
}

func (c *Composer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Composer) startUpload(localID string, p *pendingUpload) {
	c.mu.Lock()
	p.inFlight = true
	p.attempts++
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runUpload(localID, p)
}

// runUpload 在独立协程中上传；离开房间不会取消上传
func (c *Composer) runUpload(localID string, p *pendingUpload) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.UploadTimeout)
	defer cancel()

	req := upload.Request{
		Room:        c.opts.Room,
		Caption:     p.caption,
		FileName:    p.file.Name,
		ContentType: p.file.ContentType,
		Content:     p.file.Data,
	}
	res, err := c.opts.Uploader.Upload(ctx, req, func(pct int) {
		c.post("composer.upload_progress", func() {
			c.apply(localID, UploadEvent{Type: UploadProgressed, Progress: pct}, ChangeUpdated, nil)
		})
	})
	if err != nil {
		c.uploadFailed(localID, p, err)
		return
	}

	c.mu.Lock()
	p.inFlight = false
	delete(c.pending, localID)
	c.mu.Unlock()

	// journal 不经过事件队列：房间会话结束后队列已关闭，但上传在服务端已经完成
	c.forget(localID)
	c.post("composer.upload_done", func() {
		c.apply(localID, UploadEvent{Type: UploadSucceeded, RemoteURI: res.SecureURL}, ChangeUpdated, nil)
	})
}

func (c *Composer) uploadFailed(localID string, p *pendingUpload, cause error) {
	c.mu.Lock()
	attempts := p.attempts
	c.mu.Unlock()

	c.opts.Logger.Error().Err(cause).
		Str("local_id", localID).
		Int("attempt", attempts).
		Str("policy", string(c.opts.Policy.Mode)).
		Msgf("[Composer:%s] upload failed", c.opts.Room)

	policy := c.opts.Policy
	if policy.Mode == PolicyAuto && attempts <= policy.MaxAutoRetries {
		select {
		case <-c.closeChan:
		case <-time.After(policy.AutoRetryDelay):
			c.startUpload(localID, p)
			return
		}
	}

	c.mu.Lock()
	p.inFlight = false
	if policy.Mode == PolicyNone {
		delete(c.pending, localID)
	}
	c.mu.Unlock()

	failed := p.entry.Clone()
	if failed.Attachment != nil {
		failed.Attachment.UploadState = model.UploadFailed
	}
	c.record(failed)

	c.post("composer.upload_failed", func() {
		if policy.Mode == PolicyNone {
			// 条目停留在 uploading，只对外通知失败
			if msg, ok := c.opts.Timeline.Find(localID); ok && msg.Uploading() {
				c.opts.Notify(Change{Kind: ChangeUploadFailed, Message: msg, Err: cause})
			}
			return
		}
		c.apply(localID, UploadEvent{Type: UploadAbandoned}, ChangeUploadFailed, cause)
	})
}

// apply 在队列协程中归约附件状态并通知；时间线已结束或条目不存在时不做任何事
func (c *Composer) apply(localID string, evt UploadEvent, kind ChangeKind, cause error) bool {
	if c.opts.Timeline.Closed() {
		return false
	}
	changed := false
	msg, err := c.opts.Timeline.Update(localID, func(m *model.Message) {
		changed = ReduceUpload(m.Attachment, evt)
	})
	if err != nil {
		c.opts.Logger.Debug().Err(err).Str("local_id", localID).Msgf("[Composer:%s] upload result dropped", c.opts.Room)
		return false
	}
	if !changed {
		return false
	}
	c.opts.Notify(Change{Kind: kind, Message: msg, Err: cause})
	return true
}

// post 把上传回调投递到事件队列；队列关闭（房间会话已结束）时静默丢弃
func (c *Composer) post(name string, fn func()) {
	_ = c.opts.Queue.Enqueue(context.Background(), name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

func (c *Composer) record(msg model.Message) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.Record(msg); err != nil {
		c.opts.Logger.Warn().Err(err).Str("local_id", msg.LocalID).Msgf("[Composer:%s] journal record failed", c.opts.Room)
	}
}

func (c *Composer) forget(localID string) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.Remove(c.opts.Room, localID); err != nil {
		c.opts.Logger.Warn().Err(err).Str("local_id", localID).Msgf("[Composer:%s] journal remove failed", c.opts.Room)
	}
}
