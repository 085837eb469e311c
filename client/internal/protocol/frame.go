package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatsync/client/internal/model"
)

// ErrMalformed 入站帧无法解析
var ErrMalformed = errors.New("malformed frame")

// Kind 入站帧类型
type Kind int

const (
	KindUnknown Kind = iota
	KindHistory
	KindChat
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindHistory:
		return "history"
	case KindChat:
		return "chat"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Frame 解析后的入站帧（带标签的联合体）
//
// 只有与 Kind 对应的字段有意义：
//   - KindHistory: History, Skipped
//   - KindChat: Message
//   - KindPresence: Count
//   - KindUnknown: Type
type Frame struct {
	Kind    Kind
	History []model.Message
	Message model.Message
	Count   int
	Type    string
	Skipped int
}

// wireFile 服务端返回的附件描述
type wireFile struct {
	SecureURL        string `json:"secureUrl"`
	PublicID         string `json:"publicId,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
}

// wireMessage 服务端下发的聊天消息
type wireMessage struct {
	Type      string          `json:"type,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	UserID    int             `json:"userId"`
	Username  string          `json:"username"`
	RoomName  string          `json:"roomName"`
	Content   string          `json:"content"`
	Time      int64           `json:"time,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
	File      *wireFile       `json:"file,omitempty"`
}

// probe 仅用于判别帧类型
type probe struct {
	Type    string          `json:"type"`
	Count   *int            `json:"count"`
	Content *string         `json:"content"`
	File    json.RawMessage `json:"file"`
}

// Decode 解析一条入站帧
//
// 以 '[' 开头的是历史批次；对象按 type 字段判别，
// 未标注 type 但形似聊天消息的对象也按聊天处理，其余对象为 KindUnknown。
// 非 JSON 文本（例如服务端的纯文本错误）返回 ErrMalformed。
func Decode(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	switch trimmed[0] {
	case '[':
		msgs, skipped, err := DecodeHistory(trimmed)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindHistory, History: msgs, Skipped: skipped}, nil
	case '{':
		return decodeObject(trimmed)
	default:
		return Frame{}, fmt.Errorf("%w: %s", ErrMalformed, excerpt(trimmed))
	}
}

func decodeObject(data []byte) (Frame, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case p.Type == "chat":
		return decodeChat(data)
	case p.Count != nil:
		if *p.Count < 0 {
			return Frame{}, fmt.Errorf("%w: negative presence count %d", ErrMalformed, *p.Count)
		}
		return Frame{Kind: KindPresence, Count: *p.Count}, nil
	case p.Type == "" && (p.Content != nil || len(p.File) > 0):
		return decodeChat(data)
	default:
		return Frame{Kind: KindUnknown, Type: p.Type}, nil
	}
}

func decodeChat(data []byte) (Frame, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: chat: %v", ErrMalformed, err)
	}
	msg := w.toMessage()
	if !msg.Valid() {
		return Frame{}, fmt.Errorf("%w: chat message has neither content nor file", ErrMalformed)
	}
	return Frame{Kind: KindChat, Message: msg}, nil
}

// DecodeHistory 解析历史消息数组，无效元素被跳过并计数
func DecodeHistory(data []byte) ([]model.Message, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: history: %v", ErrMalformed, err)
	}

	msgs := make([]model.Message, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		var w wireMessage
		if err := json.Unmarshal(item, &w); err != nil {
			skipped++
			continue
		}
		msg := w.toMessage()
		if !msg.Valid() {
			skipped++
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, skipped, nil
}

func (w wireMessage) toMessage() model.Message {
	msg := model.Message{
		LocalID:     w.ClientID,
		ServerID:    rawID(w.ID),
		AuthorID:    w.UserID,
		AuthorName:  w.Username,
		RoomName:    w.RoomName,
		TextContent: w.Content,
		SentAt:      w.Time,
	}
	if msg.SentAt == 0 && w.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
			msg.SentAt = ts.UnixMilli()
		}
	}
	if w.File != nil && w.File.SecureURL != "" {
		msg.Attachment = &model.Attachment{
			RemoteURI:   w.File.SecureURL,
			FileName:    w.File.OriginalFilename,
			UploadState: model.UploadDone,
			Progress:    100,
		}
	}
	return msg
}

// rawID 服务端 id 可能是数字也可能是字符串
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func excerpt(b []byte) string {
	const max = 64
	if len(b) > max {
		return strconv.Quote(string(b[:max])) + "..."
	}
	return strconv.Quote(string(b))
}
