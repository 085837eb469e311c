package timeline

import (
	"errors"

	"github.com/rs/zerolog"

	"chatsync/client/internal/model"
	"chatsync/client/internal/protocol"
)

// Outcome 一次合并的结果
type Outcome int

const (
	Ignored Outcome = iota
	Replaced
	Appended
	Confirmed
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// Changed 时间线内容是否发生变化
func (o Outcome) Changed() bool {
	return o == Replaced || o == Appended || o == Confirmed
}

// Merger 把入站帧合并进时间线
//
// 第一个历史批次（数组帧或 REST 拉取结果）替换时间线，之后的历史批次被忽略；
// 聊天帧追加到末尾。dedupe 打开时，回显中 clientId 命中乐观条目会原地确认而不是重复追加。
type Merger struct {
	tl     *Timeline
	dedupe bool
	logger zerolog.Logger
}

func NewMerger(tl *Timeline, dedupe bool, logger zerolog.Logger) *Merger {
	return &Merger{tl: tl, dedupe: dedupe, logger: logger}
}

func (m *Merger) Timeline() *Timeline {
	return m.tl
}

// Ingest 合并一个已解析的入站帧；在线人数与未知帧不属于时间线，返回 Ignored
func (m *Merger) Ingest(frame protocol.Frame) Outcome {
	switch frame.Kind {
	case protocol.KindHistory:
		if frame.Skipped > 0 {
			m.logger.Warn().Int("skipped", frame.Skipped).Msgf("[Timeline:%s] history frame had invalid entries", m.tl.Room())
		}
		return m.ApplyHistory(frame.History)
	case protocol.KindChat:
		return m.appendLive(frame.Message)
	default:
		return Ignored
	}
}

// ApplyHistory 应用一个历史批次
func (m *Merger) ApplyHistory(batch []model.Message) Outcome {
	applied, err := m.tl.ReplaceHistory(batch)
	if err != nil {
		m.logger.Debug().Err(err).Msgf("[Timeline:%s] history dropped", m.tl.Room())
		return Rejected
	}
	if !applied {
		m.logger.Debug().Int("size", len(batch)).Msgf("[Timeline:%s] history already consumed, ignoring batch", m.tl.Room())
		return Ignored
	}
	m.logger.Info().Int("size", len(batch)).Msgf("[Timeline:%s] history applied", m.tl.Room())
	return Replaced
}

func (m *Merger) appendLive(msg model.Message) Outcome {
	if m.dedupe && msg.LocalID != "" {
		if existing, ok := m.tl.Find(msg.LocalID); ok {
			if !existing.Optimistic() {
				return Ignored
			}
			serverID := msg.ServerID
			if serverID == "" {
				serverID = msg.LocalID
			}
			if _, err := m.tl.Confirm(msg.LocalID, serverID, msg.SentAt); err != nil {
				return Rejected
			}
			return Confirmed
		}
	}

	if _, err := m.tl.Append(msg); err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			m.logger.Warn().Msgf("[Timeline:%s] dropping invalid chat message", m.tl.Room())
		}
		return Rejected
	}
	return Appended
}
