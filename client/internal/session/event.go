package session

import "chatsync/client/internal/model"

// EventKind 推送给 UI 的事件类型
type EventKind string

const (
	EventRoom               EventKind = "room"
	EventTimeline           EventKind = "timeline"
	EventPresence           EventKind = "presence"
	EventLinkState          EventKind = "link_state"
	EventUploadFailed       EventKind = "upload_failed"
	EventHistoryUnavailable EventKind = "history_unavailable"
)

// Event 会话事件
type Event struct {
	Kind      EventKind      `json:"kind"`
	Room      string         `json:"room"`
	Outcome   string         `json:"outcome,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	Count     int            `json:"count,omitempty"`
	LinkState string         `json:"linkState,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Snapshot 当前会话状态
type Snapshot struct {
	Room          string          `json:"room"`
	LinkState     string          `json:"linkState"`
	Presence      int             `json:"presence"`
	PresenceKnown bool            `json:"presenceKnown"`
	HistoryLoaded bool            `json:"historyLoaded"`
	Messages      []model.Message `json:"messages"`
}
