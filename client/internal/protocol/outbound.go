package protocol

import (
	"encoding/json"

	"chatsync/client/internal/model"
)

// outboundMessage 通过 websocket 发出的聊天消息
type outboundMessage struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	RoomName string `json:"roomName"`
	Content  string `json:"content"`
	Time     int64  `json:"time"`
	ClientID string `json:"clientId,omitempty"`
}

// EncodeOutbound 编码一条出站文本消息
//
// clientId 携带本地幂等键，支持的服务端会在回显中原样返回。
func EncodeOutbound(msg model.Message) ([]byte, error) {
	return json.Marshal(outboundMessage{
		UserID:   msg.AuthorID,
		Username: msg.AuthorName,
		RoomName: msg.RoomName,
		Content:  msg.TextContent,
		Time:     msg.SentAt,
		ClientID: msg.LocalID,
	})
}
