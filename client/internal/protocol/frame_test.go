package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"chatsync/client/internal/model"
)

// TestDecodeHistory 验证数组帧被识别为历史批次，无效元素被跳过。
func TestDecodeHistory(t *testing.T) {
	data := []byte(`[
		{"id": 7, "type": "chat", "userId": 1, "username": "ann", "roomName": "general", "content": "hi", "time": 1000},
		{"id": "8", "userId": 2, "username": "bob", "roomName": "general", "content": "", "file": {"secureUrl": "https://cdn/x.png"}},
		{"userId": 3, "username": "eve", "roomName": "general", "content": ""},
		42
	]`)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindHistory, frame.Kind)
	require.Len(t, frame.History, 2)
	require.Equal(t, 2, frame.Skipped)

	require.Equal(t, "7", frame.History[0].ServerID)
	require.Equal(t, "hi", frame.History[0].TextContent)
	require.Equal(t, int64(1000), frame.History[0].SentAt)

	att := frame.History[1].Attachment
	require.NotNil(t, att)
	require.Equal(t, "https://cdn/x.png", att.RemoteURI)
	require.Equal(t, model.UploadDone, att.UploadState)
	require.Equal(t, "8", frame.History[1].ServerID)
}

// TestDecodeEmptyHistory 验证空数组也是合法的历史批次。
func TestDecodeEmptyHistory(t *testing.T) {
	frame, err := Decode([]byte(" [] "))
	require.NoError(t, err)
	require.Equal(t, KindHistory, frame.Kind)
	require.Empty(t, frame.History)
}

// TestDecodeChat 验证带 type=chat 的对象帧以及未标注 type 的聊天对象。
func TestDecodeChat(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"chat","userId":1,"username":"ann","roomName":"general","content":"hello","clientId":"c-1","created_at":"2024-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, KindChat, frame.Kind)
	require.Equal(t, "hello", frame.Message.TextContent)
	require.Equal(t, "c-1", frame.Message.LocalID)
	require.Equal(t, int64(1714557600000), frame.Message.SentAt)

	frame, err = Decode([]byte(`{"userId":2,"username":"bob","roomName":"general","content":"untagged"}`))
	require.NoError(t, err)
	require.Equal(t, KindChat, frame.Kind)
	require.Equal(t, "untagged", frame.Message.TextContent)
}

// TestDecodePresence 验证在线人数帧。
func TestDecodePresence(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"onlineUser","count":3}`))
	require.NoError(t, err)
	require.Equal(t, KindPresence, frame.Kind)
	require.Equal(t, 3, frame.Count)

	frame, err = Decode([]byte(`{"count":0}`))
	require.NoError(t, err)
	require.Equal(t, KindPresence, frame.Kind)
	require.Equal(t, 0, frame.Count)

	_, err = Decode([]byte(`{"type":"onlineUser","count":-1}`))
	require.ErrorIs(t, err, ErrMalformed)
}

// TestDecodeUnknownAndMalformed 验证未知对象与非法输入。
func TestDecodeUnknownAndMalformed(t *testing.T) {
	frame, err := Decode([]byte(`{"type":"typing","userId":1}`))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, frame.Kind)
	require.Equal(t, "typing", frame.Type)

	for _, raw := range []string{
		"",
		"Error: You are not a member of this group.",
		"{not json",
		"[1,2",
		`{"type":"chat","userId":1,"content":""}`,
	} {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrMalformed, "payload %q", raw)
	}
}

// TestEncodeOutbound 验证出站消息字段与幂等键。
func TestEncodeOutbound(t *testing.T) {
	data, err := EncodeOutbound(model.Message{
		LocalID:     "c-9",
		AuthorID:    5,
		AuthorName:  "ann",
		RoomName:    "general",
		TextContent: "hey",
		SentAt:      1234,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, map[string]any{
		"userId":   float64(5),
		"username": "ann",
		"roomName": "general",
		"content":  "hey",
		"time":     float64(1234),
		"clientId": "c-9",
	}, got)
}
