package timeline

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatsync/client/internal/model"
	"chatsync/client/internal/protocol"
)

func decode(t *testing.T, raw string) protocol.Frame {
	t.Helper()
	frame, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return frame
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.TextContent
	}
	return out
}

// TestMergerHistoryThenLive 验证典型场景：
// 历史 [A,B] → 实时 C → 第二个数组帧 [X] 被忽略 → 实时 D。
func TestMergerHistoryThenLive(t *testing.T) {
	m := NewMerger(NewTimeline("general"), true, zerolog.Nop())

	require.Equal(t, Replaced, m.Ingest(decode(t, `[{"userId":1,"content":"A"},{"userId":2,"content":"B"}]`)))
	require.Equal(t, Appended, m.Ingest(decode(t, `{"type":"chat","userId":1,"content":"C"}`)))
	require.Equal(t, Ignored, m.Ingest(decode(t, `[{"userId":1,"content":"X"}]`)))
	require.Equal(t, Appended, m.Ingest(decode(t, `{"type":"chat","userId":2,"content":"D"}`)))

	require.Equal(t, []string{"A", "B", "C", "D"}, contents(m.Timeline().List()))
}

// TestMergerEmptyHistoryConsumesFlag 验证空历史也会消费标记。
func TestMergerEmptyHistoryConsumesFlag(t *testing.T) {
	m := NewMerger(NewTimeline("general"), true, zerolog.Nop())

	require.Equal(t, Replaced, m.Ingest(decode(t, `[]`)))
	require.Equal(t, Ignored, m.Ingest(decode(t, `[{"userId":1,"content":"late"}]`)))
	require.Equal(t, 0, m.Timeline().Len())
}

// TestMergerIgnoresPresenceAndUnknown 验证在线人数与未知帧不影响时间线。
func TestMergerIgnoresPresenceAndUnknown(t *testing.T) {
	m := NewMerger(NewTimeline("general"), true, zerolog.Nop())

	require.Equal(t, Ignored, m.Ingest(decode(t, `{"type":"onlineUser","count":4}`)))
	require.Equal(t, Ignored, m.Ingest(decode(t, `{"type":"typing"}`)))
	require.Equal(t, 0, m.Timeline().Len())
	require.False(t, m.Timeline().HistoryConsumed())
}

// TestMergerEchoDedupe 验证回显携带 clientId 时原地确认乐观条目。
func TestMergerEchoDedupe(t *testing.T) {
	tl := NewTimeline("general")
	_, err := tl.Append(model.Message{LocalID: "c-1", AuthorID: 1, TextContent: "hello", SentAt: 10})
	require.NoError(t, err)

	m := NewMerger(tl, true, zerolog.Nop())
	require.Equal(t, Confirmed, m.Ingest(decode(t, `{"type":"chat","id":55,"clientId":"c-1","userId":1,"content":"hello","time":20}`)))
	require.Equal(t, 1, tl.Len())

	msg, ok := tl.Find("c-1")
	require.True(t, ok)
	require.Equal(t, "55", msg.ServerID)
	require.Equal(t, int64(20), msg.SentAt)

	// 重复回显不再追加
	require.Equal(t, Ignored, m.Ingest(decode(t, `{"type":"chat","id":55,"clientId":"c-1","userId":1,"content":"hello"}`)))
	require.Equal(t, 1, tl.Len())
}

// TestMergerWithoutDedupeAppendsEcho 验证关闭去重时回显被当作新消息追加。
func TestMergerWithoutDedupeAppendsEcho(t *testing.T) {
	tl := NewTimeline("general")
	_, _ = tl.Append(model.Message{LocalID: "c-1", AuthorID: 1, TextContent: "hello"})

	m := NewMerger(tl, false, zerolog.Nop())
	require.Equal(t, Appended, m.Ingest(decode(t, `{"type":"chat","clientId":"c-1","userId":1,"content":"hello"}`)))
	require.Equal(t, 2, tl.Len())

	// 乐观条目仍可按 localID 定位
	msg, ok := tl.Find("c-1")
	require.True(t, ok)
	require.True(t, msg.Optimistic())
}

// TestMergerClosedTimeline 验证会话结束后帧被拒绝。
func TestMergerClosedTimeline(t *testing.T) {
	tl := NewTimeline("general")
	tl.Close()
	m := NewMerger(tl, true, zerolog.Nop())

	require.Equal(t, Rejected, m.Ingest(decode(t, `[]`)))
	require.Equal(t, Rejected, m.Ingest(decode(t, `{"type":"chat","userId":1,"content":"C"}`)))
}
