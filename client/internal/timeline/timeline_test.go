package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chatsync/client/internal/model"
)

func text(id, content string) model.Message {
	return model.Message{ServerID: id, AuthorID: 1, AuthorName: "ann", RoomName: "general", TextContent: content}
}

// TestTimelineHistoryOnce 验证历史批次在一个会话内只生效一次。
func TestTimelineHistoryOnce(t *testing.T) {
	tl := NewTimeline("general")

	applied, err := tl.ReplaceHistory([]model.Message{text("1", "a"), text("2", "b")})
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, tl.HistoryConsumed())

	applied, err = tl.ReplaceHistory([]model.Message{text("9", "x")})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 2, tl.Len())
}

// TestTimelineEarlyEntriesKeptAfterHistory 验证历史到达前追加的条目排在历史之后。
func TestTimelineEarlyEntriesKeptAfterHistory(t *testing.T) {
	tl := NewTimeline("general")

	early := text("", "early")
	early.LocalID = "local-1"
	_, err := tl.Append(early)
	require.NoError(t, err)

	_, err = tl.ReplaceHistory([]model.Message{text("1", "a"), text("2", "b")})
	require.NoError(t, err)

	list := tl.List()
	require.Len(t, list, 3)
	require.Equal(t, []string{"a", "b", "early"}, []string{list[0].TextContent, list[1].TextContent, list[2].TextContent})

	// 重建索引后仍可按 localID 定位
	updated, err := tl.Confirm("local-1", "3", 0)
	require.NoError(t, err)
	require.Equal(t, "3", updated.ServerID)
	require.Equal(t, early.SentAt, updated.SentAt)

	updated, err = tl.Confirm("local-1", "3", 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), updated.SentAt)

	_, err = tl.Confirm("missing", "4", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestTimelineRejectsInvalid 验证空消息不会进入时间线。
func TestTimelineRejectsInvalid(t *testing.T) {
	tl := NewTimeline("general")
	_, err := tl.Append(model.Message{AuthorID: 1})
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = tl.ReplaceHistory([]model.Message{{AuthorID: 1}, text("1", "ok")})
	require.NoError(t, err)
	require.Equal(t, 1, tl.Len())
}

// TestTimelineUpdateInPlace 验证按 localID 原地修改，其他条目不受影响。
func TestTimelineUpdateInPlace(t *testing.T) {
	tl := NewTimeline("general")
	_, _ = tl.Append(text("1", "a"))
	_, err := tl.Append(model.Message{
		LocalID:    "up-1",
		AuthorID:   1,
		Attachment: &model.Attachment{LocalPreviewURI: "file:///cat.png", UploadState: model.UploadUploading},
	})
	require.NoError(t, err)
	_, _ = tl.Append(text("2", "b"))

	msg, err := tl.Update("up-1", func(m *model.Message) {
		m.Attachment.RemoteURI = "https://cdn/cat.png"
		m.Attachment.UploadState = model.UploadDone
	})
	require.NoError(t, err)
	require.Equal(t, model.UploadDone, msg.Attachment.UploadState)

	list := tl.List()
	require.Len(t, list, 3)
	require.Equal(t, "https://cdn/cat.png", list[1].Attachment.RemoteURI)
	require.Equal(t, "a", list[0].TextContent)
	require.Equal(t, "b", list[2].TextContent)

	_, err = tl.Update("missing", func(*model.Message) {})
	require.ErrorIs(t, err, ErrNotFound)
}

// TestTimelineListReturnsCopy 验证快照与内部状态互不影响。
func TestTimelineListReturnsCopy(t *testing.T) {
	tl := NewTimeline("general")
	_, _ = tl.Append(model.Message{LocalID: "l", Attachment: &model.Attachment{UploadState: model.UploadUploading}})

	list := tl.List()
	list[0].Attachment.UploadState = model.UploadDone

	msg, ok := tl.Find("l")
	require.True(t, ok)
	require.Equal(t, model.UploadUploading, msg.Attachment.UploadState)
}

// TestTimelineClosed 验证关闭后所有修改返回 ErrClosed。
func TestTimelineClosed(t *testing.T) {
	tl := NewTimeline("general")
	_, _ = tl.Append(model.Message{LocalID: "l", TextContent: "hi"})
	tl.Close()
	require.True(t, tl.Closed())

	_, err := tl.Append(text("1", "a"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = tl.ReplaceHistory(nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = tl.Update("l", func(*model.Message) {})
	require.ErrorIs(t, err, ErrClosed)

	last, ok := tl.Last()
	require.True(t, ok)
	require.Equal(t, "hi", last.TextContent)
}
