package model

// Author 当前登录用户（发送方）的身份
type Author struct {
	ID   int    `json:"userId"`
	Name string `json:"username"`
}

// UploadState 附件上传状态
type UploadState string

const (
	UploadUploading UploadState = "uploading"
	UploadDone      UploadState = "done"
	// UploadFailed 仅在 manual/auto 重试策略下出现
	UploadFailed UploadState = "failed"
)

// Attachment 消息附件
type Attachment struct {
	LocalPreviewURI string      `json:"localPreviewUri,omitempty"`
	RemoteURI       string      `json:"remoteUri,omitempty"`
	FileName        string      `json:"fileName,omitempty"`
	UploadState     UploadState `json:"uploadState,omitempty"`
	Progress        int         `json:"progress"`
}

// Message 时间线中的一条消息
//
// LocalID 由客户端生成，作为本地发出消息的幂等键；
// ServerID 来自服务端，为空表示乐观（未确认）条目。
type Message struct {
	LocalID     string      `json:"localId,omitempty"`
	ServerID    string      `json:"serverId,omitempty"`
	AuthorID    int         `json:"userId"`
	AuthorName  string      `json:"username"`
	RoomName    string      `json:"roomName"`
	TextContent string      `json:"content"`
	Attachment  *Attachment `json:"file,omitempty"`
	SentAt      int64       `json:"time"`
}

// Valid 文本和附件至少有一个
func (m Message) Valid() bool {
	return m.TextContent != "" || m.Attachment != nil
}

// Optimistic 尚未被服务端确认
func (m Message) Optimistic() bool {
	return m.ServerID == ""
}

// Uploading 附件仍在上传中
func (m Message) Uploading() bool {
	return m.Attachment != nil && m.Attachment.UploadState == UploadUploading
}

// Clone 深拷贝，快照不与活动条目共享附件指针
func (m Message) Clone() Message {
	if m.Attachment != nil {
		att := *m.Attachment
		m.Attachment = &att
	}
	return m
}

// CloneAll 拷贝一组消息
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
