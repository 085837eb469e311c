package composer

import "chatsync/client/internal/model"

// UploadEventType 附件上传过程中的事实
type UploadEventType string

const (
	UploadProgressed UploadEventType = "progress"
	UploadSucceeded  UploadEventType = "succeeded"
	UploadAbandoned  UploadEventType = "abandoned"
	UploadRestarted  UploadEventType = "restarted"
)

// UploadEvent 一次上传状态变化
type UploadEvent struct {
	Type      UploadEventType
	Progress  int
	RemoteURI string
}

// ReduceUpload 只做附件状态归约，不触发外部调用。
// 约定：
//   - done 为终态，之后的任何事件都被忽略
//   - 进度只增不减
//   - 只有 failed 可以重新开始
//
// 返回值表示附件是否发生变化。
func ReduceUpload(att *model.Attachment, evt UploadEvent) bool {
	if att == nil || att.UploadState == model.UploadDone {
		return false
	}

	switch evt.Type {
	case UploadProgressed:
		if att.UploadState != model.UploadUploading {
			return false
		}
		p := min(max(evt.Progress, 0), 100)
		if p <= att.Progress {
			return false
		}
		att.Progress = p
		return true
	case UploadSucceeded:
		att.RemoteURI = evt.RemoteURI
		att.UploadState = model.UploadDone
		att.Progress = 100
		return true
	case UploadAbandoned:
		if att.UploadState == model.UploadFailed {
			return false
		}
		att.UploadState = model.UploadFailed
		return true
	case UploadRestarted:
		if att.UploadState != model.UploadFailed {
			return false
		}
		att.UploadState = model.UploadUploading
		att.Progress = 0
		return true
	default:
		return false
	}
}
