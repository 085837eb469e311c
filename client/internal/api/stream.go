package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatsync/client/internal/session"
)

// streamMessage 推送给 UI 的一帧
type streamMessage struct {
	Kind     string            `json:"kind"`
	Event    *session.Event    `json:"event,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

// handleStream 升级为 websocket，先推送一次完整快照，之后推送会话事件。
// 消费过慢时丢弃事件，UI 可以随时重新拉取快照。
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("[API] stream upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan session.Event, streamBuffer)
	unsubscribe := s.core.Subscribe(func(evt session.Event) {
		select {
		case events <- evt:
		default:
			s.logger.Warn().Str("kind", string(evt.Kind)).Msg("[API] stream consumer too slow, event dropped")
		}
	})
	defer unsubscribe()

	// 读循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := s.core.Snapshot()
	if err := s.writeStream(conn, streamMessage{Kind: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case evt := <-events:
			if err := s.writeStream(conn, streamMessage{Kind: "event", Event: &evt}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug().Err(err).Msg("[API] stream write failed")
		}
		return err
	}
	return nil
}
