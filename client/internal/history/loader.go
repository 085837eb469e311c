package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsync/client/internal/model"
	"chatsync/client/internal/protocol"
)

// DefaultLimit 进入房间时拉取的历史条数
const DefaultLimit = 20

const (
	// 单条历史消息的预算，响应体上限为 baseBodyBytes + limit*entryBodyBytes
	entryBodyBytes = 16 << 10
	baseBodyBytes  = 64 << 10
)

// ErrBodyTooLarge 历史响应超过按 limit 计算的上限
var ErrBodyTooLarge = errors.New("history response too large")

func maxBodyBytes(limit int) int64 {
	return baseBodyBytes + int64(limit)*entryBodyBytes
}

// Loader 通过 REST 拉取房间最近的历史消息
//
// GET {BaseURL}/chat/{room}/{limit}，响应为消息数组。
type Loader struct {
	HTTPClient *http.Client
	BaseURL    string
	// Header 附加请求头（accessToken cookie）
	Header http.Header
	// NewestFirst 服务端按新到旧返回时置为 true，结果会被反转为时间顺序
	NewestFirst bool
	Logger      zerolog.Logger
}

// Get 拉取历史；失败时返回错误
func (l *Loader) Get(ctx context.Context, room string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	httpClient := l.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	endpoint := strings.TrimRight(l.BaseURL, "/") + "/chat/" + url.PathEscape(room) + "/" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, vs := range l.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("history %s: status=%d body=%s", room, resp.StatusCode, string(limited))
	}

	maxBytes := maxBodyBytes(limit)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read history body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes for limit %d", ErrBodyTooLarge, maxBytes, limit)
	}
	msgs, skipped, err := protocol.DecodeHistory(body)
	if err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if skipped > 0 {
		l.Logger.Warn().Int("skipped", skipped).Msgf("[History:%s] invalid entries skipped", room)
	}
	if l.NewestFirst {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

// Fetch 拉取历史；任何失败都记录日志并返回空列表
func (l *Loader) Fetch(ctx context.Context, room string, limit int) []model.Message {
	msgs, err := l.Get(ctx, room, limit)
	if err != nil {
		l.Logger.Error().Err(err).Msgf("[History:%s] fetch failed", room)
		return []model.Message{}
	}
	return msgs
}
