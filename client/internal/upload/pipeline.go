package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTooLarge 文件超过上传上限
	ErrTooLarge = errors.New("file exceeds upload limit")
	// ErrNoLocator 服务端成功响应但没有返回 secureUrl
	ErrNoLocator = errors.New("upload response has no secureUrl")
)

// DefaultMaxBytes 与服务端一致的 10MB 上限
const DefaultMaxBytes int64 = 10 << 20

// Request 一次附件上传
type Request struct {
	Room        string
	Caption     string
	FileName    string
	ContentType string
	Content     []byte
}

// Result 上传端点的响应
type Result struct {
	SecureURL        string `json:"secureUrl"`
	PublicID         string `json:"publicId,omitempty"`
	Format           string `json:"format,omitempty"`
	ResourceType     string `json:"resourceType,omitempty"`
	Bytes            int64  `json:"bytes,omitempty"`
	OriginalFilename string `json:"originalFilename,omitempty"`
}

// Pipeline 把附件和说明文字以 multipart 形式 POST 到 {BaseURL}/chat/upload/{room}
//
// 上传成功后由服务端负责持久化和广播，调用方不需要再通过 websocket 发送。
type Pipeline struct {
	HTTPClient *http.Client
	BaseURL    string
	Header     http.Header
	MaxBytes   int64
	Logger     zerolog.Logger
}

// Upload 执行上传
//
// progress 收到 [0,100] 内单调不减的百分比，成功时最后一次为 100；
// Upload 返回之后 progress 不会再被调用。
func (p *Pipeline) Upload(ctx context.Context, req Request, progress func(int)) (Result, error) {
	rep := &reporter{fn: progress, last: -1}
	defer rep.settle()

	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if int64(len(req.Content)) > maxBytes {
		return Result{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(req.Content), maxBytes)
	}

	body, contentType, err := encodeForm(req)
	if err != nil {
		return Result{}, err
	}

	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}

	endpoint := strings.TrimRight(p.BaseURL, "/") + "/chat/upload/" + url.PathEscape(req.Room)
	reader := &progressReader{r: bytes.NewReader(body), total: int64(len(body)), rep: rep}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return Result{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.ContentLength = int64(len(body))
	for k, vs := range p.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", contentType)

	rep.report(0)
	start := time.Now()

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("upload %s: status=%d body=%s", req.FileName, resp.StatusCode, string(limited))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.SecureURL == "" {
		return Result{}, ErrNoLocator
	}

	rep.report(100)
	p.Logger.Info().
		Str("file", req.FileName).
		Int("bytes", len(req.Content)).
		Dur("elapsed", time.Since(start)).
		Msgf("[Upload:%s] done", req.Room)
	return out, nil
}

func encodeForm(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fileName := req.FileName
	if fileName == "" {
		fileName = "attachment"
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(req.Content)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(fileName)))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(req.Content); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.WriteField("message", req.Caption); err != nil {
		return nil, "", fmt.Errorf("write message field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// reporter 保证进度单调，并且结算之后不再回调
type reporter struct {
	mu      sync.Mutex
	fn      func(int)
	last    int
	settled bool
}

func (r *reporter) report(pct int) {
	if r.fn == nil {
		return
	}
	pct = min(max(pct, 0), 100)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled || pct <= r.last {
		return
	}
	r.last = pct
	r.fn(pct)
}

func (r *reporter) settle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
}

// progressReader 统计已写出的请求体字节
//
// 传输阶段最多报告 99，100 只在服务端确认成功后报告。
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	rep   *reporter
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 && pr.total > 0 {
		pr.sent += int64(n)
		pr.rep.report(min(int(pr.sent*100/pr.total), 99))
	}
	return n, err
}
