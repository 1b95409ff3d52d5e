package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/server"
)

// X-Served-By 取值，标识离线响应的来源。
const (
	ServedByOffline      = "ServiceWorker-Offline"
	ServedByOfflineDB    = "ServiceWorker-OfflineDB"
	ServedByOfflineQueue = "ServiceWorker-OfflineQueue"
)

const (
	headerServedBy     = "X-Served-By"
	headerOfflineCache = "X-Offline-Cache-Hit"
	offlineBody        = "Offline"
)

// Source 记录响应由哪一层产生，用于日志与响应头。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceDurable     Source = "durable"
	SourceOfflinePage Source = "offline-page"
	SourceQueue       Source = "queue"
	SourceSynthesized Source = "synthesized"
)

// Response 是执行器的统一产出，Handle 负责写回 Fiber。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	ServedBy string
}

// CacheHit 报告响应是否来自 Cache Storage 或持久化快照。
func (r *Response) CacheHit() bool {
	return r != nil && (r.Source == SourceCache || r.Source == SourceDurable || r.Source == SourceOfflinePage)
}

// OfflineEnvelope 是 API 完全失败时的 JSON 响应体。
type OfflineEnvelope struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp int64  `json:"timestamp"`
}

// QueuedEnvelope 是离线提交被接受时的 JSON 响应体。
type QueuedEnvelope struct {
	Success   bool   `json:"success"`
	Offline   bool   `json:"offline"`
	Message   string `json:"message"`
	ReportID  string `json:"reportId"`
	Timestamp int64  `json:"timestamp"`
}

func jsonResponse(status int, source Source, servedBy string, payload interface{}) *Response {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"success":false,"offline":true}`)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if servedBy != "" {
		header.Set(headerServedBy, servedBy)
	}
	return &Response{Status: status, Header: header, Body: body, Source: source, ServedBy: servedBy}
}

func offlineError(now time.Time, servedBy, message string) *Response {
	return jsonResponse(http.StatusServiceUnavailable, SourceSynthesized, servedBy, OfflineEnvelope{
		Success:   false,
		Error:     message,
		Offline:   true,
		Timestamp: now.UnixMilli(),
	})
}

func offlineText() *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set(headerServedBy, ServedByOffline)
	return &Response{
		Status:   http.StatusServiceUnavailable,
		Header:   header,
		Body:     []byte(offlineBody),
		Source:   SourceSynthesized,
		ServedBy: ServedByOffline,
	}
}

// write 把 Response 写回客户端，跳过 hop-by-hop 头。
func write(c fiber.Ctx, resp *Response) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	return c.Status(resp.Status).Send(resp.Body)
}
