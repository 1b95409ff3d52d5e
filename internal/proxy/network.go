package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/server"
)

// ErrNetwork 表示网络尝试在传输层失败（连接失败、超时、读取中断），只有这类错误触发回退。
var ErrNetwork = errors.New("network unavailable")

// Request 是执行器需要的客户端请求快照，与 Fiber 解耦以便单测直接构造。
type Request struct {
	Method string
	Header http.Header
	Body   []byte
}

// fetch 发起一次网络尝试并读完响应体。非 2xx 响应不是错误。
func (h *Handler) fetch(ctx context.Context, method string, target *url.URL, header http.Header, body []byte) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	server.CopyHeaders(req.Header, header)
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Content-Length")
	req.Host = target.Host

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	respHeader := http.Header{}
	server.CopyHeaders(respHeader, resp.Header)
	respHeader.Del("Content-Length")

	return &Response{
		Status: resp.StatusCode,
		Header: respHeader,
		Body:   payload,
		Source: SourceNetwork,
	}, nil
}

// isOK 对应 fetch Response.ok。
func isOK(status int) bool {
	return status >= 200 && status < 300
}

// isCacheableStatus 排除 206，部分内容不能作为完整快照回放。
func isCacheableStatus(status int) bool {
	return isOK(status) && status != http.StatusPartialContent
}
