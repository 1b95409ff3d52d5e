// Package clients 维护当前在线的客户端（通过 SSE 连接），负责广播与定向消息。
package clients

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
)

// 消息类型。
const (
	MessageControllerChange = "CONTROLLER_CHANGE"
	MessageFocus            = "FOCUS"
	MessageNavigate         = "NAVIGATE"
	MessageConnected        = "CONNECTED"
)

const defaultBuffer = 16

// Event 是推送给单个客户端的一条消息，Data 为 JSON。
type Event struct {
	Type string
	Data []byte
}

// Info 是客户端的只读快照。
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Client 表示一个已连接的客户端。
type Client struct {
	info   Info
	events chan Event
}

// ID 返回客户端标识。
func (c *Client) ID() string { return c.info.ID }

// Events 返回消息通道，Unregister 后关闭。
func (c *Client) Events() <-chan Event { return c.events }

// Hub 是客户端注册表，可并发使用。
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	controller string
	logger     *logrus.Entry
	now        func() time.Time
}

// NewHub 构造空注册表。
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logging.Component(logger, "clients"),
		now:     time.Now,
	}
}

// Register 登记一个新客户端，已激活的代际会立即接管它。
func (h *Hub) Register(url string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	client := &Client{
		info: Info{
			ID:          uuid.NewString(),
			URL:         normalizeClientURL(url),
			Controller:  h.controller,
			ConnectedAt: h.now().UTC(),
		},
		events: make(chan Event, defaultBuffer),
	}
	h.clients[client.info.ID] = client
	h.logger.WithFields(logrus.Fields{"action": "client_register", "client_id": client.info.ID, "url": client.info.URL}).
		Debug("client connected")
	return client
}

// Unregister 移除客户端并关闭其消息通道，重复调用无副作用。
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(client.events)
}

// Navigate 更新客户端当前所在的 URL。
func (h *Hub) Navigate(id, url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[id]
	if ok {
		client.info.URL = normalizeClientURL(url)
	}
	return ok
}

// Broadcast 向所有客户端推送消息，返回成功投递的数量。
func (h *Hub) Broadcast(eventType string, payload interface{}) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).WithField("type", eventType).Error("broadcast_encode_failed")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if h.deliver(client, Event{Type: eventType, Data: data}) {
			delivered++
		}
	}
	return delivered
}

// Send 向指定客户端推送消息。
func (h *Hub) Send(id, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	if !ok {
		return fmt.Errorf("client %s not connected", id)
	}
	if !h.deliver(client, Event{Type: eventType, Data: data}) {
		return fmt.Errorf("client %s is not draining events", id)
	}
	return nil
}

// Claim 让当前代际接管全部在线客户端，并广播 CONTROLLER_CHANGE。
func (h *Hub) Claim(generation string) int {
	h.mu.Lock()
	h.controller = generation
	for _, client := range h.clients {
		client.info.Controller = generation
	}
	h.mu.Unlock()
	return h.Broadcast(MessageControllerChange, map[string]string{
		"type":       MessageControllerChange,
		"controller": generation,
	})
}

// Controller 返回当前接管客户端的代际。
func (h *Hub) Controller() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// WindowResult 描述 OpenWindow 的处理方式。
type WindowResult struct {
	Action   string `json:"action"`
	ClientID string `json:"clientId,omitempty"`
	URL      string `json:"url"`
}

// OpenWindow 打开或聚焦 url：已有同 URL 的客户端时发送 FOCUS，否则让最近连接的客户端 NAVIGATE。
// 没有任何在线客户端时返回 Action "none"，目标 URL 仍会返回给调用方。
func (h *Hub) OpenWindow(url string) WindowResult {
	target := normalizeClientURL(url)
	candidates := h.List()
	for _, info := range candidates {
		if info.URL == target {
			if err := h.Send(info.ID, MessageFocus, map[string]string{"type": MessageFocus, "url": target}); err == nil {
				return WindowResult{Action: "focus", ClientID: info.ID, URL: target}
			}
		}
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		info := candidates[i]
		if err := h.Send(info.ID, MessageNavigate, map[string]string{"type": MessageNavigate, "url": target}); err == nil {
			h.Navigate(info.ID, target)
			return WindowResult{Action: "navigate", ClientID: info.ID, URL: target}
		}
	}
	return WindowResult{Action: "none", URL: target}
}

// List 按连接时间返回全部客户端快照。
func (h *Hub) List() []Info {
	h.mu.RLock()
	result := make([]Info, 0, len(h.clients))
	for _, client := range h.clients {
		result = append(result, client.info)
	}
	h.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Count 返回在线客户端数量。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver 非阻塞投递；通道满说明客户端没有在消费，直接丢弃。调用方需持有读锁。
func (h *Hub) deliver(client *Client, ev Event) bool {
	select {
	case client.events <- ev:
		return true
	default:
		h.logger.WithFields(logrus.Fields{"action": "client_send", "client_id": client.info.ID, "type": ev.Type}).
			Warn("client_buffer_full")
		return false
	}
}

// WriteEvent 以 text/event-stream 格式写出一条消息。
func WriteEvent(w *bufio.Writer, ev Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return err
	}
	return w.Flush()
}

// WriteKeepAlive 写出 SSE 注释行，用于探测连接是否仍然存活。
func WriteKeepAlive(w *bufio.Writer) error {
	if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

func normalizeClientURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	return raw
}
