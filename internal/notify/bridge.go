// Package notify 把推送消息转成系统通知，并把通知点击路由回应用窗口。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/clients"
	"github.com/any-hub/offline-hub/internal/logging"
)

// 广播给客户端的消息类型。
const (
	MessageNotification       = "NOTIFICATION"
	MessageNotificationClosed = "NOTIFICATION_CLOSED"
)

// TypeEmergencyAlert 是唯一会弹出通知的推送类型。
const TypeEmergencyAlert = "emergency-alert"

// 通知动作。
const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

const (
	defaultIcon  = "/icons/icon-192x192.png"
	defaultBadge = "/icons/badge-72x72.png"
	defaultTitle = "Emergency Alert"
)

// ErrUnknownNotification 表示点击的通知不存在或已关闭。
var ErrUnknownNotification = errors.New("notification not found")

const pushSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "message"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "message": {"type": "string"},
    "title": {"type": "string"},
    "url": {"type": "string"}
  }
}`

// Payload 是推送消息在边界校验之后的形态。
type Payload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Action 是通知上的按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification 是发给客户端展示的系统通知。
type Notification struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Icon               string    `json:"icon"`
	Badge              string    `json:"badge"`
	RequireInteraction bool      `json:"requireInteraction"`
	Actions            []Action  `json:"actions"`
	Data               Payload   `json:"data"`
	URL                string    `json:"url"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ClickResult 描述一次点击的处理结果。
type ClickResult struct {
	NotificationID string                `json:"notificationId"`
	Action         string                `json:"action"`
	Window         *clients.WindowResult `json:"window,omitempty"`
}

// Clients 是通知需要的客户端能力。
type Clients interface {
	Broadcast(eventType string, payload interface{}) int
	OpenWindow(url string) clients.WindowResult
}

// Bridge 校验推送消息、维护未关闭的通知，并处理点击。
type Bridge struct {
	clients Clients
	schema  *jsonschema.Schema
	logger  *logrus.Entry
	now     func() time.Time

	mu   sync.Mutex
	open map[string]Notification
}

// NewBridge 编译推送消息 schema 并构造 Bridge。
func NewBridge(c Clients, logger *logrus.Logger) (*Bridge, error) {
	if c == nil {
		return nil, errors.New("clients registry is required")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushSchema))
	if err != nil {
		return nil, fmt.Errorf("decode push schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push.json", doc); err != nil {
		return nil, fmt.Errorf("add push schema: %w", err)
	}
	schema, err := compiler.Compile("push.json")
	if err != nil {
		return nil, fmt.Errorf("compile push schema: %w", err)
	}
	return &Bridge{
		clients: c,
		schema:  schema,
		logger:  logging.Component(logger, "notify"),
		now:     time.Now,
		open:    make(map[string]Notification),
	}, nil
}

// Parse 校验推送正文；缺失、非 JSON 或字段类型不符都返回错误。
func (b *Bridge) Parse(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Payload{}, errors.New("empty push payload")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Payload{}, fmt.Errorf("push payload is not json: %w", err)
	}
	if err := b.schema.Validate(inst); err != nil {
		return Payload{}, fmt.Errorf("push payload rejected: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// HandlePush 处理一条推送。只有 emergency-alert 会生成通知并广播给客户端，
// 其它类型或畸形消息返回 false。
func (b *Bridge) HandlePush(ctx context.Context, raw []byte) (Notification, bool) {
	payload, err := b.Parse(raw)
	if err != nil {
		b.logger.WithField("action", "push").WithError(err).Warn("push_ignored")
		return Notification{}, false
	}
	if payload.Type != TypeEmergencyAlert {
		b.logger.WithFields(logrus.Fields{"action": "push", "type": payload.Type}).Debug("push_not_alert")
		return Notification{}, false
	}

	title := payload.Title
	if title == "" {
		title = defaultTitle
	}
	n := Notification{
		ID:                 uuid.NewString(),
		Title:              title,
		Body:               payload.Message,
		Icon:               defaultIcon,
		Badge:              defaultBadge,
		RequireInteraction: true,
		Actions: []Action{
			{Action: ActionView, Title: "View Details"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
		Data:      payload,
		URL:       targetURL(payload.URL),
		CreatedAt: b.now().UTC(),
	}

	b.mu.Lock()
	b.open[n.ID] = n
	b.mu.Unlock()

	delivered := b.clients.Broadcast(MessageNotification, n)
	b.logger.WithFields(logrus.Fields{
		"action":          "push",
		"notification_id": n.ID,
		"delivered":       delivered,
	}).Info("notification_shown")
	return n, true
}

// HandleClick 关闭通知；默认动作（空）或 view 会打开或聚焦通知携带的 URL。
func (b *Bridge) HandleClick(ctx context.Context, id, action string) (ClickResult, error) {
	if err := ctx.Err(); err != nil {
		return ClickResult{}, err
	}
	b.mu.Lock()
	n, ok := b.open[id]
	if ok {
		delete(b.open, id)
	}
	b.mu.Unlock()
	if !ok {
		return ClickResult{}, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}

	b.clients.Broadcast(MessageNotificationClosed, map[string]string{"id": id})
	result := ClickResult{NotificationID: id, Action: action}
	if action == "" || action == ActionView {
		window := b.clients.OpenWindow(n.URL)
		result.Window = &window
	}
	b.logger.WithFields(logrus.Fields{
		"action":          "notification_click",
		"notification_id": id,
		"click_action":    action,
	}).Info("notification_closed")
	return result, nil
}

// Open 返回尚未关闭的通知数量。
func (b *Bridge) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

func targetURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	return raw
}
