package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/clients"
	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/notify"
	"github.com/any-hub/offline-hub/internal/queue"
)

const defaultKeepAlive = 15 * time.Second

// Lifecycle 暴露当前代际与状态。
type Lifecycle interface {
	Generation() string
	State() lifecycle.State
}

// Queue 是控制面使用的变更队列能力。
type Queue interface {
	List(ctx context.Context, status durable.MutationStatus) ([]durable.QueuedMutation, error)
	Counts(ctx context.Context) (map[durable.MutationStatus]int, error)
	Reconcile(ctx context.Context) (queue.Summary, error)
}

// Notifier 处理推送与通知点击。
type Notifier interface {
	HandlePush(ctx context.Context, raw []byte) (notify.Notification, bool)
	HandleClick(ctx context.Context, id, action string) (notify.ClickResult, error)
}

// ControlOptions 汇总 /-/ 控制面依赖。
type ControlOptions struct {
	Logger    *logrus.Logger
	Lifecycle Lifecycle
	Queue     Queue
	Clients   *clients.Hub
	Notifier  Notifier
	KeepAlive time.Duration
}

type statusPayload struct {
	Generation string         `json:"generation"`
	State      string         `json:"state"`
	Clients    []clients.Info `json:"clients"`
	Queue      map[string]int `json:"queue"`
}

type clickRequest struct {
	Action string `json:"action"`
}

// RegisterControlRoutes 注册 /-/ 控制面：状态、队列、手动同步、SSE 客户端通道、推送与通知点击。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil {
		return
	}
	logger := logging.Component(opts.Logger, "control")
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{Queue: map[string]int{}}
		if opts.Lifecycle != nil {
			payload.Generation = opts.Lifecycle.Generation()
			payload.State = string(opts.Lifecycle.State())
		}
		if opts.Clients != nil {
			payload.Clients = opts.Clients.List()
		}
		if opts.Queue != nil {
			counts, err := opts.Queue.Counts(c.Context())
			if err != nil {
				return storeError(c, logger, "status", err)
			}
			for status, n := range counts {
				payload.Queue[string(status)] = n
			}
		}
		return c.JSON(payload)
	})

	app.Get("/-/queue", func(c fiber.Ctx) error {
		if opts.Queue == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable"})
		}
		status := durable.MutationStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
		if status != "" && !status.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_status"})
		}
		records, err := opts.Queue.List(c.Context(), status)
		if err != nil {
			return storeError(c, logger, "queue_list", err)
		}
		if records == nil {
			records = []durable.QueuedMutation{}
		}
		return c.JSON(fiber.Map{"mutations": records})
	})

	app.Post("/-/sync", func(c fiber.Ctx) error {
		if opts.Queue == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable"})
		}
		summary, err := opts.Queue.Reconcile(c.Context())
		if err != nil {
			return storeError(c, logger, "sync", err)
		}
		return c.JSON(summary)
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		if opts.Clients == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "clients_unavailable"})
		}
		client := opts.Clients.Register(c.Query("url"))
		hub := opts.Clients
		connected, _ := json.Marshal(fiber.Map{"type": clients.MessageConnected, "clientId": client.ID()})

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer hub.Unregister(client.ID())
			if err := clients.WriteEvent(w, clients.Event{Type: clients.MessageConnected, Data: connected}); err != nil {
				return
			}
			ticker := time.NewTicker(keepAlive)
			defer ticker.Stop()
			for {
				select {
				case ev, ok := <-client.Events():
					if !ok {
						return
					}
					if err := clients.WriteEvent(w, ev); err != nil {
						return
					}
				case <-ticker.C:
					if err := clients.WriteKeepAlive(w); err != nil {
						logger.WithFields(logrus.Fields{"action": "events", "client_id": client.ID()}).
							Debug("client disconnected")
						return
					}
				}
			}
		})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		if opts.Notifier == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "notifier_unavailable"})
		}
		n, shown := opts.Notifier.HandlePush(c.Context(), c.Body())
		if !shown {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"shown": false})
		}
		return c.JSON(fiber.Map{"shown": true, "notification": n})
	})

	app.Post("/-/notifications/:id/click", func(c fiber.Ctx) error {
		if opts.Notifier == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "notifier_unavailable"})
		}
		var req clickRequest
		if body := c.Body(); len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		result, err := opts.Notifier.HandleClick(c.Context(), c.Params("id"), req.Action)
		if err != nil {
			if errors.Is(err, notify.ErrUnknownNotification) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
			}
			return storeError(c, logger, "notification_click", err)
		}
		return c.JSON(result)
	})
}

func storeError(c fiber.Ctx, logger *logrus.Entry, action string, err error) error {
	logger.WithField("action", action).WithError(err).Error("control_request_failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
