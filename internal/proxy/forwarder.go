package proxy

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/server"
)

// Forwarder 包裹实际的 ProxyHandler：handler 缺失、panic 或返回错误时，仍给客户端一个 503 JSON 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
	now     func() time.Time
}

// NewForwarder 创建 Forwarder，handler 可以为空（此时每个请求都得到 503）。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logHandlerError(route, "handler_missing", nil, requestID)
		return f.respondFailure(c, requestID, "handler_missing")
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logHandlerError(route, "handler_panic", fmt.Errorf("panic: %v", r), requestID)
			err = f.respondFailure(c, requestID, "handler_panic")
		}
	}()
	if handleErr := f.handler.Handle(c, route); handleErr != nil {
		f.logHandlerError(route, "handler_error", handleErr, requestID)
		return f.respondFailure(c, requestID, "handler_error")
	}
	return nil
}

func (f *Forwarder) respondFailure(c fiber.Ctx, requestID, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Set(headerServedBy, ServedByOffline)
	return c.Status(fiber.StatusServiceUnavailable).JSON(OfflineEnvelope{
		Success:   false,
		Error:     code,
		Offline:   true,
		Timestamp: f.now().UnixMilli(),
	})
}

func (f *Forwarder) logHandlerError(route *server.Route, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func (f *Forwarder) routeFields(route *server.Route, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"route_kind": "",
		"path":       "",
		"cache_hit":  false,
	}
	if route != nil {
		fields["route_kind"] = string(route.Kind)
		if route.URL != nil {
			fields["path"] = route.URL.RequestURI()
		}
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
