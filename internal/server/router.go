package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that turns an intercepted request into
// a response. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger   *logrus.Logger
	Resolver *RouteResolver
	Proxy    ProxyHandler
}

const (
	contextKeyRoute     = "_offlinehub_route"
	contextKeyRequestID = "_offlinehub_request_id"
	contextKeyStart     = "_offlinehub_start"
)

// NewApp builds a Fiber application with the classification middleware and
// structured error handling. Control endpoints under /-/ are registered by the
// caller after NewApp returns.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("route resolver is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if IsControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, ok := RouteFromContext(c)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并把请求解析为 Route 存入 Locals。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Locals(contextKeyStart, time.Now())
		c.Set("X-Request-ID", reqID)

		if IsControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		route, err := opts.Resolver.Resolve(
			c.Method(),
			strings.TrimSpace(getHostHeader(c)),
			c.Scheme(),
			string(c.Request().RequestURI()),
		)
		if err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "classify",
				"request_id": reqID,
			}).WithError(err).Warn("request uri rejected")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RouteFromContext returns the Route stored by the middleware.
func RouteFromContext(c fiber.Ctx) (*Route, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*Route); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// RequestStart returns when the middleware first saw the request.
func RequestStart(c fiber.Ctx) time.Time {
	if value := c.Locals(contextKeyStart); value != nil {
		if start, ok := value.(time.Time); ok {
			return start
		}
	}
	return time.Time{}
}

// IsControlPath reports whether the path belongs to the /-/ control surface.
func IsControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
