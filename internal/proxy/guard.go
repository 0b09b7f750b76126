package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/budget-planner/offline-cache/internal/server"
)

// Guard 包装 ProxyHandler：捕获 panic 并返回 JSON 错误，避免单个请求拖垮连接。
type Guard struct {
	next   server.ProxyHandler
	logger *logrus.Logger
}

// NewGuard 创建 Guard，next 不能为空。
func NewGuard(next server.ProxyHandler, logger *logrus.Logger) *Guard {
	return &Guard{next: next, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (g *Guard) Handle(c fiber.Ctx) (err error) {
	requestID := server.RequestID(c)
	if g.next == nil {
		g.logError("handler_missing", nil, requestID)
		return respondInternal(c, requestID, "handler_missing")
	}
	defer func() {
		if r := recover(); r != nil {
			g.logError("handler_panic", fmt.Errorf("panic: %v", r), requestID)
			err = respondInternal(c, requestID, "handler_panic")
		}
	}()
	return g.next.Handle(c)
}

func respondInternal(c fiber.Ctx, requestID, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}

func (g *Guard) logError(code string, err error, requestID string) {
	if g.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		g.logger.WithFields(fields).Error(err.Error())
		return
	}
	g.logger.WithFields(fields).Error("proxy handler unavailable")
}
