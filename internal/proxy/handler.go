package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/budget-planner/offline-cache/internal/interceptor"
	"github.com/budget-planner/offline-cache/internal/logging"
	"github.com/budget-planner/offline-cache/internal/server"
)

const (
	headerCacheSource   = "X-Offline-Cache-Source"
	headerCacheStrategy = "X-Offline-Cache-Strategy"
)

// Engine 是 Handler 依赖的拦截器能力，测试中可替换。
type Engine interface {
	Handle(ctx context.Context, req *interceptor.Request) (*interceptor.Response, error)
	Classify(req *interceptor.Request) interceptor.Strategy
}

// Handler 把 Fiber 请求转换为拦截器请求，并将结果原样写回客户端。
type Handler struct {
	engine Engine
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the interceptor.
func NewHandler(engine Engine, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{engine: engine, logger: logger}
}

// Handle 实现 server.ProxyHandler。拦截器无法给出响应时返回 502，并输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.engine.Handle(ctx, req)
	if err != nil {
		h.logResult(req, h.engine.Classify(req), nil, requestID, started, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	err = writeResponse(c, req, resp)
	h.logResult(req, resp.Strategy, resp, requestID, started, err)
	return err
}

// buildRequest 复制 Fiber 请求中需要的字段；fasthttp 会复用底层缓冲区，
// 后台刷新可能在 handler 返回后才读取请求，因此全部转换为独立的 string/[]byte。
func buildRequest(c fiber.Ctx) *interceptor.Request {
	uri := c.Request().URI()
	target := string(uri.Path())
	if target == "" {
		target = "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	if host := string(c.Request().Header.Host()); host != "" {
		header.Set("Host", host)
	}
	if ip := c.IP(); ip != "" {
		header.Add("X-Forwarded-For", ip)
	}

	method := strings.ToUpper(string(c.Request().Header.Method()))
	// Reload 只影响回源请求头，不会让 Cache-First 跳过已命中的缓存。
	req := &interceptor.Request{
		Method: method,
		URL:    target,
		Header: header,
		Reload: strings.Contains(strings.ToLower(header.Get("Cache-Control")), "no-cache"),
	}
	if body := c.Request().Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	req.Navigate = isNavigation(method, header)
	return req
}

// isNavigation 识别页面导航：优先使用 Sec-Fetch-Mode，缺失时退化为 GET 且 Accept 包含 text/html。
func isNavigation(method string, header http.Header) bool {
	if mode := header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return method == http.MethodGet && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html")
}

func writeResponse(c fiber.Ctx, req *interceptor.Request, resp *interceptor.Response) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for idx, value := range values {
			if idx == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(headerCacheSource, string(resp.Source))
	c.Set(headerCacheStrategy, string(resp.Strategy))
	c.Status(resp.Status)

	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *interceptor.Request,
	strategy interceptor.Strategy,
	resp *interceptor.Response,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.ProxyFields(string(strategy), req.Method, req.Key().String())
	fields["navigate"] = req.Navigate
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if resp != nil {
		fields["source"] = string(resp.Source)
		fields["cache_hit"] = resp.Source != interceptor.SourceNetwork
		fields["status"] = resp.Status
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
