package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/route"
	"github.com/any-hub/shellcache/internal/server"
)

// Interceptor 按策略表处理一次请求，由 lifecycle.Worker 实现。
type Interceptor interface {
	Policy(method, path string) route.Policy
	Intercept(ctx context.Context, req *http.Request) (*http.Response, fetch.Outcome, error)
}

// Handler 把 Fiber 请求转换为指向源站的 *http.Request，交给 Interceptor 决定响应来源，
// 再把结果写回客户端。
type Handler struct {
	interceptor Interceptor
	origin      *url.URL
	logger      *logrus.Logger
}

// NewHandler constructs a shell handler bound to the application origin.
func NewHandler(interceptor Interceptor, origin *url.URL, logger *logrus.Logger) (*Handler, error) {
	if interceptor == nil {
		return nil, errors.New("interceptor is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if origin.Path != "" && origin.Path != "/" {
		return nil, fmt.Errorf("origin %s must not carry a path", origin)
	}
	return &Handler{
		interceptor: interceptor,
		origin:      origin,
		logger:      logging.OrDiscard(logger),
	}, nil
}

// Handle 实现 server.ShellHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	method := c.Method()
	reqPath := requestPath(c)

	target := resolveOriginURL(h.origin, c)
	passthrough := h.interceptor.Policy(method, reqPath) == route.Bypass
	req, err := buildOriginRequest(ctx, c, target, passthrough)
	if err != nil {
		h.logResult(method, reqPath, fetch.Outcome{}, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	resp, outcome, err := h.interceptor.Intercept(ctx, req)
	setShellHeaders(c, outcome, requestID)
	if err != nil {
		h.logResult(method, reqPath, outcome, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	// 响应头复制可能覆盖诊断头，这里再设置一次。
	setShellHeaders(c, outcome, requestID)
	c.Status(resp.StatusCode)

	if method == http.MethodHead {
		h.logResult(method, reqPath, outcome, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(method, reqPath, outcome, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("shell stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	path string,
	outcome fetch.Outcome,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, path, string(outcome.Policy), string(outcome.Source))
	fields["action"] = "shell"
	fields["status"] = status
	fields["stored"] = outcome.Stored
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("shell_failed")
		return
	}
	h.logger.WithFields(fields).Info("shell_complete")
}

func setShellHeaders(c fiber.Ctx, outcome fetch.Outcome, requestID string) {
	if outcome.Policy != "" {
		c.Set("X-Shell-Policy", string(outcome.Policy))
	}
	if outcome.Source != "" {
		c.Set("X-Shell-Source", string(outcome.Source))
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

// buildOriginRequest 复制客户端请求头（去掉 hop-by-hop）。passthrough 为 true 时（Bypass）
// 其余请求头原样保留；否则交给 http.Client 协商压缩，并补充 X-Forwarded-* 信息。
func buildOriginRequest(ctx context.Context, c fiber.Ctx, target *url.URL, passthrough bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	if passthrough {
		return req, nil
	}

	// 缓存中保存的始终是解码后的 body。
	req.Header.Del("Accept-Encoding")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

// resolveOriginURL 保留请求路径与查询串，只替换为源站的 scheme 与 host。
func resolveOriginURL(origin *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	target := *origin
	target.Path = requestPath(c)
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""
	return &target
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制响应头；Content-Length 由 fasthttp 按实际写入的 body 计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
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
}
