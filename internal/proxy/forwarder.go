package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// Forwarder 包裹 shell handler，把 handler 缺失或 panic 转换为结构化的 500 响应。
type Forwarder struct {
	handler server.ShellHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 shell_handler_missing。
func NewForwarder(handler server.ShellHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ShellHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logHandlerError(c, "shell_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "shell_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logHandlerError(c, "shell_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	// panic 前可能已写入部分响应，重置后再输出错误。
	c.Response().ResetBody()
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "shell_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logging.RequestFields(c.Method(), requestPath(c), "", "")
	fields["action"] = "shell"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["reason"] = err.Error()
	}
	f.logger.WithFields(fields).Error(code)
}
