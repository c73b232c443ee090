package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterDelegatesToShellHandler(t *testing.T) {
	app, recorder := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://localhost/static/logo.png", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.lastPath != "/static/logo.png" {
		t.Fatalf("expected shell handler to see /static/logo.png, got %q", recorder.lastPath)
	}
	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if recorder.lastRequestID != reqID {
		t.Fatalf("handler should observe the same request id, got %q vs %q", recorder.lastRequestID, reqID)
	}
}

func TestRouterSkipsDiagnosticsPrefix(t *testing.T) {
	app, recorder := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("expected diagnostics route, got %d %s", resp.StatusCode, body)
	}
	if recorder.calls != 0 {
		t.Fatalf("diagnostics paths must not reach the shell handler")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://localhost/-/unknown", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown diagnostics path should 404, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	shell := ShellHandlerFunc(func(c fiber.Ctx) error { return nil })

	testCases := []struct {
		name string
		opts AppOptions
	}{
		{"missing logger", AppOptions{Shell: shell, ListenPort: 5000}},
		{"missing shell", AppOptions{Logger: logger, ListenPort: 5000}},
		{"bad port", AppOptions{Logger: logger, Shell: shell}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewApp(tc.opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func newTestApp(t *testing.T, port int) (*fiber.App, *shellRecorder) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &shellRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Shell:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type shellRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (s *shellRecorder) Handle(c fiber.Ctx) error {
	s.calls++
	s.lastPath = c.Path()
	s.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
