package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// accessLog is a chi LogFormatter that writes one slog record per request.
type accessLog struct {
	logger *slog.Logger
}

func (a *accessLog) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &accessLogEntry{logger: a.logger.With(
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
	)}
}

type accessLogEntry struct {
	logger *slog.Logger
}

func (e *accessLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, "http request",
		slog.Int("status", status),
		slog.Int("bytes", bytes),
		slog.Duration("elapsed", elapsed))
}

func (e *accessLogEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error("handler panic", slog.Any("panic", v), slog.String("stack", string(stack)))
}
