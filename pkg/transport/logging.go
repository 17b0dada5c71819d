package transport

import (
	"log/slog"
	"net/http"
	"time"
)

type loggingRoundTripper struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func newLoggingRoundTripper(next http.RoundTripper, l *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingRoundTripper{next: next, logger: l}
}

func (l *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	} else {
		attrs = append(attrs, slog.Int("status", resp.StatusCode))
	}
	l.logger.LogAttrs(req.Context(), slog.LevelDebug, "HTTP exchange", attrs...)

	return resp, err
}
