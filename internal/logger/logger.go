package logger

import (
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// LogMessages writes esbuild diagnostics at the given level, one event per message.
func LogMessages(logger zerolog.Logger, level zerolog.Level, msgs []api.Message) {
	for _, msg := range msgs {
		evt := logger.WithLevel(level).Str("text", msg.Text)

		if msg.PluginName != "" {
			evt = evt.Str("plugin", msg.PluginName)
		}
		if msg.Location != nil {
			evt = evt.
				Str("file", msg.Location.File).
				Int("line", msg.Location.Line).
				Int("column", msg.Location.Column)
		}

		evt.Msg("Build message")
	}
}

// Requests logs one line per HTTP request served.
type Requests struct {
	logger zerolog.Logger
}

func NewRequests(logger zerolog.Logger) *Requests {
	return &Requests{logger: logger}
}

func (r *Requests) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := r.logger.With().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("client_ip", ClientIP(req)).
			Logger().WithContext(req.Context())

		next.ServeHTTP(rec, req.WithContext(ctx))

		evt := zerolog.Ctx(ctx).Info()
		if rec.status >= http.StatusInternalServerError {
			evt = zerolog.Ctx(ctx).Error()
		}

		evt.
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

// ClientIP returns the address of the browser behind any forwarding proxies.
// X-Forwarded-For wins over X-Real-IP, which wins over RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
