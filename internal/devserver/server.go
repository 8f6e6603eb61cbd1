// Package devserver serves build output during development and forwards API calls to a backend.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/assetpack/internal/logger"
	"github.com/wolfeidau/assetpack/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProxyRule forwards requests whose path starts with one of Context to Target.
type ProxyRule struct {
	Context []string `yaml:"context"`
	Target  string   `yaml:"target"`
	// Rewrite the Host header to the target host instead of keeping the browser's
	ChangeOrigin bool `yaml:"changeOrigin"`
}

type Config struct {
	Listen string      `yaml:"listen"`
	Proxy  []ProxyRule `yaml:"proxy"`
	// Directory served as static files, normally the build output directory
	Root string `yaml:"-"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Listen: "localhost:8080",
		Proxy: []ProxyRule{
			{Context: []string{"/api"}, Target: "http://open.duyiedu.com"},
		},
	}
}

type route struct {
	prefix string
	target string
	proxy  http.Handler
}

type Server struct {
	config Config
	routes []route
	static http.Handler
}

// New validates the proxy rules and builds the server handler.
func New(config Config) (*Server, error) {
	if config.Root == "" {
		return nil, errors.New("static root directory is required")
	}

	s := &Server{
		config: config,
		static: gzhttp.GzipHandler(http.FileServer(http.Dir(config.Root))),
	}

	seen := make(map[string]bool)
	for i, rule := range config.Proxy {
		target, err := parseTarget(rule.Target)
		if err != nil {
			return nil, fmt.Errorf("proxy rule %d: %w", i, err)
		}
		if len(rule.Context) == 0 {
			return nil, fmt.Errorf("proxy rule %d: at least one context path is required", i)
		}

		proxy := newProxy(target, rule.ChangeOrigin)

		for _, prefix := range rule.Context {
			if !strings.HasPrefix(prefix, "/") {
				return nil, fmt.Errorf("proxy rule %d: context %q must start with /", i, prefix)
			}
			if seen[prefix] {
				return nil, fmt.Errorf("proxy rule %d: context %q is already proxied", i, prefix)
			}
			seen[prefix] = true
			s.routes = append(s.routes, route{prefix: prefix, target: target.String(), proxy: proxy})
		}
	}

	return s, nil
}

func parseTarget(raw string) (*url.URL, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("invalid target %q: scheme must be http or https", raw)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid target %q: host is required", raw)
	}
	return target, nil
}

func newProxy(target *url.URL, changeOrigin bool) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			if !changeOrigin {
				r.Out.Host = r.In.Host
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("target", target.String()).Str("path", r.URL.Path).Msg("Proxy request failed")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
}

// Handler returns the request handler: proxy rules first, then static files.
func (s *Server) Handler() http.Handler {
	metrics := telemetry.GetMetrics()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, rt := range s.routes {
			if strings.HasPrefix(r.URL.Path, rt.prefix) {
				metrics.ProxyRequestsTotal.Add(r.Context(), 1, metric.WithAttributes(attribute.String("target", rt.target)))
				rt.proxy.ServeHTTP(w, r)
				return
			}
		}
		s.static.ServeHTTP(w, r)
	})

	return otelhttp.NewHandler(logger.NewRequests(log.Logger).Wrap(h), "devserver")
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := configureHTTPServer(ln.Addr().String(), s.Handler())

	log.Info().
		Str("url", "http://"+ln.Addr().String()).
		Str("root", s.config.Root).
		Int("proxy_rules", len(s.config.Proxy)).
		Msg("Dev server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown dev server: %w", err)
		}
		return nil
	}
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
