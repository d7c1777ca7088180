package cli

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/tOgg1/scrollback/internal/logging"
)

// newRegistry returns a registry with the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// metricsServer serves /metrics and /healthz.
type metricsServer struct {
	srv *fasthttp.Server
	ln  net.Listener
}

func metricsHandler(reg *prometheus.Registry) fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metrics(ctx)
		case "/health", "/healthz":
			ctx.Response.Header.Set("Content-Type", "application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.WriteString(fmt.Sprintf(`{"status":"ok","version":%q}`, version))
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// startMetricsServer listens on addr and serves until ctx is done or Close
// is called.
func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &metricsServer{
		srv: &fasthttp.Server{
			Handler:            metricsHandler(reg),
			Name:               "scrollback",
			ReadTimeout:        5 * time.Second,
			WriteTimeout:       5 * time.Second,
			MaxRequestBodySize: 1 << 16,
		},
		ln: ln,
	}
	logger := logging.Component("metrics")
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return s, nil
}

// Addr is the bound address.
func (s *metricsServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *metricsServer) Close() error {
	return s.srv.Shutdown()
}
