// Package metricsserver runs the gateway's /metrics endpoint on its own
// fasthttp listener, separate from the public HTTP front, matching the
// split-listener convention the rendering stack uses for operator-only
// surfaces.
package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MetricsHandler is the subset of metrics.Metrics this package depends on.
type MetricsHandler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// StartMetricsServer starts a dedicated metrics listener and returns it, or
// (nil, nil) if enabled is false. Callers are responsible for calling
// ShutdownWithContext on the returned server during shutdown.
func StartMetricsServer(enabled bool, listen, path string, handler MetricsHandler, logger *zap.Logger) (*fasthttp.Server, error) {
	if !enabled {
		logger.Info("metrics collection disabled")
		return nil, nil
	}

	srv := &fasthttp.Server{
		Handler:            createMetricsHandler(path, handler),
		Name:               "kasha-gateway-metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1024,
		TCPKeepalive:       true,
		TCPKeepalivePeriod: 30 * time.Second,
		MaxConnsPerIP:      100,
		MaxRequestsPerConn: 1000,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(listen); err != nil {
			logger.Error("metrics server stopped", zap.String("listen", listen), zap.Error(err))
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-errCh:
		return nil, err
	default:
	}

	logger.Info("metrics server listening", zap.String("listen", listen), zap.String("path", path))
	return srv, nil
}

func createMetricsHandler(path string, handler MetricsHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != path {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		handler.ServeHTTP(ctx)
	}
}
