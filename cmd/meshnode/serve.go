package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshrpc/config"
	"meshrpc/metrics"
	"meshrpc/middleware"
	"meshrpc/registry"
	"meshrpc/server"
)

const shutdownTimeout = 5 * time.Second

var errRegistryDied = errors.New("lost registration in etcd")

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	self := cfg.Self()
	logger = logger.With(zap.Stringer("server", self))

	etcd, err := registry.Connect(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout, logger)
	if err != nil {
		return err
	}
	defer etcd.Close()

	reg := registry.NewEtcdRegistry(etcd, self, cfg.Registry(), logger)
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := reg.Stop(stopCtx); err != nil {
			logger.Warn("failed to stop registry", zap.Error(err))
		}
	}()

	reporter := metrics.NewPrometheusReporter(map[string]string{"kind": self.Kind.String()})
	reporter.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rpcServer := server.NewNatsRPCServer(cfg.RPCServer(), self, reporter, logger)
	rpcs, err := rpcServer.Start()
	if err != nil {
		return fmt.Errorf("start rpc server: %w", err)
	}
	defer func() { _ = rpcServer.Shutdown() }()

	router := server.NewRouter()
	if err := router.Register("echo", &echoService{}); err != nil {
		return err
	}
	handler := middleware.Chain(handlerMiddlewares(cfg.Dispatch, logger)...)(router.Handle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.Dispatch(gctx, rpcs, handler, cfg.Dispatch.Workers, logger)
		return nil
	})
	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case <-reg.Die():
			err = errRegistryDied
		}
		logger.Info("shutting down")
		// closing the queue ends Dispatch
		if serr := rpcServer.Shutdown(); serr != nil {
			logger.Warn("rpc server shutdown", zap.Error(serr))
		}
		return err
	})
	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsHandler(reporter),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("member running",
		zap.Int("workers", cfg.Dispatch.Workers),
		zap.Int("max_rpcs_queued", cfg.NATS.MaxRPCsQueued))
	return g.Wait()
}

func metricsHandler(reporter *metrics.PrometheusReporter) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reporter.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func handlerMiddlewares(cfg config.Dispatch, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, burst))
	}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	return mws
}
