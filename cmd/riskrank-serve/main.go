// riskrank-serve 提供部署风险评分的 HTTP 服务，支持通过 NATS 消息或存储目录变更热加载模型。
//
//	riskrank-serve -config riskrank.yaml -addr :8080
//
// 退出码：0 正常退出，1 失败，130 被 SIGINT/SIGTERM 中断。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rushteam/riskrank/config"
	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/service"
	"github.com/rushteam/riskrank/storage"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("RISKRANK_CONFIG"), "path to config file")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return exitFailure
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := config.NewFactory(cfg, config.WithFactoryLogger(logger), config.WithRegisterer(registry))
	defer factory.Close()

	svc, err := factory.PredictionService(ctx)
	if err != nil {
		logger.Error("Failed to build prediction service", "error", err)
		return exitFailure
	}
	// 启动时没有可用模型不是致命错误，服务以 MODEL_NOT_READY 状态运行
	_ = svc.AutoLoad(ctx)

	if url := cfg.NATS.URL; url != "" {
		nc, err := nats.Connect(url, nats.Name("riskrank-serve"))
		if err != nil {
			logger.Error("Failed to connect to NATS", "url", url, "error", err)
			return exitFailure
		}
		defer nc.Close()
		if err := svc.SubscribeReload(ctx, nc, cfg.NATS.Subject); err != nil {
			logger.Error("Failed to subscribe to reload requests", "error", err)
			return exitFailure
		}
	}

	if cfg.Server.WatchStorage {
		if err := watchStorage(ctx, factory, svc); err != nil {
			logger.Error("Failed to watch model storage", "error", err)
			return exitFailure
		}
	}

	server := service.NewHTTPServer(svc, metricsGatherer(cfg, registry))
	ch := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Server.Addr, "default_model_id", svc.DefaultModelID())
		if err := server.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ch <- err
		}
		close(ch)
	}()

	exit := exitOK
	select {
	case <-ctx.Done():
		logger.Info("Shutting down", "cause", context.Cause(ctx))
		exit = exitInterrupt
	case err := <-ch:
		if err != nil {
			logger.Error("Server stopped with error", "error", err)
			exit = exitFailure
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("Shutdown failed", "error", err)
		return exitFailure
	}
	return exit
}

// watchStorage 本地存储目录变化时重新加载模型，非本地后端不支持
func watchStorage(ctx context.Context, factory *config.Factory, svc *service.PredictionService) error {
	s, err := factory.Storage(ctx)
	if err != nil {
		return err
	}
	local := localStorage(s)
	if local == nil {
		factory.Logger().Warn("Storage watch needs a local backend, skipping", "backend", s.Name())
		return nil
	}
	changes, err := storage.Watch(ctx, local.ModelsDir(), factory.Logger())
	if err != nil {
		return err
	}
	go svc.FollowStorage(ctx, changes)
	return nil
}

func localStorage(s core.ModelStorage) *storage.LocalStorage {
	switch v := s.(type) {
	case *storage.LocalStorage:
		return v
	case *storage.Manager:
		return localStorage(v.Primary())
	}
	return nil
}

func metricsGatherer(cfg *config.Config, registry *prometheus.Registry) prometheus.Gatherer {
	if cfg.Server.Metrics != nil && !*cfg.Server.Metrics {
		return nil
	}
	return registry
}
