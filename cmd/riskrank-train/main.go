// riskrank-train 训练一个部署风险排序模型并写入模型存储。
//
//	riskrank-train -config riskrank.yaml -file training.json
//	riskrank-train -config riskrank.yaml -http -limit 20000
//	riskrank-train -generate 2000 -out synthetic.json
//
// 退出码：0 成功，1 失败，130 被 SIGINT/SIGTERM 中断。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rushteam/riskrank/config"
	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/stream"
	"github.com/rushteam/riskrank/training"
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
	file := flag.String("file", "", "training data file (.json or .jsonl), overrides data.source")
	useHTTP := flag.Bool("http", false, "stream training data from the export endpoint in data.http")
	limit := flag.Int("limit", 0, "maximum number of training samples, overrides data.max_rows")
	generate := flag.Int("generate", 0, "train on N synthetic records, or write them to -out")
	out := flag.String("out", "", "with -generate, write the synthetic records to this file and exit")
	printResult := flag.Bool("print", false, "print the training result as JSON to stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return exitFailure
	}
	logger := config.NewLogger(cfg.Logging, os.Stderr)

	switch {
	case *file != "":
		cfg.Data.Source = config.SourceFile
		cfg.Data.File = *file
	case *useHTTP:
		cfg.Data.Source = config.SourceHTTP
	case *generate > 0:
		cfg.Data.Source = config.SourceGenerated
		cfg.Data.Generate.Samples = *generate
	}
	if *limit > 0 {
		cfg.Data.MaxRows = *limit
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return exitFailure
	}

	if *generate > 0 && *out != "" {
		g := cfg.Data.Generate
		if err := stream.NewGenerator(g.Seed, g.Clusters, time.Now()).WriteFile(*out, g.Samples); err != nil {
			logger.Error("Failed to write synthetic data", "path", *out, "error", err)
			return exitFailure
		}
		logger.Info("Synthetic training data written", "path", *out, "samples", g.Samples)
		return exitOK
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	factory := config.NewFactory(cfg, config.WithFactoryLogger(logger))
	defer factory.Close()

	orchestrator, err := factory.Orchestrator(ctx)
	if err != nil {
		logger.Error("Failed to build training pipeline", "error", err)
		return exitFailure
	}

	var res *training.Result
	if cfg.Data.Source == config.SourceFile && isLinesFile(cfg.Data.File) {
		res, err = orchestrator.RunFromFile(ctx, cfg.Data.File)
	} else {
		src, serr := factory.Source()
		if serr != nil {
			logger.Error("Failed to build data source", "error", serr, "code", errorCode(serr))
			return exitFailure
		}
		res, err = orchestrator.Run(ctx, src)
	}
	if err != nil || ctx.Err() != nil {
		logger.Warn("Training interrupted", "error", err)
		return exitInterrupt
	}

	if *printResult {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			logger.Error("Failed to print result", "error", err)
		}
	}
	if !res.Success {
		logger.Error("Training failed", "error", res.Error)
		return exitFailure
	}
	logger.Info("Training finished",
		"model_id", res.ModelID,
		"version", res.Version,
		"semantic_version", res.SemanticVersion,
		"persisted", res.Persisted)
	return exitOK
}

func isLinesFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jsonl" || ext == ".ndjson"
}

func errorCode(err error) string {
	if d := core.GetDomainError(err); d != nil {
		return d.Code
	}
	return ""
}
