// Command predict classifies one image and writes a single JSON document to
// stdout. Logs go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/config"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/logging"
	"github.com/Brownie44l1/dermascan-api/internal/pipeline"
	"github.com/Brownie44l1/dermascan-api/internal/protocol"
	"github.com/Brownie44l1/dermascan-api/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(config.New())
	if err != nil {
		protocol.Write(os.Stdout, protocol.ErrorMessage(inference.New(inference.KindModelLoad, "", err)))
		return 1
	}

	logger, err := logging.NewLogger(cfg.Environment)
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spec := pipeline.ModelSpec{
		Path:         cfg.Model.Path,
		MetadataPath: cfg.Model.MetadataPath,
		LibraryPath:  cfg.Model.OnnxLibrary,
	}
	open := func() (worker.Predictor, error) {
		runner, err := pipeline.Load(spec, logger)
		if err != nil {
			return nil, err
		}
		return runner, nil
	}

	return worker.RunOnce(ctx, "predict", os.Args[1:], os.Stdout, open, logger)
}
