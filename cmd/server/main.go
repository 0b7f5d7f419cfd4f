package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/auth"
	"github.com/Brownie44l1/dermascan-api/internal/cache"
	"github.com/Brownie44l1/dermascan-api/internal/config"
	"github.com/Brownie44l1/dermascan-api/internal/handlers"
	"github.com/Brownie44l1/dermascan-api/internal/logging"
	"github.com/Brownie44l1/dermascan-api/internal/model"
	"github.com/Brownie44l1/dermascan-api/internal/pipeline"
	"github.com/Brownie44l1/dermascan-api/internal/repository"
	"github.com/Brownie44l1/dermascan-api/internal/server"
	"github.com/Brownie44l1/dermascan-api/internal/storage"
	"github.com/Brownie44l1/dermascan-api/internal/usecase"
	"github.com/Brownie44l1/dermascan-api/internal/worker"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dermascan-api",
		Short:        "Melanoma screening API",
		Long:         "Accepts dermoscopic image uploads and classifies them as Benign or Melanoma.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cobra.CheckErr(config.RegisterFlags(cmd, v))
	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func serve(cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher, fingerprint, err := newDispatcher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer dispatcher.Close()

	store, err := storage.NewLocalStorage(cfg.Uploads.Dir, cfg.Uploads.MaxBytes, logger)
	if err != nil {
		return err
	}
	go store.RunJanitor(ctx, cfg.Uploads.Retention, 0)

	opts := usecase.Options{
		Storage:          store,
		Dispatcher:       dispatcher,
		HistoryWorkers:   cfg.History.Workers,
		ModelFingerprint: fingerprint,
	}

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		verdicts, err := cache.Connect(redisCtx, cfg.Redis.Addr, cfg.Redis.TTL, logger)
		redisCancel()
		if err != nil {
			logger.Warn("verdict cache disabled", zap.Error(err))
		} else {
			defer verdicts.Close()
			opts.Cache = verdicts
		}
	}

	if cfg.History.DSN != "" {
		repo, err := repository.NewScanRepository(cfg.History.DSN)
		if err != nil {
			return err
		}
		defer repo.Close()
		opts.History = repo
	}

	svc := usecase.NewPredictionService(opts, logger)
	defer svc.Close()

	srv := server.NewServer(server.Options{
		Addr:            cfg.ListenAddr(),
		Environment:     cfg.Environment,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	var historyAuth gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		historyAuth = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	}
	handlers.RegisterRoutes(srv.Engine(), handlers.NewHandler(svc, cfg.Uploads.MaxBytes, logger), historyAuth)

	logger.Info("dermascan api ready",
		zap.String("addr", cfg.ListenAddr()),
		zap.String("worker_mode", cfg.Worker.Mode),
		zap.Int("ready_workers", dispatcher.Ready()),
		zap.String("model_fingerprint", fingerprint),
		zap.Bool("cache", opts.Cache != nil),
		zap.Bool("history", opts.History != nil),
	)
	return srv.Run()
}

// newDispatcher starts the configured workers and returns the model
// fingerprint used for cache keys. An empty fingerprint disables caching.
func newDispatcher(cfg *config.Config, logger *zap.Logger) (worker.Dispatcher, string, error) {
	fingerprint, err := model.Fingerprint(cfg.Model.Path)

	switch cfg.Worker.Mode {
	case config.WorkerModeProcess:
		if err != nil {
			logger.Warn("model fingerprint unavailable, verdict cache disabled", zap.Error(err))
			fingerprint = ""
		}
		runner, err := worker.NewProcessRunner(cfg.Worker.CommandArgs(), cfg.Worker.Count, cfg.Worker.Timeout, logger)
		if err != nil {
			return nil, "", err
		}
		return runner, fingerprint, nil

	default:
		if err != nil {
			return nil, "", err
		}
		spec := pipeline.ModelSpec{
			Path:         cfg.Model.Path,
			MetadataPath: cfg.Model.MetadataPath,
			LibraryPath:  cfg.Model.OnnxLibrary,
		}
		factory := func(id int) (worker.Predictor, error) {
			runner, err := pipeline.Load(spec, logger.With(zap.Int("worker_id", id)))
			if err != nil {
				return nil, err
			}
			return runner, nil
		}
		pool, err := worker.NewPool(factory, worker.PoolOptions{
			Workers:   cfg.Worker.Count,
			QueueSize: cfg.Worker.QueueSize,
			Timeout:   cfg.Worker.Timeout,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return pool, fingerprint, nil
	}
}
