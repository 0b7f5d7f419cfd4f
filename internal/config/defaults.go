package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort         = 5040
	DefaultHost         = "0.0.0.0"
	DefaultEnvironment  = "dev"
	DefaultEnvFile      = ".env"
	DefaultModelPath    = "models/model_finetuned_best.onnx"
	DefaultMetadataPath = "models/model_metadata.json"
	DefaultWorkerCount  = 2
	DefaultQueueSize    = 16
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBytes     = 16 << 20
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("host", DefaultHost)
	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("env_file", DefaultEnvFile)
	v.SetDefault("config_file", "")
	v.SetDefault("shutdown_timeout", 15*time.Second)

	v.SetDefault("model.path", DefaultModelPath)
	v.SetDefault("model.metadata_path", DefaultMetadataPath)
	v.SetDefault("model.onnx_library", "")

	v.SetDefault("worker.mode", WorkerModePool)
	v.SetDefault("worker.count", DefaultWorkerCount)
	v.SetDefault("worker.queue_size", DefaultQueueSize)
	v.SetDefault("worker.timeout", DefaultTimeout)
	v.SetDefault("worker.command", "")

	v.SetDefault("uploads.dir", "uploads")
	v.SetDefault("uploads.max_bytes", DefaultMaxBytes)
	v.SetDefault("uploads.retention", time.Duration(0))

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("history.dsn", "")
	v.SetDefault("history.workers", 4)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
}
