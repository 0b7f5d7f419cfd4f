package worker

import (
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/protocol"
)

// RunOnce serves a single request on stdout: exactly one JSON document and
// the process exit code to use. Nothing else may be written to stdout.
func RunOnce(ctx context.Context, program string, args []string, stdout io.Writer, open func() (Predictor, error), logger *zap.Logger) (code int) {
	fail := func(err error) int {
		logger.Error("prediction failed", zap.Error(err))
		if werr := protocol.Write(stdout, protocol.ErrorMessage(err)); werr != nil {
			logger.Error("failed to write error document", zap.Error(werr))
		}
		return 1
	}

	defer func() {
		if r := recover(); r != nil {
			code = fail(inference.Errorf(inference.KindInference, "worker.run_once", "prediction panicked: %v", r))
		}
	}()

	if len(args) != 1 {
		return fail(inference.Errorf(inference.KindInvalidUpload, "", "Usage: %s <image_path>", program))
	}

	imagePath := args[0]
	if _, err := os.Stat(imagePath); errors.Is(err, os.ErrNotExist) {
		return fail(inference.Errorf(inference.KindImageDecode, "", "Image not found: %s", imagePath))
	}

	predictor, err := open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := predictor.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	result, err := predictor.Run(ctx, imagePath)
	if err != nil {
		return fail(err)
	}

	if err := protocol.Write(stdout, protocol.ResultMessage(*result)); err != nil {
		logger.Error("failed to write result document", zap.Error(err))
		return 1
	}
	return 0
}
