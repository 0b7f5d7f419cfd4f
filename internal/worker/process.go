package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/protocol"
)

// maxLoggedOutput caps how much raw worker output reaches the logs.
const maxLoggedOutput = 2048

// ProcessRunner starts one worker process per request and reads a single
// JSON document from its stdout. Stderr is only logged.
type ProcessRunner struct {
	command []string
	timeout time.Duration
	slots   chan struct{}
	logger  *zap.Logger
}

// NewProcessRunner runs command with the image path appended as the last
// argument, at most concurrency processes at a time.
func NewProcessRunner(command []string, concurrency int, timeout time.Duration, logger *zap.Logger) (*ProcessRunner, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("worker command is empty")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &ProcessRunner{
		command: command,
		timeout: timeout,
		slots:   make(chan struct{}, concurrency),
		logger:  logger.Named("worker_process"),
	}, nil
}

// Predict runs the worker command on imagePath and decodes its single stdout
// document. It waits for a free slot, and the timeout covers both the wait
// and the run.
func (r *ProcessRunner) Predict(ctx context.Context, imagePath string) (*classifier.Result, error) {
	const op = "worker.process_predict"

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return nil, timeoutError(op, ctx)
	}

	args := append(append([]string{}, r.command[1:]...), imagePath)
	cmd := exec.Command(r.command[0], args...)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, inference.New(inference.KindUnavailable, op, fmt.Errorf("failed to start worker: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		r.logger.Warn("worker process killed", zap.String("image_path", imagePath), zap.Duration("elapsed", time.Since(started)))
		return nil, timeoutError(op, ctx)
	case waitErr = <-done:
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, inference.New(inference.KindUnavailable, op, waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	logger := r.logger.With(zap.String("image_path", imagePath), zap.Int("exit_code", exitCode))
	if stderr.Len() > 0 {
		logger.Debug("worker stderr", zap.String("stderr", truncate(stderr.Bytes())))
	}

	result, err := protocol.Decode(stdout.Bytes())
	if err != nil {
		if inference.Is(err, inference.KindInvalidWorkerResponse) {
			logger.Error("invalid worker response",
				zap.Error(err),
				zap.String("stdout", truncate(stdout.Bytes())),
				zap.String("stderr", truncate(stderr.Bytes())),
			)
		}
		return nil, err
	}
	if exitCode != 0 {
		logger.Error("worker reported success with non-zero exit", zap.String("stdout", truncate(stdout.Bytes())))
		return nil, inference.Errorf(inference.KindInvalidWorkerResponse, op,
			"worker exited with status %d after reporting a result", exitCode)
	}

	logger.Debug("worker process finished", zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

// Ready is the concurrency limit; a fresh process is spawned per request.
func (r *ProcessRunner) Ready() int {
	return cap(r.slots)
}

func (r *ProcessRunner) Close() error {
	return nil
}

func truncate(b []byte) string {
	if len(b) > maxLoggedOutput {
		return string(b[:maxLoggedOutput]) + "...(truncated)"
	}
	return string(b)
}
