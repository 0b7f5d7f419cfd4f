package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/inference"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Factory loads the predictor for one worker. It is called once per worker.
type Factory func(workerID int) (Predictor, error)

// PoolOptions sizes a Pool. Workers is the number of resident models;
// QueueSize is how many requests may wait for one before Predict fails
// with KindUnavailable.
type PoolOptions struct {
	Workers   int
	QueueSize int
	// Timeout bounds each request from submission to verdict. Zero disables it.
	Timeout time.Duration
}

type outcome struct {
	result *classifier.Result
	err    error
}

type task struct {
	ctx       context.Context
	imagePath string
	done      chan outcome
}

// Pool fans requests out to long-lived workers over a bounded queue. Each
// request gets its own result channel, so a request that times out leaves
// its worker free to finish and move on.
type Pool struct {
	tasks     chan *task
	quit      chan struct{}
	wg        sync.WaitGroup
	ready     atomic.Int32
	timeout   time.Duration
	logger    *zap.Logger
	closeOnce sync.Once
}

// NewPool loads one predictor per worker. Workers whose load fails are left
// out of the pool; the pool fails only when no worker could load.
func NewPool(factory Factory, opts PoolOptions, logger *zap.Logger) (*Pool, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}

	p := &Pool{
		tasks:   make(chan *task, opts.QueueSize),
		quit:    make(chan struct{}),
		timeout: opts.Timeout,
		logger:  logger.Named("worker_pool"),
	}

	predictors := make([]Predictor, opts.Workers)
	errs := make([]error, opts.Workers)
	var loading sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		loading.Add(1)
		go func(id int) {
			defer loading.Done()
			predictors[id], errs[id] = factory(id)
		}(i)
	}
	loading.Wait()

	var firstErr error
	for id, predictor := range predictors {
		if errs[id] != nil {
			p.logger.Error("worker failed to load model", zap.Int("worker_id", id), zap.Error(errs[id]))
			if firstErr == nil {
				firstErr = errs[id]
			}
			continue
		}
		p.ready.Add(1)
		p.wg.Add(1)
		go p.work(id, predictor)
	}

	if p.ready.Load() == 0 {
		close(p.quit)
		return nil, inference.New(inference.KindModelLoad, "worker.new_pool",
			fmt.Errorf("no worker loaded the model: %w", firstErr))
	}

	p.logger.Info("worker pool started",
		zap.Int32("ready", p.ready.Load()),
		zap.Int("requested", opts.Workers),
		zap.Int("queue_size", opts.QueueSize),
		zap.Duration("timeout", opts.Timeout),
	)
	return p, nil
}

func (p *Pool) work(id int, predictor Predictor) {
	defer p.wg.Done()
	defer func() {
		p.ready.Add(-1)
		if err := predictor.Close(); err != nil {
			p.logger.Warn("failed to release worker model", zap.Int("worker_id", id), zap.Error(err))
		}
	}()

	for {
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			t.done <- p.run(id, predictor, t)
		}
	}
}

func (p *Pool) run(id int, predictor Predictor, t *task) (out outcome) {
	if t.ctx.Err() != nil {
		return outcome{err: timeoutError("worker.run", t.ctx)}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", zap.Int("worker_id", id), zap.Any("panic", r))
			out = outcome{err: inference.Errorf(inference.KindInference, "worker.run", "prediction panicked: %v", r)}
		}
	}()

	started := time.Now()
	result, err := predictor.Run(t.ctx, t.imagePath)
	p.logger.Debug("task finished",
		zap.Int("worker_id", id),
		zap.String("image_path", t.imagePath),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err),
	)
	return outcome{result: result, err: err}
}

// Predict queues imagePath and waits for the verdict, the pool timeout, or
// ctx, whichever comes first.
func (p *Pool) Predict(ctx context.Context, imagePath string) (*classifier.Result, error) {
	const op = "worker.pool_predict"

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	t := &task{ctx: ctx, imagePath: imagePath, done: make(chan outcome, 1)}

	select {
	case <-p.quit:
		return nil, inference.New(inference.KindUnavailable, op, ErrPoolClosed)
	default:
	}

	select {
	case p.tasks <- t:
	default:
		return nil, inference.New(inference.KindUnavailable, op, ErrQueueFull)
	}

	select {
	case o := <-t.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, timeoutError(op, ctx)
	case <-p.quit:
		return nil, inference.New(inference.KindUnavailable, op, ErrPoolClosed)
	}
}

// Ready reports how many workers have loaded their model.
func (p *Pool) Ready() int {
	return int(p.ready.Load())
}

// Close stops the workers after their current task and releases each model.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
	return nil
}
