// Package usecase runs one upload through storage, the verdict cache, a worker
// and the scan history.
package usecase

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/cache"
	"github.com/Brownie44l1/dermascan-api/internal/classifier"
	"github.com/Brownie44l1/dermascan-api/internal/hashutil"
	"github.com/Brownie44l1/dermascan-api/internal/logging"
	"github.com/Brownie44l1/dermascan-api/internal/repository"
	"github.com/Brownie44l1/dermascan-api/internal/storage"
	"github.com/Brownie44l1/dermascan-api/internal/worker"
)

// ErrHistoryDisabled is returned by the scan queries when no history store
// is configured.
var ErrHistoryDisabled = errors.New("scan history is disabled")

type Storage interface {
	Save(filename string, r io.Reader) (*storage.Upload, error)
}

type History interface {
	Insert(ctx context.Context, rec *repository.ScanRecord) error
	Get(ctx context.Context, id string) (*repository.ScanRecord, error)
	List(ctx context.Context, limit int) ([]*repository.ScanRecord, error)
}

// Prediction is a verdict plus where the upload was stored.
type Prediction struct {
	classifier.Result
	ImagePath string
	ScanID    string
	Cached    bool
}

type Options struct {
	Storage    Storage
	Dispatcher worker.Dispatcher
	// Cache and History are optional.
	Cache            cache.Cache
	History          History
	HistoryWorkers   int
	ModelFingerprint string
}

type PredictionService struct {
	store       Storage
	dispatcher  worker.Dispatcher
	cache       cache.Cache
	history     History
	recorder    *workerpool.WorkerPool
	fingerprint string
	logger      *zap.Logger
	now         func() time.Time
}

func NewPredictionService(opts Options, logger *zap.Logger) *PredictionService {
	s := &PredictionService{
		store:       opts.Storage,
		dispatcher:  opts.Dispatcher,
		cache:       opts.Cache,
		history:     opts.History,
		fingerprint: opts.ModelFingerprint,
		logger:      logger.Named("prediction_usecase"),
		now:         time.Now,
	}
	if s.history != nil {
		workers := opts.HistoryWorkers
		if workers < 1 {
			workers = 1
		}
		s.recorder = workerpool.New(workers)
	}
	return s
}

// Predict stores the upload, then answers from the cache or a worker.
// Cache and history failures are logged and never fail the request.
func (s *PredictionService) Predict(ctx context.Context, filename string, r io.Reader) (*Prediction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "usecase.predict", requestID)

	upload, err := s.store.Save(filename, r)
	if err != nil {
		opLogger.Info("upload rejected", zap.Error(err))
		return nil, err
	}
	opLogger = opLogger.With(zap.String("image_path", upload.Path))

	imageHash := hashutil.Blake3Hash(upload.Content)
	key := cache.Key(imageHash, s.fingerprint)

	if s.cache != nil && s.fingerprint != "" {
		cached, err := s.cache.Get(ctx, key)
		if err != nil {
			opLogger.Warn("verdict cache read failed", zap.Error(err))
		} else if cached != nil {
			opLogger.Debug("verdict served from cache")
			return s.finish(upload, imageHash, *cached, true, opLogger), nil
		}
	}

	started := time.Now()
	result, err := s.dispatcher.Predict(ctx, upload.Path)
	if err != nil {
		opLogger.Error("prediction failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		return nil, err
	}
	opLogger.Info("prediction finished",
		zap.String("prediction", result.Prediction),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", time.Since(started)),
	)

	if s.cache != nil && s.fingerprint != "" {
		if err := s.cache.Set(ctx, key, result); err != nil {
			opLogger.Warn("verdict cache write failed", zap.Error(err))
		}
	}

	return s.finish(upload, imageHash, *result, false, opLogger), nil
}

func (s *PredictionService) finish(upload *storage.Upload, imageHash string, result classifier.Result, cached bool, opLogger *zap.Logger) *Prediction {
	p := &Prediction{Result: result, ImagePath: upload.Path, Cached: cached}
	if s.history == nil {
		return p
	}

	rec := &repository.ScanRecord{
		ID:              uuid.NewString(),
		ImagePath:       upload.Path,
		ImageHash:       imageHash,
		Prediction:      result.Prediction,
		Confidence:      result.Confidence,
		RiskLevel:       result.RiskLevel,
		Details:         result.Details,
		Recommendations: classifier.Recommendations(result.RiskLevel),
		CreatedAt:       s.now().UTC(),
	}
	p.ScanID = rec.ID

	s.recorder.Submit(func() {
		s.record(rec, opLogger)
	})
	return p
}

func (s *PredictionService) record(rec *repository.ScanRecord, opLogger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return s.history.Insert(ctx, rec)
	}, policy)
	if err != nil {
		opLogger.Error("failed to record scan", zap.String("scan_id", rec.ID), zap.Error(err))
		return
	}
	opLogger.Debug("scan recorded", zap.String("scan_id", rec.ID))
}

func (s *PredictionService) HistoryEnabled() bool {
	return s.history != nil
}

func (s *PredictionService) GetScan(ctx context.Context, id string) (*repository.ScanRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.Get(ctx, id)
}

func (s *PredictionService) ListScans(ctx context.Context, limit int) ([]*repository.ScanRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.List(ctx, limit)
}

// Ready reports how many workers can take requests.
func (s *PredictionService) Ready() int {
	return s.dispatcher.Ready()
}

// Close waits for pending history writes. The dispatcher is owned by the caller.
func (s *PredictionService) Close() {
	if s.recorder != nil {
		s.recorder.StopWait()
	}
}
