package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan-api/internal/inference"
	"github.com/Brownie44l1/dermascan-api/internal/repository"
	"github.com/Brownie44l1/dermascan-api/internal/storage"
	"github.com/Brownie44l1/dermascan-api/internal/usecase"
)

// multipartOverhead is allowed on top of the file size limit for form
// boundaries and part headers.
const multipartOverhead = 1 << 20

type PredictionService interface {
	Predict(ctx context.Context, filename string, r io.Reader) (*usecase.Prediction, error)
	HistoryEnabled() bool
	GetScan(ctx context.Context, id string) (*repository.ScanRecord, error)
	ListScans(ctx context.Context, limit int) ([]*repository.ScanRecord, error)
}

type Handler struct {
	service  PredictionService
	maxBytes int64
	logger   *zap.Logger
}

func NewHandler(service PredictionService, maxBytes int64, logger *zap.Logger) *Handler {
	if maxBytes <= 0 {
		maxBytes = storage.DefaultMaxBytes
	}
	return &Handler{
		service:  service,
		maxBytes: maxBytes,
		logger:   logger.Named("handlers"),
	}
}

// RegisterRoutes wires the handlers to the router. The scan history routes
// exist only when history is enabled; historyAuth may be nil.
func RegisterRoutes(router *gin.Engine, h *Handler, historyAuth gin.HandlerFunc) {
	router.MaxMultipartMemory = h.maxBytes

	router.GET("/health", h.Health)
	router.POST("/predict", h.Predict)

	if !h.service.HistoryEnabled() {
		return
	}
	scans := router.Group("/scans")
	if historyAuth != nil {
		scans.Use(historyAuth)
	}
	scans.GET("", h.ListScans)
	scans.GET("/:id", h.GetScan)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type predictResponse struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	RiskLevel  string  `json:"riskLevel"`
	Details    string  `json:"details"`
	ImagePath  string  `json:"imagePath"`
	ScanID     string  `json:"scanId,omitempty"`
}

func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)

	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": storage.ErrTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
		return
	}
	if header.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": storage.ErrNoFile.Error()})
		return
	}
	if _, ok := storage.Extension(header.Filename); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": storage.ErrInvalidType.Error()})
		return
	}
	if header.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": storage.ErrTooLarge.Error()})
		return
	}

	file, err := header.Open()
	if err != nil {
		h.logger.Error("failed to open upload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided"})
		return
	}
	defer file.Close()

	prediction, err := h.service.Predict(c.Request.Context(), header.Filename, file)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, predictResponse{
		Prediction: prediction.Prediction,
		Confidence: prediction.Confidence,
		RiskLevel:  prediction.RiskLevel,
		Details:    prediction.Details,
		ImagePath:  prediction.ImagePath,
		ScanID:     prediction.ScanID,
	})
}

func (h *Handler) ListScans(c *gin.Context) {
	limit := repository.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	scans, err := h.service.ListScans(c.Request.Context(), repository.ClampLimit(limit))
	if err != nil {
		h.logger.Error("failed to list scans", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list scans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (h *Handler) GetScan(c *gin.Context) {
	scan, err := h.service.GetScan(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load scan", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load scan"})
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := inference.KindOf(err)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("prediction request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": publicMessage(err), "kind": kind})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch inference.KindOf(err) {
	case inference.KindInvalidUpload:
		if errors.Is(err, storage.ErrTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case inference.KindTimeout:
		return http.StatusGatewayTimeout
	case inference.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage drops the operation prefix. Worker output that failed
// validation is never echoed back.
func publicMessage(err error) string {
	switch inference.KindOf(err) {
	case inference.KindInvalidWorkerResponse:
		return "Invalid response from prediction worker"
	case inference.KindTimeout:
		return "Prediction timed out"
	case inference.KindUnavailable:
		return "Prediction service is busy, try again later"
	}

	var e *inference.Error
	if errors.As(err, &e) && e.Err != nil {
		var inner *inference.Error
		if errors.As(e.Err, &inner) {
			return publicMessage(inner)
		}
		return e.Err.Error()
	}
	return err.Error()
}
