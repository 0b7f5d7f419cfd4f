package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Options struct {
	Addr            string
	Environment     string
	ShutdownTimeout time.Duration
}

type Server struct {
	engine          *gin.Engine
	inner           *http.Server
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func NewServer(opts Options, zapLogger *zap.Logger) *Server {
	gin.SetMode(ginMode(opts.Environment))
	gin.DefaultWriter = os.Stderr
	r := gin.New()

	r.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithSkipPath([]string{"/health"}),
	))

	r.Use(cors.New(
		cors.Config{
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowOrigins:  []string{"*"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        300 * time.Second,
		},
	))
	r.Use(gin.Recovery())

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}

	return &Server{
		engine: r,
		inner: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          zapLogger.Named("server"),
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	return s.serve(nil, nil)
}

// serve accepts on listener (ListenAndServe when nil) and stops when a
// signal arrives on signalCh (process signals when nil). In-flight requests
// get up to the shutdown timeout to finish.
func (s *Server) serve(listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = s.inner.Serve(listener)
		} else {
			err = s.inner.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	s.logger.Info("server listening", zap.String("addr", s.inner.Addr))

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.inner.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func ginMode(env string) string {
	switch env {
	case "dev":
		return gin.DebugMode
	case "test":
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
