// codeboxd is a small HTTP daemon fronting the sandbox engine: one-shot
// code execution and requirements compliance checks over disposable,
// isolated environments.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codebox/internal/config"
	"codebox/internal/logging"
	"codebox/internal/profile"
	"codebox/internal/runtime"
	"codebox/pkg/sandbox"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()

	rt, err := runtime.NewDockerRuntime(cfg.DockerHost)
	if err != nil {
		log.Fatal("connect to container runtime", zap.Error(err))
	}
	defer rt.Close()

	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	srv := &server{rt: rt, cfg: cfg, log: log}
	router.GET("/health", srv.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := router.Group("/v1")
	{
		v1.POST("/execute", srv.execute)
		v1.POST("/compliance", srv.compliance)
		v1.GET("/languages", srv.languages)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Fatal("http server", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
}

type server struct {
	rt  runtime.Runtime
	cfg config.Config
	log *zap.Logger
}

type executeRequest struct {
	Language     string            `json:"language" binding:"required"`
	Code         string            `json:"code" binding:"required"`
	Requirements []string          `json:"requirements"`
	Preset       string            `json:"preset"`
	NetworkMode  string            `json:"network_mode"`
	TimeoutSecs  int               `json:"timeout_seconds"`
	Env          map[string]string `json:"env"`
	Files        map[string]string `json:"files"`
}

func (s *server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := sandbox.Options{
		Language:       req.Language,
		Requirements:   req.Requirements,
		Preset:         s.presetOr(req.Preset),
		NetworkMode:    req.NetworkMode,
		MaxOutputBytes: s.cfg.MaxOutputBytes,
		DefaultTimeout: s.cfg.DefaultTimeout,
	}

	sb, err := sandbox.Create(c.Request.Context(), s.rt, opts)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer sb.Close()

	for path, content := range req.Files {
		if err := sb.WriteFile(c.Request.Context(), path, []byte(content)); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
	}

	runOpts := sandbox.RunOptions{Env: flattenEnv(req.Env)}
	if req.TimeoutSecs > 0 {
		runOpts.Timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	result, err := sb.RunCode(c.Request.Context(), req.Code, runOpts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stdout":          result.Stdout,
		"stderr":          result.Stderr,
		"exit_code":       result.ExitCode,
		"timed_out":       result.TimedOut,
		"elapsed_seconds": result.Elapsed.Seconds(),
	})
}

type complianceRequest struct {
	Language     string   `json:"language" binding:"required"`
	Requirements []string `json:"requirements" binding:"required"`
	Preset       string   `json:"preset"`
}

func (s *server) compliance(c *gin.Context) {
	var req complianceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sb, err := sandbox.Create(c.Request.Context(), s.rt, sandbox.Options{
		Language:     req.Language,
		Requirements: req.Requirements,
		Preset:       s.presetOr(req.Preset),
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer sb.Close()

	report, err := sb.RunCompliance(c.Request.Context(), req.Requirements)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"packages":  report.Packages,
		"satisfied": report.Satisfied(),
		"missing":   report.Missing(),
	})
}

func (s *server) languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": profile.Names()})
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) presetOr(preset string) string {
	if preset != "" {
		return preset
	}
	return s.cfg.DefaultPreset
}

func statusFor(err error) int {
	switch {
	case isAny(err, sandbox.ErrUnsupportedLanguage, sandbox.ErrInvalidConfig, sandbox.ErrInvalidPath):
		return http.StatusBadRequest
	case isAny(err, sandbox.ErrRequirementsInstall):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
