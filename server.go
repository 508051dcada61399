package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/middlewares"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

var runtimeRef atomic.Pointer[workflow.Runtime]

// currentRuntime is only called behind the readiness gate.
func currentRuntime() *workflow.Runtime {
	return runtimeRef.Load()
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"field": "http",
				"path":  c.FullPath(),
			}).Error(c.Errors.String())
		}
	}
}

func readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Always allow the Cloud Run startup check.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || currentRuntime() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = true
	return cors.New(corsConfig)
}

func newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(readinessGate())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(corsMiddleware())

	// Optional rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		r.Use(func(c *gin.Context) {
			if rdb := config.GetRedisDB(); rdb != nil {
				limiter := middlewares.NewRateLimiter(rdb, int64Env("RATE_LIMIT_MAX_REQUESTS", 600), time.Duration(int64Env("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second)
				limiter.Middleware()(c)
				return
			}
			c.Next()
		})
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	invoices := r.Group("/invoices/:id")
	invoices.POST("/process", triggerPipelineHandler())
	invoices.POST("/rerun", rerunOCRHandler())
	invoices.GET("/analysis", analysisHandler())
	invoices.GET("/prediction", predictionHandler())
	invoices.POST("/approve", transitionHandler(approveInvoice))
	invoices.POST("/reject", transitionHandler(rejectInvoice))
	invoices.POST("/match", transitionHandler(matchInvoice))
	invoices.POST("/unmatch", transitionHandler(unmatchInvoice))
	invoices.POST("/submit", transitionHandler(submitInvoice))
	invoices.POST("/review", transitionHandler(reviewInvoice))
	r.POST("/ai/train", trainHandler())
	r.POST("/pubsub", pipelinePushHandler())
	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start listening immediately; app endpoints return 503 until dependencies are ready.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	redisReady := config.ConnectRedisWithRetry(sigCtx, 5)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; SKIP_MIGRATIONS=true runs them as a separate job instead.
	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	opts := workflow.RuntimeOptions{
		Config:  config.LoadPipelineConfig(),
		Repo:    models.NewGormRepository(db),
		Logger:  logger,
		DB:      db,
		Publish: config.UsePubSubQueue(),
	}
	if redisReady {
		opts.RedisLock = config.GetRedisLock()
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis not ready; invoice locks use MySQL GET_LOCK")
	}
	rt, err := workflow.BuildRuntime(sigCtx, opts)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "runtime"}).Fatal(err.Error())
	}
	defer rt.Close()

	// The local pool also serves Pub/Sub push deliveries.
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	var poolWg sync.WaitGroup
	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		rt.Pool.Run(poolCtx)
	}()
	runtimeRef.Store(rt)

	logger.WithFields(logrus.Fields{
		"field":   "server",
		"port":    port,
		"pubsub":  opts.Publish,
		"workers": opts.Config.Workers,
	}).Info("invoice pipeline API ready")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Stop accepting retries, then let in-flight runs finish.
	rt.Pool.Stop()
	cancelPool()
	poolWg.Wait()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func int64Env(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
