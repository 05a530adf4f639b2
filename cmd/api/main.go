package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanme/internal/auth"
	"scanme/internal/config"
	"scanme/internal/httpmiddleware"
	"scanme/internal/presence"
	"scanme/internal/queue"
	"scanme/internal/store"
	"scanme/internal/timeutil"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if db == nil {
			return err
		}
		// Pool exists; the ping failed. Keep going, /healthz reports it.
		log.Printf("warning: db not reachable at startup: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	var guard presence.RapidScanGuard
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		guard = presence.NewMemoryGuard()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "scanme:audit")
		guard = presence.NewRedisGuard(redisClient.Client, "scanme:rapid")
	}

	repo := presence.NewRepository(db.Client)
	svc := presence.NewService(repo, guard, presence.Options{
		RapidScanWindow: cfg.RapidScanWindow,
		DuplicateWindow: cfg.DuplicateWindow,
		OrphanMaxAge:    cfg.OrphanMaxAge,
		MaxReasonable:   cfg.MaxDuration,
		CutoffHour:      cfg.CutoffHour,
	})
	sweeper := presence.NewSweeper(repo, nil)
	ctx := context.Background()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/scanners/register", func(c *gin.Context) {
		var req struct {
			ScannerID string `json:"scanner_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := repo.UpsertScanner(c.Request.Context(), req.ScannerID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.ScannerID, "scanner", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.ScannerID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.ScannerAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/scans", func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			RoomID    string `json:"room_id" binding:"required"`
			SessionID string `json:"session_id"`
			Mode      string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)

		result := svc.ProcessScan(c.Request.Context(), presence.ScanRequest{
			StudentID: req.StudentID,
			RoomID:    req.RoomID,
			SessionID: req.SessionID,
			ScannedBy: claims.Subject,
			Mode:      req.Mode,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})

		if result.Success {
			if err := q.Publish(ctx, queue.Message{Type: "scan", Body: []byte(req.StudentID)}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(statusForResult(result), result)
	})

	authGroup.GET("/records", func(c *gin.Context) {
		limit, offset := queryRange(c)
		records, err := repo.ListRecords(c.Request.Context(), c.Query("student_id"), c.Query("room_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.GET("/events", func(c *gin.Context) {
		limit, offset := queryRange(c)
		events, err := repo.ListEvents(c.Request.Context(), c.Query("student_id"), c.Query("room_id"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	authGroup.GET("/summary", func(c *gin.Context) {
		sum, err := sweeper.Summary(c.Request.Context(), cfg.OrphanMaxAge)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sum)
	})

	authGroup.POST("/sessions/validate", func(c *gin.Context) {
		var req struct {
			Start time.Time `json:"start" binding:"required"`
			End   time.Time `json:"end" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		report := timeutil.ValidateSessionTimes(req.Start, req.End)
		c.JSON(http.StatusOK, gin.H{
			"valid":    report.Valid,
			"errors":   report.Errors,
			"warnings": report.Warnings,
		})
	})

	authGroup.POST("/maintenance/orphans", func(c *gin.Context) {
		maxAge := cfg.OrphanMaxAge
		if v := c.Query("max_age_hours"); v != "" {
			if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
				maxAge = time.Duration(hours) * time.Hour
			}
		}
		closed, err := sweeper.CleanupOrphaned(c.Request.Context(), maxAge)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": closed})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// statusForResult maps the domain outcome to an HTTP status.
func statusForResult(res presence.ScanResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Action {
	case presence.ActionRateLimited:
		return http.StatusTooManyRequests
	case presence.ActionDuplicate:
		return http.StatusConflict
	}
	switch res.ErrorCode {
	case presence.ErrStudentNotFound, presence.ErrRoomNotFound, presence.ErrSessionNotFound:
		return http.StatusNotFound
	case presence.ErrSystem:
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func queryRange(c *gin.Context) (limit, offset int) {
	limit, offset = 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
