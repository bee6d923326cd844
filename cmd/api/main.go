package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/export"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/logging"
	"qrattend/internal/metrics"
	"qrattend/internal/migrations"
	"qrattend/internal/observability"
	"qrattend/internal/queue"
	"qrattend/internal/registry"
	"qrattend/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		stdlog.Println("no .env file, using environment")
	}
	cfg := config.Load()

	log, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		stdlog.Fatalf("logger init failed: %v", err)
	}
	defer log.Closer()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "")
	if err != nil {
		log.Sugar.Warnw("sentry init failed", "err", err)
	}
	defer flush()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log.Sugar); err != nil {
		log.Sugar.Fatalw("http server failed", "err", err)
	}
}

func runHTTP(cfg config.App, log *zap.SugaredLogger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	if err := migrations.Up(db.Client); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	guard := store.NewScanGuard(redisClient.Client, cfg.ScanCooldown, cfg.ScanLockTTL)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:events")
	}

	authRepo := auth.NewRepository(db.Client)
	regRepo := registry.NewRepository(db.Client)

	var uploads registry.ImageUploader
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		uploads = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Infow("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		log.Info("cloudinary not configured, credential images served inline only")
	}

	regSvc := registry.NewService(regRepo, uploads)
	attRepo := attendance.NewRepository(db.Client)
	attSvc := attendance.NewService(attRepo, regRepo, guard, cfg.Location)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRedisRateLimiter(redisClient.Client, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		start := time.Now()
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		metrics.ObserveDBPing(time.Since(start))
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	registerAuthRoutes(r, cfg, authRepo, log)

	device := r.Group("/v1", auth.BearerAuth(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleScanner))
	registerScanRoutes(device, attSvc, guard, q, log)

	admin := r.Group("/v1", auth.BearerAuth(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin))
	registerAdminRoutes(admin, cfg, regSvc, regRepo, attSvc)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("starting server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server error", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server forced shutdown", "err", err)
	}
	log.Info("server exited")
	return nil
}

// tokenStore is the slice of the auth repository the token routes need.
type tokenStore interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	RefreshTokenValid(ctx context.Context, token string) (bool, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

// registerAuthRoutes wires scanner-station registration, token refresh and
// the admin login.
func registerAuthRoutes(r *gin.Engine, cfg config.App, repo tokenStore, log *zap.SugaredLogger) {
	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := repo.UpsertDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.DeviceID, auth.RoleScanner, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if err := repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			log.Warnw("refresh token save failed", "device", req.DeviceID, "err", err)
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, err := auth.Parse(req.RefreshToken, cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		ok, err := repo.RefreshTokenValid(c.Request.Context(), req.RefreshToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
			return
		}
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token revoked or expired"})
			return
		}
		tokens, err := auth.Issue(claims.Subject, claims.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		if err := repo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken); err != nil {
			log.Warnw("refresh token revoke failed", "device", claims.Subject, "err", err)
		}
		if err := repo.SaveRefreshToken(c.Request.Context(), claims.Subject, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			log.Warnw("refresh token save failed", "device", claims.Subject, "err", err)
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/admin/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Username != cfg.AdminUser || req.Password != cfg.AdminPass {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
			return
		}
		tokens, err := auth.Issue(req.Username, auth.RoleAdmin, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token": tokens.AccessToken,
			"expires_at":   tokens.AccessExp.Unix(),
		})
	})
}

// scanRecorder and deviceLimiter are the slices of the attendance service and
// scan guard the scan route needs.
type scanRecorder interface {
	RecordScan(ctx context.Context, teacherID, courseID string) (attendance.ScanResult, error)
}

type deviceLimiter interface {
	AllowDevice(ctx context.Context, deviceID string) (bool, error)
}

// registerScanRoutes wires the scan entry point used by scanner stations.
func registerScanRoutes(g *gin.RouterGroup, att scanRecorder, guard deviceLimiter, q queue.Queue, log *zap.SugaredLogger) {
	g.POST("/scans", func(c *gin.Context) {
		var req struct {
			Payload  string `json:"payload" binding:"required"`
			CourseID string `json:"course_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "payload and course_id required"})
			return
		}

		teacherID, err := credential.Decode([]byte(req.Payload))
		if err != nil {
			metrics.ScansTotal.WithLabelValues("decode_error").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid QR code"})
			return
		}

		// Cooldown starts only after a successful decode; a garbled scan
		// must not lock out the immediate valid retry.
		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		allowed, err := guard.AllowDevice(c.Request.Context(), claims.Subject)
		if err == nil && !allowed {
			metrics.ScansTotal.WithLabelValues("cooldown").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Scanner is cooling down, try again shortly"})
			return
		}

		result, err := att.RecordScan(c.Request.Context(), teacherID, req.CourseID)
		if err != nil {
			scanFailure(c, err)
			return
		}

		occurred := time.Now()
		if result.Event == attendance.EventOpened {
			metrics.SessionsOpened.Inc()
			if result.Session.CheckIn != nil {
				occurred = *result.Session.CheckIn
			}
		} else {
			metrics.SessionsClosed.Inc()
			if result.Session.CheckOut != nil {
				occurred = *result.Session.CheckOut
			}
		}
		metrics.ScansTotal.WithLabelValues("ok").Inc()

		ev := queue.Event{Type: result.Event, SessionID: result.Session.ID, OccurredAt: occurred}
		if err := q.Publish(c.Request.Context(), ev); err != nil {
			log.Warnw("queue publish failed", "err", err)
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": result.Message,
			"session": result.Session,
		})
	})
}

// scanFailure maps manager errors to user-visible scan outcomes. Store errors
// fall through to a generic failure; the scan loop keeps accepting scans.
func scanFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrTeacherNotFound):
		metrics.ScansTotal.WithLabelValues("teacher_not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Teacher not found"})
	case errors.Is(err, attendance.ErrCourseNotFound):
		metrics.ScansTotal.WithLabelValues("course_not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Course not found"})
	case errors.Is(err, attendance.ErrDuplicateAttendance):
		metrics.ScansTotal.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "Teacher has already completed attendance for today"})
	case errors.Is(err, attendance.ErrScanInProgress):
		metrics.ScansTotal.WithLabelValues("lock_contention").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Scan already in progress, try again"})
	default:
		metrics.ScansTotal.WithLabelValues("store_error").Inc()
		observability.CaptureErr(err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to process attendance"})
	}
}

// registerAdminRoutes wires the dashboard surface: registry CRUD, credential
// provisioning and the session record browser.
func registerAdminRoutes(g *gin.RouterGroup, cfg config.App, reg *registry.Service, regRepo *registry.Repository, att *attendance.Service) {
	g.GET("/teachers", func(c *gin.Context) {
		teachers, err := regRepo.ListTeachers(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"teachers": teachers})
	})

	g.POST("/teachers", func(c *gin.Context) {
		var req struct {
			Name  string  `json:"name" binding:"required"`
			Email string  `json:"email" binding:"required,email"`
			Phone *string `json:"phone"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		teacher, cred, err := reg.CreateTeacher(c.Request.Context(), req.Name, req.Email, req.Phone)
		if err != nil {
			registryFailure(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"teacher":    teacher,
			"credential": credentialJSON(cred),
		})
	})

	g.GET("/teachers/:id", func(c *gin.Context) {
		teacher, err := regRepo.TeacherByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if teacher == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "teacher not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"teacher": teacher})
	})

	g.PUT("/teachers/:id", func(c *gin.Context) {
		var req struct {
			Name  string  `json:"name" binding:"required"`
			Email string  `json:"email" binding:"required,email"`
			Phone *string `json:"phone"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		teacher, err := reg.UpdateTeacher(c.Request.Context(), c.Param("id"), req.Name, req.Email, req.Phone)
		if err != nil {
			registryFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"teacher": teacher})
	})

	g.DELETE("/teachers/:id", func(c *gin.Context) {
		if err := regRepo.DeleteTeacher(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.POST("/teachers/:id/credential", func(c *gin.Context) {
		cred, err := reg.RegenerateCredential(c.Request.Context(), c.Param("id"))
		if err != nil {
			registryFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"credential": credentialJSON(cred)})
	})

	g.GET("/teachers/:id/credential.png", func(c *gin.Context) {
		png, err := reg.CredentialPNG(c.Request.Context(), c.Param("id"))
		if err != nil {
			registryFailure(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	g.GET("/courses", func(c *gin.Context) {
		courses, err := regRepo.ListCourses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"courses": courses})
	})

	g.POST("/courses", func(c *gin.Context) {
		var req courseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		course, err := reg.CreateCourse(c.Request.Context(), req.toCourse(""))
		if err != nil {
			registryFailure(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"course": course})
	})

	g.GET("/courses/:id", func(c *gin.Context) {
		course, err := regRepo.CourseByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if course == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "course not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"course": course})
	})

	g.PUT("/courses/:id", func(c *gin.Context) {
		var req courseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		course, err := reg.UpdateCourse(c.Request.Context(), req.toCourse(c.Param("id")))
		if err != nil {
			registryFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"course": course})
	})

	g.DELETE("/courses/:id", func(c *gin.Context) {
		if err := regRepo.DeleteCourse(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.GET("/sessions", func(c *gin.Context) {
		date := c.DefaultQuery("date", time.Now().In(cfg.Location).Format("2006-01-02"))
		rows, err := att.ListDay(c.Request.Context(), date, c.DefaultQuery("status", "all"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": rows})
	})

	g.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := att.Delete(c.Request.Context(), c.Param("id")); err != nil {
			if errors.Is(err, attendance.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.GET("/sessions/export", func(c *gin.Context) {
		date := c.DefaultQuery("date", time.Now().In(cfg.Location).Format("2006-01-02"))
		rows, err := att.ListDay(c.Request.Context(), date, c.DefaultQuery("status", "all"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		buf, err := export.SessionsWorkbook(rows, cfg.Location)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=attendance_%s.xlsx", date))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	})
}

type courseRequest struct {
	Name          string   `json:"name" binding:"required"`
	Description   *string  `json:"description"`
	TeacherID     *string  `json:"teacher_id"`
	ScheduleStart string   `json:"schedule_start" binding:"required"`
	ScheduleEnd   string   `json:"schedule_end" binding:"required"`
	Weekdays      []string `json:"weekdays"`
}

func (r courseRequest) toCourse(id string) registry.Course {
	return registry.Course{
		ID:            id,
		Name:          r.Name,
		Description:   r.Description,
		TeacherID:     r.TeacherID,
		ScheduleStart: r.ScheduleStart,
		ScheduleEnd:   r.ScheduleEnd,
		Weekdays:      r.Weekdays,
	}
}

func credentialJSON(cred credential.Credential) gin.H {
	return gin.H{
		"hash":      cred.Hash,
		"payload":   string(cred.Payload),
		"png":       base64.StdEncoding.EncodeToString(cred.PNG),
		"issued_at": cred.IssuedAt.Format(time.RFC3339),
	}
}

// registryFailure maps registry errors onto HTTP statuses.
func registryFailure(c *gin.Context, err error) {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	default:
		observability.CaptureErr(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
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
