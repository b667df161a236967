package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/attendance"
	"presence/internal/audit"
	"presence/internal/auth"
	"presence/internal/clock"
	"presence/internal/cloudinary"
	"presence/internal/config"
	"presence/internal/device"
	"presence/internal/faceclient"
	"presence/internal/geo"
	"presence/internal/httpmiddleware"
	"presence/internal/queue"
	"presence/internal/rotation"
	"presence/internal/session"
	"presence/internal/store"
)

const maxImageBytes = 5 << 20

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
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
		// Pool exists but the ping failed; handlers surface errors per request.
		log.Printf("warning: db not reachable: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(context.Background(), db.Client); err != nil {
		log.Printf("warning: migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:sink")
	}

	clk := clock.System()
	auditSink := audit.NewQueueSink(q, clk)

	sessions := session.NewRepository(db.Client)
	devices := device.NewRepository(db.Client)
	evidence := attendance.NewRepository(db.Client)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	// Cloudinary client (nil when not configured)
	var images attendance.ImageStore
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		images = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	sched := rotation.NewScheduler(sessions, auditSink, clk, rotation.Config{
		Tick:     cfg.RotationTick,
		Margin:   cfg.RotationMargin,
		NonceTTL: cfg.NonceTTL,
	})

	engine := attendance.NewEngine(sessions, devices, evidence, face, images, auditSink, clk)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewPerIPLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

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

	// Dev stand-in for the external identity provider: mints a role token for
	// a known user id. Registration/login live outside this service.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID int64  `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleLecturer && req.Role != auth.RoleStudent {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		tok, exp, err := auth.Issue(strconv.FormatInt(req.UserID, 10), req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": tok, "expires_at": exp.Unix()})
	})

	lecturer := r.Group("/v1/lecturer", auth.RequireRole(auth.RoleLecturer, cfg.JWTSigningKey, cfg.JWTIssuer))

	lecturer.POST("/sessions", func(c *gin.Context) {
		ownerID, _ := auth.UserID(c)
		var req struct {
			CourseID        *int64   `json:"course_id"`
			DurationMinutes int      `json:"duration_minutes"`
			Latitude        *float64 `json:"latitude"`
			Longitude       *float64 `json:"longitude"`
			RadiusMeters    *float64 `json:"radius_meters"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.DurationMinutes <= 0 {
			req.DurationMinutes = 15
		}
		geofenceFields := 0
		for _, p := range []bool{req.Latitude != nil, req.Longitude != nil, req.RadiusMeters != nil} {
			if p {
				geofenceFields++
			}
		}
		if geofenceFields != 0 && geofenceFields != 3 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "geofence requires latitude, longitude and radius_meters together"})
			return
		}
		if geofenceFields == 3 {
			if !geo.ValidCoordinates(*req.Latitude, *req.Longitude) || *req.RadiusMeters <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid geofence"})
				return
			}
		}

		now := clk.Now()
		ends := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
		sess := session.New(ownerID, req.CourseID, now, &ends)
		sess.Latitude, sess.Longitude, sess.RadiusMeters = req.Latitude, req.Longitude, req.RadiusMeters

		if err := sessions.Create(c.Request.Context(), sess); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
			return
		}
		sched.Register(sess.ID)
		writeAudit(c, auditSink, "lecturer.open_session", &ownerID, "session_id="+strconv.FormatInt(sess.ID, 10))

		c.JSON(http.StatusCreated, gin.H{
			"id":        sess.ID,
			"starts_at": sess.StartsAt,
			"ends_at":   sess.EndsAt,
			"is_active": sess.Active,
		})
	})

	lecturer.GET("/sessions", func(c *gin.Context) {
		ownerID, _ := auth.UserID(c)
		list, err := sessions.ListByOwner(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]gin.H, 0, len(list))
		for _, s := range list {
			out = append(out, gin.H{
				"id":            s.ID,
				"is_active":     s.Active,
				"starts_at":     s.StartsAt,
				"ends_at":       s.EndsAt,
				"has_geofence":  s.HasGeofence(),
				"qr_expires_at": s.NonceExpiresAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	// Returns the current QR nonce, issuing or rotating first if missing or
	// expired, so code display is fully automatic for the frontend.
	lecturer.GET("/sessions/:id/qr", func(c *gin.Context) {
		sess, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		if !sess.Active {
			c.JSON(http.StatusConflict, gin.H{"error": "session is closed"})
			return
		}
		now := clk.Now()
		if !sess.NonceValidAt(now) {
			if err := sess.IssueOrRotate(now, cfg.NonceTTL); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if err := sessions.SaveRotation(c.Request.Context(), sess.ID, *sess.Nonce, *sess.NonceExpiresAt); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "persist rotation failed"})
				return
			}
			sched.Register(sess.ID)
		}
		c.JSON(http.StatusOK, gin.H{"nonce": sess.Nonce, "expires_at": sess.NonceExpiresAt})
	})

	lecturer.POST("/sessions/:id/rotate", func(c *gin.Context) {
		ownerID, _ := auth.UserID(c)
		sess, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		ttl := cfg.NonceTTL
		if v := c.Query("ttl_seconds"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				ttl = time.Duration(parsed) * time.Second
			}
		}
		if err := sess.IssueOrRotate(clk.Now(), ttl); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err := sessions.SaveRotation(c.Request.Context(), sess.ID, *sess.Nonce, *sess.NonceExpiresAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "persist rotation failed"})
			return
		}
		sched.Register(sess.ID)
		writeAudit(c, auditSink, "lecturer.rotate_qr", &ownerID, "session_id="+strconv.FormatInt(sess.ID, 10))
		c.JSON(http.StatusOK, gin.H{"nonce": sess.Nonce, "expires_at": sess.NonceExpiresAt})
	})

	lecturer.POST("/sessions/:id/close", func(c *gin.Context) {
		ownerID, _ := auth.UserID(c)
		sess, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		// Closing a closed session is a no-op, not an error.
		if sess.Close() {
			if err := sessions.MarkClosed(c.Request.Context(), sess.ID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "close failed"})
				return
			}
			writeAudit(c, auditSink, "lecturer.close_session", &ownerID, "session_id="+strconv.FormatInt(sess.ID, 10))
		}
		sched.Unregister(sess.ID)
		c.JSON(http.StatusOK, gin.H{"id": sess.ID, "is_active": sess.Active})
	})

	lecturer.GET("/sessions/:id/records", func(c *gin.Context) {
		sess, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		records, err := evidence.ListBySession(c.Request.Context(), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	lecturer.GET("/sessions/:id/flagged", func(c *gin.Context) {
		sess, ok := ownedSession(c, sessions)
		if !ok {
			return
		}
		flagged, err := evidence.ListFlagged(c.Request.Context(), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"flagged": flagged})
	})

	lecturer.POST("/records/:id/confirm", func(c *gin.Context) {
		ownerID, _ := auth.UserID(c)
		recordID := c.Param("id")
		rec, err := evidence.GetRecord(c.Request.Context(), recordID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		sess, err := sessions.Get(c.Request.Context(), rec.SessionID)
		if err != nil || sess == nil || sess.OwnerID != ownerID {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if err := evidence.ConfirmOverride(c.Request.Context(), recordID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "confirm failed"})
			return
		}
		writeAudit(c, auditSink, "lecturer.confirm_attendance", &ownerID, "record_id="+recordID)
		c.JSON(http.StatusOK, gin.H{"record_id": recordID, "status": attendance.StatusConfirmed})
	})

	lecturer.GET("/dashboard", func(c *gin.Context) {
		ownerID, _ := auth.UserID(c)
		totalSessions, err := sessions.CountByOwner(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		totalRecords, flagged, err := evidence.OwnerCounts(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total_sessions":           totalSessions,
			"total_attendance_records": totalRecords,
			"flagged_records":          flagged,
		})
	})

	student := r.Group("/v1/student", auth.RequireRole(auth.RoleStudent, cfg.JWTSigningKey, cfg.JWTIssuer))

	student.POST("/device/bind", func(c *gin.Context) {
		studentID, _ := auth.UserID(c)
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		hash, err := devices.Bind(c.Request.Context(), studentID, req.DeviceID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "bind failed"})
			return
		}
		writeAudit(c, auditSink, "student.bind_device", &studentID, "device_hash="+hash)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "device_hash": hash})
	})

	student.POST("/face/enroll", func(c *gin.Context) {
		studentID, _ := auth.UserID(c)
		data, ok := readImageFile(c, "file")
		if !ok {
			return
		}
		if _, err := face.Enroll(c.Request.Context(), studentID, data); err != nil {
			log.Printf("face enroll failed for %d: %v", studentID, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "face enrollment failed"})
			return
		}
		locator := ""
		if images != nil {
			key := "faces/" + strconv.FormatInt(studentID, 10) + "_reference"
			if loc, err := images.Save(data, key); err != nil {
				log.Printf("reference image upload failed: %v", err)
			} else {
				locator = loc
			}
		}
		if err := evidence.SetFaceEnrolled(c.Request.Context(), studentID, locator); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment save failed"})
			return
		}
		writeAudit(c, auditSink, "student.enroll_face", &studentID, "")
		c.JSON(http.StatusOK, gin.H{"message": "reference face enrolled"})
	})

	student.POST("/attendance", func(c *gin.Context) {
		studentID, _ := auth.UserID(c)
		sub, ok := parseSubmission(c, studentID)
		if !ok {
			return
		}

		result, err := engine.Submit(c.Request.Context(), sub)
		if err != nil {
			switch {
			case errors.Is(err, attendance.ErrSessionNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case attendance.IsRejection(err):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				// The submission did not complete; the client may retry.
				log.Printf("submission failed for student %d: %v", studentID, err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "submission could not be recorded, retry"})
			}
			return
		}

		resp := gin.H{
			"record_id":      result.Record.ID,
			"status":         result.Record.Status,
			"device_matched": result.DeviceMatched,
		}
		if result.Record.GeofenceDistanceM != nil {
			resp["geofence_distance_m"] = *result.Record.GeofenceDistanceM
		}
		if result.Face != nil {
			resp["face_verified"] = result.Face.Verified
			resp["face_distance"] = result.Face.Distance
			resp["face_threshold"] = result.Face.Threshold
			resp["face_model"] = result.Face.Model
		}
		c.JSON(http.StatusCreated, resp)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	sched.Stop()
	log.Println("Server exited")
	return nil
}

// ownedSession loads the :id session and enforces ownership; it writes the
// error response itself when returning ok=false.
func ownedSession(c *gin.Context, sessions *session.Repository) (*session.Session, bool) {
	ownerID, _ := auth.UserID(c)
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	sess, err := sessions.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if sess == nil || sess.OwnerID != ownerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

// parseSubmission reads the multipart submission form. Coordinates and the
// face image are optional.
func parseSubmission(c *gin.Context, studentID int64) (attendance.Submission, bool) {
	sub := attendance.Submission{StudentID: studentID}

	sessionID, err := strconv.ParseInt(c.PostForm("session_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return sub, false
	}
	sub.SessionID = sessionID
	sub.Nonce = c.PostForm("code")
	sub.DeviceID = c.PostForm("device_id")

	if v := c.PostForm("latitude"); v != "" {
		lat, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid latitude"})
			return sub, false
		}
		sub.Latitude = &lat
	}
	if v := c.PostForm("longitude"); v != "" {
		lon, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid longitude"})
			return sub, false
		}
		sub.Longitude = &lon
	}

	if file, header, err := c.Request.FormFile("face"); err == nil {
		defer file.Close()
		if header.Size > maxImageBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "face image too large"})
			return sub, false
		}
		data, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read face image failed"})
			return sub, false
		}
		sub.FaceImage = data
	}
	return sub, true
}

// readImageFile reads one bounded multipart image field.
func readImageFile(c *gin.Context, field string) ([]byte, bool) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " field required"})
		return nil, false
	}
	defer file.Close()
	if header.Size > maxImageBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image too large"})
		return nil, false
	}
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
		return nil, false
	}
	return data, true
}

func writeAudit(c *gin.Context, sink *audit.QueueSink, action string, userID *int64, detail string) {
	if err := sink.Write(c.Request.Context(), action, userID, detail); err != nil {
		log.Printf("audit %s failed: %v", action, err)
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

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
