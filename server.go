package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/extraction"
	"github.com/haulflow/dispatch_backend/geo"
	"github.com/haulflow/dispatch_backend/middlewares"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/models/reports"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/haulflow/dispatch_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("haulflow-dispatch")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubPushEnvelope is the wrapper Google Pub/Sub wraps around pushed messages.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// inboundMailPubSubHandler is the push ingress for the email-source connector.
// Enqueue only: extraction and matching happen on the worker loop, so the ack
// window stays small no matter how slow the extractor is.
func inboundMailPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization. Reliability must not depend on
		// Redis: the unique (tenant, source_message_id) key absorbs re-deliveries.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "inboundMailPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "inboundMailPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.InboundMailMessage
		if err := utils.UnmarshalFromJSON(envelope.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "inboundMailPubSubHandler", "Unmarshal pubsub message", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.TenantId == "" || m.SourceMessageId == "" {
			config.LogError(logger, "server.go", "inboundMailPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("tenant_id/source_message_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = envelope.Message.ID
		}

		var lock *redislock.Lock
		if redisLock != nil {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("ingest:%s:%s", m.TenantId, m.SourceMessageId), 30*time.Second, nil)
			if err != nil {
				if err != redislock.ErrNotObtained {
					logger.WithFields(logrus.Fields{
						"field":             "inboundMailPubSubHandler",
						"tenant_id":         m.TenantId,
						"source_message_id": m.SourceMessageId,
						"message_id":        envelope.Message.ID,
					}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				}
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":             "inboundMailPubSubHandler",
					"tenant_id":         m.TenantId,
					"source_message_id": m.SourceMessageId,
					"message_id":        envelope.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)
		item, created, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
			TenantId:        m.TenantId,
			SourceMessageId: m.SourceMessageId,
			ThreadId:        m.ThreadId,
			RawPayload:      m.RawPayload,
			PayloadObject:   m.PayloadObject,
			ReceivedAt:      m.ReceivedAt,
		})
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":             "inboundMailPubSubHandler",
				"tenant_id":         m.TenantId,
				"source_message_id": m.SourceMessageId,
				"message_id":        envelope.Message.ID,
				"correlation_id":    correlationID,
			}).Error("enqueue failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		if !created {
			// Redelivery volume per tenant, for the ops dashboards.
			_, _ = config.IncrRedisCounter(ctx, "ingest-redelivery:"+m.TenantId)
			logger.WithFields(logrus.Fields{
				"field":             "inboundMailPubSubHandler",
				"tenant_id":         m.TenantId,
				"source_message_id": m.SourceMessageId,
				"queue_item_id":     item.ID,
			}).Info("duplicate delivery absorbed")
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// directIngestHandler lets internal tooling enqueue without Pub/Sub
// (local/dev environments and backfill scripts).
func directIngestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req models.NewQueueItem
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if _, err := models.GetTenant(c.Request.Context(), req.TenantId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
			return
		}

		item, created, err := models.EnqueueInbound(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"queue_item_id":  item.ID,
			"created":        created,
			"status":         item.Status,
			"correlation_id": cid,
		})
	}
}

// requireSession ensures the request carries an authenticated tenant scope.
func requireSession(c *gin.Context) (string, bool) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || tenantId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return tenantId, true
}

func authorizeAdminOnly(ctx context.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

func listMatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		limit := 100
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		matches, err := models.ListActiveMatches(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"matches": matches})
	}
}

type matchStatusRequest struct {
	Status  models.MatchStatus `json:"status" binding:"required"`
	Details string             `json:"details"`
}

func setMatchStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}
		var req matchStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		match, err := models.SetMatchStatus(c.Request.Context(), id, req.Status, req.Details)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, match)
	}
}

type matchNoteRequest struct {
	Note string `json:"note" binding:"required"`
}

func addMatchNoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}
		var req matchNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := models.AddMatchNote(c.Request.Context(), id, req.Note); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type matchDeactivateRequest struct {
	Reason string `json:"reason"`
}

func deactivateMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}
		var req matchDeactivateRequest
		_ = c.ShouldBindJSON(&req)
		actor, _ := utils.GetActorNameFromContext(c.Request.Context())
		if actor == "" {
			actor = "dispatcher"
		}
		if err := models.DeactivateMatch(c.Request.Context(), id, actor, req.Reason); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listMatchActionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
			return
		}
		if _, err := utils.FetchSingleModel[models.LoadMatch](c.Request.Context(), id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
			return
		}
		actions, err := models.ListMatchActions(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"actions": actions})
	}
}

func createVehicleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		var req models.NewVehicle
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		vehicle, err := models.CreateVehicle(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, vehicle)
	}
}

func listVehiclesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := requireSession(c)
		if !ok {
			return
		}
		vehicles, err := utils.FetchAllModels[models.Vehicle](c.Request.Context(), tenantId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"vehicles": vehicles})
	}
}

func getVehicleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
			return
		}
		vehicle, err := models.GetVehicle(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "vehicle not found"})
			return
		}
		c.JSON(http.StatusOK, vehicle)
	}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func toggleVehicleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vehicle id"})
			return
		}
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		vehicle, err := models.ToggleActiveVehicle(c.Request.Context(), id, *req.Enabled)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, vehicle)
	}
}

func listHuntPlansHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantId, ok := requireSession(c)
		if !ok {
			return
		}
		plans, err := utils.FetchAllModels[models.HuntPlan](c.Request.Context(), tenantId, "Vehicle")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"hunt_plans": plans})
	}
}

func getHuntPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hunt plan id"})
			return
		}
		plan, err := models.GetHuntPlan(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "hunt plan not found"})
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func createHuntPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		var req models.NewHuntPlan
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		plan, err := models.CreateHuntPlan(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func updateHuntPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hunt plan id"})
			return
		}
		var req models.NewHuntPlan
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		plan, err := models.UpdateHuntPlan(c.Request.Context(), id, &req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func toggleHuntPlanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireSession(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hunt plan id"})
			return
		}
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		plan, err := models.ToggleHuntPlan(c.Request.Context(), id, *req.Enabled)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func createTenantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req models.NewTenant
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		tenant, err := models.CreateTenant(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, tenant)
	}
}

// queueStatsHandler is the administrative surface: queue depth, dedup receipt
// distribution and credit-election contention in one call.
func queueStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)

		depth, err := models.QueueDepthByStatus(ctx)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		receipts, err := models.ReceiptCountDistribution(ctx)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		contention, err := models.GetCreditContentionStats(ctx)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"queue_depth":       depth,
			"receipt_counts":    receipts,
			"credit_contention": contention,
			"generated_at":      time.Now().UTC().Format(time.RFC3339),
		})
	}
}

type queueReplayRequest struct {
	Ids []int `json:"ids" binding:"required"`
}

func queueReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req queueReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.Ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
			return
		}
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		replayed, err := models.ReplayFailedQueueItems(ctx, utils.UniqueSlice(req.Ids))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": replayed})
	}
}

func queueReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		limit := 1000
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
				limit = n
			}
		}
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		if err := reports.ExportQueueFailureReport(ctx, c.Writer, limit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Ingress.
	r.POST("/pubsub", inboundMailPubSubHandler())
	r.POST("/internal/ingest", directIngestHandler())

	// Dispatcher surface.
	r.GET("/matches", listMatchesHandler())
	r.POST("/matches/:id/status", setMatchStatusHandler())
	r.POST("/matches/:id/note", addMatchNoteHandler())
	r.POST("/matches/:id/deactivate", deactivateMatchHandler())
	r.GET("/matches/:id/actions", listMatchActionsHandler())
	r.GET("/vehicles", listVehiclesHandler())
	r.GET("/vehicles/:id", getVehicleHandler())
	r.POST("/vehicles", createVehicleHandler())
	r.POST("/vehicles/:id/toggle", toggleVehicleHandler())
	r.GET("/hunt-plans", listHuntPlansHandler())
	r.GET("/hunt-plans/:id", getHuntPlanHandler())
	r.POST("/hunt-plans", createHuntPlanHandler())
	r.PUT("/hunt-plans/:id", updateHuntPlanHandler())
	r.POST("/hunt-plans/:id/toggle", toggleHuntPlanHandler())

	// Ops tooling (admin only).
	r.POST("/internal/tenants", createTenantHandler())
	r.GET("/internal/ops/queue-stats", queueStatsHandler())
	r.POST("/internal/ops/queue/replay", queueReplayHandler())
	r.GET("/internal/ops/queue-report", queueReportHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	// External clients. Extraction is required for the worker loop; geo and credit
	// degrade gracefully when unconfigured.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	extractor, err := extraction.NewHTTPExtractor()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "extraction"}).Warn("extractor not configured; intake worker disabled: " + err.Error())
	}
	geocoder, err := geo.NewHTTPGeocoder()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "geo"}).Warn("geocoder not configured; intake worker disabled: " + err.Error())
		geocoder = nil
	}
	checker, err := workflow.NewHTTPCreditChecker()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "credit"}).Warn("credit checker not configured; matching proceeds ungated: " + err.Error())
		checker = nil
	}

	if shouldRunIntakeProcessor() && extractor != nil && geocoder != nil {
		// One-time bounded backfill, then the steady-state claim loop.
		if err := workflow.RunBackfillForActiveTenants(workerCtx, logger); err != nil {
			config.LogError(logger, "server.go", "main", "initial backfill", nil, err)
		}
		go NewIntakeProcessor(logger, extractor, geocoder, checker).Run(workerCtx)
	}
	go workflow.NewArchiver(logger).Run(workerCtx)
	go workflow.RunMatchExpirySweep(workerCtx, logger, time.Hour)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
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
