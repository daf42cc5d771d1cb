package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/middlewares"
	"bitbucket.org/mmdatafocus/loans_backend/models"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"bitbucket.org/mmdatafocus/loans_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

var (
	verificationOnce    sync.Once
	verificationService *workflow.VerificationService
)

// getVerificationService builds the singleton lazily so it picks up the
// DB connection established after the listener is already up.
func getVerificationService() *workflow.VerificationService {
	verificationOnce.Do(func() {
		verificationService = workflow.NewVerificationService(config.GetDB())
	})
	return verificationService
}

// respondError maps core errors onto HTTP statuses: domain transition
// errors are 400, missing rows 404, everything else 500.
func respondError(c *gin.Context, err error) {
	switch {
	case workflow.IsTransitionError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": info})
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": ok})
	}
}

func createApplicationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewLoanApplication
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		application, err := models.CreateLoanApplication(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": application})
	}
}

func listApplicationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var statuses []models.WorkflowStatus
		for _, raw := range strings.Split(c.Query("status"), ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			status, err := models.ParseWorkflowStatus(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			statuses = append(statuses, status)
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		applications, err := models.ListLoanApplications(c.Request.Context(), statuses, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": applications})
	}
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func getApplicationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		application, err := models.GetLoanApplicationWithFiles(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": application})
	}
}

// updateApplicationHandler edits the form fields. Allowed only while the
// caller's role may still edit at the application's current stage.
func updateApplicationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewLoanApplication
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		application, err := models.GetLoanApplication(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}

		roleStr, _ := utils.GetRoleFromContext(ctx)
		role, err := models.ParseUserRole(roleStr)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if !workflow.CanEditForm(application.WorkflowStatus, role) {
			c.JSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("form is not editable in stage %s for role %s", application.WorkflowStatus, role)})
			return
		}

		db := config.GetDB()
		if err := application.Update(db, ctx, input.Fillable()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": application})
	}
}

type transitionRequest struct {
	NewStatus models.WorkflowStatus `json:"new_status" binding:"required"`
	AccountId *string               `json:"account_id"`
	Notes     string                `json:"notes"`
}

func transitionApplicationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req transitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		application, err := workflow.TransitionApplication(c.Request.Context(), config.GetDB(), id, req.NewStatus, req.AccountId, req.Notes)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": application})
	}
}

func nextStagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		application, err := models.GetLoanApplication(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		roleStr, _ := utils.GetRoleFromContext(ctx)
		role, err := models.ParseUserRole(roleStr)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		stages := workflow.GetNextStages(application.WorkflowStatus, role)
		if stages == nil {
			stages = []models.WorkflowStatus{}
		}
		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"current_status": application.WorkflowStatus,
				"next_stages":    stages,
				"can_edit_form":  workflow.CanEditForm(application.WorkflowStatus, role),
			},
		})
	}
}

func listApplicationFilesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()
		folders, err := models.GetApplicationFolders(db, ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		files, err := models.GetApplicationFiles(db, ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"folders": folders, "files": files}})
	}
}

func deleteFileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		file, err := models.GetFile(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := file.Delete(config.GetDB(), ctx); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": true})
	}
}

func createCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		customer, err := models.CreateCustomer(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": customer})
	}
}

func getCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		customer, err := models.GetCustomer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": customer})
	}
}

func updateCustomerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		customer, err := models.UpdateCustomer(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": customer})
	}
}

func createEmployeeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewEmployee
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		employee, err := models.CreateEmployee(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": employee})
	}
}

func listEmployeesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		employees, err := models.ListEmployees(c.Request.Context(), branchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": employees})
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user.PrepareGive()
		c.JSON(http.StatusCreated, gin.H{"data": user})
	}
}

func listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		unreadOnly := strings.EqualFold(c.Query("unread"), "true")
		notifications, err := models.ListNotifications(ctx, userId, unreadOnly)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": notifications})
	}
}

func markNotificationReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		userId, uok := utils.GetUserIdFromContext(ctx)
		if !uok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := models.MarkNotificationRead(ctx, userId, id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": true})
	}
}

func getSettingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		key := c.Query("key")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
			return
		}
		setting, err := models.GetSetting(c.Request.Context(), branchId, key)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": setting})
	}
}

type upsertSettingRequest struct {
	BranchId int    `json:"branch_id"`
	Key      string `json:"key" binding:"required"`
	Value    string `json:"value"`
}

func upsertSettingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req upsertSettingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		setting, err := models.UpsertSetting(c.Request.Context(), req.BranchId, req.Key, req.Value)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": setting})
	}
}

func listHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		histories, err := models.ListHistories(c.Request.Context(), "loan_applications", id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": histories})
	}
}

// syncVerifyHandler runs all consistency checks, or a single named one
// via ?check=.
func syncVerifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		service := getVerificationService()
		ctx := c.Request.Context()

		switch c.Query("check") {
		case "":
			c.JSON(http.StatusOK, gin.H{"data": service.RunComprehensiveVerification(ctx)})
		case "file_folder_consistency":
			c.JSON(http.StatusOK, gin.H{"data": service.VerifyFileFolderConsistency(ctx)})
		case "folder_hierarchy_consistency":
			c.JSON(http.StatusOK, gin.H{"data": service.VerifyFolderHierarchyConsistency(ctx)})
		case "file_count_sanity":
			c.JSON(http.StatusOK, gin.H{"data": service.VerifyFileCountSanity(ctx)})
		case "application_data_consistency":
			var applicationId *int
			if raw := c.Query("application_id"); raw != "" {
				id, err := strconv.Atoi(raw)
				if err != nil || id <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "application_id must be a positive integer"})
					return
				}
				applicationId = &id
			}
			c.JSON(http.StatusOK, gin.H{"data": service.VerifyApplicationDataConsistency(ctx, applicationId)})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown check"})
		}
	}
}

// syncFixHandler re-runs the named check and repairs its auto-fixable
// issues. Detection and repair happen in the same request so the fix
// acts on fresh issues.
func syncFixHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		service := getVerificationService()
		ctx := c.Request.Context()

		var result *models.SyncVerificationResult
		switch c.Query("check") {
		case "file_folder_consistency":
			result = service.VerifyFileFolderConsistency(ctx)
		case "folder_hierarchy_consistency":
			result = service.VerifyFolderHierarchyConsistency(ctx)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "check must be file_folder_consistency or folder_hierarchy_consistency"})
			return
		}

		report, err := service.AutoFixIssues(ctx, result)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"verification": result, "fix": report}})
	}
}

func syncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		c.JSON(http.StatusOK, gin.H{"data": getVerificationService().History().Recent(limit)})
	}
}

func cleanupFoldersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		dryRun := !strings.EqualFold(c.Query("dry_run"), "false")
		report, err := workflow.CleanupAllDuplicateFolders(c.Request.Context(), config.GetDB(), dryRun)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

type rollbackRequest struct {
	RollbackId string `json:"rollback_id" binding:"required"`
}

func cleanupRollbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rollbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ok, err := workflow.RollbackCleanup(c.Request.Context(), config.GetDB(), req.RollbackId)
		if err != nil {
			respondError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rollback record not found or already consumed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": true})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// runScheduledCleanup periodically sweeps duplicate folders. The sweep
// itself takes a cross-instance redis lock, so enabling the flag on
// several replicas is safe.
func runScheduledCleanup(ctx context.Context, logger *logrus.Logger) {
	interval := 24 * time.Hour
	if v := strings.TrimSpace(os.Getenv("CLEANUP_INTERVAL_HOURS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Hour
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := workflow.CleanupAllDuplicateFolders(ctx, config.GetDB(), false)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"field": "scheduledCleanup",
				}).Warn("scheduled folder cleanup failed: " + err.Error())
				continue
			}
			logger.WithFields(logrus.Fields{
				"field":           "scheduledCleanup",
				"applications":    len(report.Applications),
				"folders_removed": report.TotalFoldersRemoved(),
				"files_moved":     report.TotalFilesMoved(),
				"rollback_id":     report.RollbackId,
			}).Info("scheduled folder cleanup completed")
		}
	}
}

func registerRoutes(r *gin.Engine) {
	r.POST("/auth/login", loginHandler())
	r.POST("/auth/logout", logoutHandler())

	applications := r.Group("/applications")
	{
		applications.POST("", middlewares.RequireRole(models.UserRolePo), createApplicationHandler())
		applications.GET("", middlewares.RequireRole(models.UserRolePo, models.UserRoleUser, models.UserRoleTeller, models.UserRoleManager), listApplicationsHandler())
		applications.GET("/:id", middlewares.RequireRole(models.UserRolePo, models.UserRoleUser, models.UserRoleTeller, models.UserRoleManager), getApplicationHandler())
		applications.PUT("/:id", middlewares.RequireRole(models.UserRolePo, models.UserRoleUser, models.UserRoleTeller), updateApplicationHandler())
		applications.POST("/:id/transition", middlewares.RequireRole(models.UserRoleUser, models.UserRoleTeller, models.UserRoleManager), transitionApplicationHandler())
		applications.GET("/:id/next-stages", middlewares.RequireRole(models.UserRolePo, models.UserRoleUser, models.UserRoleTeller, models.UserRoleManager), nextStagesHandler())
		applications.GET("/:id/files", middlewares.RequireRole(models.UserRolePo, models.UserRoleUser, models.UserRoleTeller, models.UserRoleManager), listApplicationFilesHandler())
		applications.GET("/:id/histories", middlewares.RequireRole(models.UserRoleTeller, models.UserRoleManager), listHistoriesHandler())
	}

	r.DELETE("/files/:id", middlewares.RequireRole(models.UserRolePo, models.UserRoleUser, models.UserRoleTeller), deleteFileHandler())
	r.POST("/uploads/sign", signUploadHandler())
	r.POST("/uploads/complete", completeUploadHandler())

	customers := r.Group("/customers")
	{
		customers.POST("", middlewares.RequireRole(models.UserRolePo), createCustomerHandler())
		customers.GET("/:id", getCustomerHandler())
		customers.PUT("/:id", middlewares.RequireRole(models.UserRolePo, models.UserRoleTeller), updateCustomerHandler())
	}

	employees := r.Group("/employees")
	{
		employees.POST("", middlewares.RequireRole(models.UserRoleManager), createEmployeeHandler())
		employees.GET("", listEmployeesHandler())
	}

	r.POST("/users", middlewares.RequireRole(), createUserHandler()) // admin only
	r.GET("/notifications", listNotificationsHandler())
	r.PUT("/notifications/:id/read", markNotificationReadHandler())
	r.GET("/settings", getSettingHandler())
	r.PUT("/settings", middlewares.RequireRole(models.UserRoleManager), upsertSettingHandler())

	admin := r.Group("/admin", middlewares.RequireRole())
	{
		admin.POST("/sync/verify", syncVerifyHandler())
		admin.POST("/sync/fix", syncFixHandler())
		admin.GET("/sync/history", syncHistoryHandler())
		admin.POST("/cleanup/folders", cleanupFoldersHandler())
		admin.POST("/cleanup/rollback", cleanupRollbackHandler())
	}
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
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS")})
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
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerRoutes(r)
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

	// Background workers.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if config.WorkflowEventsEnabled() {
		// Outbox dispatcher publishes AFTER commit.
		go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)
	}
	if config.ScheduledCleanupEnabled() {
		go runScheduledCleanup(workerCtx, logger)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)

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
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
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
