package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/monascore/config"
	"github.com/cppla/monascore/controllers"
	"github.com/cppla/monascore/middleware"
	"github.com/cppla/monascore/utils"
)

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(cfg config.AppConfig, users controllers.UserService, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())

	// Access log goes to its own rolling file; the app logger is the fallback
	accessLog := logger.Named("http")
	if cfg.GinPath != "" {
		gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
		if err == nil {
			accessLog = gl
		} else {
			logger.Warn("gin access log unavailable", zap.String("path", cfg.GinPath), zap.Error(err))
		}
	}
	r.Use(utils.Ginzap(accessLog, time.RFC3339, true))
	r.Use(utils.RecoveryWithZap(accessLog, false))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.Status(http.StatusOK)
	})

	userController := controllers.NewUserController(users, logger)

	api := r.Group("/api")
	if cfg.RateLimitPerMinute > 0 {
		api.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute))
	}

	userGroup := api.Group("/user")
	userGroup.POST("/register", userController.Register)
	userGroup.POST("/claim", userController.Claim)
	userGroup.POST("/message", userController.Message)
	userGroup.GET("", userController.GetUser)
	userGroup.GET("/:address", userController.GetUser)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, "api route not found")
	})

	return r
}
