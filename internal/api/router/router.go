package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/account-sync/internal/api/handler"
)

// DefaultMetricsPath is used when Dependencies carries a collector but no path
const DefaultMetricsPath = "/metrics"

// SetupRouter configures and returns the Gin router. Route groups are only
// registered when their dependencies are present.
func SetupRouter(deps *handler.Dependencies, metricsPath string) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.NewHealthHandler(deps).Health)

	if deps.Metrics != nil {
		if metricsPath == "" {
			metricsPath = DefaultMetricsPath
		}
		r.GET(metricsPath, gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")

	if deps.Registry != nil {
		services := handler.NewServiceHandler(deps)
		v1.GET("/services/status", services.ListServiceStatuses)
		v1.GET("/services/:name/status", services.GetServiceStatus)
		v1.POST("/services/:name/run", services.RunService)
		if deps.Queue != nil {
			v1.GET("/pagination/queue", services.GetPaginationQueue)
		}
	}

	if deps.Registrations != nil && deps.Pipeline != nil {
		registrations := handler.NewRegistrationHandler(deps)
		regs := v1.Group("/registrations")
		{
			regs.POST("", registrations.CreateRegistration)
			regs.GET("", registrations.ListRegistrations)
			regs.GET("/:id", registrations.GetRegistration)
			regs.POST("/:id/process", registrations.ProcessRegistration)
		}
	}

	if deps.Events != nil {
		v1.GET("/events", handler.NewEventHandler(deps).Stream)
	}

	return r
}
