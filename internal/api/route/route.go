package route

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bassista/notion_cache/internal/api/middleware"
	"github.com/bassista/notion_cache/internal/app"
)

// SetupRoutes builds the gin engine with every public endpoint.
func SetupRoutes(appCtx *app.App, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.HoneybadgerMiddleware(middleware.ErrorReporting{
		APIKey: appCtx.Config.Misc.HoneybadgerAPIKey,
		Env:    appCtx.Config.Misc.Environment,
	}, logger))
	r.Use(gin.LoggerWithWriter(logger.Writer()))
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "UP",
		})
	})

	api := r.Group("/api")
	NewSnapshotRouter(api, appCtx.Reader, appCtx.Refresher, appCtx.Config.Server.RequestTimeout, appCtx.Config.Server.RefreshTimeout)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}
