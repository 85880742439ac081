package route

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bassista/notion_cache/internal/api/controller"
	"github.com/bassista/notion_cache/internal/api/middleware"
)

// NewSnapshotRouter registers the cache endpoints. Reads get the short default
// timeout; a refresh walks every page and gets its own refreshTimeout.
func NewSnapshotRouter(group *gin.RouterGroup, reader controller.CacheReader, refresher controller.Refresher, timeout, refreshTimeout time.Duration) {
	sc := controller.NewSnapshotController(reader, refresher)
	timeoutMiddleware := middleware.RequestTimeout(timeout)
	refreshTimeoutMiddleware := middleware.RequestTimeout(refreshTimeout)

	group.GET("cached-data", timeoutMiddleware, sc.CachedData)
	group.GET("cache/status", timeoutMiddleware, sc.CacheStatus)
	group.GET("refresh-data", refreshTimeoutMiddleware, sc.RefreshData)
	group.POST("refresh-data", refreshTimeoutMiddleware, sc.RefreshData)
}
