package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bassista/notion_cache/internal/logger"
	"github.com/bassista/notion_cache/internal/repository"
)

// CacheReader returns the persisted snapshot. *snapshot.Reader implements it.
type CacheReader interface {
	ReadCache(ctx context.Context) repository.Snapshot
}

// Refresher rebuilds the snapshot from Notion. *snapshot.Refresher implements it.
type Refresher interface {
	Refresh(ctx context.Context) (repository.Snapshot, error)
}

// CacheStatusResponse summarizes the cache without returning records.
type CacheStatusResponse struct {
	Records int  `json:"records"`
	Empty   bool `json:"empty"`
}

// SnapshotController serves the cached and refreshed task snapshots.
type SnapshotController struct {
	reader    CacheReader
	refresher Refresher
}

func NewSnapshotController(reader CacheReader, refresher Refresher) *SnapshotController {
	return &SnapshotController{reader: reader, refresher: refresher}
}

// CachedData handles GET /api/cached-data. It always answers 200 with a JSON array.
func (sc *SnapshotController) CachedData(c *gin.Context) {
	snap := sc.reader.ReadCache(c.Request.Context())
	logger.WithComponent("snapshot-controller").Debugf("serving %d cached records", snap.Len())
	c.JSON(http.StatusOK, snap)
}

// RefreshData handles GET|POST /api/refresh-data. Client-supplied cursors are
// ignored: every refresh walks the database from the start.
func (sc *SnapshotController) RefreshData(c *gin.Context) {
	log := logger.WithComponent("snapshot-controller")
	log.Info("refresh-data endpoint called")

	snap, err := sc.refresher.Refresh(c.Request.Context())
	if err != nil {
		status, msg := refreshErrorResponse(c.Request.Context(), err)
		log.Errorf("refresh failed: %v", err)
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	log.Infof("returning %d records to client", snap.Len())
	c.JSON(http.StatusOK, snap)
}

// CacheStatus handles GET /api/cache/status.
func (sc *SnapshotController) CacheStatus(c *gin.Context) {
	snap := sc.reader.ReadCache(c.Request.Context())
	c.JSON(http.StatusOK, CacheStatusResponse{Records: snap.Len(), Empty: snap.Len() == 0})
}

// refreshErrorResponse maps refresh failures to a status and client message.
// Only the expiry of the request's own deadline answers 504; an upstream
// client timeout is an ordinary upstream failure.
func refreshErrorResponse(ctx context.Context, err error) (int, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "refresh timed out: " + err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
