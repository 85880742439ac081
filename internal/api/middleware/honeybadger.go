package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	honeybadger "github.com/honeybadger-io/honeybadger-go"
	"github.com/sirupsen/logrus"
)

// ErrorReporting configures Honeybadger. An empty APIKey disables reporting.
type ErrorReporting struct {
	APIKey string
	Env    string
}

// HoneybadgerMiddleware reports panics and server errors to Honeybadger.
// Failed refreshes reach it through c.Error, so the notice carries the
// upstream or persistence cause. Panics are re-raised for gin.Recovery.
func HoneybadgerMiddleware(cfg ErrorReporting, logger *logrus.Logger) gin.HandlerFunc {
	if cfg.APIKey == "" {
		logger.Info("Honeybadger is not active. Set HONEYBADGER_API_KEY to enable error reporting.")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	honeybadger.Configure(honeybadger.Configuration{
		APIKey: cfg.APIKey,
		Env:    cfg.Env,
	})
	logger.Info("Honeybadger error reporting is enabled.")

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				honeybadger.Notify(fmt.Sprintf("Panic: %s %s", c.Request.Method, c.Request.URL.Path),
					c.Request, honeybadger.Context{"stack": string(debug.Stack())}, honeybadger.Tags{"panic", "http"})
				logger.Error("recovered from panic, notified Honeybadger: ", rec)
				panic(rec)
			}
		}()

		c.Next()

		status := c.Writer.Status()
		if status < http.StatusInternalServerError {
			return
		}

		ctx := honeybadger.Context{"status": status}
		if len(c.Errors) > 0 {
			ctx["errors"] = c.Errors.String()
		}
		honeybadger.Notify(fmt.Sprintf("HTTP %d: %s %s", status, c.Request.Method, c.Request.URL.Path),
			c.Request, ctx, honeybadger.Tags{"5XX", "http"})
		logger.Warnf("Honeybadger reported HTTP %d for %s %s", status, c.Request.Method, c.Request.URL.Path)
	}
}
