package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quickrevert/api_automation/internal/store"
	"quickrevert/pkg/middleware"
)

// HandleListFailures serves recent failure records, newest first.
func HandleListFailures(c *gin.Context) {
	failures, err := deps.Diagnostics.ListFailures(c.Request.Context(), store.FailureFilter{
		Reason: c.Query("reason"),
		Limit:  queryLimit(c),
	})
	if err != nil {
		adminError(c, err, "Failed to list failures")
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

// HandleListActivity serves recent activity records, newest first.
func HandleListActivity(c *gin.Context) {
	activity, err := deps.Diagnostics.ListActivity(c.Request.Context(), store.ActivityFilter{
		AccountID: c.Query("account_id"),
		Limit:     queryLimit(c),
	})
	if err != nil {
		adminError(c, err, "Failed to list activity")
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": activity, "count": len(activity)})
}

// HandleListRoutes serves every route of one account, inactive ones included.
func HandleListRoutes(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	routes, err := deps.Diagnostics.ListRoutes(c.Request.Context(), accountID)
	if err != nil {
		adminError(c, err, "Failed to list routes")
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": routes, "count": len(routes)})
}

// queryLimit returns 0 for a missing or invalid limit; the store applies its
// default and cap.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func adminError(c *gin.Context, err error, msg string) {
	middleware.GetContextLogger(c, deps.Logger).WithError(err).Error(msg)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
}
