package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"quickrevert/api_automation/internal/pipeline"
	"quickrevert/api_automation/internal/webhook"
	"quickrevert/pkg/logging"
	"quickrevert/pkg/middleware"
)

// MaxWebhookBody caps an inbound delivery.
const MaxWebhookBody = 1 << 20

// HandleWebhookVerify answers the platform's subscription handshake.
func HandleWebhookVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	if !webhook.VerifyChallenge(mode, c.Query("hub.verify_token"), deps.VerifyToken) {
		deps.Logger.WithField("mode", mode).Warn("Webhook verification rejected")
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// HandleWebhook accepts one delivery, runs every event through the pipeline
// and acknowledges with a per-event summary. Processing outcomes never change
// the status code.
func HandleWebhook(c *gin.Context) {
	logger := middleware.GetContextLogger(c, deps.Logger)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			incRejected("too_large")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		incRejected("read_error")
		logger.WithError(err).Warn("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := webhook.VerifySignature(deps.AppSecret, body, c.GetHeader(webhook.SignatureHeader)); err != nil {
		incRejected("signature")
		logger.WithError(err).Warn("Webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	events, skipped, err := webhook.Normalize(body)
	if err != nil {
		incRejected("malformed")
		logger.WithError(err).Warn("Failed to parse webhook payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	for _, item := range skipped {
		incRejected("malformed_item")
		logger.WithError(item.Err).WithFields(logging.Fields{
			"entry_id": item.EntryID,
			"category": item.Category,
			"index":    item.Index,
			"raw":      string(item.Raw),
		}).Warn("Skipping undecodable webhook item")
	}

	if deps.Limiter != nil && len(events) > 0 {
		if account, wait, ok := deps.Limiter.Admit(eventCounts(events)); !ok {
			incRejected("rate_limited")
			logger.WithFields(logging.Fields{
				"account_external_id": account,
				"retry_after":         wait.String(),
			}).Warn("Account over its event budget, deferring delivery")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	incWebhook(objectOf(body))
	logger.WithFields(logging.Fields{
		"events":  len(events),
		"skipped": len(skipped),
	}).Info("Received webhook delivery")

	results := []pipeline.EventResult{}
	if len(events) > 0 {
		results = deps.Pipeline.Process(c.Request.Context(), events, middleware.GetRequestID(c))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "received",
		"events":  results,
		"skipped": len(skipped),
	})
}

func objectOf(body []byte) string {
	var head struct {
		Object string `json:"object"`
	}
	if json.Unmarshal(body, &head) != nil || head.Object == "" {
		return "unknown"
	}
	return head.Object
}
