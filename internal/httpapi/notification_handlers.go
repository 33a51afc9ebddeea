package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"courierops/internal/notify"
	"courierops/internal/orders"
	logx "courierops/pkg/logx"
)

func (s *Server) handleNotify(c *gin.Context) {
	var req notify.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	tokens := s.cookieTokens(c)
	res := s.manager.Handle(c.Request.Context(), req, tokens)
	// The cookie marks only genuinely new dispatch attempts; duplicates keep
	// the original cookie's clock.
	if res.Success && !res.Duplicate {
		tokens.Record(req.Key(), time.Now())
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

type bulkNotifyRequest struct {
	Notifications []notify.Request `json:"notifications"`
}

func (s *Server) handleNotifyBulk(c *gin.Context) {
	var req bulkNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Notifications) == 0 {
		fail(c, http.StatusBadRequest, "notifications must be non-empty")
		return
	}
	s.runBulk(c, req.Notifications)
}

// handleNotifyAllWaiting fans a NEW_ORDER notification out for every order
// still waiting for a courier. The dedup layer keeps this safe to call from
// several triggers at once: orders already announced within the cooldown
// collapse to duplicates.
func (s *Server) handleNotifyAllWaiting(c *gin.Context) {
	waiting, err := s.store.OrdersByStatus(c.Request.Context(), []orders.Status{orders.StatusCourierWait})
	if err != nil {
		s.log.Error("waiting-order list failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	if len(waiting) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"results": []notify.Result{},
			"summary": gin.H{"total": 0, "sent": 0, "duplicates": 0, "failed": 0},
		})
		return
	}

	reqs := make([]notify.Request, 0, len(waiting))
	for _, o := range waiting {
		reqs = append(reqs, notify.Request{OrderID: o.ID, Type: notify.TypeNewOrder})
	}
	s.log.Info("notifying all waiting orders", logx.Int("orders", len(reqs)))
	s.runBulk(c, reqs)
}

// runBulk feeds the batch through the sequential orchestrator and reports
// the per-item results with a summary, stamping dedup cookies for the
// genuinely new successes.
func (s *Server) runBulk(c *gin.Context, reqs []notify.Request) {
	tokens := s.cookieTokens(c)
	results := s.manager.HandleMany(c.Request.Context(), reqs, tokens)

	sent, duplicates, failed := 0, 0, 0
	for i, r := range results {
		switch {
		case r.Success && r.Duplicate:
			duplicates++
		case r.Success:
			sent++
			tokens.Record(reqs[i].Key(), time.Now())
		default:
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"results": results,
		"summary": gin.H{
			"total":      len(results),
			"sent":       sent,
			"duplicates": duplicates,
			"failed":     failed,
		},
	})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	stats := s.manager.CacheStats()
	c.JSON(http.StatusOK, gin.H{"success": true, "cache": stats})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	s.manager.ClearCache()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "notification cache cleared"})
}
