package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"courierops/internal/notify"
	"courierops/internal/orders"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

// defaultListStatuses is what the courier dashboard shows when no explicit
// filter is given: everything still in flight.
var defaultListStatuses = []orders.Status{
	orders.StatusCourierWait, orders.StatusCourierPicked, orders.StatusEnroute,
}

func (s *Server) handleOrders(c *gin.Context) {
	statuses, ok := statusFilter(c)
	if !ok {
		return
	}
	list, err := s.store.OrdersByStatus(c.Request.Context(), statuses)
	if err != nil {
		s.log.Error("order list failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": ordersJSON(list)})
}

func (s *Server) handleRecentOrders(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "since must be unix milliseconds")
			return
		}
		since = time.UnixMilli(ms)
	}
	list, err := s.store.OrdersUpdatedSince(c.Request.Context(), since)
	if err != nil {
		s.log.Error("recent orders failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": ordersJSON(list)})
}

func (s *Server) handleOrderCount(c *gin.Context) {
	statuses, ok := statusFilter(c)
	if !ok {
		return
	}
	n, err := s.store.CountOrdersByStatus(c.Request.Context(), statuses)
	if err != nil {
		s.log.Error("order count failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": n})
}

type statusUpdateRequest struct {
	Status        string `json:"status"`
	CancelComment string `json:"cancelComment"`
}

func (s *Server) handleOrderStatus(c *gin.Context) {
	claims := courierClaims(c)
	orderID := c.Param("orderId")

	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	to := orders.Status(req.Status)
	if !to.CourierMaySet() {
		fail(c, http.StatusBadRequest, "status not allowed")
		return
	}

	order, err := s.store.OrderByID(c.Request.Context(), orderID)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.log.Error("order load failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	if order.CourierID != "" && order.CourierID != claims.CourierID {
		fail(c, http.StatusForbidden, "order is assigned to another courier")
		return
	}

	if err := orders.ValidateTransition(order.Status, to, req.CancelComment); err != nil {
		switch {
		case errors.Is(err, orders.ErrCancelCommentRequired):
			fail(c, http.StatusBadRequest, "cancellation requires a comment")
		default:
			fail(c, http.StatusBadRequest, "transition "+string(order.Status)+" -> "+string(to)+" not allowed")
		}
		return
	}

	// Picking an order claims it.
	assignTo := ""
	if to == orders.StatusCourierPicked {
		assignTo = claims.CourierID
	}
	if err := s.store.UpdateOrderStatus(c.Request.Context(), orderID, to, req.CancelComment, assignTo); err != nil {
		s.log.Error("status update failed", logx.String("order", orders.ShortID(orderID)), logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("order status updated",
		logx.String("order", orders.ShortID(orderID)),
		logx.String("from", string(order.Status)),
		logx.String("to", string(to)),
		logx.String("courier_id", claims.CourierID),
	)

	// The notification is best-effort: delivery problems never roll back or
	// fail a completed transition.
	nreq := notify.Request{OrderID: orderID, Type: notify.TypeStatusUpdate, OldStatus: order.Status}
	if to == orders.StatusCanceled {
		nreq = notify.Request{OrderID: orderID, Type: notify.TypeOrderCancelled, CancelComment: req.CancelComment}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.manager.Handle(ctx, nreq, nil)
	}()

	c.JSON(http.StatusOK, gin.H{"success": true, "status": to})
}

func (s *Server) handleStatistics(c *gin.Context) {
	claims := courierClaims(c)
	filter, ok := statsFilter(c)
	if !ok {
		return
	}
	stats, err := s.store.CourierStatistics(c.Request.Context(), claims.CourierID, filter)
	if err != nil {
		s.log.Error("statistics failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"delivered": stats.Delivered,
		"canceled":  stats.Canceled,
		"revenue":   stats.Revenue,
	})
}

func (s *Server) handleProfileGet(c *gin.Context) {
	claims := courierClaims(c)
	courier, err := s.store.CourierByID(c.Request.Context(), claims.CourierID)
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, "courier not found")
		return
	}
	if err != nil {
		s.log.Error("profile load failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"courier": gin.H{
			"id":          courier.ID,
			"fullname":    courier.Fullname,
			"phoneNumber": courier.Phone,
			"createdAt":   courier.CreatedAt,
		},
	})
}

type profileUpdateRequest struct {
	Fullname string `json:"fullname"`
}

func (s *Server) handleProfilePatch(c *gin.Context) {
	claims := courierClaims(c)
	var req profileUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Fullname) == "" {
		fail(c, http.StatusBadRequest, "fullname is required")
		return
	}
	if err := s.store.UpdateCourierProfile(c.Request.Context(), claims.CourierID, strings.TrimSpace(req.Fullname)); err != nil {
		s.log.Error("profile update failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleTelegramStatus(c *gin.Context) {
	claims := courierClaims(c)
	chatID, err := s.store.CourierChatID(c.Request.Context(), claims.CourierID)
	if err != nil {
		s.log.Error("binding lookup failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "connected": chatID != ""})
}

// handleTelegramUnlink drops the courier's chat binding; re-registering via
// the bot restores it.
func (s *Server) handleTelegramUnlink(c *gin.Context) {
	claims := courierClaims(c)
	if err := s.store.RemoveCourierChatID(c.Request.Context(), claims.CourierID); err != nil {
		s.log.Error("binding removal failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("courier unlinked from chat", logx.String("courier_id", claims.CourierID))
	c.JSON(http.StatusOK, gin.H{"success": true, "connected": false})
}

// statusFilter parses the comma-separated status query, defaulting to the
// in-flight set. Replies with 400 itself when a value is unknown.
func statusFilter(c *gin.Context) ([]orders.Status, bool) {
	raw := c.Query("status")
	if raw == "" {
		return defaultListStatuses, true
	}
	var out []orders.Status
	for _, part := range strings.Split(raw, ",") {
		st := orders.Status(strings.TrimSpace(part))
		if !st.Valid() {
			fail(c, http.StatusBadRequest, "unknown status "+string(st))
			return nil, false
		}
		out = append(out, st)
	}
	return out, true
}

func statsFilter(c *gin.Context) (storage.StatsFilter, bool) {
	var f storage.StatsFilter
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period := c.DefaultQuery("period", "all"); period {
	case "today":
		f.From = midnight
	case "yesterday":
		f.From = midnight.AddDate(0, 0, -1)
		f.To = midnight
	case "week":
		f.From = midnight.AddDate(0, 0, -7)
	case "month":
		f.From = midnight.AddDate(0, -1, 0)
	case "all":
	default:
		fail(c, http.StatusBadRequest, "unknown period "+period)
		return f, false
	}

	for _, q := range []struct {
		name string
		dst  *float64
	}{
		{"priceMin", &f.PriceMin},
		{"priceMax", &f.PriceMax},
	} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			fail(c, http.StatusBadRequest, q.name+" must be a non-negative number")
			return f, false
		}
		*q.dst = v
	}
	return f, true
}

func ordersJSON(list []orders.Order) []gin.H {
	out := make([]gin.H, 0, len(list))
	for i := range list {
		out = append(out, orderJSON(&list[i]))
	}
	return out
}

func orderJSON(o *orders.Order) gin.H {
	items := make([]gin.H, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, gin.H{
			"id":       it.ID,
			"name":     it.Name,
			"price":    it.UnitPrice,
			"quantity": it.Quantity,
		})
	}
	h := gin.H{
		"id":              o.ID,
		"shortId":         orders.ShortID(o.ID),
		"status":          o.Status,
		"statusLabel":     o.Status.Label(),
		"deliveryAddress": o.DeliveryAddress,
		"customerName":    o.CustomerName,
		"customerPhone":   o.CustomerPhone,
		"customerComment": o.CustomerComment,
		"cancelComment":   o.CancelComment,
		"courierId":       o.CourierID,
		"items":           items,
		"total":           o.Total(),
		"createdAt":       o.CreatedAt,
		"updatedAt":       o.UpdatedAt,
	}
	if o.Courier != nil {
		h["courier"] = gin.H{"id": o.Courier.ID, "fullname": o.Courier.Fullname}
	}
	return h
}
