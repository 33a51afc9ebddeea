package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courierops/internal/gateway"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

func (s *Server) handleStartPolling(c *gin.Context) {
	err := s.session.Start(c.Request.Context())
	switch {
	case errors.Is(err, gateway.ErrAlreadyActive):
		c.JSON(http.StatusOK, gin.H{"success": true, "state": s.session.State(), "message": "polling already active"})
	case errors.Is(err, gateway.ErrConflict):
		fail(c, http.StatusConflict, "bot is already polled by another process")
	case err != nil:
		s.log.Error("session start failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "state": s.session.State()})
	}
}

func (s *Server) handleStopPolling(c *gin.Context) {
	if err := s.session.Stop(c.Request.Context()); err != nil {
		s.log.Warn("session stop reported error", logx.Err(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": s.session.State()})
}

func (s *Server) handleForceStop(c *gin.Context) {
	if err := s.session.ForceStopAll(c.Request.Context()); err != nil {
		s.log.Warn("force stop reported error", logx.Err(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "state": s.session.State()})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   s.session.State(),
		"active":  s.session.Active(),
	})
}

func (s *Server) handleSettingsGet(c *gin.Context) {
	token, err := s.store.GetSetting(c.Request.Context(), storage.SettingBotToken)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("settings read failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"configured": token != "",
		"token":      maskToken(token),
	})
}

type settingsRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleSettingsSet(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		fail(c, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.store.SetSetting(c.Request.Context(), storage.SettingBotToken, token); err != nil {
		s.log.Error("settings write failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("bot token updated; takes effect on next session start")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "token saved; restart polling to apply"})
}

// maskToken hides all but the bot id prefix and the last four characters.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	id, _, ok := strings.Cut(token, ":")
	if !ok || len(token) < 8 {
		return "****"
	}
	return id + ":****" + token[len(token)-4:]
}
