package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"courierops/internal/auth"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

type loginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" || req.Password == "" {
		fail(c, http.StatusBadRequest, "phoneNumber and password are required")
		return
	}

	courier, err := s.store.CourierByAnyPhone(c.Request.Context(), loginCandidates(req.PhoneNumber))
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusUnauthorized, "invalid phone number or password")
		return
	}
	if err != nil {
		s.log.Error("login: courier lookup failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	if !auth.CheckPassword(courier.PasswordHash, req.Password) {
		fail(c, http.StatusUnauthorized, "invalid phone number or password")
		return
	}

	token, err := auth.CreateToken(s.cfg.JWTSecret, courier.ID, courier.Phone, courier.Fullname)
	if err != nil {
		s.log.Error("login: token issue failed", logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     authCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(auth.TokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.log.Info("courier logged in", logx.String("courier_id", courier.ID))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"courier": gin.H{
			"id":          courier.ID,
			"fullname":    courier.Fullname,
			"phoneNumber": courier.Phone,
		},
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleVerify(c *gin.Context) {
	claims := courierClaims(c)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"courier": gin.H{
			"id":          claims.CourierID,
			"fullname":    claims.Fullname,
			"phoneNumber": claims.PhoneNumber,
		},
	})
}

// loginCandidates mirrors the registration-side phone matching: operators
// enter numbers in whatever format they like.
func loginCandidates(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, trimmed)

	out := []string{trimmed}
	if digits != "" && digits != trimmed {
		out = append(out, digits)
	}
	if digits != "" {
		out = append(out, "+"+digits)
	}
	return out
}
