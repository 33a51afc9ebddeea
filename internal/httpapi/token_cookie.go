package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	dedupCookiePrefix = "notification_"
	dedupCookieMaxAge = 300 // seconds; matches the dedup cooldown
)

// cookieTokenStore is the browser-visible idempotency layer: one signed
// cookie per notification key, so a page reload cannot re-trigger a send even
// when it lands on a fresh process whose in-memory cache is empty.
//
// The value is "<unix-ms>.<hex hmac>" keyed with the JWT secret; an
// unverifiable cookie is ignored rather than rejected.
type cookieTokenStore struct {
	c      *gin.Context
	secret []byte
}

func (s *Server) cookieTokens(c *gin.Context) *cookieTokenStore {
	return &cookieTokenStore{c: c, secret: []byte(s.cfg.JWTSecret)}
}

func (t *cookieTokenStore) Check(key string) bool {
	val, err := t.c.Cookie(dedupCookiePrefix + key)
	if err != nil || val == "" {
		return false
	}
	ts, sig, ok := strings.Cut(val, ".")
	if !ok {
		return false
	}
	if !hmac.Equal([]byte(sig), []byte(t.sign(key, ts))) {
		return false
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.UnixMilli(ms)) < dedupCookieMaxAge*time.Second
}

func (t *cookieTokenStore) Record(key string, at time.Time) {
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	http.SetCookie(t.c.Writer, &http.Cookie{
		Name:     dedupCookiePrefix + key,
		Value:    ts + "." + t.sign(key, ts),
		Path:     "/",
		MaxAge:   dedupCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (t *cookieTokenStore) sign(key, ts string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'|'})
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}
