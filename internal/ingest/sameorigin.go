package ingest

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// SameOrigin rejects browser requests arriving from another site. The check
// relies on Sec-Fetch-Site where present and otherwise compares Origin
// against the configured app URL. Requests without either header pass; the
// upload token is the real credential.
func SameOrigin(appURL string) gin.HandlerFunc {
	allowedOrigin := ""
	if appURL != "" {
		if u, err := url.Parse(appURL); err == nil {
			allowedOrigin = u.Scheme + "://" + u.Host
		}
	}

	return func(c *gin.Context) {
		if reason := crossOriginReason(allowedOrigin, c.Request); reason != "" {
			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		c.Next()
	}
}

func crossOriginReason(allowedOrigin string, r *http.Request) string {
	if allowedOrigin == "" {
		return "app_url_not_set"
	}
	if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
		return "cross-site"
	}
	if origin := r.Header.Get("Origin"); origin != "" && origin != allowedOrigin {
		return "origin_mismatch"
	}
	return ""
}
