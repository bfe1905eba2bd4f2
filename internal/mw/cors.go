package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS allows the comma separated origins in allowed. "*" echoes any origin.
func CORS(allowed string) gin.HandlerFunc {
	wildcard := strings.TrimSpace(allowed) == "*"
	set := make(map[string]struct{})
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			set[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		_, ok := set[origin]
		if wildcard || ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
