// README: Authentication middleware: Firebase ID tokens, or trusted identity headers for local runs.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleetdispatch/internal/infra"
)

const (
	ctxKeyUID    = "caller_uid"
	ctxKeyRole   = "caller_role"
	ctxKeyClaims = "caller_claims"

	RoleDriver    = "driver"
	RolePassenger = "passenger"

	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderUserName = "X-User-Name"
)

// Auth verifies the bearer token and stores the caller identity on the context.
// WebSocket upgrades may pass the token as ?access_token= since browsers cannot
// set headers on them.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil {
			GetLogger(c).Info("token rejected", "error", err)
			abortUnauthorized(c, "invalid token")
			return
		}
		setCaller(c, token.UID, token.Claims)
		c.Next()
	}
}

// TrustedHeaders takes the caller identity from X-User-* headers. Only for
// deployments behind a gateway that sets them, and for the bench tool.
func TrustedHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid == "" {
			abortUnauthorized(c, "missing "+HeaderUserID)
			return
		}
		claims := map[string]interface{}{}
		if role := strings.TrimSpace(c.GetHeader(HeaderUserRole)); role != "" {
			claims["role"] = role
		}
		if name := strings.TrimSpace(c.GetHeader(HeaderUserName)); name != "" {
			claims["name"] = name
		}
		setCaller(c, uid, claims)
		c.Next()
	}
}

// RequireRole rejects callers whose role claim is not one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := CallerRole(c)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "role not allowed"})
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxKeyUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}

// CallerClaim returns a string claim, or "" when absent.
func CallerClaim(c *gin.Context, key string) string {
	v, ok := c.Get(ctxKeyClaims)
	if !ok {
		return ""
	}
	claims, _ := v.(map[string]interface{})
	s, _ := claims[key].(string)
	return s
}

func setCaller(c *gin.Context, uid string, claims map[string]interface{}) {
	c.Set(ctxKeyUID, uid)
	c.Set(ctxKeyClaims, claims)
	if role, ok := claims["role"].(string); ok {
		c.Set(ctxKeyRole, role)
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if h != "" {
		token, found := strings.CutPrefix(h, "Bearer ")
		token = strings.TrimSpace(token)
		return token, found && token != ""
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": msg})
}
