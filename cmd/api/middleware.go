package main

import (
	"net/http"
	"strings"

	"github.com/aether-im/aether/internal/auth"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	ctxClaimsKey = "auth_claims"
	ctxUserIDKey = "auth_user_id"
)

// tokenFromRequest extracts the JWT from the Authorization header, the
// token cookie, or (for the websocket handshake, where browsers cannot set
// headers) the token query parameter.
func tokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := c.Cookie("token"); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// authRequired verifies the request's token and stores the claims and the
// parsed user id in the gin context. Identity is resolved here and only
// here; handlers never re-derive it.
func (s *apiServer) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing auth token"})
			return
		}

		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid or expired token"})
			return
		}

		userID, err := bson.ObjectIDFromHex(claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token subject"})
			return
		}

		c.Set(ctxClaimsKey, claims)
		c.Set(ctxUserIDKey, userID)
		c.Next()
	}
}

// claimsFrom returns the verified claims placed by authRequired.
func claimsFrom(c *gin.Context) *auth.Claims {
	return c.MustGet(ctxClaimsKey).(*auth.Claims)
}

// userIDFrom returns the authenticated user's id placed by authRequired.
func userIDFrom(c *gin.Context) bson.ObjectID {
	return c.MustGet(ctxUserIDKey).(bson.ObjectID)
}

// cors reflects the configured frontend origin. The browser client sends
// credentials (the token cookie), so the origin cannot be a wildcard.
func (s *apiServer) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.corsOrigin)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
