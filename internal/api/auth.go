package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userContextKey = "UserID"
	roleContextKey = "Role"

	// RoleOperator may act on any user's orders and positions.
	RoleOperator = "operator"
	// RoleUser is limited to its own user id.
	RoleUser = "user"
)

// UserClaims represents JWT claims for authenticated callers.
type UserClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("jwt secret is empty")
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if role == "" {
		role = RoleUser
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := UserClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	return signed, expiresAt, err
}

func parseToken(tokenStr, secret string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("token carries no user id")
	}
	return claims, nil
}

// AuthMiddleware enforces JWT auth. With allowQuery the token may also come
// from the "token" query parameter, which browsers need for websockets.
func AuthMiddleware(secret string, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondError(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
				c.Abort()
				return
			}
			raw = strings.TrimSpace(parts[1])
		} else if allowQuery {
			raw = c.Query("token")
		}
		if raw == "" {
			respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			c.Abort()
			return
		}

		claims, err := parseToken(raw, secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(userContextKey, claims.UserID)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

func isOperator(c *gin.Context) bool {
	return c.GetString(roleContextKey) == RoleOperator
}

// authorizeUser resolves the user a request acts on. Callers other than
// operators may only name themselves.
func authorizeUser(c *gin.Context, requested string) (string, bool) {
	self := CurrentUserID(c)
	if requested == "" || requested == self {
		return self, true
	}
	if isOperator(c) {
		return requested, true
	}
	respondError(c, http.StatusForbidden, "FORBIDDEN", "cannot act on another user")
	return "", false
}
