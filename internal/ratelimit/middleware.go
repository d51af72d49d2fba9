package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rpcgate/rpcgate/pkg/errors"
)

const (
	headerAPIKey  = "X-API-Key"
	headerCountry = "X-Country-Code"
)

// Middleware returns the gin admission middleware. Every response carries the
// X-RateLimit-* headers; rejected requests get 429 with a Retry-After hint
// and are never retried internally.
func Middleware(limiter *Limiter, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := Request{
			IP:       c.ClientIP(),
			Endpoint: c.FullPath(),
			APIKey:   c.GetHeader(headerAPIKey),
			Country:  c.GetHeader(headerCountry),
		}
		if req.Endpoint == "" {
			req.Endpoint = c.Request.URL.Path
		}
		if userID, tier, ok := claimsFromBearer(c.GetHeader("Authorization"), jwtSecret); ok {
			req.UserID = userID
			req.Tier = tier
			c.Set("user_id", userID)
		}

		allowed, info := limiter.Check(c.Request.Context(), req)
		for k, v := range info.Headers {
			c.Header(k, v)
		}

		if !allowed {
			if info.RetryAfter > 0 {
				seconds := int(info.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			appErr := errors.NewRateLimitError(string(info.Dimension), info.Reset)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"type":    string(errors.ErrorTypeRateLimit),
					"code":    errors.GetCode(appErr),
					"message": info.Reason,
				},
			})
			return
		}
		c.Next()
	}
}

// claimsFromBearer extracts the user id and tier from a bearer token. An
// absent or invalid token is not an error here; the request simply limits by
// IP alone. Authentication proper is the gateway's concern.
func claimsFromBearer(header, secret string) (userID string, tier Tier, ok bool) {
	if secret == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", "", false
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, valid := t.Method.(*jwt.SigningMethodHMAC); !valid {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", "", false
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		userID = sub
	}
	if v, exists := claims["user_id"]; exists {
		if s, isString := v.(string); isString && s != "" {
			userID = s
		}
	}
	if userID == "" {
		return "", "", false
	}
	if v, exists := claims["tier"]; exists {
		if s, isString := v.(string); isString {
			tier = Tier(s)
		}
	}
	return userID, tier, true
}
