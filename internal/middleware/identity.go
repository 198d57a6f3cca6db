package middleware

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	UserIDKey = "user_id"
	RoleKey   = "role"
)

// HolderID returns the authenticated caller's id, or "" when JWTAuth did
// not run for the route.
func HolderID(c echo.Context) string {
	if s, ok := c.Get(UserIDKey).(string); ok {
		return s
	}
	return ""
}

// subject reads "sub", falling back to "user_id". Identity providers that
// use numeric ids put a JSON number there.
func subject(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "user_id"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}
