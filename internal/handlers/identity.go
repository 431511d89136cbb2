package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/ytakahashi/listsync/internal/models"
)

const sessionKey = "session"

var errUnauthenticated = errors.New("unauthenticated")

// Identity resolves the caller's session once per request. With a secret,
// callers present an HS256 token (Authorization header, or ?token= for
// websocket clients) whose sub is the uid. Without one, identity headers set
// by an upstream proxy are trusted.
func Identity(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, err := sessionFromRequest(c.Request(), secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			c.Set(sessionKey, s)
			return next(c)
		}
	}
}

// SessionFrom returns the session stored by Identity.
func SessionFrom(c echo.Context) models.Session {
	s, _ := c.Get(sessionKey).(models.Session)
	return s
}

func sessionFromRequest(r *http.Request, secret string) (models.Session, error) {
	if secret == "" {
		s := models.Session{UID: r.Header.Get("X-User-ID"), Email: r.Header.Get("X-User-Email")}
		if s.UID == "" {
			return models.Session{}, fmt.Errorf("%w: X-User-ID header is required", errUnauthenticated)
		}
		return s, nil
	}

	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(raw, "Bearer ") {
		raw = strings.TrimPrefix(raw, "Bearer ")
	} else {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return models.Session{}, fmt.Errorf("%w: bearer token is required", errUnauthenticated)
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: unexpected claims", errUnauthenticated)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return models.Session{}, fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}
	email, _ := claims["email"].(string)
	return models.Session{UID: sub, Email: email}, nil
}
