package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// PrincipalKey is the gin context key of the authenticated *Principal
	PrincipalKey ContextKey = "auth_principal"
)

const maxTokenBody = 1 << 20

// Challenge is sent in WWW-Authenticate on 401 responses.
const Challenge = `Token realm="Access to the system"`

// GinAuth rejects requests without a valid session token.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Authenticate(c.Request.Context(), TokenFromRequest(c.Request))
		if err != nil {
			status := http.StatusUnauthorized
			msg := "Unauthenticated"
			if errors.Is(err, ErrUnauthenticated) {
				c.Header("WWW-Authenticate", Challenge)
			} else {
				status = http.StatusInternalServerError
				msg = "Authentication check failed"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"status":  status,
				"message": msg,
				"errors":  []string{err.Error()},
			})
			return
		}
		c.Set(string(PrincipalKey), p)
		c.Next()
	}
}

// FromContext returns the principal stored by GinAuth.
func FromContext(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(string(PrincipalKey))
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// TokenFromRequest looks for the token in the Authorization header
// ("Token <t>" or "Bearer <t>"), the query string, a form field or a JSON
// body field, in that order. A JSON body is restored after reading.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 {
			switch strings.ToLower(parts[0]) {
			case "token", "bearer":
				return strings.TrimSpace(parts[1])
			}
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"), strings.HasPrefix(ct, "multipart/form-data"):
		return r.FormValue("token")
	case strings.HasPrefix(ct, "application/json") && r.Body != nil:
		b, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBody))
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(b))
		if err != nil {
			return ""
		}
		var body struct {
			Token string `json:"token"`
		}
		if json.Unmarshal(b, &body) == nil {
			return body.Token
		}
	}
	return ""
}
