package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loykin/nodehost/internal/store"
)

var (
	ErrUnauthenticated    = errors.New("authentication required")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const DefaultTokenTTL = 20 * time.Minute

// Config represents configuration for the auth service
type Config struct {
	JWTSecret  string        `mapstructure:"jwt_secret" json:"-"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" json:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost" json:"bcrypt_cost"`
}

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Login  string `json:"login"`
	jwt.RegisteredClaims
}

// Session is a freshly issued token.
type Session struct {
	Token   string      `json:"token"`
	Expires time.Time   `json:"expires"`
	User    *store.User `json:"user"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	User    *store.User
	Token   string
	Expires time.Time
}
