package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/nodehost/internal/store"
)

// Service issues and checks session tokens for users.
type Service struct {
	users      store.UserStore
	jwtSecret  []byte
	tokenTTL   time.Duration
	bcryptCost int
	now        func() time.Time
}

// NewService creates a new authentication service. Without a configured
// secret a random one is generated, which invalidates tokens on restart.
func NewService(users store.UserStore, cfg Config) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl, bcryptCost: cost, now: time.Now}, nil
}

func (s *Service) TokenTTL() time.Duration { return s.tokenTTL }

// Login checks the password and opens a new session. An unknown login is
// registered with the given password first.
func (s *Service) Login(ctx context.Context, login, password string) (*Session, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	u, err := s.users.GetUserByLogin(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		u, err = s.CreateUser(ctx, login, password)
		if errors.Is(err, store.ErrLoginConflict) {
			// registered concurrently
			u, err = s.users.GetUserByLogin(ctx, login)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, ErrUnauthenticated
	}
	return s.issue(ctx, u)
}

// CheckToken returns the expiration of a valid session token.
func (s *Service) CheckToken(ctx context.Context, token string) (time.Time, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return time.Time{}, err
	}
	return p.Expires, nil
}

// Authenticate validates token and resolves its user. A token is valid only
// while it is the user's current session token and has not expired.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || claims.ExpiresAt == nil {
		return nil, ErrUnauthenticated
	}
	u, err := s.users.GetUserByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if u.ID != claims.UserID {
		return nil, ErrUnauthenticated
	}
	return &Principal{User: u, Token: token, Expires: claims.ExpiresAt.Time}, nil
}

// Logout ends the session of token.
func (s *Service) Logout(ctx context.Context, token string) error {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	return s.users.ClearSession(ctx, p.User.ID)
}

// Renew replaces a valid session token with a new one.
func (s *Service) Renew(ctx context.Context, token string) (*Session, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, p.User)
}

// Me returns the user owning token.
func (s *Service) Me(ctx context.Context, token string) (*store.User, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return p.User, nil
}

// CreateUser registers a new account.
func (s *Service) CreateUser(ctx context.Context, login, password string) (*store.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u := &store.User{Login: login, Password: string(hash)}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) issue(ctx context.Context, u *store.User) (*Session, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	claims := Claims{
		UserID: u.ID,
		Login:  u.Login,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	if err := s.users.SetSession(ctx, u.ID, token, now); err != nil {
		return nil, err
	}
	tok := token
	u.Token = &tok
	loggedIn := now.UTC()
	u.LoggedIn = &loggedIn
	return &Session{Token: token, Expires: claims.ExpiresAt.Time, User: u}, nil
}
