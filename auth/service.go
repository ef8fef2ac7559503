// Package auth maps bearer tokens to ledger actors. User accounts live in an
// external identity service; this package only verifies the tokens it signs
// and lets configured operators log in as admins.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"accountmarket/ledger"
)

const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrInvalidCredentials signals an unknown operator or wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken signals a malformed, expired or foreign token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrWeakSecret signals a signing secret too short for HS256.
	ErrWeakSecret = errors.New("auth: jwt secret must be at least 32 bytes")
)

// Service issues and verifies HS256 tokens.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
	// operators maps admin ids to bcrypt password hashes.
	operators map[string]string
}

type Option func(*Service)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithOperators registers admin logins as id -> bcrypt hash.
func WithOperators(hashes map[string]string) Option {
	return func(s *Service) {
		for id, h := range hashes {
			s.operators[id] = h
		}
	}
}

func NewService(jwtSecret string, opts ...Option) (*Service, error) {
	if len(jwtSecret) < 32 {
		return nil, ErrWeakSecret
	}
	s := &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
		operators: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HashPassword returns the bcrypt hash stored in operator configuration.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("auth: password must be at least 8 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// Login authenticates an operator and returns an admin token.
func (s *Service) Login(operatorID, password string) (string, ledger.Actor, error) {
	hash, ok := s.operators[operatorID]
	if !ok {
		return "", ledger.Actor{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ledger.Actor{}, ErrInvalidCredentials
	}
	actor := ledger.Admin(operatorID)
	token, err := s.Issue(actor)
	if err != nil {
		return "", ledger.Actor{}, err
	}
	return token, actor, nil
}

// Issue signs a token for actor.
func (s *Service) Issue(actor ledger.Actor) (string, error) {
	if strings.TrimSpace(actor.ID) == "" || !isValidRole(actor.Role) {
		return "", fmt.Errorf("auth: cannot issue token for %q/%q", actor.ID, actor.Role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": actor.ID,
		"role":    string(actor.Role),
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates a token and returns the actor it was issued to.
func (s *Service) VerifyToken(tokenString string) (ledger.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return ledger.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ledger.Actor{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return ledger.Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return ledger.Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := ledger.Role(roleStr)
	if !isValidRole(role) {
		return ledger.Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return ledger.Actor{ID: userID, Role: role}, nil
}

func isValidRole(role ledger.Role) bool {
	switch role {
	case ledger.RoleUser, ledger.RoleAdmin, ledger.RoleSystem:
		return true
	default:
		return false
	}
}
