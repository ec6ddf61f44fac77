// Package auth issues and checks the tracker's access and refresh tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Authentication results
const (
	TokenValid   = "TOKEN_VALID"
	TokenExpired = "TOKEN_EXPIRED"
	BadToken     = "BAD_TOKEN"
)

// Token audiences
const (
	AudienceAccess  = "access"
	AudienceRefresh = "refresh"
)

// ScopeAdmin grants the admin endpoints.
const ScopeAdmin = "admin"

const leeway = 10 * time.Second

var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
)

// Claims are carried by every token. A token is only good from the IP it was issued to.
type Claims struct {
	IP       string   `json:"ip"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scopes       []string `json:"scopes"`
}

// Auth is the outcome of checking a token.
type Auth struct {
	Result   string
	Username string
	IP       string
	Scopes   []string
}

func (a Auth) Valid() bool { return a.Result == TokenValid }

// HasScope reports whether the token grants scope.
func (a Auth) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Service signs tokens with an HMAC secret and checks credentials against a CredentialStore.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	creds      CredentialStore
	cost       int
	now        func() time.Time

	*Blacklist
}

// NewService creates a token service.
func NewService(secret string, accessTTL, refreshTTL time.Duration, creds CredentialStore) *Service {
	return &Service{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		creds:      creds,
		cost:       bcrypt.DefaultCost,
		now:        time.Now,
		Blacklist:  NewBlacklist(),
	}
}

func (s *Service) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// CreateUser stores a new user with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, username, password string, scopes []string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if scopes == nil {
		scopes = []string{}
	}
	u := User{Username: username, PasswordHash: string(hash), Scopes: scopes, CreatedAt: s.now()}
	if err := s.creds.CreateUser(ctx, u); err != nil {
		return err
	}
	log.Printf("[auth] Created user %s (scopes: %v)", username, scopes)
	return nil
}

// EnsureUser creates the user unless it already exists.
func (s *Service) EnsureUser(ctx context.Context, username, password string, scopes []string) error {
	err := s.CreateUser(ctx, username, password, scopes)
	if errors.Is(err, ErrUserExists) {
		return nil
	}
	return err
}

// Users lists every stored user.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	return s.creds.Users(ctx)
}

// Login checks the password and issues a token pair bound to ip.
func (s *Service) Login(ctx context.Context, username, password, ip string) (*TokenPair, error) {
	u, err := s.creds.User(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	access, err := s.issue(u.Username, ip, u.Scopes, AudienceAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issue(u.Username, ip, u.Scopes, AudienceRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer", Scopes: u.Scopes}, nil
}

// Refresh trades a valid refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip string) (*TokenPair, error) {
	a := s.Authenticate(refreshToken, ip, AudienceRefresh)
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, a.Result)
	}
	// Scopes come from the store so revoked scopes do not survive a refresh
	u, err := s.creds.User(ctx, a.Username)
	if err != nil {
		return nil, err
	}
	access, err := s.issue(u.Username, ip, u.Scopes, AudienceAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refreshToken, TokenType: "bearer", Scopes: u.Scopes}, nil
}

func (s *Service) issue(username, ip string, scopes []string, audience string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		IP:       ip,
		Username: username,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Authenticate checks token for audience and requires it to come from ip.
func (s *Service) Authenticate(token, ip, audience string) Auth {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Auth{Result: TokenExpired}
	case err != nil:
		return Auth{Result: BadToken}
	case claims.IP != ip:
		log.Printf("[auth] Token for %s presented from %s instead of %s", claims.Username, ip, claims.IP)
		return Auth{Result: BadToken}
	}
	return Auth{Result: TokenValid, Username: claims.Username, IP: claims.IP, Scopes: claims.Scopes}
}
