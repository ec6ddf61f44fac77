package auth

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := NewService("s3cret", 15*time.Minute, 24*time.Hour, NewMemoryCredentials())
	s.cost = bcrypt.MinCost
	s.now = c.now
	if err := s.CreateUser(context.Background(), "admin", "hunter2", []string{ScopeAdmin}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return s, c
}

func TestLoginAndAuthenticate(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	if _, err := s.Login(ctx, "admin", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password err = %v", err)
	}
	if _, err := s.Login(ctx, "nobody", "hunter2", "10.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v", err)
	}

	pair, err := s.Login(ctx, "admin", "hunter2", "10.0.0.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.TokenType != "bearer" || !reflect.DeepEqual(pair.Scopes, []string{ScopeAdmin}) {
		t.Fatalf("pair = %+v", pair)
	}

	a := s.Authenticate(pair.AccessToken, "10.0.0.1", AudienceAccess)
	if !a.Valid() || a.Username != "admin" || !a.HasScope(ScopeAdmin) {
		t.Fatalf("auth = %+v", a)
	}
}

func TestTokenBoundToIPAndAudience(t *testing.T) {
	s, _ := newService(t)
	pair, _ := s.Login(context.Background(), "admin", "hunter2", "10.0.0.1")

	if a := s.Authenticate(pair.AccessToken, "10.0.0.2", AudienceAccess); a.Result != BadToken {
		t.Fatalf("other ip = %s", a.Result)
	}
	if a := s.Authenticate(pair.RefreshToken, "10.0.0.1", AudienceAccess); a.Result != BadToken {
		t.Fatalf("refresh token as access = %s", a.Result)
	}
	if a := s.Authenticate(pair.AccessToken, "10.0.0.1", AudienceRefresh); a.Result != BadToken {
		t.Fatalf("access token as refresh = %s", a.Result)
	}
	if a := s.Authenticate("not-a-token", "10.0.0.1", AudienceAccess); a.Result != BadToken {
		t.Fatalf("garbage = %s", a.Result)
	}

	other := NewService("different", time.Minute, time.Minute, NewMemoryCredentials())
	other.now = s.now
	if a := other.Authenticate(pair.AccessToken, "10.0.0.1", AudienceAccess); a.Result != BadToken {
		t.Fatalf("wrong secret = %s", a.Result)
	}
}

func TestRejectsNonHMACTokens(t *testing.T) {
	s, c := newService(t)
	claims := Claims{IP: "10.0.0.1", Username: "admin", Scopes: []string{ScopeAdmin},
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceAccess},
			ExpiresAt: jwt.NewNumericDate(c.t.Add(time.Hour)),
		}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if a := s.Authenticate(tok, "10.0.0.1", AudienceAccess); a.Result != BadToken {
		t.Fatalf("alg none = %s", a.Result)
	}
}

func TestExpiryWithLeeway(t *testing.T) {
	s, c := newService(t)
	pair, _ := s.Login(context.Background(), "admin", "hunter2", "10.0.0.1")
	issued := c.t

	c.t = issued.Add(15*time.Minute + 5*time.Second)
	if a := s.Authenticate(pair.AccessToken, "10.0.0.1", AudienceAccess); a.Result != TokenValid {
		t.Fatalf("within leeway = %s", a.Result)
	}
	c.t = issued.Add(15*time.Minute + 11*time.Second)
	if a := s.Authenticate(pair.AccessToken, "10.0.0.1", AudienceAccess); a.Result != TokenExpired {
		t.Fatalf("past leeway = %s", a.Result)
	}

	fresh, err := s.Refresh(context.Background(), pair.RefreshToken, "10.0.0.1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if a := s.Authenticate(fresh.AccessToken, "10.0.0.1", AudienceAccess); !a.Valid() {
		t.Fatalf("refreshed token = %s", a.Result)
	}
	if _, err := s.Refresh(context.Background(), pair.RefreshToken, "10.9.9.9"); err == nil {
		t.Fatalf("refresh from another ip succeeded")
	}
}

func TestCreateUser(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, "admin", "x", nil); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := s.EnsureUser(ctx, "admin", "x", nil); err != nil {
		t.Fatalf("EnsureUser existing: %v", err)
	}
	if err := s.CreateUser(ctx, "", "x", nil); err == nil {
		t.Fatalf("empty username accepted")
	}
	s.CreateUser(ctx, "alice", "pw", []string{"peer"})

	users, _ := s.Users(ctx)
	if len(users) != 2 || users[0].Username != "admin" || users[1].Username != "alice" {
		t.Fatalf("users = %+v", users)
	}
	if strings.Contains(users[1].PasswordHash, "pw") || users[1].PasswordHash == "" {
		t.Fatalf("password not hashed")
	}
}

func TestBlacklist(t *testing.T) {
	b := NewBlacklist()
	got := b.Ban([]string{"10.0.0.1", "256.1.1.1", "::1", "hello", "192.168.1.20", "10.0.0.1"})
	if !reflect.DeepEqual(got, []string{"10.0.0.1", "192.168.1.20"}) {
		t.Fatalf("banned = %v", got)
	}
	if !b.IsBanned("192.168.1.20") || b.IsBanned("192.168.1.21") {
		t.Fatalf("IsBanned wrong")
	}
}
