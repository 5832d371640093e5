package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/repository/memory"
	"github.com/CuAuPro/switchyard/pkg/config"
	jwtpkg "github.com/CuAuPro/switchyard/pkg/jwt"
)

func newTestService(t *testing.T) (Service, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	cfg := config.APIConfig{
		JWTSecret:         "test-secret",
		AccessTokenTTL:    time.Hour,
		SeedAdminEmail:    "admin@switchyard.dev",
		SeedAdminPassword: "Switchyard!123",
		SeedAdminName:     "Switchyard Admin",
	}
	return New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg), repo
}

func TestSeedAdminIsIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := svc.SeedAdmin(ctx); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	user, err := repo.GetUserByEmail(ctx, "ADMIN@switchyard.dev")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if user.Role != domain.RoleAdmin || user.Name != "Switchyard Admin" {
		t.Fatalf("unexpected seeded user %+v", user)
	}
}

func TestLoginIssuesTokenWithRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.SeedAdmin(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	session, err := svc.Login(ctx, "admin@switchyard.dev", "Switchyard!123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := jwtpkg.Parse(session.Token, "test-secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Role != string(domain.RoleAdmin) || claims.Subject != session.User.ID {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if session.ExpiresIn != 3600 {
		t.Fatalf("expected 3600s expiry, got %d", session.ExpiresIn)
	}

	user, err := svc.Authorize(ctx, " "+session.Token+" ")
	if err != nil || user.ID != session.User.ID {
		t.Fatalf("authorize: %v %+v", err, user)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.SeedAdmin(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Login(ctx, "admin@switchyard.dev", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@switchyard.dev", "Switchyard!123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestAuthorizeRejectsForeignTokens(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Authorize(context.Background(), ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required, got %v", err)
	}
	forged, err := jwtpkg.GenerateToken("someone", "admin", "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Authorize(context.Background(), forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
