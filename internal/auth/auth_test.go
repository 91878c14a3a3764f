package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	token, err := svc.Generate(&models.User{ID: "user-1", Email: "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	user, err := svc.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "user-1" || user.Email != "a@example.com" {
		t.Errorf("user = %+v", user)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", time.Hour).Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("secret-b", time.Hour).Validate(token); err == nil {
		t.Error("token signed with a different secret should be rejected")
	}
}

func TestJWTRejectsExpired(t *testing.T) {
	svc := NewJWTService("test-secret", -time.Minute)
	token, err := svc.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(token); err == nil {
		t.Error("expired token should be rejected")
	}
}

func TestJWTRejectsMissingExpiry(t *testing.T) {
	// A token signed with the right secret but no exp claim must not pass.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("test-secret", time.Hour).Validate(token); err == nil {
		t.Error("token without an expiry should be rejected")
	}
}

func TestMiddlewareAuthFlow(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)
	token, err := svc.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatal(err)
	}

	var seen *models.User
	handler := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	// Bad token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}

	// Valid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.ID != "user-1" {
		t.Errorf("context user = %+v", seen)
	}
}

func TestOwnerAuthorizer(t *testing.T) {
	stores := storage.NewMemoryStores()
	ctx := context.Background()

	page := &models.Page{DriveID: "drive-1", OwnerID: "owner-1", Title: "Notes"}
	if err := stores.Pages.CreatePage(ctx, page); err != nil {
		t.Fatal(err)
	}

	authz := NewOwnerAuthorizer(stores.Pages)

	if ok, _ := authz.CanEdit(ctx, "owner-1", page.ID); !ok {
		t.Error("owner should edit")
	}
	if ok, _ := authz.CanEdit(ctx, "other", page.ID); ok {
		t.Error("non-owner should not edit")
	}
	if ok, _ := authz.CanView(ctx, "other", page.ID); !ok {
		t.Error("authenticated users should view")
	}
	if ok, _ := authz.CanView(ctx, "anyone", "missing"); ok {
		t.Error("missing page should not be viewable")
	}
}
