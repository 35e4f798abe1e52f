package admin_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/certroot/certroot/internal/admin"
)

var ctx = context.Background()

func newService() (*admin.Service, *admin.MemoryRepository) {
	repo := admin.NewMemoryRepository()
	svc := admin.NewService(repo, zap.NewNop())
	svc.SetBcryptCost(bcrypt.MinCost)
	return svc, repo
}

func TestRegister_validation(t *testing.T) {
	svc, _ := newService()
	cases := []struct {
		name                            string
		username, password, email, full string
	}{
		{"short username", "ab", "secret1", "a@b.c", "Ada L"},
		{"short password", "ada", "12345", "a@b.c", "Ada L"},
		{"bad email", "ada", "secret1", "ada.example.com", "Ada L"},
		{"short full name", "ada", "secret1", "a@b.c", "A"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.username, tc.password, tc.email, tc.full)
			var ve *admin.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newService()
	a, err := svc.Register(ctx, "ada", "secret1", "ada@example.com", "Ada Lovelace")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsActive || a.PasswordHash == "secret1" {
		t.Errorf("registered admin: %+v", a)
	}

	got, err := svc.Login(ctx, "ada", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("login returned %s, want %s", got.ID, a.ID)
	}

	if _, err := svc.Login(ctx, "ada", "wrong"); !errors.Is(err, admin.ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret1"); !errors.Is(err, admin.ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestRegister_duplicate(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.Register(ctx, "ada", "secret1", "ada@example.com", "Ada Lovelace"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "ada", "secret2", "other@example.com", "Ada Again"); !errors.Is(err, admin.ErrDuplicateUsername) {
		t.Errorf("expected ErrDuplicateUsername, got %v", err)
	}
}

func TestLogin_inactive(t *testing.T) {
	svc, repo := newService()
	a, err := svc.Register(ctx, "ada", "secret1", "ada@example.com", "Ada Lovelace")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.SetActive(ctx, a.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "ada", "secret1"); !errors.Is(err, admin.ErrInactive) {
		t.Errorf("expected ErrInactive, got %v", err)
	}
}

func TestToken_issueVerifyRevoke(t *testing.T) {
	tokens := admin.NewTokenIssuer([]byte("test-secret"), "certroot", time.Hour)
	tok, err := tokens.Issue("admin-1")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.AdminID != "admin-1" {
		t.Errorf("admin_id: got %q", claims.AdminID)
	}

	tokens.Revoke(claims)
	if _, err := tokens.Verify(tok); !errors.Is(err, admin.ErrTokenRevoked) {
		t.Errorf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestToken_rejectsForeignIssuerAndSecret(t *testing.T) {
	a := admin.NewTokenIssuer([]byte("secret-a"), "certroot", time.Hour)
	b := admin.NewTokenIssuer([]byte("secret-b"), "certroot", time.Hour)
	c := admin.NewTokenIssuer([]byte("secret-a"), "elsewhere", time.Hour)

	tok, _ := a.Issue("admin-1")
	if _, err := b.Verify(tok); err == nil {
		t.Error("token signed with another secret must be rejected")
	}
	if _, err := c.Verify(tok); err == nil {
		t.Error("token from another issuer must be rejected")
	}
}

func TestToken_expired(t *testing.T) {
	tokens := admin.NewTokenIssuer([]byte("s"), "certroot", -time.Minute)
	tok, err := tokens.Issue("admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.Verify(tok); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := admin.NewTokenIssuer([]byte("s"), "certroot", time.Hour)
	r := gin.New()
	r.GET("/admin/ping", admin.RequireAdmin(tokens), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin_id": admin.Claims(c).AdminID})
	})

	tok, _ := tokens.Issue("admin-7")
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + tok, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status: got %d, want %d", w.Code, tc.want)
			}
			if tc.want == http.StatusOK && !strings.Contains(w.Body.String(), "admin-7") {
				t.Errorf("body: %s", w.Body.String())
			}
		})
	}
}
