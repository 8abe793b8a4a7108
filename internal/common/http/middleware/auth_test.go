package middleware_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"warden/internal/common/http/middleware"
	pkgerrors "warden/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := middleware.AuthConfig{Secret: "test-secret", Issuer: "warden"}

	router := gin.New()
	router.GET("/protected", middleware.AuthMiddleware(cfg, middleware.AuthPolicy{}), func(c *gin.Context) {
		if userID, ok := c.Get("user_id"); ok {
			c.Header("X-User-Id", fmt.Sprint(userID))
		}
		c.Status(http.StatusOK)
	})
	router.GET("/admin", middleware.AuthMiddleware(cfg, middleware.AuthPolicy{Roles: []string{"admin"}}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/public", middleware.AuthMiddleware(cfg, middleware.AuthPolicy{Mode: "public"}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	userToken := newAccessToken(t, cfg.Secret, cfg.Issuer, 42, "user", time.Now().Add(time.Minute))
	adminToken := newAccessToken(t, cfg.Secret, cfg.Issuer, 7, "admin", time.Now().Add(time.Minute))

	cases := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
		wantCode   int
		wantUserID string
	}{
		{
			name:       "public without token",
			path:       "/public",
			wantStatus: http.StatusOK,
		},
		{
			name:       "protected missing token",
			path:       "/protected",
			wantStatus: http.StatusUnauthorized,
			wantCode:   int(pkgerrors.TokenInvalid),
		},
		{
			name:       "protected valid token",
			path:       "/protected",
			authHeader: "Bearer " + userToken,
			wantStatus: http.StatusOK,
			wantUserID: "42",
		},
		{
			name:       "admin route denies user role",
			path:       "/admin",
			authHeader: "Bearer " + userToken,
			wantStatus: http.StatusForbidden,
			wantCode:   int(pkgerrors.Forbidden),
		},
		{
			name:       "admin route allows admin role",
			path:       "/admin",
			authHeader: "Bearer " + adminToken,
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.authHeader != "" {
				headers["Authorization"] = tc.authHeader
			}
			rec, resp := performRequest(t, router, http.MethodGet, tc.path, headers)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantCode != 0 && resp.Code != tc.wantCode {
				t.Fatalf("error code = %d, want %d", resp.Code, tc.wantCode)
			}
			if tc.wantUserID != "" && rec.Header().Get("X-User-Id") != tc.wantUserID {
				t.Fatalf("user id header = %s, want %s", rec.Header().Get("X-User-Id"), tc.wantUserID)
			}
		})
	}
}

func TestAuthMiddlewareTokenValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := middleware.AuthConfig{Secret: "test-secret", Issuer: "warden"}

	router := gin.New()
	router.GET("/protected", middleware.AuthMiddleware(cfg, middleware.AuthPolicy{}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	expired := newAccessToken(t, cfg.Secret, cfg.Issuer, 1, "user", time.Now().Add(-time.Minute))
	wrongIssuer := newAccessToken(t, cfg.Secret, "other", 1, "user", time.Now().Add(time.Minute))
	refreshType := signTokenWithClaims(t, cfg.Secret, jwt.MapClaims{
		"role": "user",
		"typ":  "refresh",
		"sub":  "1",
		"iss":  cfg.Issuer,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Minute).Unix(),
	})
	badSubject := signTokenWithClaims(t, cfg.Secret, jwt.MapClaims{
		"role": "user",
		"typ":  "access",
		"sub":  "not-a-number",
		"iss":  cfg.Issuer,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Minute).Unix(),
	})
	wrongSecret := newAccessToken(t, "another-secret", cfg.Issuer, 1, "user", time.Now().Add(time.Minute))

	cases := []struct {
		name     string
		token    string
		wantCode int
	}{
		{name: "expired token", token: expired, wantCode: int(pkgerrors.TokenExpired)},
		{name: "wrong issuer", token: wrongIssuer, wantCode: int(pkgerrors.TokenInvalid)},
		{name: "refresh token rejected", token: refreshType, wantCode: int(pkgerrors.TokenInvalid)},
		{name: "non-numeric subject", token: badSubject, wantCode: int(pkgerrors.TokenInvalid)},
		{name: "wrong secret", token: wrongSecret, wantCode: int(pkgerrors.TokenInvalid)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := performRequest(t, router, http.MethodGet, "/protected", map[string]string{
				"Authorization": "Bearer " + tc.token,
			})
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if resp.Code != tc.wantCode {
				t.Fatalf("error code = %d, want %d", resp.Code, tc.wantCode)
			}
		})
	}
}

func newAccessToken(t *testing.T, secret, issuer string, userID int64, role string, exp time.Time) string {
	t.Helper()
	return signTokenWithClaims(t, secret, jwt.MapClaims{
		"role": role,
		"typ":  "access",
		"sub":  fmt.Sprintf("%d", userID),
		"iss":  issuer,
		"iat":  time.Now().Unix(),
		"exp":  exp.Unix(),
	})
}

func signTokenWithClaims(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return raw
}
